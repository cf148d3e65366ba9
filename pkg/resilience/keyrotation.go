package resilience

import (
	"sync"
)

// KeyRotation round-robins across a fixed list of API keys, skipping any
// whose breaker is not attempt-eligible or whose quota rejects a reservation,
// and persists the next starting index so a restart doesn't stampede key 0.
type KeyRotation struct {
	mu        sync.Mutex
	keys      []string
	breakers  *Registry
	quota     *QuotaTracker
	nextIndex int
	path      string
}

type keyRotationState struct {
	NextIndex int `json:"next_index"`
}

// NewKeyRotation builds a rotation manager over keys, loading a persisted
// next_index from path (defaulting to 0).
func NewKeyRotation(keys []string, breakers *Registry, quota *QuotaTracker, path string) *KeyRotation {
	kr := &KeyRotation{
		keys:     keys,
		breakers: breakers,
		quota:    quota,
		path:     path,
	}
	var st keyRotationState
	if ok, _ := readJSON(path, &st); ok {
		kr.nextIndex = st.NextIndex
	}
	return kr
}

// Acquired is a held reservation plus the key it was granted against.
type Acquired struct {
	Key   string
	KeyID string
	Res   *Reservation
}

// GetNextAvailable implements get_next_available: it scans at most len(keys)
// keys starting from the persisted index, skipping any key whose breaker is
// not attempt-eligible or whose quota reservation is rejected. Returns nil
// if every key is currently unusable.
func (kr *KeyRotation) GetNextAvailable(expectedTokens int64) (*Acquired, error) {
	kr.mu.Lock()
	defer kr.mu.Unlock()

	n := len(kr.keys)
	if n == 0 {
		return nil, nil
	}

	var lastReject error
	for i := 0; i < n; i++ {
		idx := (kr.nextIndex + i) % n
		key := kr.keys[idx]

		if !kr.breakers.Get(key).CanAttempt() {
			continue
		}
		res, err := kr.quota.TryReserve(key, expectedTokens)
		if err != nil {
			lastReject = err
			continue
		}

		kr.nextIndex = (idx + 1) % n
		kr.persistLocked()
		return &Acquired{Key: key, KeyID: key, Res: res}, nil
	}
	return nil, lastReject
}

func (kr *KeyRotation) persistLocked() {
	_ = writeJSON(kr.path, keyRotationState{NextIndex: kr.nextIndex})
}

// MarkKeyFailure forwards a failure to the key's circuit breaker.
func (kr *KeyRotation) MarkKeyFailure(keyID string) {
	kr.breakers.Get(keyID).RecordFailure()
}

// MarkKeySuccess forwards a success to the key's circuit breaker and commits
// the reservation's actual token cost.
func (kr *KeyRotation) MarkKeySuccess(a *Acquired, actualTokens int64) error {
	kr.breakers.Get(a.KeyID).RecordSuccess()
	return kr.quota.Commit(a.Res, actualTokens)
}

// CancelReservation rolls back a reservation that was never attempted
// (e.g. the caller gave up before calling the remote LLM).
func (kr *KeyRotation) CancelReservation(a *Acquired) error {
	return kr.quota.Cancel(a.Res)
}

package episode

import (
	"sync"
	"time"

	"github.com/loomcast/loomcast/pkg/persist"
)

// ProgressStore is a single JSON document mapping episode guid to Progress.
type ProgressStore struct {
	mu   sync.Mutex
	path string
	docs map[string]*Progress
	now  func() time.Time
}

// NewProgressStore loads path, or starts empty if it is missing or corrupt.
func NewProgressStore(path string) *ProgressStore {
	s := &ProgressStore{path: path, docs: make(map[string]*Progress), now: time.Now}
	var loaded map[string]*Progress
	if ok, _ := persist.ReadJSON(path, &loaded); ok {
		s.docs = loaded
	}
	return s
}

func (s *ProgressStore) persistLocked() error {
	return persist.WriteJSON(s.path, s.docs)
}

// AddEpisode registers a PENDING progress entry for an episode if one
// doesn't already exist.
func (s *ProgressStore) AddEpisode(guid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[guid]; ok {
		return nil
	}
	s.docs[guid] = &Progress{
		GUID:           guid,
		Status:         StatusPending,
		LastUpdateTime: s.now(),
	}
	return s.persistLocked()
}

// GetPending returns every episode whose status is PENDING, or FAILED with
// fewer than maxAttempts attempts so far, in map-iteration order.
func (s *ProgressStore) GetPending(maxAttempts int) []*Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Progress
	for _, p := range s.docs {
		if p.Status == StatusPending {
			out = append(out, p)
			continue
		}
		if p.Status == StatusFailed && p.AttemptCount < maxAttempts {
			out = append(out, p)
		}
	}
	return out
}

// MarkStarted transitions guid to IN_PROGRESS and increments attempt_count.
func (s *ProgressStore) MarkStarted(guid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.getOrCreateLocked(guid)
	p.Status = StatusInProgress
	p.AttemptCount++
	p.LastUpdateTime = s.now()
	return s.persistLocked()
}

// MarkCompleted transitions guid to COMPLETED with its emitted output path.
func (s *ProgressStore) MarkCompleted(guid, outputPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.getOrCreateLocked(guid)
	p.Status = StatusCompleted
	p.OutputPath = outputPath
	p.LastError = ""
	p.LastUpdateTime = s.now()
	return s.persistLocked()
}

// MarkFailed transitions guid to FAILED with a reason.
func (s *ProgressStore) MarkFailed(guid, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.getOrCreateLocked(guid)
	p.Status = StatusFailed
	p.LastError = reason
	p.LastUpdateTime = s.now()
	return s.persistLocked()
}

// Get returns the progress entry for guid, if any.
func (s *ProgressStore) Get(guid string) (*Progress, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.docs[guid]
	return p, ok
}

func (s *ProgressStore) getOrCreateLocked(guid string) *Progress {
	p, ok := s.docs[guid]
	if !ok {
		p = &Progress{GUID: guid, Status: StatusPending}
		s.docs[guid] = p
	}
	return p
}

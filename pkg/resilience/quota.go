package resilience

import (
	"errors"
	"sync"
	"time"
)

// RejectReason names why try_reserve refused a reservation.
type RejectReason string

const (
	RejectMinuteExceeded RejectReason = "minute_exceeded"
	RejectDayRequests    RejectReason = "day_requests_exceeded"
	RejectDayTokens      RejectReason = "day_tokens_exceeded"
)

// RejectError carries the reason a reservation was refused.
type RejectError struct {
	Reason RejectReason
}

func (e *RejectError) Error() string { return "quota: " + string(e.Reason) }

// QuotaLimits are the per-key ceilings the tracker enforces.
type QuotaLimits struct {
	RequestsPerMinute int
	RequestsPerDay    int
	TokensPerDay       int64
}

// DefaultQuotaLimits matches spec defaults: 5/min, 25/day, 1M tokens/day.
var DefaultQuotaLimits = QuotaLimits{
	RequestsPerMinute: 5,
	RequestsPerDay:    25,
	TokensPerDay:       1_000_000,
}

// KeyUsage is the persisted per-key counter state.
type KeyUsage struct {
	RequestsInCurrentMinute int       `json:"requests_in_current_minute"`
	RequestsToday           int       `json:"requests_today"`
	TokensToday             int64     `json:"tokens_today"`
	MinuteWindowStart       time.Time `json:"minute_window_start"`
	DayStartLocal           time.Time `json:"day_start_local"`
}

// Snapshot is the read-only view returned by QuotaTracker.Snapshot.
type Snapshot struct {
	RequestsToday         int
	TokensToday           int64
	RequestsLastMinute    int
	MinuteSlotsRemaining int
}

// Reservation must be resolved by exactly one of Commit or Cancel.
type Reservation struct {
	KeyID           string
	EstimatedTokens int64
	committed       bool
}

// QuotaTracker enforces per-key requests-per-minute, requests-per-day, and
// tokens-per-day limits, with midnight-local rollover and atomic persistence.
type QuotaTracker struct {
	mu     sync.Mutex
	limits QuotaLimits
	loc    *time.Location
	usage  map[string]*KeyUsage
	path   string
	now    func() time.Time
}

// NewQuotaTracker loads persisted counters from path, or starts at zero if
// the file is missing or unreadable.
func NewQuotaTracker(path string, limits QuotaLimits, loc *time.Location) *QuotaTracker {
	if loc == nil {
		loc = time.Local
	}
	if limits.RequestsPerMinute <= 0 {
		limits.RequestsPerMinute = DefaultQuotaLimits.RequestsPerMinute
	}
	if limits.RequestsPerDay <= 0 {
		limits.RequestsPerDay = DefaultQuotaLimits.RequestsPerDay
	}
	if limits.TokensPerDay <= 0 {
		limits.TokensPerDay = DefaultQuotaLimits.TokensPerDay
	}
	t := &QuotaTracker{
		limits: limits,
		loc:    loc,
		usage:  make(map[string]*KeyUsage),
		path:   path,
		now:    time.Now,
	}
	var persisted map[string]*KeyUsage
	if ok, _ := readJSON(path, &persisted); ok {
		t.usage = persisted
	}
	return t
}

func (t *QuotaTracker) dayStart(at time.Time) time.Time {
	y, m, d := at.In(t.loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.loc)
}

// resetIfDayRolled implements reset_if_day_rolled; must hold mu.
func (t *QuotaTracker) resetIfDayRolled(key string) *KeyUsage {
	u, ok := t.usage[key]
	if !ok {
		u = &KeyUsage{}
		t.usage[key] = u
	}
	today := t.dayStart(t.now())
	if u.DayStartLocal.IsZero() || u.DayStartLocal.Before(today) {
		u.DayStartLocal = today
		u.RequestsToday = 0
		u.TokensToday = 0
	}
	return u
}

// ResetIfDayRolled is the exported form used by callers that only want to
// force the rollover check without reserving.
func (t *QuotaTracker) ResetIfDayRolled(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetIfDayRolled(key)
}

// refillMinute drops the sliding 60s window if it has elapsed; must hold mu.
func (t *QuotaTracker) refillMinute(u *KeyUsage) {
	now := t.now()
	if u.MinuteWindowStart.IsZero() || now.Sub(u.MinuteWindowStart) >= time.Minute {
		u.MinuteWindowStart = now
		u.RequestsInCurrentMinute = 0
	}
}

// TryReserve atomically checks and reserves one request for key against all
// three limits, returning a Reservation to be Committed or Cancelled.
func (t *QuotaTracker) TryReserve(key string, estimatedTokens int64) (*Reservation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	u := t.resetIfDayRolled(key)
	t.refillMinute(u)

	if u.RequestsInCurrentMinute >= t.limits.RequestsPerMinute {
		return nil, &RejectError{Reason: RejectMinuteExceeded}
	}
	if u.RequestsToday >= t.limits.RequestsPerDay {
		return nil, &RejectError{Reason: RejectDayRequests}
	}
	if u.TokensToday+estimatedTokens > t.limits.TokensPerDay {
		return nil, &RejectError{Reason: RejectDayTokens}
	}

	u.RequestsInCurrentMinute++
	u.RequestsToday++
	u.TokensToday += estimatedTokens

	return &Reservation{KeyID: key, EstimatedTokens: estimatedTokens}, nil
}

// Commit finalizes a reservation, adjusting tokens_today by the delta between
// the actual usage reported and the original estimate, then persists.
func (t *QuotaTracker) Commit(r *Reservation, actualTokens int64) error {
	if r.committed {
		return errors.New("resilience: reservation already resolved")
	}
	t.mu.Lock()
	u, ok := t.usage[r.KeyID]
	if ok {
		u.TokensToday += actualTokens - r.EstimatedTokens
		if u.TokensToday < 0 {
			u.TokensToday = 0
		}
	}
	r.committed = true
	t.mu.Unlock()
	return t.Persist()
}

// Cancel rolls back a reservation's effect on all three counters.
func (t *QuotaTracker) Cancel(r *Reservation) error {
	if r.committed {
		return errors.New("resilience: reservation already resolved")
	}
	t.mu.Lock()
	u, ok := t.usage[r.KeyID]
	if ok {
		u.RequestsInCurrentMinute--
		u.RequestsToday--
		u.TokensToday -= r.EstimatedTokens
		if u.TokensToday < 0 {
			u.TokensToday = 0
		}
	}
	r.committed = true
	t.mu.Unlock()
	return t.Persist()
}

// Snapshot returns the current counters for key without mutating state
// beyond the day-rollover check every access performs.
func (t *QuotaTracker) Snapshot(key string) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	u := t.resetIfDayRolled(key)
	t.refillMinute(u)
	return Snapshot{
		RequestsToday:        u.RequestsToday,
		TokensToday:          u.TokensToday,
		RequestsLastMinute:   u.RequestsInCurrentMinute,
		MinuteSlotsRemaining: t.limits.RequestsPerMinute - u.RequestsInCurrentMinute,
	}
}

// Limits returns the configured per-key limits.
func (t *QuotaTracker) Limits() QuotaLimits {
	return t.limits
}

// WouldExceedDaily reports whether reserving expectedAttempts more requests
// against key would push requests_today past the daily limit — the quota
// preservation rule callers use to decide whether to even start an episode.
func (t *QuotaTracker) WouldExceedDaily(key string, expectedAttempts int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	u := t.resetIfDayRolled(key)
	return u.RequestsToday+expectedAttempts > t.limits.RequestsPerDay
}

// MarkExhaustedForDay forces key's requests-today counter to its daily limit
// so every subsequent TryReserve for key rejects with day_requests_exceeded
// until the next local-midnight rollover.
func (t *QuotaTracker) MarkExhaustedForDay(key string) error {
	t.mu.Lock()
	u := t.resetIfDayRolled(key)
	u.RequestsToday = t.limits.RequestsPerDay
	t.mu.Unlock()
	return t.Persist()
}

// Persist writes every key's usage counters to the tracker's file atomically.
func (t *QuotaTracker) Persist() error {
	t.mu.Lock()
	snap := make(map[string]*KeyUsage, len(t.usage))
	for k, u := range t.usage {
		cp := *u
		snap[k] = &cp
	}
	t.mu.Unlock()
	return writeJSON(t.path, snap)
}

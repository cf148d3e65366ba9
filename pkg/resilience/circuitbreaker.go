// Package resilience provides the quota/rate/retry/circuit-breaker control
// plane shared by every outbound LLM call.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/loomcast/loomcast/pkg/fn"
)

// State is a circuit breaker state. Only two steady states exist; the
// "half-open" idea is folded into can_attempt's probe check below.
type State int

const (
	StateClosed State = iota
	StateOpen
)

func (s State) String() string {
	if s == StateOpen {
		return "open"
	}
	return "closed"
}

var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerOpts configures a single key's breaker.
type BreakerOpts struct {
	// FailThreshold is the consecutive-failure count that trips the breaker.
	FailThreshold int
	// InitialCooldown is the backoff(0) base duration.
	InitialCooldown time.Duration
	// MaxCooldown caps backoff(n) regardless of n.
	MaxCooldown time.Duration
	// ResetAfter is how long since last_success before consecutive_open_count
	// resets to 0 on the next success.
	ResetAfter time.Duration
}

var DefaultBreakerOpts = BreakerOpts{
	FailThreshold:   3,
	InitialCooldown: 30 * time.Minute,
	MaxCooldown:     120 * time.Minute,
	ResetAfter:      24 * time.Hour,
}

// BreakerState is the persisted shape of one key's breaker.
type BreakerState struct {
	FailureCount         int       `json:"failure_count"`
	IsOpen                bool      `json:"is_open"`
	OpenedAt              time.Time `json:"opened_at"`
	RecoveryTime          time.Time `json:"recovery_time"`
	ConsecutiveOpenCount int       `json:"consecutive_open_count"`
	LastSuccess          time.Time `json:"last_success"`
}

// Breaker is a single key's circuit breaker: CLOSED/OPEN with exponentially
// growing cooldowns and a probe-on-recovery mechanic.
type Breaker struct {
	mu    sync.Mutex
	opts  BreakerOpts
	st    BreakerState
	now   func() time.Time
}

// NewBreaker creates a circuit breaker with the given options, starting CLOSED.
func NewBreaker(opts BreakerOpts) *Breaker {
	if opts.FailThreshold <= 0 {
		opts.FailThreshold = DefaultBreakerOpts.FailThreshold
	}
	if opts.InitialCooldown <= 0 {
		opts.InitialCooldown = DefaultBreakerOpts.InitialCooldown
	}
	if opts.MaxCooldown <= 0 {
		opts.MaxCooldown = DefaultBreakerOpts.MaxCooldown
	}
	if opts.ResetAfter <= 0 {
		opts.ResetAfter = DefaultBreakerOpts.ResetAfter
	}
	return &Breaker{opts: opts, now: time.Now}
}

// backoff computes min(MaxCooldown, InitialCooldown * 2^n).
func (b *Breaker) backoff(n int) time.Duration {
	d := b.opts.InitialCooldown
	for i := 0; i < n; i++ {
		d *= 2
		if d >= b.opts.MaxCooldown {
			return b.opts.MaxCooldown
		}
	}
	if d > b.opts.MaxCooldown {
		d = b.opts.MaxCooldown
	}
	return d
}

// State reports the current steady state without mutating it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.st.IsOpen {
		return StateOpen
	}
	return StateClosed
}

// CanAttempt implements can_attempt(): CLOSED always allows; OPEN allows a
// single probe once now >= recovery_time, transitioning to CLOSED and
// resetting failure_count as a side effect of allowing that probe.
func (b *Breaker) CanAttempt() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.canAttemptLocked()
}

func (b *Breaker) canAttemptLocked() bool {
	if !b.st.IsOpen {
		return true
	}
	if b.now().Before(b.st.RecoveryTime) {
		return false
	}
	b.st.IsOpen = false
	b.st.FailureCount = 0
	return true
}

// RecordFailure implements record_failure().
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.st.FailureCount++
	if b.st.FailureCount >= b.opts.FailThreshold && !b.st.IsOpen {
		b.st.IsOpen = true
		b.st.OpenedAt = b.now()
		b.st.RecoveryTime = b.st.OpenedAt.Add(b.backoff(b.st.ConsecutiveOpenCount))
		b.st.ConsecutiveOpenCount++
	}
}

// RecordSuccess implements record_success().
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	if !b.st.LastSuccess.IsZero() && now.Sub(b.st.LastSuccess) >= b.opts.ResetAfter {
		b.st.ConsecutiveOpenCount = 0
	}
	b.st.FailureCount = 0
	b.st.IsOpen = false
	b.st.LastSuccess = now
}

// ForceReset clears this breaker back to CLOSED with zeroed counters,
// keeping last_success untouched.
func (b *Breaker) ForceReset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.st.FailureCount = 0
	b.st.IsOpen = false
	b.st.ConsecutiveOpenCount = 0
	b.st.RecoveryTime = time.Time{}
	b.st.OpenedAt = time.Time{}
}

// Snapshot returns a copy of the persisted state for serialization.
func (b *Breaker) Snapshot() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.st
}

// restore loads persisted state, used by Registry on startup.
func (b *Breaker) restore(st BreakerState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.st = st
}

// Call executes f through the breaker: a probe-ineligible OPEN breaker
// rejects immediately, otherwise f runs and its outcome drives the
// transition.
func (b *Breaker) Call(ctx context.Context, f func(context.Context) error) error {
	return b.CallIgnoring(ctx, f, nil)
}

// CallIgnoring behaves like Call, but skips RecordFailure when ignore
// reports true for the error f returned. Use this for errors that are
// already penalized through a different mechanism and should not also
// count as a transient failure of the call itself — e.g. quota exhaustion,
// which marks the key exhausted for the day independently of the breaker.
func (b *Breaker) CallIgnoring(ctx context.Context, f func(context.Context) error, ignore func(error) bool) error {
	if !b.CanAttempt() {
		return ErrCircuitOpen
	}
	err := f(ctx)
	if err != nil {
		if ignore == nil || !ignore(err) {
			b.RecordFailure()
		}
		return err
	}
	b.RecordSuccess()
	return nil
}

// CallResult is the fn.Result-flavored version of Call.
func CallResult[T any](b *Breaker, ctx context.Context, f func(context.Context) fn.Result[T]) fn.Result[T] {
	if !b.CanAttempt() {
		return fn.Err[T](ErrCircuitOpen)
	}
	result := f(ctx)
	if result.IsErr() {
		b.RecordFailure()
		return result
	}
	b.RecordSuccess()
	return result
}

// BreakerStage wraps an fn.Stage with circuit breaker protection.
func BreakerStage[In, Out any](b *Breaker, stage fn.Stage[In, Out]) fn.Stage[In, Out] {
	return func(ctx context.Context, in In) fn.Result[Out] {
		return CallResult(b, ctx, func(ctx context.Context) fn.Result[Out] {
			return stage(ctx, in)
		})
	}
}

// Registry holds one Breaker per API key and persists all of them together.
type Registry struct {
	mu       sync.Mutex
	opts     BreakerOpts
	breakers map[string]*Breaker
	path     string
	now      func() time.Time
}

// NewRegistry creates a breaker registry, loading any state already at path.
// A missing or corrupt file yields an all-closed registry.
func NewRegistry(path string, opts BreakerOpts) *Registry {
	r := &Registry{
		opts:     opts,
		breakers: make(map[string]*Breaker),
		path:     path,
		now:      time.Now,
	}
	r.load()
	return r
}

func (r *Registry) load() {
	var persisted map[string]BreakerState
	ok, err := readJSON(r.path, &persisted)
	if err != nil || !ok {
		return
	}
	for key, st := range persisted {
		b := NewBreaker(r.opts)
		b.restore(st)
		r.breakers[key] = b
	}
}

// Get returns (creating if needed) the breaker for key.
func (r *Registry) Get(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[key]
	if !ok {
		b = NewBreaker(r.opts)
		r.breakers[key] = b
	}
	return b
}

// Persist writes every breaker's state to the registry's file atomically.
func (r *Registry) Persist() error {
	r.mu.Lock()
	snap := make(map[string]BreakerState, len(r.breakers))
	for key, b := range r.breakers {
		snap[key] = b.Snapshot()
	}
	r.mu.Unlock()
	return writeJSON(r.path, snap)
}

// ForceReset resets one key's breaker to CLOSED.
func (r *Registry) ForceReset(key string) {
	r.Get(key).ForceReset()
}

// ForceResetAll resets every known breaker to CLOSED.
func (r *Registry) ForceResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.breakers {
		b.ForceReset()
	}
}

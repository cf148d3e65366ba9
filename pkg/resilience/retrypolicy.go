package resilience

import (
	"context"
	"math/rand"
	"strings"
	"time"

	"github.com/loomcast/loomcast/pkg/fn"
)

// ErrorClass classifies an error for retry purposes.
type ErrorClass int

const (
	ClassUnknown ErrorClass = iota
	ClassTransient
	ClassQuotaExhausted
)

var quotaMarkers = []string{"quota", "rate limit", "api limit"}

var transientMarkers = []string{"timeout", "temporarily unavailable", "connection reset", "5xx"}

// QuotaExhaustedError is returned by RetryPolicy.Do when Classify puts an
// error in the quota class; it is not retried, and the gateway handles it by
// moving on to the next key.
type QuotaExhaustedError struct {
	Cause error
}

func (e *QuotaExhaustedError) Error() string { return "quota exhausted: " + e.Cause.Error() }
func (e *QuotaExhaustedError) Unwrap() error  { return e.Cause }

// Classify inspects err's text (case-insensitive) and returns its class.
// Quota-exhausted errors are never retryable; transient errors are; anything
// else is treated as unknown and not retried.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}
	text := strings.ToLower(err.Error())
	for _, m := range quotaMarkers {
		if strings.Contains(text, m) {
			return ClassQuotaExhausted
		}
	}
	for _, m := range transientMarkers {
		if strings.Contains(text, m) {
			return ClassTransient
		}
	}
	return ClassUnknown
}

// RetryOpts configures the retry policy's backoff.
type RetryOpts struct {
	MaxAttempts  int
	InitialWait  time.Duration
	MaxWait      time.Duration
	JitterFactor float64 // fraction of wait to jitter by, e.g. 0.2 for ±20%
}

// DefaultRetryOpts matches spec defaults: base 2, initial 4s, cap 60s, ±20% jitter, 3 attempts.
var DefaultRetryOpts = RetryOpts{
	MaxAttempts:  3,
	InitialWait:  4 * time.Second,
	MaxWait:      60 * time.Second,
	JitterFactor: 0.2,
}

// RetryPolicy drives the attempt loop for a single outbound call: it retries
// only errors Classify deems Transient, and stops immediately on
// QuotaExhausted or Unknown errors so a doomed call doesn't burn quota for
// nothing.
type RetryPolicy struct {
	opts RetryOpts
}

// NewRetryPolicy builds a policy; zero-valued fields fall back to DefaultRetryOpts.
func NewRetryPolicy(opts RetryOpts) *RetryPolicy {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultRetryOpts.MaxAttempts
	}
	if opts.InitialWait <= 0 {
		opts.InitialWait = DefaultRetryOpts.InitialWait
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = DefaultRetryOpts.MaxWait
	}
	if opts.JitterFactor <= 0 {
		opts.JitterFactor = DefaultRetryOpts.JitterFactor
	}
	return &RetryPolicy{opts: opts}
}

// Do runs f, retrying Transient failures with exponential backoff and
// jitter up to MaxAttempts. A QuotaExhausted classification returns a
// *QuotaExhaustedError immediately; an Unknown classification returns the
// original error immediately. Both count as a single attempt.
func (p *RetryPolicy) Do(ctx context.Context, f func(context.Context) error) error {
	var lastErr error
	wait := p.opts.InitialWait

	for attempt := 0; attempt < p.opts.MaxAttempts; attempt++ {
		err := f(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		switch Classify(err) {
		case ClassQuotaExhausted:
			return &QuotaExhaustedError{Cause: err}
		case ClassTransient:
			// fall through to retry below
		default:
			return err
		}

		if attempt == p.opts.MaxAttempts-1 {
			break
		}

		sleepDur := jittered(wait, p.opts.JitterFactor)
		if sleepDur > p.opts.MaxWait {
			sleepDur = p.opts.MaxWait
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleepDur):
		}
		wait *= 2
		if wait > p.opts.MaxWait {
			wait = p.opts.MaxWait
		}
	}
	return lastErr
}

func jittered(base time.Duration, factor float64) time.Duration {
	delta := float64(base) * factor
	return base + time.Duration((rand.Float64()*2-1)*delta)
}

// DoResult is the fn.Result-flavored version of Do, for composing into
// fn.Pipeline stages.
func DoResult[T any](p *RetryPolicy, ctx context.Context, f func(context.Context) fn.Result[T]) fn.Result[T] {
	var result fn.Result[T]
	err := p.Do(ctx, func(ctx context.Context) error {
		result = f(ctx)
		if result.IsErr() {
			return resultErr(result)
		}
		return nil
	})
	if err != nil {
		if !result.IsErr() {
			return fn.Err[T](err)
		}
		return result
	}
	return result
}

func resultErr[T any](r fn.Result[T]) error {
	_, err := r.Unwrap()
	return err
}

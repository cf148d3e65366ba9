package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"nil", nil, ClassUnknown},
		{"quota", errors.New("daily quota exceeded"), ClassQuotaExhausted},
		{"rate limit", errors.New("Rate Limit hit, slow down"), ClassQuotaExhausted},
		{"timeout", errors.New("request timeout"), ClassTransient},
		{"connection reset", errors.New("read: connection reset by peer"), ClassTransient},
		{"5xx", errors.New("upstream returned 5xx"), ClassTransient},
		{"unknown", errors.New("malformed request body"), ClassUnknown},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := Classify(c.err); got != c.want {
				t.Errorf("Classify(%v) = %v, want %v", c.err, got, c.want)
			}
		})
	}
}

func TestRetryPolicy_SucceedsWithoutRetryOnNilError(t *testing.T) {
	p := NewRetryPolicy(RetryOpts{MaxAttempts: 3, InitialWait: time.Millisecond, MaxWait: 10 * time.Millisecond, JitterFactor: 0.1})
	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryPolicy_RetriesTransientUpToMaxAttempts(t *testing.T) {
	p := NewRetryPolicy(RetryOpts{MaxAttempts: 3, InitialWait: time.Millisecond, MaxWait: 10 * time.Millisecond, JitterFactor: 0.1})
	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("connection reset")
	})
	if err == nil {
		t.Fatal("expected the last transient error to be returned")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want MaxAttempts = 3", calls)
	}
}

func TestRetryPolicy_StopsRetryingOnceItSucceeds(t *testing.T) {
	p := NewRetryPolicy(RetryOpts{MaxAttempts: 5, InitialWait: time.Millisecond, MaxWait: 10 * time.Millisecond, JitterFactor: 0.1})
	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("request timeout")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2 (fail once, succeed on retry)", calls)
	}
}

func TestRetryPolicy_QuotaExhaustedReturnsImmediatelyWithoutRetry(t *testing.T) {
	p := NewRetryPolicy(RetryOpts{MaxAttempts: 5, InitialWait: time.Millisecond, MaxWait: 10 * time.Millisecond, JitterFactor: 0.1})
	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("daily quota exceeded")
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1: quota exhaustion must not be retried", calls)
	}
	var qe *QuotaExhaustedError
	if !errors.As(err, &qe) {
		t.Fatalf("expected a *QuotaExhaustedError, got %v", err)
	}
}

func TestRetryPolicy_UnknownErrorReturnsImmediatelyWithoutRetry(t *testing.T) {
	p := NewRetryPolicy(RetryOpts{MaxAttempts: 5, InitialWait: time.Millisecond, MaxWait: 10 * time.Millisecond, JitterFactor: 0.1})
	calls := 0
	wantErr := errors.New("malformed request body")
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return wantErr
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1: an unrecognized error must not be retried", calls)
	}
	if !errors.Is(err, wantErr) {
		t.Errorf("error = %v, want the original unknown error unwrapped", err)
	}
}

func TestRetryPolicy_ContextCancelStopsRetryLoop(t *testing.T) {
	p := NewRetryPolicy(RetryOpts{MaxAttempts: 5, InitialWait: 50 * time.Millisecond, MaxWait: time.Second, JitterFactor: 0.1})
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	err := p.Do(ctx, func(context.Context) error {
		calls++
		return errors.New("connection reset")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled once the backoff sleep is interrupted, got %v", err)
	}
	if calls >= 5 {
		t.Errorf("calls = %d, expected the cancellation to cut the retry loop short", calls)
	}
}

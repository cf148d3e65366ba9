package resilience

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestQuotaTracker(t *testing.T, limits QuotaLimits) (*QuotaTracker, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)}
	tr := NewQuotaTracker(filepath.Join(t.TempDir(), "quota.json"), limits, time.UTC)
	tr.now = clock.now
	return tr, clock
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func rejectReason(err error) RejectReason {
	var re *RejectError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ""
}

func TestTryReserve_MinuteLimitExceeded(t *testing.T) {
	tr, _ := newTestQuotaTracker(t, QuotaLimits{RequestsPerMinute: 2, RequestsPerDay: 100, TokensPerDay: 1_000_000})

	if _, err := tr.TryReserve("key1", 10); err != nil {
		t.Fatalf("reservation 1: unexpected error: %v", err)
	}
	if _, err := tr.TryReserve("key1", 10); err != nil {
		t.Fatalf("reservation 2: unexpected error: %v", err)
	}
	_, err := tr.TryReserve("key1", 10)
	if err == nil {
		t.Fatal("expected the 3rd reservation within the same minute to be rejected")
	}
	if got := rejectReason(err); got != RejectMinuteExceeded {
		t.Errorf("reject reason = %q, want %q", got, RejectMinuteExceeded)
	}
}

func TestTryReserve_DayRequestLimitExceeded(t *testing.T) {
	tr, _ := newTestQuotaTracker(t, QuotaLimits{RequestsPerMinute: 100, RequestsPerDay: 1, TokensPerDay: 1_000_000})

	if _, err := tr.TryReserve("key1", 10); err != nil {
		t.Fatalf("reservation 1: unexpected error: %v", err)
	}
	_, err := tr.TryReserve("key1", 10)
	if err == nil {
		t.Fatal("expected rejection once the daily request limit is hit")
	}
	if got := rejectReason(err); got != RejectDayRequests {
		t.Errorf("reject reason = %q, want %q", got, RejectDayRequests)
	}
}

func TestTryReserve_DayTokenLimitExceeded(t *testing.T) {
	tr, _ := newTestQuotaTracker(t, QuotaLimits{RequestsPerMinute: 100, RequestsPerDay: 100, TokensPerDay: 100})

	_, err := tr.TryReserve("key1", 150)
	if err == nil {
		t.Fatal("expected rejection when the estimate alone exceeds the daily token budget")
	}
	if got := rejectReason(err); got != RejectDayTokens {
		t.Errorf("reject reason = %q, want %q", got, RejectDayTokens)
	}
}

func TestTryReserve_KeysAreIndependent(t *testing.T) {
	tr, _ := newTestQuotaTracker(t, QuotaLimits{RequestsPerMinute: 1, RequestsPerDay: 100, TokensPerDay: 1_000_000})

	if _, err := tr.TryReserve("key1", 1); err != nil {
		t.Fatalf("key1: unexpected error: %v", err)
	}
	if _, err := tr.TryReserve("key2", 1); err != nil {
		t.Fatalf("key2 should not be limited by key1's usage: %v", err)
	}
}

func TestCommit_AdjustsTokensByActualDelta(t *testing.T) {
	tr, _ := newTestQuotaTracker(t, QuotaLimits{RequestsPerMinute: 100, RequestsPerDay: 100, TokensPerDay: 1_000_000})

	res, err := tr.TryReserve("key1", 100)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := tr.Commit(res, 40); err != nil {
		t.Fatalf("commit: %v", err)
	}
	snap := tr.Snapshot("key1")
	if snap.TokensToday != 40 {
		t.Errorf("tokens today = %d, want 40 (actual usage, not the 100 estimate)", snap.TokensToday)
	}

	if err := tr.Commit(res, 40); err == nil {
		t.Error("expected an error committing an already-resolved reservation")
	}
}

func TestCancel_RollsBackAllThreeCounters(t *testing.T) {
	tr, _ := newTestQuotaTracker(t, QuotaLimits{RequestsPerMinute: 100, RequestsPerDay: 100, TokensPerDay: 1_000_000})

	res, err := tr.TryReserve("key1", 100)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	before := tr.Snapshot("key1")
	if before.RequestsToday != 1 || before.TokensToday != 100 {
		t.Fatalf("unexpected post-reserve snapshot: %+v", before)
	}

	if err := tr.Cancel(res); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	after := tr.Snapshot("key1")
	if after.RequestsToday != 0 {
		t.Errorf("requests today after cancel = %d, want 0", after.RequestsToday)
	}
	if after.TokensToday != 0 {
		t.Errorf("tokens today after cancel = %d, want 0", after.TokensToday)
	}
}

func TestMinuteWindow_RefillsAfterSixtySeconds(t *testing.T) {
	tr, clock := newTestQuotaTracker(t, QuotaLimits{RequestsPerMinute: 1, RequestsPerDay: 100, TokensPerDay: 1_000_000})

	if _, err := tr.TryReserve("key1", 1); err != nil {
		t.Fatalf("reservation 1: %v", err)
	}
	if _, err := tr.TryReserve("key1", 1); err == nil {
		t.Fatal("expected the 2nd reservation to be minute-limited")
	}

	clock.advance(61 * time.Second)
	if _, err := tr.TryReserve("key1", 1); err != nil {
		t.Fatalf("expected the minute window to have refilled: %v", err)
	}
}

func TestDayRollover_ResetsRequestsAndTokensAtLocalMidnight(t *testing.T) {
	tr, clock := newTestQuotaTracker(t, QuotaLimits{RequestsPerMinute: 100, RequestsPerDay: 2, TokensPerDay: 1_000_000})

	if _, err := tr.TryReserve("key1", 500); err != nil {
		t.Fatalf("reservation 1: %v", err)
	}
	if _, err := tr.TryReserve("key1", 500); err != nil {
		t.Fatalf("reservation 2: %v", err)
	}
	if _, err := tr.TryReserve("key1", 500); err == nil {
		t.Fatal("expected the daily request limit to be hit before rollover")
	}

	clock.advance(24 * time.Hour)
	if _, err := tr.TryReserve("key1", 500); err != nil {
		t.Fatalf("expected a fresh day to reset the request counter: %v", err)
	}
	snap := tr.Snapshot("key1")
	if snap.RequestsToday != 1 {
		t.Errorf("requests today after rollover = %d, want 1 (only today's reservation)", snap.RequestsToday)
	}
}

func TestMarkExhaustedForDay_RejectsUntilRollover(t *testing.T) {
	tr, clock := newTestQuotaTracker(t, QuotaLimits{RequestsPerMinute: 100, RequestsPerDay: 25, TokensPerDay: 1_000_000})

	if err := tr.MarkExhaustedForDay("key1"); err != nil {
		t.Fatalf("mark exhausted: %v", err)
	}
	if _, err := tr.TryReserve("key1", 1); err == nil {
		t.Fatal("expected reservation to be rejected once marked exhausted for the day")
	}

	clock.advance(24 * time.Hour)
	if _, err := tr.TryReserve("key1", 1); err != nil {
		t.Fatalf("expected rollover to clear the forced exhaustion: %v", err)
	}
}

func TestWouldExceedDaily(t *testing.T) {
	tr, _ := newTestQuotaTracker(t, QuotaLimits{RequestsPerMinute: 100, RequestsPerDay: 5, TokensPerDay: 1_000_000})

	if _, err := tr.TryReserve("key1", 1); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if tr.WouldExceedDaily("key1", 3) {
		t.Error("1 used + 3 more = 4, should not exceed a limit of 5")
	}
	if !tr.WouldExceedDaily("key1", 5) {
		t.Error("1 used + 5 more = 6, should exceed a limit of 5")
	}
}

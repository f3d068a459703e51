package traffic

import (
	"testing"
	"time"
)

func TestRequestCount_FreshTracker(t *testing.T) {
	Reset()
	if n := RequestCount(time.Minute); n != 0 {
		t.Errorf("RequestCount() = %d with nothing recorded, want 0", n)
	}
}

func TestRequestCount_CountsEveryKind(t *testing.T) {
	Reset()
	defer Reset()

	RecordSuccess()
	RecordError()
	RecordDenied()

	if n := RequestCount(time.Minute); n != 3 {
		t.Errorf("RequestCount() = %d, want 3 (one of each kind)", n)
	}
}

func TestDenialCount_IgnoresFetchOutcomes(t *testing.T) {
	Reset()
	defer Reset()

	RecordSuccess()
	RecordError()
	RecordDenied()
	RecordDenied()

	if n := DenialCount(time.Minute); n != 2 {
		t.Errorf("DenialCount() = %d, want 2", n)
	}
}

func TestErrorRate_DenialsExcludedFromDenominator(t *testing.T) {
	Reset()
	defer Reset()

	RecordSuccess()
	RecordError()
	RecordDenied()
	RecordDenied()

	errors, total := ErrorRate(time.Minute)
	if errors != 1 {
		t.Errorf("errors = %d, want 1", errors)
	}
	if total != 2 {
		t.Errorf("total = %d, want 2; denials must not dilute the rate", total)
	}
}

func TestRecordN_BulkInjection(t *testing.T) {
	Reset()
	defer Reset()

	// Synthetic load shaped like 5% upstream failure.
	RecordSuccessN(19)
	RecordErrorN(1)

	errors, total := ErrorRate(time.Minute)
	if errors != 1 || total != 20 {
		t.Errorf("ErrorRate() = (%d, %d), want (1, 20)", errors, total)
	}
	if n := RequestCount(time.Minute); n != 20 {
		t.Errorf("RequestCount() = %d, want 20", n)
	}
}

func TestWindow_OldOutcomesAgeOut(t *testing.T) {
	Reset()
	defer Reset()

	RecordSuccess()
	RecordDenied()
	time.Sleep(2 * time.Millisecond)

	if n := RequestCount(time.Nanosecond); n != 0 {
		t.Errorf("RequestCount(1ns) = %d, want 0; outcomes predate the window", n)
	}
	if n := DenialCount(time.Nanosecond); n != 0 {
		t.Errorf("DenialCount(1ns) = %d, want 0", n)
	}
}

func TestReset_DropsAllKinds(t *testing.T) {
	RecordSuccess()
	RecordError()
	RecordDenied()
	Reset()

	if n := RequestCount(time.Minute); n != 0 {
		t.Errorf("RequestCount() = %d after Reset, want 0", n)
	}
	errors, total := ErrorRate(time.Minute)
	if errors != 0 || total != 0 {
		t.Errorf("ErrorRate() = (%d, %d) after Reset, want (0, 0)", errors, total)
	}
}

func TestTracker_PruneDropsExpiredPrefix(t *testing.T) {
	var tracker Tracker
	tracker.outcomes = []outcome{
		{at: time.Now().Add(-2 * maxAge), kind: outcomeError},
		{at: time.Now().Add(-maxAge - time.Minute), kind: outcomeSuccess},
	}

	tracker.RecordSuccess()

	if got := len(tracker.outcomes); got != 1 {
		t.Errorf("len(outcomes) = %d after prune, want 1", got)
	}
	errors, total := tracker.ErrorRate(time.Minute)
	if errors != 0 || total != 1 {
		t.Errorf("ErrorRate() = (%d, %d), want (0, 1)", errors, total)
	}
}

package degraded

import (
	"testing"
	"time"
)

func TestErrorRate_FreshTracker(t *testing.T) {
	Reset()
	errors, total := ErrorRate(time.Minute)
	if errors != 0 || total != 0 {
		t.Errorf("ErrorRate() = (%d, %d) with nothing recorded, want (0, 0)", errors, total)
	}
}

func TestErrorRate_MixedFetchOutcomes(t *testing.T) {
	Reset()
	defer Reset()

	// Three window fetches: two land, one times out.
	RecordSuccess()
	RecordSuccess()
	RecordError()

	errors, total := ErrorRate(time.Minute)
	if errors != 1 {
		t.Errorf("errors = %d, want 1", errors)
	}
	if total != 3 {
		t.Errorf("total = %d, want 3", total)
	}
}

func TestErrorRate_OldOutcomesAgeOut(t *testing.T) {
	Reset()
	defer Reset()

	RecordError()
	RecordSuccess()
	time.Sleep(2 * time.Millisecond)

	errors, total := ErrorRate(time.Nanosecond)
	if errors != 0 || total != 0 {
		t.Errorf("ErrorRate(1ns) = (%d, %d), want (0, 0); outcomes predate the window", errors, total)
	}
}

func TestRateBreached_ThresholdReached(t *testing.T) {
	Reset()
	defer Reset()

	RecordError()
	RecordSuccess()
	RecordSuccess()
	RecordSuccess()

	// 1 of 4 is 25%.
	if !RateBreached(time.Minute, 25) {
		t.Error("RateBreached(25) = false at exactly 25% errors, want true")
	}
	if RateBreached(time.Minute, 26) {
		t.Error("RateBreached(26) = true at 25% errors, want false")
	}
}

func TestRateBreached_NoFetchesIsHealthy(t *testing.T) {
	Reset()
	defer Reset()

	if RateBreached(time.Minute, 5) {
		t.Error("RateBreached() = true with no fetches in the window, want false")
	}
}

func TestRateBreached_DisabledThreshold(t *testing.T) {
	Reset()
	defer Reset()

	RecordError()

	if RateBreached(time.Minute, 0) {
		t.Error("RateBreached() = true with thresholdPct 0, want false")
	}
	if RateBreached(0, 5) {
		t.Error("RateBreached() = true with a zero window, want false")
	}
}

func TestReset_ClearsOutcomes(t *testing.T) {
	RecordError()
	RecordSuccess()
	Reset()

	errors, total := ErrorRate(time.Minute)
	if errors != 0 || total != 0 {
		t.Errorf("ErrorRate() = (%d, %d) after Reset, want (0, 0)", errors, total)
	}
}

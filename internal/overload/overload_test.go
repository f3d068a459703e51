package overload

import (
	"testing"
	"time"

	"github.com/selenograph/moonclock/internal/traffic"
)

func TestRequestCount_FreshWindow(t *testing.T) {
	Reset()
	if n := RequestCount(time.Minute); n != 0 {
		t.Errorf("RequestCount() = %d with nothing recorded, want 0", n)
	}
}

func TestRecordDenial_Counted(t *testing.T) {
	Reset()
	defer Reset()

	RecordDenial()
	RecordDenial()

	if n := DenialCount(time.Minute); n != 2 {
		t.Errorf("DenialCount() = %d, want 2", n)
	}
	if n := RequestCount(time.Minute); n != 2 {
		t.Errorf("RequestCount() = %d, want 2; denials count as traffic", n)
	}
}

func TestCounts_SharedWithFetchOutcomes(t *testing.T) {
	Reset()
	defer Reset()

	traffic.RecordSuccess()
	RecordDenial()

	if n := RequestCount(time.Minute); n != 2 {
		t.Errorf("RequestCount() = %d, want 2 (fetch + denial)", n)
	}
	if n := DenialCount(time.Minute); n != 1 {
		t.Errorf("DenialCount() = %d, want 1", n)
	}
}

func TestBreached_ExceedsShareOfCapacity(t *testing.T) {
	Reset()
	defer Reset()

	// Capacity over a 1m window at 1 rps is 60; 50% of it is 30.
	traffic.RecordSuccessN(31)

	if !Breached(time.Minute, 1, 50) {
		t.Error("Breached() = false with 31 of 30 allowed, want true")
	}
}

func TestBreached_AtThresholdIsNotBreach(t *testing.T) {
	Reset()
	defer Reset()

	traffic.RecordSuccessN(30)

	if Breached(time.Minute, 1, 50) {
		t.Error("Breached() = true with exactly 30 of 30 allowed, want false")
	}
}

func TestBreached_DisabledRateLimiter(t *testing.T) {
	Reset()
	defer Reset()

	traffic.RecordSuccessN(500)

	// No rated capacity, no breach, however busy the window looks.
	if Breached(time.Minute, 0, 80) {
		t.Error("Breached() = true with rps = 0, want false")
	}
}

func TestBreached_ZeroWindow(t *testing.T) {
	Reset()
	defer Reset()

	traffic.RecordSuccess()

	if Breached(0, 100, 80) {
		t.Error("Breached() = true with a zero window, want false")
	}
}

func TestReset_ClearsDenialsAndTraffic(t *testing.T) {
	traffic.RecordSuccess()
	RecordDenial()
	Reset()

	if n := RequestCount(time.Minute); n != 0 {
		t.Errorf("RequestCount() = %d after Reset, want 0", n)
	}
	if n := DenialCount(time.Minute); n != 0 {
		t.Errorf("DenialCount() = %d after Reset, want 0", n)
	}
}

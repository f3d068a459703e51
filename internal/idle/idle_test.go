package idle

import (
	"testing"
	"time"
)

func TestRequestCount_NothingRecorded(t *testing.T) {
	Reset()
	if n := RequestCount(time.Minute); n != 0 {
		t.Errorf("RequestCount() = %d on a fresh tracker, want 0", n)
	}
}

func TestRequestCount_CountsRecentReads(t *testing.T) {
	Reset()
	defer Reset()

	for i := 0; i < 3; i++ {
		RecordRequest()
	}
	if n := RequestCount(time.Minute); n != 3 {
		t.Errorf("RequestCount() = %d, want 3", n)
	}
}

func TestRequestCount_NarrowWindowExcludesReads(t *testing.T) {
	Reset()
	defer Reset()

	RecordRequest()
	time.Sleep(2 * time.Millisecond)
	if n := RequestCount(time.Nanosecond); n != 0 {
		t.Errorf("RequestCount(1ns) = %d, want 0; the read predates the window", n)
	}
}

func TestReset_DropsHistory(t *testing.T) {
	RecordRequest()
	Reset()
	if n := RequestCount(time.Minute); n != 0 {
		t.Errorf("RequestCount() = %d after Reset, want 0", n)
	}
}

func TestTracker_PruneKeepsRecentReads(t *testing.T) {
	var tracker Tracker
	tracker.reads = []time.Time{
		time.Now().Add(-2 * retainFor),
		time.Now().Add(-retainFor - time.Minute),
	}

	tracker.RecordRequest()

	// The two stale entries fall outside the retention bound and get
	// dropped on the way in.
	if got := len(tracker.reads); got != 1 {
		t.Errorf("len(reads) = %d after prune, want 1", got)
	}
	if n := tracker.RequestCount(time.Minute); n != 1 {
		t.Errorf("RequestCount() = %d, want 1", n)
	}
}

package timesync

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func worldTimeBody(datetime, offset, timezone string) string {
	return `{
		"datetime": "` + datetime + `",
		"utc_offset": "` + offset + `",
		"timezone": "` + timezone + `",
		"day_of_week": 2,
		"dst": false
	}`
}

func TestClient_Now_Timezone(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/timezone/America/Los_Angeles" {
			t.Errorf("path = %q, want /api/timezone/America/Los_Angeles", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(worldTimeBody("2026-03-10T14:23:11.123456-08:00", "-08:00", "America/Los_Angeles")))
	}))
	defer server.Close()

	client := NewClient(server.URL, "moonclock/1.0", 2*time.Second)
	got, err := client.Now(context.Background(), "America/Los_Angeles")
	if err != nil {
		t.Fatalf("Now() error = %v", err)
	}

	if got.UTCOffset != "-08:00" {
		t.Errorf("UTCOffset = %q, want -08:00", got.UTCOffset)
	}
	if got.Timezone != "America/Los_Angeles" {
		t.Errorf("Timezone = %q, want America/Los_Angeles", got.Timezone)
	}
	if got.Time.Hour() != 14 || got.Time.Minute() != 23 {
		t.Errorf("Time = %v, want 14:23 local", got.Time)
	}
}

func TestClient_Now_IPFallback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/ip" {
			t.Errorf("path = %q, want /api/ip", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(worldTimeBody("2026-03-10T22:23:11+00:00", "+00:00", "Etc/UTC")))
	}))
	defer server.Close()

	client := NewClient(server.URL, "moonclock/1.0", 2*time.Second)
	got, err := client.Now(context.Background(), "")
	if err != nil {
		t.Fatalf("Now() error = %v", err)
	}
	if got.UTCOffset != "+00:00" {
		t.Errorf("UTCOffset = %q, want +00:00", got.UTCOffset)
	}
}

func TestClient_Now_Errors(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		body       string
		wantErr    error
		errMatch   string
	}{
		{
			name:       "unknown timezone",
			statusCode: http.StatusNotFound,
			wantErr:    ErrTimezoneNotFound,
		},
		{
			name:       "server error",
			statusCode: http.StatusInternalServerError,
			wantErr:    ErrUpstreamFailure,
		},
		{
			name:       "invalid json",
			statusCode: http.StatusOK,
			body:       "not json",
			errMatch:   "parse response",
		},
		{
			name:       "unparseable datetime",
			statusCode: http.StatusOK,
			body:       worldTimeBody("garbage", "-08:00", "America/Los_Angeles"),
			errMatch:   "parse datetime",
		},
		{
			name:       "unparseable offset",
			statusCode: http.StatusOK,
			body:       worldTimeBody("2026-03-10T14:23:11-08:00", "eight hours west", "America/Los_Angeles"),
			errMatch:   "normalize offset",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
				if tt.body != "" {
					_, _ = w.Write([]byte(tt.body))
				}
			}))
			defer server.Close()

			client := NewClient(server.URL, "moonclock/1.0", 2*time.Second)
			_, err := client.Now(context.Background(), "America/Los_Angeles")
			if err == nil {
				t.Fatalf("Now() expected error, got nil")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Now() error = %v, want %v", err, tt.wantErr)
			}
			if tt.errMatch != "" && !strings.Contains(err.Error(), tt.errMatch) {
				t.Errorf("Now() error = %v, want match %q", err, tt.errMatch)
			}
		})
	}
}

func TestNewClock_PrimedWithOffset(t *testing.T) {
	clock, err := NewClock("-08:00")
	if err != nil {
		t.Fatalf("NewClock() error = %v", err)
	}

	if clock.Synced() {
		t.Error("Synced() = true before any sync")
	}
	if clock.UTCOffset() != "-08:00" {
		t.Errorf("UTCOffset() = %q, want -08:00", clock.UTCOffset())
	}

	_, offsetSecs := clock.Now().Zone()
	if offsetSecs != -8*3600 {
		t.Errorf("zone offset = %d, want %d", offsetSecs, -8*3600)
	}
}

func TestNewClock_RejectsBadOffset(t *testing.T) {
	if _, err := NewClock("pacific"); err == nil {
		t.Error("NewClock() accepted a non-offset string")
	}
}

func TestClock_Apply(t *testing.T) {
	clock, err := NewClock("+00:00")
	if err != nil {
		t.Fatalf("NewClock() error = %v", err)
	}

	// Upstream reports a time two hours ahead of the host, in +05:30.
	s := Sync{
		Time:      time.Now().Add(2 * time.Hour),
		UTCOffset: "+05:30",
		Timezone:  "Asia/Kolkata",
	}
	if err := clock.Apply(s); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	if !clock.Synced() {
		t.Error("Synced() = false after Apply")
	}
	if clock.UTCOffset() != "+05:30" {
		t.Errorf("UTCOffset() = %q, want +05:30", clock.UTCOffset())
	}
	if clock.LastSync().IsZero() {
		t.Error("LastSync() should be stamped after Apply")
	}

	correction := clock.Correction()
	if correction < 119*time.Minute || correction > 121*time.Minute {
		t.Errorf("Correction() = %v, want about 2h", correction)
	}

	drift := time.Until(clock.Now().Add(-2 * time.Hour))
	if drift < -time.Second || drift > time.Second {
		t.Errorf("Now() is %v from expected corrected time", drift)
	}

	_, offsetSecs := clock.Now().Zone()
	if offsetSecs != 5*3600+30*60 {
		t.Errorf("zone offset = %d, want %d", offsetSecs, 5*3600+30*60)
	}
}

func TestClock_Apply_RejectsBadOffset(t *testing.T) {
	clock, err := NewClock("+00:00")
	if err != nil {
		t.Fatalf("NewClock() error = %v", err)
	}
	if err := clock.Apply(Sync{Time: time.Now(), UTCOffset: "banana"}); err == nil {
		t.Error("Apply() accepted a bad offset")
	}
	if clock.Synced() {
		t.Error("failed Apply should not mark the clock synced")
	}
}

func TestClock_Today(t *testing.T) {
	clock, err := NewClock("-08:00")
	if err != nil {
		t.Fatalf("NewClock() error = %v", err)
	}

	today := clock.Today()
	if today.Hour() != 0 || today.Minute() != 0 || today.Second() != 0 {
		t.Errorf("Today() = %v, want midnight", today)
	}
	now := clock.Now()
	if today.Day() != now.Day() || today.Month() != now.Month() {
		t.Errorf("Today() = %v, want same date as %v", today, now)
	}
}

func TestRunner_SyncOnce(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(worldTimeBody(time.Now().Format(time.RFC3339), "+00:00", "Etc/UTC")))
	}))
	defer server.Close()

	clock, err := NewClock("+00:00")
	if err != nil {
		t.Fatalf("NewClock() error = %v", err)
	}
	runner := NewRunner(NewClient(server.URL, "moonclock/1.0", time.Second), clock, "", time.Hour, 30*time.Minute, zap.NewNop())

	if err := runner.SyncOnce(context.Background()); err != nil {
		t.Fatalf("SyncOnce() error = %v", err)
	}
	if !clock.Synced() {
		t.Error("clock should be synced after SyncOnce")
	}
}

func TestRunner_Run_PushbackOnFailure(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	clock, err := NewClock("+00:00")
	if err != nil {
		t.Fatalf("NewClock() error = %v", err)
	}
	// A long interval with a tiny pushback: repeated calls prove the
	// failure path reschedules early instead of waiting out the interval.
	runner := NewRunner(NewClient(server.URL, "moonclock/1.0", time.Second), clock, "", time.Hour, 5*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	runner.Run(ctx)

	if calls.Load() < 2 {
		t.Errorf("sync attempts = %d, want >= 2 (pushback should retry early)", calls.Load())
	}
	if clock.Synced() {
		t.Error("clock should not be synced after failures")
	}
}

package almanac

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/selenograph/moonclock/internal/degraded"
	"github.com/selenograph/moonclock/internal/models"
)

type mockEphemerisClient struct {
	mu         sync.Mutex
	day        models.CelestialDay
	err        error
	probeErr   error
	calls      int
	lastOffset string
	dates      []time.Time
}

func (m *mockEphemerisClient) Day(ctx context.Context, loc models.Location, date time.Time, offset string) (models.CelestialDay, error) {
	m.mu.Lock()
	m.calls++
	m.lastOffset = offset
	m.dates = append(m.dates, date)
	m.mu.Unlock()
	if m.err != nil {
		return models.CelestialDay{}, m.err
	}
	out := m.day
	out.Midnight = date
	return out, nil
}

func (m *mockEphemerisClient) Probe(ctx context.Context, loc models.Location, offset string) error {
	return m.probeErr
}

func (m *mockEphemerisClient) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockCache struct {
	data      map[string]models.CelestialDay
	staleData map[string]models.CelestialDay // Entries past freshness but within retention
	err       error
}

func (m *mockCache) Get(ctx context.Context, key string) (models.CelestialDay, bool, error) {
	if m.err != nil {
		return models.CelestialDay{}, false, m.err
	}
	val, ok := m.data[key]
	return val, ok, nil
}

func (m *mockCache) GetStale(ctx context.Context, key string) (models.CelestialDay, bool, error) {
	if m.err != nil {
		return models.CelestialDay{}, false, m.err
	}
	if m.staleData != nil {
		if stale, ok := m.staleData[key]; ok {
			stale.Stale = true
			return stale, true, nil
		}
	}
	return m.Get(ctx, key)
}

func (m *mockCache) Set(ctx context.Context, key string, value models.CelestialDay, ttl time.Duration) error {
	if m.err != nil {
		return m.err
	}
	if m.data == nil {
		m.data = make(map[string]models.CelestialDay)
	}
	m.data[key] = value
	return nil
}

type fixedClock struct {
	now    time.Time
	offset string
}

func (f fixedClock) Now() time.Time    { return f.now }
func (f fixedClock) UTCOffset() string { return f.offset }

var (
	seattle   = models.Location{Latitude: 47.6062, Longitude: -122.3321}
	testToday = time.Date(2026, 3, 14, 9, 15, 0, 0, time.UTC)
	testClock = fixedClock{now: testToday, offset: "-08:00"}
)

// TestCacheKey verifies coordinate rounding and date formatting in cache keys.
func TestCacheKey(t *testing.T) {
	tests := []struct {
		name string
		loc  models.Location
		date time.Time
		want string
	}{
		{
			name: "rounds to two decimals",
			loc:  models.Location{Latitude: 47.6062, Longitude: -122.3321},
			date: time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC),
			want: "47.61:-122.33:2026-03-14",
		},
		{
			name: "nearby coordinates share a key",
			loc:  models.Location{Latitude: 47.6080, Longitude: -122.3299},
			date: time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC),
			want: "47.61:-122.33:2026-03-14",
		},
		{
			name: "origin",
			loc:  models.Location{},
			date: time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC),
			want: "0.00:0.00:2026-03-14",
		},
		{
			name: "time of day does not matter",
			loc:  models.Location{Latitude: 78.2232, Longitude: 15.6267},
			date: time.Date(2026, 3, 14, 23, 59, 59, 0, time.UTC),
			want: "78.22:15.63:2026-03-14",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := cacheKey(tc.loc, tc.date)
			if got != tc.want {
				t.Fatalf("cacheKey(%+v, %v) = %q, want %q", tc.loc, tc.date, got, tc.want)
			}
		})
	}
}

// TestService_Day_CacheHit verifies that Day returns cached data when a cache
// entry exists for the requested key, avoiding an upstream API call.
func TestService_Day_CacheHit(t *testing.T) {
	cached := models.CelestialDay{
		Age:       0.483,
		Midnight:  time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC),
		FetchedAt: time.Now(),
	}
	mc := &mockCache{
		data: map[string]models.CelestialDay{
			"47.61:-122.33:2026-03-14": cached,
		},
	}
	mockClient := &mockEphemerisClient{}

	svc := NewService(mockClient, mc, testClock, 6*time.Hour, 0, false, 0)

	got, err := svc.Day(context.Background(), seattle, testToday)
	if err != nil {
		t.Fatalf("Day() error = %v, want nil", err)
	}
	if got.Age != cached.Age {
		t.Errorf("Day().Age = %v, want %v", got.Age, cached.Age)
	}
	if mockClient.callCount() != 0 {
		t.Errorf("upstream calls = %d, want 0 on cache hit", mockClient.callCount())
	}
}

// TestService_Day_CacheMiss_UpstreamSuccess verifies that Day fetches from
// upstream on a cache miss, populates the cache, and passes the clock's
// UTC offset through to the client.
func TestService_Day_CacheMiss_UpstreamSuccess(t *testing.T) {
	upstream := models.CelestialDay{Age: 0.25, FetchedAt: time.Now()}
	mockClient := &mockEphemerisClient{day: upstream}
	mc := &mockCache{data: make(map[string]models.CelestialDay)}

	svc := NewService(mockClient, mc, testClock, 6*time.Hour, 0, false, 0)

	got, err := svc.Day(context.Background(), seattle, testToday)
	if err != nil {
		t.Fatalf("Day() error = %v, want nil", err)
	}
	if got.Age != upstream.Age {
		t.Errorf("Day().Age = %v, want %v", got.Age, upstream.Age)
	}
	if mockClient.lastOffset != "-08:00" {
		t.Errorf("offset passed upstream = %q, want %q", mockClient.lastOffset, "-08:00")
	}

	// Verify cache was populated
	cached, ok, _ := mc.Get(context.Background(), "47.61:-122.33:2026-03-14")
	if !ok {
		t.Error("cache was not populated after upstream fetch")
	}
	if cached.Age != upstream.Age {
		t.Errorf("cached Age = %v, want %v", cached.Age, upstream.Age)
	}
}

// TestService_Day_UpstreamFailure verifies that Day propagates upstream
// errors when the cache misses and the upstream fetch fails.
func TestService_Day_UpstreamFailure(t *testing.T) {
	defer degraded.Reset()
	mockClient := &mockEphemerisClient{err: errors.New("upstream error")}
	mc := &mockCache{data: make(map[string]models.CelestialDay)}

	svc := NewService(mockClient, mc, testClock, 6*time.Hour, 0, false, 0)

	_, err := svc.Day(context.Background(), seattle, testToday)
	if err == nil {
		t.Fatal("Day() error = nil, want error")
	}
	if !errors.Is(err, mockClient.err) {
		t.Errorf("Day() error = %v, want wrapped upstream error", err)
	}
}

// TestService_Day_CacheGetError verifies that Day falls back to upstream
// when the cache read fails, ensuring cache errors are non-fatal.
func TestService_Day_CacheGetError(t *testing.T) {
	mc := &mockCache{err: errors.New("cache error")}
	mockClient := &mockEphemerisClient{day: models.CelestialDay{Age: 0.75}}

	svc := NewService(mockClient, mc, testClock, 6*time.Hour, 0, false, 0)

	got, err := svc.Day(context.Background(), seattle, testToday)
	if err != nil {
		t.Fatalf("Day() error = %v, want nil (should fall back to upstream)", err)
	}
	if got.Age != 0.75 {
		t.Errorf("Day().Age = %v, want 0.75", got.Age)
	}
}

// TestService_Day_StaleFallback verifies that stale data is served when the
// upstream fails and the entry is within the stale TTL.
func TestService_Day_StaleFallback(t *testing.T) {
	defer degraded.Reset()
	stale := models.CelestialDay{
		Age:       0.4,
		FetchedAt: time.Now().Add(-30 * time.Minute),
	}
	mc := &mockCache{
		staleData: map[string]models.CelestialDay{
			"47.61:-122.33:2026-03-14": stale,
		},
	}
	mockClient := &mockEphemerisClient{err: errors.New("upstream failure")}

	svc := NewService(mockClient, mc, testClock, 6*time.Hour, 1*time.Hour, false, 0)

	got, err := svc.Day(context.Background(), seattle, testToday)
	if err != nil {
		t.Fatalf("Day() error = %v, want nil (stale served)", err)
	}
	if !got.Stale {
		t.Error("Day().Stale = false, want true")
	}
	if got.Age != stale.Age {
		t.Errorf("Day().Age = %v, want %v", got.Age, stale.Age)
	}
}

// TestService_Day_StaleTooOld verifies that stale data past the stale TTL is
// not served.
func TestService_Day_StaleTooOld(t *testing.T) {
	defer degraded.Reset()
	stale := models.CelestialDay{
		Age:       0.4,
		FetchedAt: time.Now().Add(-3 * time.Hour),
	}
	mc := &mockCache{
		staleData: map[string]models.CelestialDay{
			"47.61:-122.33:2026-03-14": stale,
		},
	}
	mockClient := &mockEphemerisClient{err: errors.New("upstream failure")}

	svc := NewService(mockClient, mc, testClock, 6*time.Hour, 1*time.Hour, false, 0)

	_, err := svc.Day(context.Background(), seattle, testToday)
	if err == nil {
		t.Fatal("Day() error = nil, want error (stale entry too old)")
	}
}

// TestService_Day_StaleDisabled verifies that stale fallback is skipped when
// disabled, even if a stale entry exists.
func TestService_Day_StaleDisabled(t *testing.T) {
	defer degraded.Reset()
	stale := models.CelestialDay{
		Age:       0.4,
		FetchedAt: time.Now().Add(-30 * time.Minute),
	}
	mc := &mockCache{
		staleData: map[string]models.CelestialDay{
			"47.61:-122.33:2026-03-14": stale,
		},
	}
	mockClient := &mockEphemerisClient{err: errors.New("upstream failure")}

	svc := NewService(mockClient, mc, testClock, 6*time.Hour, 0, false, 0)

	_, err := svc.Day(context.Background(), seattle, testToday)
	if err == nil {
		t.Fatal("Day() error = nil, want error (stale fallback disabled)")
	}
}

// TestService_Window verifies that Window fetches today and tomorrow relative
// to the device clock.
func TestService_Window(t *testing.T) {
	mockClient := &mockEphemerisClient{day: models.CelestialDay{Age: 0.9}}
	mc := &mockCache{data: make(map[string]models.CelestialDay)}

	svc := NewService(mockClient, mc, testClock, 6*time.Hour, 0, false, 0)

	d0, d1, err := svc.Window(context.Background(), seattle)
	if err != nil {
		t.Fatalf("Window() error = %v, want nil", err)
	}
	if mockClient.callCount() != 2 {
		t.Fatalf("upstream calls = %d, want 2", mockClient.callCount())
	}
	wantFirst := testToday
	wantSecond := testToday.AddDate(0, 0, 1)
	if !mockClient.dates[0].Equal(wantFirst) {
		t.Errorf("first date = %v, want %v", mockClient.dates[0], wantFirst)
	}
	if !mockClient.dates[1].Equal(wantSecond) {
		t.Errorf("second date = %v, want %v", mockClient.dates[1], wantSecond)
	}
	if !d0.Midnight.Equal(wantFirst) || !d1.Midnight.Equal(wantSecond) {
		t.Errorf("Window() midnights = %v, %v", d0.Midnight, d1.Midnight)
	}
}

// TestService_Window_TodayFails verifies that Window stops at the first failed day.
func TestService_Window_TodayFails(t *testing.T) {
	defer degraded.Reset()
	mockClient := &mockEphemerisClient{err: errors.New("upstream failure")}
	mc := &mockCache{data: make(map[string]models.CelestialDay)}

	svc := NewService(mockClient, mc, testClock, 6*time.Hour, 0, false, 0)

	_, _, err := svc.Window(context.Background(), seattle)
	if err == nil {
		t.Fatal("Window() error = nil, want error")
	}
	if mockClient.callCount() != 1 {
		t.Errorf("upstream calls = %d, want 1 (no tomorrow fetch after today fails)", mockClient.callCount())
	}
}

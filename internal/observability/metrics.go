package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/selenograph/moonclock/internal/overload"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: drops to zero (the clock stopped
	// polling) or spikes beyond what the device fleet should produce.
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency. Watch for: p95 creeping toward the face
	// refresh budget.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: anything persistently
	// above the handful a clock and its dashboard generate.
	HTTPRequestsInFlight prometheus.Gauge

	// Sunrise API call rate. Watch for: error vs success ratio.
	EphemerisCallsTotal *prometheus.CounterVec

	// Sunrise API latency per request. Watch for: p95 > 2s (upstream degradation), p99 > 5s (timeout risk).
	EphemerisDuration *prometheus.HistogramVec

	// Retry attempts against the sunrise API. Watch for: high retries = unstable upstream.
	EphemerisRetriesTotal prometheus.Counter

	// Time sync attempts by outcome. Watch for: failure streaks = clock drifting on the host.
	TimeSyncTotal *prometheus.CounterVec

	// Offset between host clock and the synced wall clock, updated each sync.
	ClockOffsetSeconds prometheus.Gauge

	// Cache hits. Hit rate = hits/(hits+almanacFetchesTotal).
	CacheHitsTotal *prometheus.CounterVec

	// Cache backend failures by operation. Watch for: memcached connectivity loss.
	CacheErrorsTotal *prometheus.CounterVec

	// Cache operation latency by operation and outcome.
	CacheOperationDuration *prometheus.HistogramVec

	// Concurrent misses on the same almanac key. Watch for: herding on the
	// upstream after an expiry.
	CacheStampedeDetectedTotal *prometheus.CounterVec
	CacheStampedeConcurrency   *prometheus.HistogramVec

	// Lookups served by piggybacking on an already in-flight upstream fetch.
	RequestCoalescingHitsTotal   *prometheus.CounterVec
	RequestCoalescingWaitSeconds prometheus.Histogram

	// Stale almanac serves while the upstream is down, and how old they were.
	StaleServesTotal *prometheus.CounterVec
	StaleAgeSeconds  prometheus.Histogram

	// Circuit breaker transitions and current state per guarded component.
	CircuitBreakerTransitionsTotal *prometheus.CounterVec
	CircuitBreakerState            *prometheus.GaugeVec

	// Requests still in flight when shutdown began.
	ShutdownInFlightRequests prometheus.Gauge

	// Cache warming runs, latency and failures. Watch for: startup warm
	// failing = clock boots onto the live API path cold.
	CacheWarmingTotal       prometheus.Counter
	CacheWarmingDuration    prometheus.Histogram
	CacheWarmingErrorsTotal prometheus.Counter

	// Total almanac lookups. Watch for: traffic volume, rate() for QPS.
	AlmanacLookupsTotal prometheus.Counter

	// Lookups bucketed by requested day relative to the clock's window.
	AlmanacLookupsByDayTotal *prometheus.CounterVec

	// Rate limit denials. Watch for: overload, capacity exceeded.
	RateLimitDeniedTotal prometheus.Counter

	// Face render latency per layout. Watch for: regressions after sprite or font changes.
	FaceRenderDuration *prometheus.HistogramVec

	// Snapshot writes by outcome. Watch for: disk trouble under the snapshot path.
	SnapshotWritesTotal *prometheus.CounterVec

	// Current lunar state, updated every scheduler tick.
	MoonPhaseAge        prometheus.Gauge
	MoonIlluminationPct prometheus.Gauge
	MoonFrame           prometheus.Gauge
	ClockSleeping       prometheus.Gauge

	rateLimitGaugesOnce sync.Once
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	EphemerisCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ephemerisCallsTotal",
			Help: "Total number of sunrise API calls",
		},
		[]string{"status"},
	)
	EphemerisDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ephemerisDurationSeconds",
			Help:    "Sunrise API latency in seconds (per request)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"status"},
	)
	EphemerisRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ephemerisRetriesTotal",
			Help: "Total number of retry attempts for sunrise API calls",
		},
	)
	TimeSyncTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timeSyncTotal",
			Help: "Total number of time sync attempts by outcome",
		},
		[]string{"status"},
	)
	ClockOffsetSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "clockOffsetSeconds",
			Help: "Offset applied to the host clock by the last successful time sync",
		},
	)
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheHitsTotal",
			Help: "Total number of cache hits. Cache misses = ephemerisCallsTotal - ephemerisRetriesTotal.",
		},
		[]string{"cacheType"},
	)
	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheErrorsTotal",
			Help: "Cache backend errors by operation and error type",
		},
		[]string{"operation", "errorType"},
	)
	CacheOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cacheOperationDurationSeconds",
			Help:    "Cache read and write latency in seconds",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		},
		[]string{"operation", "status"},
	)
	CacheStampedeDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheStampedeDetectedTotal",
			Help: "Times more than one lookup missed the same almanac key at once",
		},
		[]string{"day"},
	)
	CacheStampedeConcurrency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cacheStampedeConcurrency",
			Help:    "Concurrent miss count observed when a stampede was detected",
			Buckets: []float64{2, 3, 5, 10, 25},
		},
		[]string{"day"},
	)
	RequestCoalescingHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "requestCoalescingHitsTotal",
			Help: "Lookups that waited on an in-flight upstream fetch instead of issuing their own",
		},
		[]string{"day"},
	)
	RequestCoalescingWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "requestCoalescingWaitSeconds",
			Help:    "Time coalesced lookups spent waiting for the in-flight fetch",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)
	StaleServesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "staleAlmanacServesTotal",
			Help: "Almanac lookups answered from stale cache because the upstream failed",
		},
		[]string{"day"},
	)
	StaleAgeSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "staleAlmanacAgeSeconds",
			Help:    "Age of stale almanac data at serve time",
			Buckets: []float64{3600, 21600, 43200, 86400, 172800},
		},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Circuit breaker state transitions",
		},
		[]string{"component", "from", "to"},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state: 0 closed, 1 open, 2 half-open",
		},
		[]string{"component"},
	)
	ShutdownInFlightRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shutdownInFlightRequests",
			Help: "In-flight HTTP requests observed when graceful shutdown began",
		},
	)
	CacheWarmingTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingTotal",
			Help: "Total number of cache warming runs",
		},
	)
	CacheWarmingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cacheWarmingDurationSeconds",
			Help:    "Cache warming latency in seconds per run",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 30},
		},
	)
	CacheWarmingErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingErrorsTotal",
			Help: "Total number of cache warming runs with at least one failed date",
		},
	)
	AlmanacLookupsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "almanacLookupsTotal",
			Help: "Total number of almanac day lookups",
		},
	)
	AlmanacLookupsByDayTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "almanacLookupsByDayTotal",
			Help: "Almanac lookups by requested day relative to the clock window (today, tomorrow, other)",
		},
		[]string{"day"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)
	FaceRenderDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "faceRenderDurationSeconds",
			Help:    "Clock face render latency in seconds per layout",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1},
		},
		[]string{"layout"},
	)
	SnapshotWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapshotWritesTotal",
			Help: "Total number of face snapshot writes by outcome",
		},
		[]string{"status"},
	)
	MoonPhaseAge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "moonPhaseAge",
			Help: "Interpolated phase age, 0 new moon through 1 exclusive",
		},
	)
	MoonIlluminationPct = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "moonIlluminationPercent",
			Help: "Illuminated percentage of the lunar disc",
		},
	)
	MoonFrame = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "moonFrame",
			Help: "Sprite frame currently on the face, 0-99",
		},
	)
	ClockSleeping = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "clockSleeping",
			Help: "1 when the face is blanked for the sleep window, else 0",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		EphemerisCallsTotal, EphemerisDuration, EphemerisRetriesTotal,
		TimeSyncTotal, ClockOffsetSeconds,
		CacheHitsTotal, CacheErrorsTotal, CacheOperationDuration,
		CacheStampedeDetectedTotal, CacheStampedeConcurrency,
		RequestCoalescingHitsTotal, RequestCoalescingWaitSeconds,
		StaleServesTotal, StaleAgeSeconds,
		CircuitBreakerTransitionsTotal, CircuitBreakerState,
		ShutdownInFlightRequests,
		CacheWarmingTotal, CacheWarmingDuration, CacheWarmingErrorsTotal,
		AlmanacLookupsTotal, AlmanacLookupsByDayTotal,
		RateLimitDeniedTotal,
		FaceRenderDuration, SnapshotWritesTotal,
		MoonPhaseAge, MoonIlluminationPct, MoonFrame, ClockSleeping,
	)
}

// RegisterRateLimitGauges publishes windowed load and denial gauges over the
// same sliding window the overload check uses. Called once from main after
// the config is loaded; the window is not known at init time.
func RegisterRateLimitGauges(window time.Duration) {
	rateLimitGaugesOnce.Do(func() {
		registry.MustRegister(
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRequestsInWindow",
					Help: "Requests entering the rate-limited path over the sliding window",
				},
				func() float64 { return float64(overload.RequestCount(window)) },
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRejectsInWindow",
					Help: "Requests denied with 429 over the sliding window",
				},
				func() float64 { return float64(overload.DenialCount(window)) },
			),
		)
	})
}

// RecordAlmanacLookup buckets a lookup by how the requested date relates to
// the clock's two-day window. Dates are day-granular so the label set stays
// at three values.
func RecordAlmanacLookup(requested, today time.Time) {
	AlmanacLookupsTotal.Inc()
	AlmanacLookupsByDayTotal.WithLabelValues(MetricDayLabel(requested, today)).Inc()
}

// MetricDayLabel maps a requested date to today, tomorrow or other relative
// to the clock window. Keeps per-date label cardinality bounded no matter
// how far back or forward callers reach.
func MetricDayLabel(requested, today time.Time) string {
	switch {
	case sameDay(requested, today):
		return "today"
	case sameDay(requested, today.AddDate(0, 0, 1)):
		return "tomorrow"
	}
	return "other"
}

// RecordCircuitBreakerTransition records a state change for a guarded component.
func RecordCircuitBreakerTransition(component, from, to string) {
	CircuitBreakerTransitionsTotal.WithLabelValues(component, from, to).Inc()
}

// SetCircuitBreakerStateGauge publishes the current breaker state for a component.
func SetCircuitBreakerStateGauge(component string, value float64) {
	CircuitBreakerState.WithLabelValues(component).Set(value)
}

// RecordShutdownInFlight records how many requests were still in flight when
// shutdown began.
func RecordShutdownInFlight(count int64) {
	ShutdownInFlightRequests.Set(float64(count))
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// RecordMoonState publishes the lunar gauges after a scheduler tick.
func RecordMoonState(age, illumination float64, frame int, sleeping bool) {
	MoonPhaseAge.Set(age)
	MoonIlluminationPct.Set(illumination)
	MoonFrame.Set(float64(frame))
	if sleeping {
		ClockSleeping.Set(1)
	} else {
		ClockSleeping.Set(0)
	}
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

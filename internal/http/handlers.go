package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/selenograph/moonclock/internal/almanac"
	"github.com/selenograph/moonclock/internal/degraded"
	"github.com/selenograph/moonclock/internal/ephemeris"
	"github.com/selenograph/moonclock/internal/idle"
	"github.com/selenograph/moonclock/internal/lifecycle"
	"github.com/selenograph/moonclock/internal/models"
	"github.com/selenograph/moonclock/internal/observability"
	"github.com/selenograph/moonclock/internal/overload"
	"github.com/selenograph/moonclock/internal/traffic"
	"github.com/selenograph/moonclock/internal/validation"
)

// Almanac queries are bounded to a window around today. The upstream serves
// a much wider range, but nothing on the clock ever looks further than this.
const (
	almanacPastLimit   = 366 * 24 * time.Hour
	almanacFutureLimit = 366 * 24 * time.Hour
)

// ClockSource is the scheduler surface the handlers read from. All three
// calls are cheap snapshots of loop-owned state.
type ClockSource interface {
	Snapshot() (models.MoonSnapshot, bool)
	FacePNG() ([]byte, bool)
	Location() models.Location
}

// WallClock supplies device-local time for date validation and the UTC
// offset upstream probes are phrased in. Satisfied by timesync.Clock.
type WallClock interface {
	Now() time.Time
	UTCOffset() string
}

// HealthConfig carries the thresholds the health verdict is judged against.
// A nil HealthConfig reduces the health endpoint to an upstream
// reachability probe.
type HealthConfig struct {
	OverloadWindow         time.Duration
	OverloadThresholdPct   int
	RateLimitRPS           int
	RateLimitBurst         int // 0 when rate limiter disabled
	DegradedWindow         time.Duration
	DegradedErrorPct       int
	DegradedRetryInitial   time.Duration
	DegradedRetryMax       time.Duration
	IdleWindow             time.Duration
	IdleThresholdReqPerMin int
	MinimumLifespan        time.Duration
	StartTime              time.Time
	// CachePing reports almanac cache reachability. Left nil for the
	// in-process backend, which cannot be unreachable.
	CachePing func() error
}

// Handler owns the HTTP surface: clock reads, almanac lookups, health, and
// the simulation endpoints the soak rig drives.
type Handler struct {
	almanac      *almanac.Service
	clock        ClockSource
	wall         WallClock
	client       ephemeris.Client
	healthConfig *HealthConfig
	logger       *zap.Logger
	rateLimiter  *rate.Limiter

	lastHealthMu sync.Mutex
	lastHealth   string
}

func NewHandler(
	almanacService *almanac.Service,
	clock ClockSource,
	wall WallClock,
	client ephemeris.Client,
	healthConfig *HealthConfig,
	logger *zap.Logger,
	rateLimiter *rate.Limiter,
) *Handler {
	return &Handler{
		almanac:      almanacService,
		clock:        clock,
		wall:         wall,
		client:       client,
		healthConfig: healthConfig,
		logger:       logger,
		rateLimiter:  rateLimiter,
	}
}

// GetClock handles GET /clock. Serves the current moon snapshot, or 503
// until the scheduler has loaded its first ephemeris window.
func (h *Handler) GetClock(w http.ResponseWriter, r *http.Request) {
	idle.RecordRequest()
	snap, ok := h.clock.Snapshot()
	if !ok {
		respondError(w, r, http.StatusServiceUnavailable, "WARMING_UP", "ephemeris window not loaded yet")
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

// GetFace handles GET /clock/face.png. Serves the most recently rendered
// face, which is the splash screen until the first window loads.
func (h *Handler) GetFace(w http.ResponseWriter, r *http.Request) {
	idle.RecordRequest()
	png, ok := h.clock.FacePNG()
	if !ok {
		respondError(w, r, http.StatusServiceUnavailable, "WARMING_UP", "no face rendered yet")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

// GetAlmanac handles GET /almanac/{date}.
func (h *Handler) GetAlmanac(w http.ResponseWriter, r *http.Request) {
	date, err := validation.ValidateDate(mux.Vars(r)["date"], h.wall.Now(), almanacPastLimit, almanacFutureLimit)
	if err != nil {
		respondError(w, r, http.StatusBadRequest, "INVALID_DATE", err.Error())
		return
	}

	idle.RecordRequest()
	day, err := h.almanac.Day(r.Context(), h.clock.Location(), date)
	if err != nil {
		respondFetchError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, day)
}

// verdict is one health evaluation: the reported status, the HTTP code it
// maps to, and the reason carried into transition logs.
type verdict struct {
	status string
	code   int
	reason string
}

type healthResponse struct {
	Status    string            `json:"status"`
	Service   string            `json:"service"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	v := h.assessHealth(r.Context())
	h.logHealthTransition(v)
	respondJSON(w, v.code, healthResponse{
		Status:    v.status,
		Service:   "moonclock",
		Version:   "dev",
		Checks:    h.healthChecks(v),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// logHealthTransition logs once per status change, not once per poll.
func (h *Handler) logHealthTransition(v verdict) {
	h.lastHealthMu.Lock()
	prev := h.lastHealth
	h.lastHealth = v.status
	h.lastHealthMu.Unlock()

	if prev != "" && prev != v.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", v.status),
			zap.String("reason", v.reason))
	}
}

// healthChecks reports per-dependency state alongside the overall verdict.
func (h *Handler) healthChecks(v verdict) map[string]string {
	checks := map[string]string{"ephemerisApi": "healthy"}
	if v.status == "degraded" {
		checks["ephemerisApi"] = "unhealthy"
	}
	if h.healthConfig != nil && h.healthConfig.CachePing != nil {
		checks["cache"] = "healthy"
		if err := h.healthConfig.CachePing(); err != nil {
			checks["cache"] = "unhealthy"
		}
	}
	return checks
}

// assessHealth walks the checks in severity order and returns the first
// verdict that claims the process: shutting-down, then boot grace, then
// upstream reachability, then the traffic thresholds.
func (h *Handler) assessHealth(ctx context.Context) verdict {
	if lifecycle.IsShuttingDown() {
		return verdict{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	// The scheduler has not had time for its first fetch yet. Probing the
	// upstream this early reports startup latency, not health.
	if lifecycle.InBootGrace() {
		return verdict{"starting", http.StatusOK, "boot_grace"}
	}
	// No thresholds configured: reachability is the whole check.
	if h.healthConfig == nil {
		return h.upstreamVerdict(ctx)
	}
	if v := h.upstreamVerdict(ctx); v.status != "healthy" {
		return v
	}
	if overload.Breached(h.healthConfig.OverloadWindow, h.healthConfig.RateLimitRPS, h.healthConfig.OverloadThresholdPct) {
		return verdict{"overloaded", http.StatusServiceUnavailable, "overload_threshold"}
	}
	// Idle only counts once the process has lived long enough to have seen
	// real traffic.
	if h.healthConfig.IdleWindow > 0 && h.healthConfig.MinimumLifespan > 0 &&
		time.Since(h.healthConfig.StartTime) >= h.healthConfig.MinimumLifespan &&
		idle.RequestCount(h.healthConfig.IdleWindow) < h.healthConfig.IdleThresholdReqPerMin {
		return verdict{"idle", http.StatusOK, "low_traffic"}
	}
	if degraded.RateBreached(h.healthConfig.DegradedWindow, h.healthConfig.DegradedErrorPct) {
		return verdict{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}
	}
	return verdict{"healthy", http.StatusOK, ""}
}

// upstreamVerdict probes the ephemeris API with the observer the clock is
// currently tracking.
func (h *Handler) upstreamVerdict(ctx context.Context) verdict {
	if err := h.client.Probe(ctx, h.clock.Location(), h.wall.UTCOffset()); err != nil {
		return verdict{"degraded", http.StatusServiceUnavailable, "ephemeris_unreachable"}
	}
	return verdict{"healthy", http.StatusOK, ""}
}

// degradedWindow is the window error-rate queries run over. Falls back to
// a minute when no threshold config is wired.
func (h *Handler) degradedWindow() time.Duration {
	if h.healthConfig != nil && h.healthConfig.DegradedWindow > 0 {
		return h.healthConfig.DegradedWindow
	}
	return time.Minute
}

type simThresholds struct {
	RateLimitRPS          int     `json:"rate_limit_rps"`
	RateLimitBurst        int     `json:"rate_limit_burst"`
	OverloadThreshold     int     `json:"overload_threshold"`
	OverloadWindowSeconds float64 `json:"overload_window_seconds"`
	DegradedErrorPct      int     `json:"degraded_error_pct"`
}

type simStatusResponse struct {
	TotalRequestsInWindow  int            `json:"total_requests_in_window"`
	DeniedRequestsInWindow int            `json:"denied_requests_in_window"`
	ErrorsInWindow         int            `json:"errors_in_window"`
	WindowLength           string         `json:"window_length"`
	AutoClear              bool           `json:"auto_clear"`
	Config                 *simThresholds `json:"config"`
}

// GetTestStatus handles GET /test: the simulated-state counters and the
// thresholds they are judged against.
func (h *Handler) GetTestStatus(w http.ResponseWriter, r *http.Request) {
	window := h.degradedWindow()
	errs, _ := degraded.ErrorRate(window)

	var cfg *simThresholds
	if hc := h.healthConfig; hc != nil {
		capacity := 0
		if hc.RateLimitRPS > 0 {
			capacity = int(float64(hc.RateLimitRPS) * hc.OverloadWindow.Seconds() *
				float64(hc.OverloadThresholdPct) / 100)
		}
		cfg = &simThresholds{
			RateLimitRPS:          hc.RateLimitRPS,
			RateLimitBurst:        hc.RateLimitBurst,
			OverloadThreshold:     capacity,
			OverloadWindowSeconds: hc.OverloadWindow.Seconds(),
			DegradedErrorPct:      hc.DegradedErrorPct,
		}
	}

	respondJSON(w, http.StatusOK, simStatusResponse{
		TotalRequestsInWindow:  overload.RequestCount(window),
		DeniedRequestsInWindow: overload.DenialCount(window),
		ErrorsInWindow:         errs,
		WindowLength:           window.String(),
		AutoClear:              !degraded.IsRecoveryDisabled(),
		Config:                 cfg,
	})
}

// PostTestAction handles POST /test/{action}. Each action injects or clears
// simulated state so the health endpoint can be walked through its statuses
// without real traffic or a real outage.
func (h *Handler) PostTestAction(w http.ResponseWriter, r *http.Request) {
	action := mux.Vars(r)["action"]
	switch action {
	case "load":
		h.actionLoad(w, r)
	case "error":
		h.actionError(w, r)
	case "reset":
		h.actionReset(w, r)
	case "shutdown":
		h.actionShutdown(w, r)
	case "prevent_clear":
		h.actionPreventClear(w, r)
	case "fail_clear":
		h.actionFailClear(w, r)
	case "clear":
		h.actionClear(w, r)
	default:
		respondError(w, r, http.StatusNotFound, "UNKNOWN_ACTION", fmt.Sprintf("unrecognized action %q", action))
	}
}

// countBody decodes an optional {"count": n} request body, falling back to
// def when the body is absent, malformed, or non-positive.
func countBody(r *http.Request, def int) int {
	var body struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Count <= 0 {
		return def
	}
	return body.Count
}

// actionLoad pushes synthetic requests through the rate limiter, so denials
// accumulate exactly as they would under real traffic.
func (h *Handler) actionLoad(w http.ResponseWriter, r *http.Request) {
	count := countBody(r, 10)

	var accepted, denied int
	for i := 0; i < count; i++ {
		if h.rateLimiter == nil || h.rateLimiter.Allow() {
			traffic.RecordSuccess()
			idle.RecordRequest()
			accepted++
		} else {
			overload.RecordDenial()
			observability.RateLimitDeniedTotal.Inc()
			denied++
		}
	}

	v := h.assessHealth(r.Context())
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"ok":       true,
		"action":   "load",
		"message":  fmt.Sprintf("recorded %d accepted, %d denied", accepted, denied),
		"state":    v.status,
		"accepted": accepted,
		"denied":   denied,
	})
}

// actionError injects fetch errors and reports the resulting error rate.
func (h *Handler) actionError(w http.ResponseWriter, r *http.Request) {
	count := countBody(r, 1)
	traffic.RecordErrorN(count)

	errs, total := degraded.ErrorRate(h.degradedWindow())
	pct := 0
	if total > 0 {
		pct = errs * 100 / total
	}

	v := h.assessHealth(r.Context())
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"ok":             true,
		"action":         "error",
		"message":        fmt.Sprintf("recorded %d fetch errors", count),
		"state":          v.status,
		"error_rate_pct": pct,
	})
}

func (h *Handler) actionReset(w http.ResponseWriter, r *http.Request) {
	overload.Reset()
	degraded.Reset()
	idle.Reset()
	degraded.ClearRecoveryOverrides()
	lifecycle.SetShuttingDown(false)
	respondAction(w, "reset", "simulated state cleared")
}

func (h *Handler) actionShutdown(w http.ResponseWriter, r *http.Request) {
	lifecycle.SetShuttingDown(true)
	respondAction(w, "shutdown", "draining flag set")
}

// actionPreventClear pins degraded state by disabling auto recovery, so a
// soak run can hold the status long enough to observe it.
func (h *Handler) actionPreventClear(w http.ResponseWriter, r *http.Request) {
	degraded.SetRecoveryDisabled(true)
	respondAction(w, "prevent_clear", "auto recovery disabled")
}

// actionFailClear makes the next recovery attempt fail and advances the
// retry schedule. Once the schedule is exhausted the process gives up and
// reports shutting-down.
func (h *Handler) actionFailClear(w http.ResponseWriter, r *http.Request) {
	degraded.SetForceFailNextAttempt(true)

	resp := map[string]interface{}{
		"ok":      true,
		"action":  "fail_clear",
		"message": "next recovery attempt will fail",
	}
	if hc := h.healthConfig; hc != nil && hc.DegradedRetryInitial > 0 && hc.DegradedRetryMax >= hc.DegradedRetryInitial {
		if d, ok := degraded.GetAndAdvanceNextRecoveryDelay(hc.DegradedRetryInitial, hc.DegradedRetryMax); ok {
			resp["next_recovery"] = d.String()
		} else {
			lifecycle.SetShuttingDown(true)
			resp["next_recovery"] = "shutting-down"
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *Handler) actionClear(w http.ResponseWriter, r *http.Request) {
	degraded.Reset()
	degraded.ClearRecoveryOverrides()
	respondAction(w, "clear", "degraded state cleared")
}

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// respondError writes the error envelope, echoing the correlation ID so a
// failed poll can be matched to its log lines.
func respondError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	respondJSON(w, status, errorEnvelope{Error: errorBody{
		Code:      code,
		Message:   message,
		RequestID: observability.CorrelationID(r.Context()),
	}})
}

// respondAction acknowledges a simulation action with no extra payload.
func respondAction(w http.ResponseWriter, action, message string) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"action":  action,
		"message": message,
	})
}

// respondFetchError maps an almanac fetch failure to a response. Bad
// requests bounce back to the caller; everything else is a 503 so pollers
// back off and retry.
func respondFetchError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, ephemeris.ErrBadRequest) {
		respondError(w, r, http.StatusBadRequest, "UPSTREAM_REJECTED", "Ephemeris API rejected the query")
	} else {
		respondError(w, r, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "Unable to fetch almanac data")
	}
	if logger := observability.Logger(r.Context()); logger != nil {
		logger.Debug("upstream error", zap.Error(err))
	}
}

package http

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/selenograph/moonclock/internal/observability"
	"github.com/selenograph/moonclock/internal/overload"
)

// CorrelationIDMiddleware tags every request with an X-Correlation-ID,
// minting one when the caller sent none, and stashes a request-scoped
// logger carrying the ID. The ephemeris client forwards the ID upstream.
func CorrelationIDMiddleware(logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			corrID := r.Header.Get("X-Correlation-ID")
			if corrID == "" {
				corrID = uuid.New().String()
			}
			w.Header().Set("X-Correlation-ID", corrID)

			ctx := observability.WithCorrelationID(r.Context(), corrID)
			ctx = observability.WithLogger(ctx, logger.With(zap.String("correlation_id", corrID)))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// MetricsMiddleware records request count and latency per route, and keeps
// the in-flight counters the shutdown drain waits on.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		observability.HTTPRequestsInFlight.Inc()
		globalInFlightTracker.Increment()
		defer func() {
			globalInFlightTracker.Decrement()
			observability.HTTPRequestsInFlight.Dec()
		}()

		capture := &statusCapture{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(capture, r)

		route := routeLabel(r)
		observability.HTTPRequestsTotal.WithLabelValues(r.Method, route, statusClass(capture.statusCode)).Inc()
		observability.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// routeLabel collapses parameterized paths so the date in /almanac/{date}
// does not explode metric cardinality.
func routeLabel(r *http.Request) string {
	path := r.URL.Path
	if strings.HasPrefix(path, "/almanac/") {
		return "/almanac/{date}"
	}
	return path
}

// statusCapture remembers the status code a handler wrote.
type statusCapture struct {
	http.ResponseWriter
	statusCode int
}

func (c *statusCapture) WriteHeader(code int) {
	c.statusCode = code
	c.ResponseWriter.WriteHeader(code)
}

// statusClass buckets a status code into 2xx/4xx/5xx for metric labels.
func statusClass(code int) string {
	return fmt.Sprintf("%dxx", code/100)
}

// TimeoutMiddleware caps how long a request may run; handlers past the
// deadline see context.DeadlineExceeded. Only the almanac routes carry it,
// the clock routes serve from memory and never block on the upstream.
func TimeoutMiddleware(timeout time.Duration) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RateLimitMiddleware sheds requests with 429 once the token bucket
// empties. A nil limiter disables shedding entirely.
func RateLimitMiddleware(limiter *rate.Limiter) mux.MiddlewareFunc {
	if limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter.Allow() {
				next.ServeHTTP(w, r)
				return
			}
			if logger := observability.Logger(r.Context()); logger != nil {
				logger.Debug("request shed by rate limiter")
			}
			overload.RecordDenial()
			observability.RateLimitDeniedTotal.Inc()
			respondError(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests")
		})
	}
}

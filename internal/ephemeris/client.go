// Package ephemeris fetches daily sun and moon data from the MET Norway
// sunrise API. One call covers one civil date at one location: the moon
// phase at local midnight plus whichever rise and set events that date has.
package ephemeris

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/selenograph/moonclock/internal/circuitbreaker"
	"github.com/selenograph/moonclock/internal/models"
	"github.com/selenograph/moonclock/internal/observability"
)

type Client interface {
	Day(ctx context.Context, loc models.Location, date time.Time, offset string) (models.CelestialDay, error)
	Probe(ctx context.Context, loc models.Location, offset string) error
}

var (
	ErrBadRequest      = errors.New("bad request")
	ErrBlocked         = errors.New("client blocked")
	ErrUpstreamFailure = errors.New("upstream failure")
	ErrRateLimited     = errors.New("rate limited")
	ErrEmptyEphemeris  = errors.New("empty ephemeris")
)

const probeTimeout = 5 * time.Second

type METClient struct {
	apiURL         string
	userAgent      string
	timeout        time.Duration
	client         *http.Client
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	breaker        *circuitbreaker.CircuitBreaker
}

// SetCircuitBreaker guards upstream calls with cb. Set once at wiring time,
// before the client serves requests.
func (c *METClient) SetCircuitBreaker(cb *circuitbreaker.CircuitBreaker) {
	c.breaker = cb
}

func NewMETClient(apiURL, userAgent string, timeout time.Duration) (*METClient, error) {
	return NewMETClientWithRetry(apiURL, userAgent, timeout, 5, 1*time.Second, 15*time.Second)
}

func NewMETClientWithRetry(apiURL, userAgent string, timeout time.Duration, retryAttempts int, retryBaseDelay, retryMaxDelay time.Duration) (*METClient, error) {
	// MET blocks anonymous clients, so an identifying User-Agent is part of
	// the contract, not a nicety.
	if strings.TrimSpace(userAgent) == "" {
		return nil, fmt.Errorf("%w: identifying User-Agent is required", ErrBlocked)
	}
	if retryAttempts < 1 {
		retryAttempts = 1
	}

	return &METClient{
		apiURL:         apiURL,
		userAgent:      userAgent,
		timeout:        timeout,
		retryAttempts:  retryAttempts,
		retryBaseDelay: retryBaseDelay,
		retryMaxDelay:  retryMaxDelay,
		client: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// The sunrise API wraps everything in location.time. Moon phase values
// arrive as strings, 0 at new moon through 100 just before the next one.
// Rise and set entries are absent on dates without that event.
type sunriseResponse struct {
	Location struct {
		Time []timeEntry `json:"time"`
	} `json:"location"`
}

type timeEntry struct {
	Date      string      `json:"date"`
	Moonphase *phaseEntry `json:"moonphase"`
	Sunrise   *eventEntry `json:"sunrise"`
	Sunset    *eventEntry `json:"sunset"`
	Moonrise  *eventEntry `json:"moonrise"`
	Moonset   *eventEntry `json:"moonset"`
}

type phaseEntry struct {
	Value string `json:"value"`
	Time  string `json:"time"`
}

type eventEntry struct {
	Time string `json:"time"`
}

// Day fetches the ephemeris for one civil date, retrying transient failures
// with exponential backoff. A non-retryable error or an open breaker ends
// the loop early.
func (c *METClient) Day(ctx context.Context, loc models.Location, date time.Time, offset string) (models.CelestialDay, error) {
	var lastErr error

	for attempt := range c.retryAttempts {
		if attempt > 0 {
			observability.EphemerisRetriesTotal.Inc()
			if err := waitRetry(ctx, c.backoff(attempt)); err != nil {
				return models.CelestialDay{}, err
			}
		}

		day, err := c.fetchOnce(ctx, loc, date, offset)
		if err == nil {
			return day, nil
		}
		if !retryable(err) {
			return models.CelestialDay{}, err
		}
		lastErr = err
	}

	return models.CelestialDay{}, fmt.Errorf("exhausted retries: %w", lastErr)
}

// fetchOnce runs one upstream exchange, through the breaker when one is
// wired.
func (c *METClient) fetchOnce(ctx context.Context, loc models.Location, date time.Time, offset string) (models.CelestialDay, error) {
	if c.breaker == nil {
		return c.exchange(ctx, loc, date, offset)
	}

	var day models.CelestialDay
	err := c.breaker.Call(ctx, func() error {
		var callErr error
		day, callErr = c.exchange(ctx, loc, date, offset)
		return callErr
	})
	return day, err
}

func (c *METClient) exchange(ctx context.Context, loc models.Location, date time.Time, offset string) (models.CelestialDay, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.newRequest(reqCtx, loc, date, offset)
	if err != nil {
		observability.EphemerisCallsTotal.WithLabelValues("error").Inc()
		return models.CelestialDay{}, err
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		observeCall("error", time.Since(start))
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return models.CelestialDay{}, fmt.Errorf("request timeout: %w", err)
		}
		return models.CelestialDay{}, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()
	observeCall(statusLabel(resp.StatusCode), time.Since(start))

	if err := statusError(resp.StatusCode); err != nil {
		return models.CelestialDay{}, err
	}

	var apiResp sunriseResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return models.CelestialDay{}, fmt.Errorf("parse response: %w", err)
	}
	return dayFromResponse(apiResp)
}

func observeCall(label string, elapsed time.Duration) {
	observability.EphemerisCallsTotal.WithLabelValues(label).Inc()
	observability.EphemerisDuration.WithLabelValues(label).Observe(elapsed.Seconds())
}

// retryable reports whether another attempt could help. Rate limiting, 5xx
// responses and timeouts pass. A tripped breaker does not: every retry
// inside the cool-off window would be rejected the same way.
func retryable(err error) bool {
	switch {
	case err == nil, errors.Is(err, circuitbreaker.ErrOpen):
		return false
	case errors.Is(err, ErrRateLimited), errors.Is(err, ErrUpstreamFailure):
		return true
	}

	msg := err.Error()
	for _, marker := range []string{"timeout", "context deadline exceeded", "context canceled"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// backoff doubles the base delay each retry, capped at the configured
// maximum, plus up to ten percent jitter.
func (c *METClient) backoff(attempt int) time.Duration {
	d := float64(c.retryBaseDelay) * math.Pow(2, float64(attempt-1))
	d = min(d, float64(c.retryMaxDelay))
	return time.Duration(d * (1 + 0.1*rand.Float64()))
}

func waitRetry(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func (c *METClient) newRequest(ctx context.Context, loc models.Location, date time.Time, offset string) (*http.Request, error) {
	u, err := url.Parse(c.apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}
	u.RawQuery = url.Values{
		"lat":    {strconv.FormatFloat(loc.Latitude, 'f', 4, 64)},
		"lon":    {strconv.FormatFloat(loc.Longitude, 'f', 4, 64)},
		"date":   {date.Format("2006-01-02")},
		"offset": {offset},
	}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if id := observability.CorrelationID(ctx); id != "" {
		req.Header.Set("X-Correlation-ID", id)
	}
	return req, nil
}

// statusError maps MET's failure statuses onto the package sentinels.
func statusError(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusBadRequest:
		return fmt.Errorf("%w: check coordinates, date and offset", ErrBadRequest)
	case code == http.StatusForbidden:
		return fmt.Errorf("%w: User-Agent rejected", ErrBlocked)
	case code == http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, code)
	}
}

func statusLabel(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "success"
	case code == http.StatusTooManyRequests:
		return "rate_limited"
	case code >= 500:
		return "server_error"
	case code >= 400:
		return "client_error"
	default:
		return "error"
	}
}

func dayFromResponse(apiResp sunriseResponse) (models.CelestialDay, error) {
	entry, err := pickEntry(apiResp)
	if err != nil {
		return models.CelestialDay{}, err
	}

	ageRaw, err := strconv.ParseFloat(entry.Moonphase.Value, 64)
	if err != nil {
		return models.CelestialDay{}, fmt.Errorf("parse moon phase %q: %w", entry.Moonphase.Value, err)
	}

	midnight, err := parseEventTime(entry.Moonphase.Time)
	if err != nil {
		return models.CelestialDay{}, fmt.Errorf("parse phase midnight: %w", err)
	}

	day := models.CelestialDay{
		Age:       normalizeAge(ageRaw / 100),
		Midnight:  midnight,
		FetchedAt: time.Now(),
	}

	if day.Sunrise, err = optionalEvent(entry.Sunrise); err != nil {
		return models.CelestialDay{}, fmt.Errorf("parse sunrise: %w", err)
	}
	if day.Sunset, err = optionalEvent(entry.Sunset); err != nil {
		return models.CelestialDay{}, fmt.Errorf("parse sunset: %w", err)
	}
	if day.Moonrise, err = optionalEvent(entry.Moonrise); err != nil {
		return models.CelestialDay{}, fmt.Errorf("parse moonrise: %w", err)
	}
	if day.Moonset, err = optionalEvent(entry.Moonset); err != nil {
		return models.CelestialDay{}, fmt.Errorf("parse moonset: %w", err)
	}

	return day, nil
}

// pickEntry returns the first time entry carrying a moon phase. Requests
// cover a single date, but the API pads the array with polar-night and
// polar-day markers at extreme latitudes.
func pickEntry(apiResp sunriseResponse) (timeEntry, error) {
	for _, entry := range apiResp.Location.Time {
		if entry.Moonphase != nil {
			return entry, nil
		}
	}
	return timeEntry{}, fmt.Errorf("%w: no usable time entry", ErrEmptyEphemeris)
}

// parseEventTime reads the API timestamps, which carry the location's UTC
// offset and may include fractional seconds.
func parseEventTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q: %w", s, err)
	}
	return t, nil
}

func optionalEvent(e *eventEntry) (*time.Time, error) {
	if e == nil {
		return nil, nil
	}
	t, err := parseEventTime(e.Time)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// normalizeAge maps the raw 0..100 value into [0, 1). A value of exactly
// 100 is the same phase as 0.
func normalizeAge(age float64) float64 {
	a := math.Mod(age, 1)
	if a < 0 {
		a += 1
	}
	return a
}

// Probe issues a single live request for today's data and reports whether
// the upstream answered with something usable. It bypasses the breaker and
// the retry loop: startup checks and the degraded-mode recovery path both
// need a direct answer.
func (c *METClient) Probe(ctx context.Context, loc models.Location, offset string) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, loc, time.Now(), offset)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: User-Agent rejected", ErrBlocked)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("probe failed: HTTP %d", resp.StatusCode)
	}
	return nil
}

// Package timesync keeps the clock's idea of local wall time honest. A
// WorldTimeAPI lookup pins the wall time and UTC offset; between syncs the
// host clock carries the time forward. The device this serves has no
// battery-backed RTC, so wall time is always derived, never trusted.
package timesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/selenograph/moonclock/internal/validation"
)

var (
	ErrTimezoneNotFound = errors.New("timezone not found")
	ErrUpstreamFailure  = errors.New("time service failure")
)

// Sync is one successful time lookup: the instant it reported and the UTC
// offset in force at the location.
type Sync struct {
	Time      time.Time
	UTCOffset string
	Timezone  string
}

type Client struct {
	apiURL    string
	userAgent string
	timeout   time.Duration
	client    *http.Client
}

func NewClient(apiURL, userAgent string, timeout time.Duration) *Client {
	return &Client{
		apiURL:    apiURL,
		userAgent: userAgent,
		timeout:   timeout,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

type timeResponse struct {
	Datetime  string `json:"datetime"`
	UTCOffset string `json:"utc_offset"`
	Timezone  string `json:"timezone"`
}

// Now fetches the current time for an IANA timezone name, or for the
// caller's public IP when timezone is empty. One attempt per call: the
// sync loop's schedule is the retry policy here, not a backoff inside
// the client.
func (c *Client) Now(ctx context.Context, timezone string) (Sync, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := strings.TrimRight(c.apiURL, "/") + "/api/ip"
	if timezone != "" {
		endpoint = strings.TrimRight(c.apiURL, "/") + "/api/timezone/" + timezone
	}

	req, err := http.NewRequestWithContext(reqCtx, "GET", endpoint, nil)
	if err != nil {
		return Sync{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Sync{}, fmt.Errorf("time request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Sync{}, fmt.Errorf("%w: %q", ErrTimezoneNotFound, timezone)
	}
	if resp.StatusCode != http.StatusOK {
		return Sync{}, fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Sync{}, fmt.Errorf("read response body: %w", err)
	}

	var apiResp timeResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return Sync{}, fmt.Errorf("parse response: %w", err)
	}

	return mapSync(apiResp)
}

func mapSync(apiResp timeResponse) (Sync, error) {
	t, err := time.Parse(time.RFC3339, apiResp.Datetime)
	if err != nil {
		return Sync{}, fmt.Errorf("parse datetime %q: %w", apiResp.Datetime, err)
	}

	offset, err := validation.NormalizeUTCOffset(apiResp.UTCOffset)
	if err != nil {
		return Sync{}, fmt.Errorf("normalize offset %q: %w", apiResp.UTCOffset, err)
	}

	return Sync{
		Time:      t,
		UTCOffset: offset,
		Timezone:  apiResp.Timezone,
	}, nil
}

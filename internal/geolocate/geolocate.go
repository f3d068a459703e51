// Package geolocate estimates the clock's coordinates from its public IP.
// It is a startup fallback for installations that never configured a
// location; a fixed clock should carry real coordinates in its secrets.
package geolocate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/selenograph/moonclock/internal/models"
	"github.com/selenograph/moonclock/internal/validation"
)

var ErrNoFix = errors.New("no location fix")

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

// geoplugin reports coordinates as strings and quality through its own
// status field, with 200 meaning a usable fix.
type geopluginResponse struct {
	Status    int    `json:"geoplugin_status"`
	Latitude  string `json:"geoplugin_latitude"`
	Longitude string `json:"geoplugin_longitude"`
	City      string `json:"geoplugin_city"`
	Timezone  string `json:"geoplugin_timezone"`
}

// Fix is an IP-derived location estimate.
type Fix struct {
	Location models.Location
	City     string
	Timezone string
}

// Locate asks the geolocation service where this IP appears to be.
func (c *Client) Locate(ctx context.Context) (Fix, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, "GET", c.apiURL, nil)
	if err != nil {
		return Fix{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Fix{}, fmt.Errorf("geolocation request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Fix{}, fmt.Errorf("%w: HTTP %d", ErrNoFix, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Fix{}, fmt.Errorf("read response body: %w", err)
	}

	var apiResp geopluginResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return Fix{}, fmt.Errorf("parse response: %w", err)
	}

	return mapFix(apiResp)
}

func mapFix(apiResp geopluginResponse) (Fix, error) {
	if apiResp.Status != 0 && apiResp.Status != http.StatusOK {
		return Fix{}, fmt.Errorf("%w: geoplugin status %d", ErrNoFix, apiResp.Status)
	}

	lat, err := strconv.ParseFloat(apiResp.Latitude, 64)
	if err != nil {
		return Fix{}, fmt.Errorf("parse latitude %q: %w", apiResp.Latitude, err)
	}
	lon, err := strconv.ParseFloat(apiResp.Longitude, 64)
	if err != nil {
		return Fix{}, fmt.Errorf("parse longitude %q: %w", apiResp.Longitude, err)
	}

	if err := validation.ValidateLatitude(lat); err != nil {
		return Fix{}, err
	}
	if err := validation.ValidateLongitude(lon); err != nil {
		return Fix{}, err
	}

	return Fix{
		Location: models.Location{Latitude: lat, Longitude: lon},
		City:     apiResp.City,
		Timezone: apiResp.Timezone,
	}, nil
}

package models

import "time"

// Location is the observer position used for ephemeris queries.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// CelestialDay holds lunar and solar data for one local day (00:00:00 to
// 23:59:59). The scheduler keeps two of these, today and tomorrow, so the
// live phase age can be interpolated between the midnight values. Rise and
// set events are optional: at high latitudes a body may not cross the
// horizon within the period.
type CelestialDay struct {
	// Age is the moon phase age at midnight, expressed from 0.0 (new moon)
	// through 0.5 (full moon) to 1.0 (next new moon).
	Age      float64   `json:"age"`
	Midnight time.Time `json:"midnight"`

	Moonrise *time.Time `json:"moonrise,omitempty"`
	Moonset  *time.Time `json:"moonset,omitempty"`
	Sunrise  *time.Time `json:"sunrise,omitempty"`
	Sunset   *time.Time `json:"sunset,omitempty"`

	FetchedAt time.Time `json:"fetchedAt"`
	Stale     bool      `json:"stale,omitempty"` // Indicates data served from stale cache
}

// Body identifies which celestial body an event belongs to.
type Body string

const (
	BodyMoon Body = "moon"
	BodySun  Body = "sun"
)

// EventKind distinguishes rises from sets.
type EventKind string

const (
	EventRise EventKind = "rise"
	EventSet  EventKind = "set"
)

// Event is a single rise or set occurrence.
type Event struct {
	Body     Body      `json:"body"`
	Kind     EventKind `json:"kind"`
	At       time.Time `json:"at"`
	Tomorrow bool      `json:"tomorrow"` // event falls in tomorrow's period
}

// MoonSnapshot is the live clock state published on every refresh tick and
// served on /clock.
type MoonSnapshot struct {
	LocalTime time.Time `json:"localTime"`
	UTCOffset string    `json:"utcOffset"`

	Age              float64 `json:"age"`
	Frame            int     `json:"frame"`
	Illumination     float64 `json:"illumination"`
	IlluminationText string  `json:"illuminationText"`

	MoonRisen bool `json:"moonRisen"`
	SunRisen  bool `json:"sunRisen"`

	NextMoonEvent *Event `json:"nextMoonEvent,omitempty"`
	NextSunEvent  *Event `json:"nextSunEvent,omitempty"`

	// RotationEvent is the event currently shown by the 8-slot display
	// rotation (sunrise/sunset/moonrise/moonset for today then tomorrow).
	RotationEvent *Event `json:"rotationEvent,omitempty"`

	Sleeping bool `json:"sleeping"`
	Stale    bool `json:"stale,omitempty"`
}

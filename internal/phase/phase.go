// Package phase computes the live lunar state from a two-day ephemeris
// window: interpolated phase age, sprite frame index, illuminated fraction,
// and the rise/set event scan driving the clock face.
package phase

import (
	"fmt"
	"math"
	"time"

	"github.com/selenograph/moonclock/internal/models"
)

// FrameCount is the number of pre-rendered moon sprites. Frames are indexed
// on a linear age timescale; the solar terminator moves nonlinearly across
// the sphere, which the pre-rendered images already account for.
const FrameCount = 100

// Interpolate blends the midnight phase ages of today and tomorrow by the
// current position between their midnights. When tomorrow's age is smaller
// than today's the cycle wrapped at a new moon, so tomorrow's age is lifted
// by one full cycle before blending. The result is always in [0, 1).
func Interpolate(today, tomorrow models.CelestialDay, now time.Time) float64 {
	span := tomorrow.Midnight.Sub(today.Midnight)
	if span <= 0 {
		return wrap(today.Age)
	}
	ratio := float64(now.Sub(today.Midnight)) / float64(span)

	next := tomorrow.Age
	if next < today.Age {
		next += 1 // new-moon crossover between the two midnights
	}
	return wrap(today.Age + (next-today.Age)*ratio)
}

// Frame maps a phase age to the sprite index 0..FrameCount-1.
func Frame(age float64) int {
	return int(age*FrameCount) % FrameCount
}

// Illumination returns the illuminated percentage of the disc for a phase
// age, 0 at new moon rising to 100 at full and back.
func Illumination(age float64) float64 {
	if age <= 0.5 { // new -> first quarter -> full
		return (1 - math.Cos(age*2*math.Pi)) * 50
	}
	// full -> last quarter -> new
	return (1 + math.Cos((age-0.5)*2*math.Pi)) * 50
}

// FormatIllumination renders the percentage for display: "100%" once the
// value rounds there, otherwise one decimal place biased up half a tick so
// a waxing moon never reads lower than it is.
func FormatIllumination(pct float64) string {
	if pct >= 99.95 {
		return "100%"
	}
	return fmt.Sprintf("%.1f%%", pct+0.05)
}

// wrap normalizes an age into [0, 1).
func wrap(age float64) float64 {
	a := math.Mod(age, 1)
	if a < 0 {
		a += 1
	}
	return a
}

// NextEvent scans the window (today first, then tomorrow) for the earliest
// rise or set of body at or after now. The second return is false when no
// such event exists in the window, which happens near the poles and in the
// last moments before rollover. When the next event is a set the body is
// currently above the horizon.
func NextEvent(body models.Body, days []models.CelestialDay, now time.Time) (models.Event, bool) {
	var best models.Event
	found := false

	consider := func(at *time.Time, kind models.EventKind, tomorrow bool) {
		if at == nil || at.Before(now) {
			return
		}
		if !found || at.Before(best.At) {
			best = models.Event{Body: body, Kind: kind, At: *at, Tomorrow: tomorrow}
			found = true
		}
	}

	for i := range days {
		tomorrow := i == 1
		rise, set := risePointers(body, days[i])
		consider(rise, models.EventRise, tomorrow)
		consider(set, models.EventSet, tomorrow)
	}
	return best, found
}

// Risen reports whether the body is above the horizon given its next event:
// a pending set means it is up now.
func Risen(next models.Event) bool {
	return next.Kind == models.EventSet
}

func risePointers(body models.Body, day models.CelestialDay) (rise, set *time.Time) {
	if body == models.BodySun {
		return day.Sunrise, day.Sunset
	}
	return day.Moonrise, day.Moonset
}

// RotationSlots is the length of the display rotation: sunrise, sunset,
// moonrise and moonset for today, then the same four for tomorrow. The
// clock shows one slot per refresh, counting the slot down from
// RotationSlots to 1 before wrapping.
const RotationSlots = 8

// RotationEvent returns the event for a rotation slot. Slots 8..5 map to
// today's sunrise/sunset/moonrise/moonset, slots 4..1 to tomorrow's. The
// second return is false when the slot's event is absent from the ephemeris
// (no rise or set that day); callers advance to the next slot.
func RotationEvent(days []models.CelestialDay, slot int) (models.Event, bool) {
	if slot < 1 || slot > RotationSlots || len(days) < 2 {
		return models.Event{}, false
	}

	dayIdx := 0
	if slot <= 4 {
		dayIdx = 1
	}
	day := days[dayIdx]
	tomorrow := dayIdx == 1

	var at *time.Time
	var body models.Body
	var kind models.EventKind
	switch slot {
	case 8, 4:
		at, body, kind = day.Sunrise, models.BodySun, models.EventRise
	case 7, 3:
		at, body, kind = day.Sunset, models.BodySun, models.EventSet
	case 6, 2:
		at, body, kind = day.Moonrise, models.BodyMoon, models.EventRise
	case 5, 1:
		at, body, kind = day.Moonset, models.BodyMoon, models.EventSet
	}
	if at == nil {
		return models.Event{}, false
	}
	return models.Event{Body: body, Kind: kind, At: *at, Tomorrow: tomorrow}, true
}

// NextSlot advances the rotation one step, wrapping 1 back to RotationSlots.
func NextSlot(slot int) int {
	if slot <= 1 || slot > RotationSlots {
		return RotationSlots
	}
	return slot - 1
}

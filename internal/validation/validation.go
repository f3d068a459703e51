package validation

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrLatitudeRange is returned when latitude is outside [-90, 90].
var ErrLatitudeRange = errors.New("latitude out of range")

// ErrLongitudeRange is returned when longitude is outside [-180, 180].
var ErrLongitudeRange = errors.New("longitude out of range")

// ErrOffsetFormat is returned when a UTC offset string is not a signed hour
// offset ("-8", "+05", "-08:00").
var ErrOffsetFormat = errors.New("invalid UTC offset")

// ErrOffsetRange is returned when a UTC offset falls outside -12:00..+14:00.
var ErrOffsetRange = errors.New("UTC offset out of range")

// ErrDateFormat is returned when a date string is not YYYY-MM-DD.
var ErrDateFormat = errors.New("invalid date")

// ErrDateOutOfWindow is returned when an almanac date is too far from today.
var ErrDateOutOfWindow = errors.New("date outside query window")

// ValidateLatitude checks the geographic latitude range.
func ValidateLatitude(lat float64) error {
	if lat < -90 || lat > 90 {
		return fmt.Errorf("%w: %v", ErrLatitudeRange, lat)
	}
	return nil
}

// ValidateLongitude checks the geographic longitude range.
func ValidateLongitude(lon float64) error {
	if lon < -180 || lon > 180 {
		return fmt.Errorf("%w: %v", ErrLongitudeRange, lon)
	}
	return nil
}

// NormalizeUTCOffset parses a signed hour offset from UTC and returns it in
// the canonical "+HH:MM"/"-HH:MM" form the ephemeris API expects. Accepted
// inputs: "-8", "+5", "-08", "-08:00", "+05:30". A leading sign is required
// except for zero ("0", "00:00"). Offsets must fall within -12:00..+14:00.
func NormalizeUTCOffset(input string) (string, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrOffsetFormat)
	}

	sign := "+"
	switch s[0] {
	case '+':
		s = s[1:]
	case '-':
		sign = "-"
		s = s[1:]
	default:
		if !isZeroOffset(s) {
			return "", fmt.Errorf("%w: missing sign in %q", ErrOffsetFormat, input)
		}
	}

	hourPart := s
	minutePart := "00"
	if i := strings.IndexByte(s, ':'); i >= 0 {
		hourPart = s[:i]
		minutePart = s[i+1:]
	}
	if hourPart == "" || len(hourPart) > 2 || len(minutePart) != 2 {
		return "", fmt.Errorf("%w: %q", ErrOffsetFormat, input)
	}

	hours, err := strconv.Atoi(hourPart)
	if err != nil || hours < 0 {
		return "", fmt.Errorf("%w: %q", ErrOffsetFormat, input)
	}
	minutes, err := strconv.Atoi(minutePart)
	if err != nil || minutes < 0 || minutes > 59 {
		return "", fmt.Errorf("%w: %q", ErrOffsetFormat, input)
	}

	total := hours*60 + minutes
	if sign == "-" {
		total = -total
	}
	if total < -12*60 || total > 14*60 {
		return "", fmt.Errorf("%w: %q", ErrOffsetRange, input)
	}

	return fmt.Sprintf("%s%02d:%02d", sign, hours, minutes), nil
}

// isZeroOffset reports whether s spells a zero offset without a sign ("0",
// "00", "00:00").
func isZeroOffset(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c != '0' && c != ':' {
			return false
		}
	}
	return true
}

// OffsetDuration converts a UTC offset string into a time.Duration, accepting
// the same forms as NormalizeUTCOffset.
func OffsetDuration(offset string) (time.Duration, error) {
	norm, err := NormalizeUTCOffset(offset)
	if err != nil {
		return 0, err
	}
	sign := time.Duration(1)
	if norm[0] == '-' {
		sign = -1
	}
	hours, _ := strconv.Atoi(norm[1:3])
	minutes, _ := strconv.Atoi(norm[4:6])
	return sign * (time.Duration(hours)*time.Hour + time.Duration(minutes)*time.Minute), nil
}

// ValidateDate parses an almanac query date (YYYY-MM-DD) and bounds it to a
// window around now. maxPast and maxFuture of zero disable the respective
// bound. The returned time is midnight of that date in now's location.
func ValidateDate(input string, now time.Time, maxPast, maxFuture time.Duration) (time.Time, error) {
	s := strings.TrimSpace(input)
	parsed, err := time.ParseInLocation("2006-01-02", s, now.Location())
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrDateFormat, input)
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	if maxPast > 0 && today.Sub(parsed) > maxPast {
		return time.Time{}, fmt.Errorf("%w: %s", ErrDateOutOfWindow, s)
	}
	if maxFuture > 0 && parsed.Sub(today) > maxFuture {
		return time.Time{}, fmt.Errorf("%w: %s", ErrDateOutOfWindow, s)
	}
	return parsed, nil
}

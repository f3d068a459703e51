package timesync

import (
	"sync"
	"time"

	"github.com/selenograph/moonclock/internal/validation"
)

// Clock converts the host clock into local wall time for the configured
// location. Until the first sync it runs on the host clock shifted into the
// configured offset; each successful sync replaces both the offset and the
// correction between host time and upstream time.
type Clock struct {
	mu         sync.RWMutex
	correction time.Duration // upstream instant minus host instant at last sync
	loc        *time.Location
	offset     string
	lastSync   time.Time
	synced     bool
}

// NewClock builds a clock primed with a canonical "+HH:MM" offset. The
// offset must already be validated.
func NewClock(offset string) (*Clock, error) {
	loc, err := fixedZone(offset)
	if err != nil {
		return nil, err
	}
	return &Clock{loc: loc, offset: offset}, nil
}

// Now returns the current local wall time.
func (c *Clock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Now().Add(c.correction).In(c.loc)
}

// Apply installs a successful sync: the correction against the host clock
// and the location's current UTC offset, which shifts across DST changes.
func (c *Clock) Apply(s Sync) error {
	loc, err := fixedZone(s.UTCOffset)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.correction = time.Until(s.Time) // negative when the host runs ahead
	c.loc = loc
	c.offset = s.UTCOffset
	c.lastSync = time.Now()
	c.synced = true
	return nil
}

// UTCOffset returns the canonical offset currently in force.
func (c *Clock) UTCOffset() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset
}

// Location returns the fixed zone for rendering and date math.
func (c *Clock) Location() *time.Location {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loc
}

// Correction returns the applied host-clock correction.
func (c *Clock) Correction() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.correction
}

// Synced reports whether at least one sync has been applied.
func (c *Clock) Synced() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.synced
}

// LastSync returns when the last successful sync was applied, zero before
// the first one.
func (c *Clock) LastSync() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSync
}

// Today returns midnight of the current local date.
func (c *Clock) Today() time.Time {
	now := c.Now()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
}

func fixedZone(offset string) (*time.Location, error) {
	d, err := validation.OffsetDuration(offset)
	if err != nil {
		return nil, err
	}
	return time.FixedZone("UTC"+offset, int(d/time.Second)), nil
}

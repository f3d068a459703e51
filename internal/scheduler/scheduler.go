// Package scheduler drives the clock: the refresh tick, the two-day
// ephemeris window with its midnight rollover, the eight-slot event
// rotation, and publication of the computed state and rendered face for the
// HTTP layer.
package scheduler

import (
	"context"
	"image"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/selenograph/moonclock/internal/models"
	"github.com/selenograph/moonclock/internal/observability"
	"github.com/selenograph/moonclock/internal/phase"
	"github.com/selenograph/moonclock/internal/render"
)

const windowFetchTimeout = 30 * time.Second

// WindowFetcher supplies the two-day ephemeris window for a location.
type WindowFetcher interface {
	Window(ctx context.Context, loc models.Location) (models.CelestialDay, models.CelestialDay, error)
}

// WallClock is the device time source.
type WallClock interface {
	Now() time.Time
	UTCOffset() string
}

// SpriteSource supplies the face images.
type SpriteSource interface {
	Sprite(frame int) (*image.Paletted, error)
	Splash(rotation int) *image.Paletted
	Sleeping() *image.Paletted
}

// Config tunes the refresh loop.
type Config struct {
	// RefreshDelay is the tick cadence.
	RefreshDelay time.Duration

	// WakeStart and WakeEnd bound the hours the face is shown: awake
	// while WakeStart <= hour < WakeEnd, sleeping otherwise. Equal values
	// keep the face on around the clock.
	WakeStart int
	WakeEnd   int

	// SnapshotPath, when set, receives an atomically replaced PNG of the
	// face after every refresh.
	SnapshotPath string

	// Rotation selects the splash screen matching the panel mounting.
	Rotation int
}

// Scheduler owns the refresh loop. The loop state (window, rotation slot,
// last good sprite) belongs to the Run goroutine; HTTP readers see only the
// published snapshot and face.
type Scheduler struct {
	cfg      Config
	fetcher  WindowFetcher
	clock    WallClock
	sprites  SpriteSource
	renderer *render.Renderer
	logger   *zap.Logger

	location   models.Location
	locUpdates <-chan models.Location

	window      [2]models.CelestialDay
	windowValid bool
	slot        int
	lastSprite  *image.Paletted
	lastFace    *image.RGBA

	mu        sync.RWMutex
	snapshot  models.MoonSnapshot
	facePNG   []byte
	published bool
	haveData  bool
}

// New builds a scheduler. Run must be called for anything to happen.
func New(cfg Config, fetcher WindowFetcher, clock WallClock, sprites SpriteSource, renderer *render.Renderer, loc models.Location, logger *zap.Logger) *Scheduler {
	if cfg.RefreshDelay <= 0 {
		cfg.RefreshDelay = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:      cfg,
		fetcher:  fetcher,
		clock:    clock,
		sprites:  sprites,
		renderer: renderer,
		location: loc,
		logger:   logger,
	}
}

// WatchLocation points the scheduler at a stream of observer updates, as
// delivered by the secrets watcher. Must be set before Run.
func (s *Scheduler) WatchLocation(ch <-chan models.Location) {
	s.locUpdates = ch
}

// Location returns the observer the clock is currently tracking.
func (s *Scheduler) Location() models.Location {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.location
}

// Run drives the refresh loop until ctx is cancelled. The first refresh
// happens immediately; window fetch failures leave the splash up and are
// retried on the next tick.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RefreshDelay)
	defer ticker.Stop()

	s.refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case loc := <-s.locUpdates:
			s.logger.Info("observer location changed",
				zap.Float64("latitude", loc.Latitude),
				zap.Float64("longitude", loc.Longitude))
			s.mu.Lock()
			s.location = loc
			s.mu.Unlock()
			s.windowValid = false
			s.refresh(ctx)
		case <-ticker.C:
			s.refresh(ctx)
		}
	}
}

func (s *Scheduler) refresh(ctx context.Context) {
	now := s.clock.Now()
	if err := s.ensureWindow(ctx, now); err != nil {
		s.logger.Warn("ephemeris window unavailable", zap.Error(err))
	}
	s.publish(s.computeSnapshot(now))
	s.writeSnapshotFile()
}

// ensureWindow fetches the two-day window at boot, after a location change,
// and at the midnight rollover. A failed rollover keeps the old window so
// the clock face stays up, marked stale once its data runs out.
func (s *Scheduler) ensureWindow(ctx context.Context, now time.Time) error {
	if s.windowValid && now.Before(s.window[1].Midnight) {
		return nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, windowFetchTimeout)
	defer cancel()
	today, tomorrow, err := s.fetcher.Window(fetchCtx, s.location)
	if err != nil {
		return err
	}

	rolledOver := s.windowValid
	s.window = [2]models.CelestialDay{today, tomorrow}
	s.windowValid = true
	if rolledOver {
		s.logger.Info("ephemeris window rolled over",
			zap.Time("todayMidnight", today.Midnight),
			zap.Float64("todayAge", today.Age))
	} else {
		s.logger.Info("ephemeris window loaded",
			zap.Time("todayMidnight", today.Midnight),
			zap.Float64("todayAge", today.Age),
			zap.Float64("tomorrowAge", tomorrow.Age))
	}
	return nil
}

// computeSnapshot derives the full clock state for one tick and advances
// the event rotation by one slot, skipping slots whose event is absent from
// the window.
func (s *Scheduler) computeSnapshot(now time.Time) models.MoonSnapshot {
	snap := models.MoonSnapshot{
		LocalTime: now,
		UTCOffset: s.clock.UTCOffset(),
		Sleeping:  !s.awake(now),
	}
	if !s.windowValid {
		return snap
	}

	days := s.window[:]
	snap.Age = phase.Interpolate(s.window[0], s.window[1], now)
	snap.Frame = phase.Frame(snap.Age)
	snap.Illumination = phase.Illumination(snap.Age)
	snap.IlluminationText = phase.FormatIllumination(snap.Illumination)

	if ev, ok := phase.NextEvent(models.BodyMoon, days, now); ok {
		e := ev
		snap.NextMoonEvent = &e
		snap.MoonRisen = phase.Risen(ev)
	}
	if ev, ok := phase.NextEvent(models.BodySun, days, now); ok {
		e := ev
		snap.NextSunEvent = &e
		snap.SunRisen = phase.Risen(ev)
	}

	s.slot = phase.NextSlot(s.slot)
	for tries := 0; tries < phase.RotationSlots; tries++ {
		if ev, ok := phase.RotationEvent(days, s.slot); ok {
			e := ev
			snap.RotationEvent = &e
			break
		}
		s.slot = phase.NextSlot(s.slot)
	}

	// Stale when a day was served from the stale cache tier, or when the
	// rollover moment passed without a successful refetch.
	snap.Stale = s.window[0].Stale || s.window[1].Stale || !now.Before(s.window[1].Midnight)
	return snap
}

func (s *Scheduler) awake(now time.Time) bool {
	if s.cfg.WakeStart == s.cfg.WakeEnd {
		return true
	}
	h := now.Hour()
	return h >= s.cfg.WakeStart && h < s.cfg.WakeEnd
}

func (s *Scheduler) publish(snap models.MoonSnapshot) {
	face := s.renderer.Face(render.Input{
		Snapshot: snap,
		Sprite:   s.sprite(snap.Frame),
		Splash:   s.splash(),
		Sleeping: s.sprites.Sleeping(),
		HaveData: s.windowValid,
	})
	png, err := render.EncodePNG(face)
	if err != nil {
		s.logger.Error("face encode failed", zap.Error(err))
	}
	s.lastFace = face

	s.mu.Lock()
	s.snapshot = snap
	s.published = true
	s.haveData = s.windowValid
	if err == nil {
		s.facePNG = png
	}
	s.mu.Unlock()

	observability.RecordMoonState(snap.Age, snap.Illumination, snap.Frame, snap.Sleeping)
}

// sprite fetches the frame image, falling back to the last good decode when
// a file has gone bad since boot.
func (s *Scheduler) sprite(frame int) *image.Paletted {
	if !s.windowValid {
		return nil
	}
	img, err := s.sprites.Sprite(frame)
	if err != nil {
		s.logger.Warn("moon frame unavailable", zap.Int("frame", frame), zap.Error(err))
		return s.lastSprite
	}
	s.lastSprite = img
	return img
}

// splash prefers the screen matching the exact mounting angle and falls
// back to the base orientation.
func (s *Scheduler) splash() *image.Paletted {
	if img := s.sprites.Splash(s.cfg.Rotation); img != nil {
		return img
	}
	return s.sprites.Splash(s.cfg.Rotation % 180)
}

func (s *Scheduler) writeSnapshotFile() {
	if s.cfg.SnapshotPath == "" || s.lastFace == nil {
		return
	}
	if err := render.WriteSnapshot(s.cfg.SnapshotPath, s.lastFace); err != nil {
		s.logger.Warn("snapshot write failed",
			zap.String("path", s.cfg.SnapshotPath),
			zap.Error(err))
	}
}

// Snapshot returns the latest published clock state. The second return is
// false until the first ephemeris window has been computed, during which
// /clock readers should treat the service as warming up.
func (s *Scheduler) Snapshot() (models.MoonSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot, s.published && s.haveData
}

// FacePNG returns the latest rendered face. Available from the first
// refresh onward, splash screen included.
func (s *Scheduler) FacePNG() ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.facePNG) == 0 {
		return nil, false
	}
	return s.facePNG, true
}

package asset

import (
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/selenograph/moonclock/internal/phase"
)

// Rotations are the panel mounting angles a sprite set may ship splash
// screens for.
var Rotations = []int{0, 90, 180, 270}

// Catalog is the on-disk sprite set for one clock. Moon frames live under
// dir/moon as moonNN.bmp, the splash and sleeping screens at the top level.
// Open verifies every frame against the 8-bit indexed contract so a bad
// asset fails the boot, not a refresh tick.
type Catalog struct {
	dir    string
	logger *zap.Logger

	mu      sync.Mutex
	sprites map[int]*image.Paletted

	splash   map[int]*image.Paletted
	sleeping *image.Paletted
}

// Open scans dir and verifies the complete moon frame set. The returned
// error joins every offending file, so one pass over the output names all
// the assets that need re-converting. Splash and sleeping screens are
// optional; absences are logged and the face degrades without them.
func Open(dir string, logger *zap.Logger) (*Catalog, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Catalog{
		dir:     dir,
		logger:  logger,
		sprites: make(map[int]*image.Paletted),
		splash:  make(map[int]*image.Paletted),
	}

	var bad []error
	for frame := 0; frame < phase.FrameCount; frame++ {
		if err := validateFile(c.framePath(frame)); err != nil {
			bad = append(bad, err)
		}
	}
	if len(bad) > 0 {
		return nil, fmt.Errorf("moon sprite set in %s: %w", dir, errors.Join(bad...))
	}

	for _, rotation := range Rotations {
		img, err := Load(filepath.Join(dir, fmt.Sprintf("splash-%d.bmp", rotation)))
		if err != nil {
			logger.Debug("splash screen unavailable",
				zap.Int("rotation", rotation),
				zap.Error(err))
			continue
		}
		c.splash[rotation] = img
	}

	sleeping, err := Load(filepath.Join(dir, "sleeping.bmp"))
	if err != nil {
		logger.Warn("sleeping screen unavailable, sleep hours will show the moon face",
			zap.Error(err))
	} else {
		c.sleeping = sleeping
	}

	c.logger.Info("asset catalog opened",
		zap.String("dir", dir),
		zap.Int("frames", phase.FrameCount),
		zap.Int("splashScreens", len(c.splash)),
		zap.Bool("sleepingScreen", c.sleeping != nil))
	return c, nil
}

// Sprite returns the moon image for a frame, decoding on first use and
// caching the result. Frames were validated at Open, so an error here means
// the file changed or vanished since boot.
func (c *Catalog) Sprite(frame int) (*image.Paletted, error) {
	if frame < 0 || frame >= phase.FrameCount {
		return nil, fmt.Errorf("moon frame %d out of range [0,%d)", frame, phase.FrameCount)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if img, ok := c.sprites[frame]; ok {
		return img, nil
	}
	img, err := Load(c.framePath(frame))
	if err != nil {
		return nil, err
	}
	c.sprites[frame] = img
	return img, nil
}

// Splash returns the boot screen for a rotation, or nil when the sprite set
// does not include one.
func (c *Catalog) Splash(rotation int) *image.Paletted {
	return c.splash[rotation]
}

// Sleeping returns the sleep-hours screen, or nil when absent.
func (c *Catalog) Sleeping() *image.Paletted {
	return c.sleeping
}

func (c *Catalog) framePath(frame int) string {
	return filepath.Join(c.dir, "moon", fmt.Sprintf("moon%02d.bmp", frame))
}

func validateFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := Validate(f); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

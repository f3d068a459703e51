package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/selenograph/moonclock/internal/models"
)

// secretsDebounce coalesces the burst of filesystem events most editors
// produce for a single save.
const secretsDebounce = 500 * time.Millisecond

// SecretsWatcher re-reads the secrets file when it changes and publishes
// observer updates, so moving the clock does not need a restart. Offset and
// timezone edits are noted but only take effect at the next start: the
// running clock follows the time sync, which would fight a mid-flight
// offset swap.
type SecretsWatcher struct {
	path    string
	last    Secrets
	watcher *fsnotify.Watcher
	updates chan models.Location
	logger  *zap.Logger
}

// NewSecretsWatcher starts watching the directory containing path. Watching
// the directory rather than the file keeps editors that replace the file on
// save (vim, renameio-style writers) visible. current seeds the comparison
// state from the startup load.
func NewSecretsWatcher(path string, current Secrets, logger *zap.Logger) (*SecretsWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create secrets watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch secrets dir: %w", err)
	}
	return &SecretsWatcher{
		path:    path,
		last:    current,
		watcher: watcher,
		updates: make(chan models.Location, 1),
		logger:  logger,
	}, nil
}

// Updates returns the stream of validated observer changes. Wire it to the
// scheduler before Run.
func (w *SecretsWatcher) Updates() <-chan models.Location {
	return w.updates
}

// Run processes filesystem events until ctx is done. Reload failures keep
// the previous values; only validated changes reach the updates channel.
func (w *SecretsWatcher) Run(ctx context.Context) {
	defer func() { _ = w.watcher.Close() }()

	var debounce *time.Timer
	var debounceC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("secrets watcher stopped")
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(secretsDebounce)
				debounceC = debounce.C
			} else {
				if !debounce.Stop() {
					<-debounceC
				}
				debounce.Reset(secretsDebounce)
			}

		case <-debounceC:
			debounce = nil
			debounceC = nil
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("secrets watcher error", zap.Error(err))
		}
	}
}

func (w *SecretsWatcher) reload() {
	sec, err := LoadSecrets(w.path)
	if err != nil {
		w.logger.Warn("secrets reload failed, keeping previous values", zap.Error(err))
		return
	}

	if sec.UTCOffset != w.last.UTCOffset || sec.Timezone != w.last.Timezone {
		w.logger.Info("secrets offset or timezone changed, takes effect at next start",
			zap.String("offset", sec.UTCOffset),
			zap.String("timezone", sec.Timezone))
	}

	if !sec.ObserverSet {
		if w.last.ObserverSet {
			w.logger.Warn("secrets reload omitted coordinates, keeping previous observer")
		}
		w.last.UTCOffset = sec.UTCOffset
		w.last.Timezone = sec.Timezone
		return
	}

	changed := !w.last.ObserverSet || sec.Observer != w.last.Observer
	w.last = sec
	if !changed {
		return
	}

	w.logger.Info("observer location updated",
		zap.Float64("latitude", sec.Observer.Latitude),
		zap.Float64("longitude", sec.Observer.Longitude))

	// Latest location wins: an undelivered pending update is stale the
	// moment a newer one exists.
	for {
		select {
		case w.updates <- sec.Observer:
			return
		default:
			select {
			case <-w.updates:
			default:
			}
		}
	}
}

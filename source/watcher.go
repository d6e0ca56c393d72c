package source

import (
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher turns filesystem activity in the landing directories
// into pipeline trigger events, so new files are picked up
// without waiting for the next poll tick. Events are debounced:
// a burst of file drops produces a single trigger.
type Watcher struct {
	fsw      *fsnotify.Watcher
	debounce time.Duration
	log      zerolog.Logger

	// C receives one value per debounced burst of landing activity.
	C chan struct{}

	stopChan chan struct{}
}

// NewWatcher watches the given landing directories.
func NewWatcher(dirs []string, debounce time.Duration, log zerolog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem watcher: %w", err)
	}
	for _, dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	w := &Watcher{
		fsw:      fsw,
		debounce: debounce,
		log:      log,
		C:        make(chan struct{}, 1),
		stopChan: make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-w.stopChan:
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			w.log.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Landing activity")
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				fire = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case <-fire:
			timer = nil
			fire = nil
			select {
			case w.C <- struct{}{}:
			default:
				// A trigger is already pending.
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("Filesystem watcher error")
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.stopChan)
	return w.fsw.Close()
}

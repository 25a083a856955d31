package directory

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"relaybroker/internal/logging"
)

const debounceInterval = 500 * time.Millisecond

// ReloadCallback is called after every debounced reload attempt.
type ReloadCallback func(err error)

// Watcher reloads a Directory when its backing file changes.
type Watcher struct {
	dir      *Directory
	callback ReloadCallback
	debounce time.Duration
}

// NewWatcher creates a watcher for d. callback may be nil.
func NewWatcher(d *Directory, callback ReloadCallback) *Watcher {
	return &Watcher{
		dir:      d,
		callback: callback,
		debounce: debounceInterval,
	}
}

// Run watches until ctx is done. The parent directory is watched rather
// than the file itself so editors that replace the file on save are
// still seen.
func (w *Watcher) Run(ctx context.Context) error {
	path := w.dir.Path()
	if path == "" {
		return errors.New("directory: nothing to watch for an in-memory directory")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsW.Close()

	if err := fsW.Add(filepath.Dir(abs)); err != nil {
		return err
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsW.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			// Debounce: reset timer on each event.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.reload)

		case err, ok := <-fsW.Errors:
			if !ok {
				return nil
			}
			log.Warn("directory watcher error", logging.KeyError, err)
		}
	}
}

func (w *Watcher) reload() {
	err := w.dir.Reload()
	if err != nil {
		log.Error("directory reload failed, keeping previous contents", logging.KeyError, err)
	}
	if w.callback != nil {
		w.callback(err)
	}
}

package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/errors"
)

// ReloadCallback receives each successfully reloaded config.
type ReloadCallback func(*Config) error

// Watcher watches a config file and reloads it on change. Invalid files are
// logged and ignored; callbacks only ever see validated configs.
type Watcher struct {
	path           string
	watcher        *fsnotify.Watcher
	callbacks      []ReloadCallback
	debounceTimer  *time.Timer
	debouncePeriod time.Duration
	logger         *zap.SugaredLogger
	mu             sync.Mutex
	done           chan struct{}
}

// NewWatcher creates a watcher for path. The parent directory is watched so
// editors that replace the file atomically still trigger a reload.
func NewWatcher(path string, log *zap.SugaredLogger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}

	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, errors.Wrapf(err, "failed to watch config directory for %s", path)
	}

	return &Watcher{
		path:           filepath.Clean(path),
		watcher:        fw,
		debouncePeriod: 500 * time.Millisecond,
		logger:         log.Named("config.watcher"),
		done:           make(chan struct{}),
	}, nil
}

// OnReload registers a callback to run after a successful reload
func (w *Watcher) OnReload(cb ReloadCallback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// Start begins watching in a background goroutine
func (w *Watcher) Start() {
	go w.loop()
}

// Stop stops watching and waits for the loop to exit
func (w *Watcher) Stop() error {
	err := w.watcher.Close()
	<-w.done

	w.mu.Lock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.mu.Unlock()
	return err
}

func (w *Watcher) loop() {
	defer close(w.done)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debugw("Config change detected", "file", event.Name, "op", event.Op.String())
			w.scheduleReload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warnw("Config watcher error", "error", err)
		}
	}
}

// scheduleReload debounces bursts of writes into one reload
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.debouncePeriod, func() {
		if err := w.reload(); err != nil {
			w.logger.Errorw("Config reload failed, keeping previous config", "error", err)
		}
	})
}

func (w *Watcher) reload() error {
	cfg, err := Load(w.path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	callbacks := make([]ReloadCallback, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	w.logger.Infow("Config reloaded", "path", w.path)
	for _, cb := range callbacks {
		if err := cb(cfg); err != nil {
			w.logger.Warnw("Config reload callback error", "error", err)
		}
	}
	return nil
}

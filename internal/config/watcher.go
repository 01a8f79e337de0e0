package config

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher monitors the Sentinel data directory for config.yaml changes
// using fsnotify. When the file is written or created, the config is
// reloaded and handed to the callback so running components can pick up
// new capture limits without a restart.
//
// The watcher runs a background goroutine that processes fsnotify events.
// Call Close() to stop the watcher and release resources.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	done      chan struct{}
}

// NewWatcher creates a file watcher on the given data directory. On each
// config.yaml write the file is re-parsed; a parse or validation failure
// is logged and the previous config stays in effect.
func NewWatcher(dir string, onChange func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	// Watch the whole directory — editors often replace the file rather
	// than writing in place, which shows up as a Create event.
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}

	w := &Watcher{
		fsWatcher: fw,
		done:      make(chan struct{}),
	}

	go w.processEvents(dir, onChange)

	slog.Info("config watcher started", "dir", dir)
	return w, nil
}

// processEvents reads fsnotify events and reloads the config on change.
// Runs in a background goroutine until Close() is called.
func (w *Watcher) processEvents(dir string, onChange func(*Config)) {
	path := filepath.Join(dir, "config.yaml")

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if filepath.Base(event.Name) != "config.yaml" {
				continue
			}

			cfg, err := Load(path)
			if err != nil {
				slog.Warn("config reload failed, keeping previous config",
					"path", path, "error", err)
				continue
			}

			slog.Info("config.yaml changed, reloaded")
			if onChange != nil {
				onChange(cfg)
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			slog.Error("config watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// Close stops the watcher goroutine and releases the underlying fsnotify
// watcher. Safe to call multiple times.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	return w.fsWatcher.Close()
}

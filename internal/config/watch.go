package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// PollInterval is used when the platform watcher cannot be started.
const PollInterval = time.Second

// Watcher reports configuration changes. Every detected change triggers a
// full reload; content is not diffed against the previous version.
type Watcher struct {
	path     string
	debounce time.Duration
	log      *slog.Logger

	// OnError is called when a changed file fails to load. The previous
	// configuration stays in effect.
	OnError func(error)
}

func NewWatcher(path string, debounce time.Duration, log *slog.Logger) *Watcher {
	return &Watcher{path: path, debounce: debounce, log: log}
}

// Run blocks until ctx is done, calling onChange with each freshly loaded
// configuration.
func (w *Watcher) Run(ctx context.Context, onChange func(*Config)) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Warn("fsnotify unavailable, polling config", slog.String("error", err.Error()))
		return w.poll(ctx, onChange)
	}
	defer fw.Close()

	// Watch the directory: editors often replace the file via rename, which
	// drops a watch held on the file itself.
	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		w.log.Warn("cannot watch config dir, polling config",
			slog.String("dir", dir),
			slog.String("error", err.Error()),
		)
		return w.poll(ctx, onChange)
	}

	target := filepath.Clean(w.path)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			timer.Reset(w.debounce)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("config watcher error", slog.String("error", err.Error()))

		case <-timer.C:
			w.reload(onChange)
		}
	}
}

func (w *Watcher) poll(ctx context.Context, onChange func(*Config)) error {
	t := time.NewTicker(PollInterval)
	defer t.Stop()

	last := modTime(w.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			last = w.pollOnce(last, onChange)
		}
	}
}

// pollOnce reloads when the file's mtime differs from last and returns the
// mtime to compare against on the next tick. A missing file is not a change.
func (w *Watcher) pollOnce(last time.Time, onChange func(*Config)) time.Time {
	mt := modTime(w.path)
	if mt.IsZero() || mt.Equal(last) {
		return last
	}
	w.reload(onChange)
	return mt
}

func (w *Watcher) reload(onChange func(*Config)) {
	cfg, err := ReadFile(w.path)
	if err != nil {
		w.log.Error("config reload failed, keeping previous config",
			slog.String("path", w.path),
			slog.String("error", err.Error()),
		)
		if w.OnError != nil {
			w.OnError(err)
		}
		return
	}
	w.log.Info("config reloaded", slog.String("path", w.path), slog.String("host", cfg.Host))
	onChange(cfg)
}

func modTime(path string) time.Time {
	fi, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return fi.ModTime()
}

package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// settleDelay coalesces the write bursts editors produce into one event.
const settleDelay = 100 * time.Millisecond

type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher reports changes to config.yaml and any extra files (such as the
// OpenClaw config the gateway reads). It watches the parent directories so
// files replaced by rename, or created after Start, are still seen.
type Watcher struct {
	files  map[string]bool
	logger *slog.Logger
	events chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger, extra ...string) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	files := map[string]bool{filepath.Clean(ConfigPath(homeDir)): true}
	for _, f := range extra {
		if f != "" {
			files[filepath.Clean(f)] = true
		}
	}
	return &Watcher{
		files:  files,
		logger: logger.With("component", "config"),
		events: make(chan ReloadEvent, 16),
	}
}

// Events is closed once the watcher stops.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dirs := map[string]bool{}
	for file := range w.files {
		dirs[filepath.Dir(file)] = true
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			w.logger.Debug("config watcher skip", "dir", dir, "error", err)
		}
	}

	go w.run(ctx, fsw)
	return nil
}

func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher) {
	defer fsw.Close()
	defer close(w.events)

	pending := map[string]fsnotify.Op{}
	var settle <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			name := filepath.Clean(ev.Name)
			if !w.files[name] || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending[name] |= ev.Op
			settle = time.After(settleDelay)
		case <-settle:
			settle = nil
			for name, op := range pending {
				select {
				case w.events <- ReloadEvent{Path: name, Op: op}:
				default:
					w.logger.Warn("config change dropped, consumer busy", "path", filepath.Base(name))
				}
				w.logger.Info("config file changed", "path", filepath.Base(name), "op", op.String())
			}
			clear(pending)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}

package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch calls r.Reload whenever the registry file is written or replaced,
// until ctx is cancelled. The directory is watched so editors that rename
// over the file are seen too.
func Watch(ctx context.Context, r *Registry, log *slog.Logger) error {
	if r.Path() == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	target := filepath.Clean(r.Path())
	if err := w.Add(filepath.Dir(target)); err != nil {
		_ = w.Close()
		return err
	}
	go func() {
		defer func() { _ = w.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if err := r.Reload(); err != nil {
					log.Warn("registry reload failed", "path", target, "error", err)
					continue
				}
				log.Info("registry reloaded", "path", target, "services", len(r.Names()))
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn("registry watcher error", "error", err)
			}
		}
	}()
	return nil
}

package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/tonimelisma/pitchly-go/internal/tokenfile"
)

// Watcher follows the token file so that a login or logout performed by
// another process changes this process's identity too. The directory is
// watched rather than the file because token saves replace the file by
// rename.
type Watcher struct {
	manager   *Manager
	tokenPath string
	logger    *slog.Logger
}

// NewWatcher creates a watcher for the manager's token file.
func NewWatcher(m *Manager, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{
		manager:   m,
		tokenPath: filepath.Clean(m.tokenPath),
		logger:    logger,
	}
}

// Run blocks until ctx is canceled, reloading the session on every change
// to the token file.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("session: creating watcher: %w", err)
	}
	defer fw.Close()

	dir := filepath.Dir(w.tokenPath)
	if err := os.MkdirAll(dir, tokenfile.DirPerms); err != nil {
		return fmt.Errorf("session: creating %s: %w", dir, err)
	}

	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("session: watching %s: %w", dir, err)
	}

	w.logger.Debug("watching token file", slog.String("path", w.tokenPath))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}

			w.handle(ctx, ev)
		case werr, ok := <-fw.Errors:
			if !ok {
				return nil
			}

			w.logger.Warn("token watcher error", slog.String("error", werr.Error()))
		}
	}
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	if filepath.Clean(ev.Name) != w.tokenPath {
		return
	}

	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) &&
		!ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return
	}

	if err := w.manager.Reload(ctx); err != nil {
		w.logger.Warn("reloading session after token change failed",
			slog.String("op", ev.Op.String()),
			slog.String("error", err.Error()),
		)
	}
}

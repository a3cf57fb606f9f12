package coord

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchMessages wakes message waiters when another process writes into the
// room's messages directory. Local deliveries already wake waiters directly;
// the watcher covers deliveries from other server processes sharing a
// filesystem backend. Watch failures degrade to plain polling.
func (e *Engine) WatchMessages(ctx context.Context, baseDir string) error {
	dir := filepath.Join(baseDir, "messages")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return err
	}
	slog.Debug("coord.watch.started", "dir", dir)

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write) {
					e.Wake()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Debug("coord.watch.error", "error", err)
			}
		}
	}()
	return nil
}

package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces the burst of events produced by one atomic rewrite.
const watchDebounce = 200 * time.Millisecond

// Watch reloads the store whenever its file is written, created or renamed
// over, so an out-of-band crawl is picked up without a restart. The parent
// directory is watched because atomic writers replace the file's inode.
//
// onReload, when non-nil, is called after every reload attempt. Watch blocks
// until ctx is cancelled.
func (s *FileStore) Watch(ctx context.Context, logger *slog.Logger, onReload func(error)) error {
	if logger == nil {
		logger = slog.Default()
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("knowledge: create watcher: %w", err)
	}
	defer w.Close()

	dir := filepath.Dir(s.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("knowledge: watch %s: %w", dir, err)
	}
	target := filepath.Clean(s.path)
	logger.Info("knowledge watcher started", "path", target)

	timer := time.NewTimer(watchDebounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("knowledge watcher stopped")
			return nil

		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(watchDebounce)

		case <-timer.C:
			err := s.Reload()
			if err != nil {
				logger.Warn("knowledge reload failed", "path", target, "err", err)
			} else {
				logger.Info("knowledge reloaded", "path", target, "documents", s.Len())
			}
			if onReload != nil {
				onReload(err)
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("knowledge watcher error", "err", err)
		}
	}
}

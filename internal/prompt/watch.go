// ABOUTME: Hot reload of the prompt file using fsnotify
// ABOUTME: Debounces bursts of editor writes into a single reload

package prompt

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceDelay = 100 * time.Millisecond

// Watch reloads the prompt whenever its file changes, until ctx is done.
// The parent directory is watched so that editors which replace the file
// are noticed. It returns immediately when no path is configured.
func (l *Library) Watch(ctx context.Context) error {
	if l.path == "" {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating prompt watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(l.path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(l.path), err)
	}
	target := filepath.Clean(l.path)

	var mu sync.Mutex
	var timer *time.Timer
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceDelay, func() {
				if err := l.Reload(); err != nil {
					l.logger.Error("reloading prompt", "error", err)
					return
				}
				l.logger.Info("prompt reloaded", "path", l.path)
			})
			mu.Unlock()

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			l.logger.Error("prompt watcher error", "error", err)
		}
	}
}

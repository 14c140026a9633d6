package registry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// debounceWindow coalesces the burst of filesystem events an editor save
	// produces into one reload.
	debounceWindow = 500 * time.Millisecond
	// rewatchDelay is how long to wait before re-establishing a dead watcher.
	rewatchDelay = 5 * time.Second
)

// Watch subscribes to filesystem change notifications on dir and reloads the
// registry on changes. Each reload is a full rebuild plus atomic swap, so a
// bad edit can never drop the live mapping. A failed watcher is logged and
// re-established after a short delay; Watch only returns when ctx is done.
func (r *Registry) Watch(ctx context.Context, dir string) {
	for {
		err := r.watchOnce(ctx, dir)
		if ctx.Err() != nil {
			return
		}
		slog.Warn("commands watcher died, re-establishing",
			slog.Any("err", err), slog.Duration("delay", rewatchDelay), slog.String("component", "registry"))
		select {
		case <-ctx.Done():
			return
		case <-time.After(rewatchDelay):
		}
	}
}

func (r *Registry) watchOnce(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			slog.Debug("watcher close", slog.Any("err", err), slog.String("component", "registry"))
		}
	}()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	slog.Info("watching commands directory", slog.String("dir", dir), slog.String("component", "registry"))

	var debounce *time.Timer
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("watch event channel closed")
			}
			if !strings.HasSuffix(ev.Name, ".json") {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(debounceWindow)
				pending = debounce.C
			} else {
				// Drain a stale tick before Reset so an already-fired timer
				// cannot trigger a premature reload.
				if !debounce.Stop() {
					select {
					case <-pending:
					default:
					}
				}
				debounce.Reset(debounceWindow)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("watch error channel closed")
			}
			return fmt.Errorf("watch: %w", err)

		case <-pending:
			debounce = nil
			pending = nil
			if err := r.Load(dir); err != nil {
				// Previous mapping stays installed.
				slog.Warn("registry reload failed, keeping previous mapping",
					slog.Any("err", err), slog.String("component", "registry"))
			}
		}
	}
}

package vfs

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	v1 "github.com/aether-os/aether/pkg/kernel/v1"
)

// SharedWatcher debounces host-FS changes under the shared prefix into
// fs.changed events, so multi-client UIs refresh without per-write chatter.
type SharedWatcher struct {
	fs       *FileSystem
	watcher  *fsnotify.Watcher
	debounce time.Duration
}

// StartSharedWatcher watches <root>/<shared> until ctx is done.
func (f *FileSystem) StartSharedWatcher(ctx context.Context, debounce time.Duration) (*SharedWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	sharedPath := filepath.Join(f.root, f.sharedDir)
	if err := w.Add(sharedPath); err != nil {
		_ = w.Close()
		return nil, err
	}

	sw := &SharedWatcher{fs: f, watcher: w, debounce: debounce}
	go sw.run(ctx)
	f.logger.Info("shared watcher started", zap.String("path", sharedPath))
	return sw, nil
}

func (sw *SharedWatcher) run(ctx context.Context) {
	defer func() { _ = sw.watcher.Close() }()

	pending := make(map[string]struct{})
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		for p := range pending {
			rel, err := filepath.Rel(sw.fs.root, p)
			if err != nil {
				continue
			}
			sw.fs.bus.Emit(v1.EventFSChanged, map[string]any{
				"path": "/" + filepath.ToSlash(rel),
				"op":   "watch",
			})
		}
		pending = make(map[string]struct{})
		timerC = nil
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			// New subdirectories get watched too.
			if ev.Op&fsnotify.Create != 0 && !strings.Contains(filepath.Base(ev.Name), ".") {
				_ = sw.watcher.Add(ev.Name)
			}
			pending[ev.Name] = struct{}{}
			if timer == nil {
				timer = time.NewTimer(sw.debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(sw.debounce)
				timerC = timer.C
			}
		case <-timerC:
			flush()
		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			sw.fs.logger.Debug("shared watcher error", zap.Error(err))
		}
	}
}

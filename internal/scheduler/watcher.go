package scheduler

import (
	"context"
	"io/fs"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mattjoyce/mender/internal/config"
	"github.com/mattjoyce/mender/internal/workspace"
)

// Directories whose churn never warrants a run.
var ignoredDirs = []string{".git", ".hg", ".svn", "node_modules", "__pycache__", ".venv", "target"}

func newWatcher(root string) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(root); err != nil {
		_ = w.Close()
		return nil, err
	}
	watchDirRecursive(w, root)
	return w, nil
}

// watchDirRecursive adds every non-ignored directory under root. fsnotify is
// not recursive on Linux.
func watchDirRecursive(w *fsnotify.Watcher, root string) {
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && slices.Contains(ignoredDirs, d.Name()) {
			return filepath.SkipDir
		}
		_ = w.Add(path)
		return nil
	})
}

// relevant reports whether ev is a change made by someone other than mender.
func relevant(root string, ev fsnotify.Event) bool {
	if ev.Op == fsnotify.Chmod {
		return false
	}
	rel, err := filepath.Rel(root, ev.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return false
	}
	base := filepath.Base(ev.Name)
	if workspace.IsLockFile(filepath.ToSlash(rel)) || strings.HasPrefix(base, ".mender-tmp-") {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if slices.Contains(ignoredDirs, part) {
			return false
		}
	}
	return true
}

// watchLoop debounces file events in ws and triggers a run once the tree has
// been quiet for ws.Debounce. Events while a session is active are the
// engine's own writes and are dropped.
func (s *Scheduler) watchLoop(ctx context.Context, ws config.ScheduledWorkspace, w *fsnotify.Watcher) {
	defer s.wg.Done()
	defer w.Close()

	debounce := ws.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	debounceTimer := time.NewTimer(time.Hour)
	debounceTimer.Stop()
	defer debounceTimer.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return

		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if !relevant(ws.Path, ev) {
				continue
			}
			if ev.Has(fsnotify.Create) {
				// New directories need their own watch.
				watchDirRecursive(w, ev.Name)
			}
			if s.runner.Status().Phase.Active() {
				continue
			}
			s.logger.Debug("Workspace changed", "workspace", ws.Path, "path", ev.Name, "op", ev.Op.String())
			debounceTimer.Reset(debounce)

		case <-debounceTimer.C:
			s.trigger(ctx, ws, "watch")

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.logger.Warn("Workspace watcher error", "workspace", ws.Path, "error", err)
		}
	}
}

package docstore

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// SnapshotWatcher invalidates collections when their local snapshot files
// are edited out of band (an operator fixing a document by hand during a
// remote outage). Events are keyed by snapshot base name.
type SnapshotWatcher struct {
	watcher *fsnotify.Watcher
	logger  *zap.Logger
	done    chan struct{}
}

// WatchSnapshots watches dir and calls the invalidate func registered for a
// file's base name whenever that file changes.
func WatchSnapshots(dir string, targets map[string]func(), logger *zap.Logger) (*SnapshotWatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	w := &SnapshotWatcher{watcher: watcher, logger: logger, done: make(chan struct{})}
	go w.run(targets)
	return w, nil
}

func (w *SnapshotWatcher) run(targets map[string]func()) {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Rename) {
				continue
			}
			name := filepath.Base(event.Name)
			invalidate, ok := targets[name]
			if !ok {
				continue
			}
			w.logger.Info("snapshot changed on disk, invalidating cache", zap.String("snapshot", name))
			invalidate()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("snapshot watcher error", zap.Error(err))
		}
	}
}

func (w *SnapshotWatcher) Close() error {
	if w == nil || w.watcher == nil {
		return nil
	}
	err := w.watcher.Close()
	<-w.done
	return err
}

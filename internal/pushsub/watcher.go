package pushsub

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

type RecordWatcherOptions struct {
	RecordPath string
	Store      StatusStore
	OnRemoved  func()
	Logger     Logger
}

type RecordWatcher struct {
	watcher    *fsnotify.Watcher
	recordPath string
	store      StatusStore
	onRemoved  func()
	logger     Logger
}

func NewRecordWatcher(opts RecordWatcherOptions) (*RecordWatcher, error) {
	recordPath := strings.TrimSpace(opts.RecordPath)
	if recordPath == "" {
		return nil, fmt.Errorf("record path is required")
	}
	recordPath = filepath.Clean(recordPath)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(recordPath)); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	return &RecordWatcher{
		watcher:    watcher,
		recordPath: recordPath,
		store:      opts.Store,
		onRemoved:  opts.OnRemoved,
		logger:     opts.Logger,
	}, nil
}

func (w *RecordWatcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.recordPath {
				continue
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
				if event.Op&fsnotify.Write == 0 || recordPresent(w.recordPath) {
					continue
				}
			}
			w.logf("subscription record removed out of band")
			if w.store != nil {
				if err := w.store.Clear(); err != nil {
					w.logf("clear cached status: %v", err)
				}
			}
			if w.onRemoved != nil {
				w.onRemoved()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logf("record watcher error: %v", err)
		}
	}
}

func recordPresent(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	var sub Subscription
	if err := json.Unmarshal(data, &sub); err != nil {
		return false
	}
	return strings.TrimSpace(sub.Endpoint) != ""
}

func (w *RecordWatcher) Close() error {
	return w.watcher.Close()
}

func (w *RecordWatcher) logf(format string, args ...any) {
	if w.logger == nil {
		return
	}
	w.logger.Printf(format, args...)
}

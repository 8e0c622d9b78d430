package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeCallback receives the reloaded configuration, or the error that
// prevented reloading it
type ChangeCallback func(cfg *Config, err error)

// Watcher reloads a config file when it changes on disk
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	callback ChangeCallback
	debounce time.Duration

	timer  *time.Timer
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWatcher watches the directory containing path so that editors which
// replace the file by rename are noticed too
func NewWatcher(path string, callback ChangeCallback) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, err
	}

	return &Watcher{
		path:     abs,
		watcher:  watcher,
		callback: callback,
		debounce: 500 * time.Millisecond,
		done:     make(chan struct{}),
	}, nil
}

// Watch creates a watcher for path and starts it
func Watch(ctx context.Context, path string, callback ChangeCallback) (*Watcher, error) {
	w, err := NewWatcher(path, callback)
	if err != nil {
		return nil, err
	}
	w.Start(ctx)
	return w, nil
}

// Start begins watching for file changes
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	go func() {
		defer close(w.done)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				w.handleEvent(event)
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				if w.callback != nil {
					w.callback(nil, err)
				}
			}
		}
	}()
}

// Stop stops watching and cancels a pending reload
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
	w.watcher.Close()

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	if w.callback == nil {
		return
	}
	cfg, err := Load(w.path)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		w.callback(nil, err)
		return
	}
	w.callback(cfg, nil)
}

package config

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches a single config file for changes, coalescing an
// editor's typical double-write-on-save into one notification.
// Modeled on the teacher's FileWatcher
// (internal/turso/daemon/watcher.go), narrowed from watching two task
// directories to watching one config file.
type Watcher struct {
	watcher *fsnotify.Watcher
	events  chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// NewWatcher constructs a Watcher. Call Start to begin watching.
func NewWatcher() (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: new watcher: %w", err)
	}
	return &Watcher{watcher: w, events: make(chan struct{}, 1), done: make(chan struct{})}, nil
}

// Start begins watching path; write and create events on it produce a
// notification, other events (rename, remove, chmod) are ignored.
func (w *Watcher) Start(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("config: watcher already running")
	}
	if err := w.watcher.Add(path); err != nil {
		return fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.running = true
	w.wg.Add(1)
	go w.loop()
	return nil
}

// Changed delivers a notification when a change is detected; changes
// detected while a notification is still unread are folded into it. It
// is never closed while the watcher runs; drain it with a select
// alongside other shutdown signals.
func (w *Watcher) Changed() <-chan struct{} { return w.events }

// Stop closes the underlying fsnotify watcher and waits for the event
// loop to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			select {
			case w.events <- struct{}{}:
			default:
			}
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

package plansync

import (
	"context"
	"sync"
)

// Feed announces that the document at a path changed.
// Signals carry no payload; listeners re-read the document.
type Feed interface {
	// Publish notifies every listener of path.
	Publish(ctx context.Context, path string) error

	// Listen returns a channel that receives a signal after each change to path,
	// and a stop function that releases the listener. Signals coalesce: a slow
	// listener sees at least one signal after the latest change.
	Listen(ctx context.Context, path string) (<-chan struct{}, func(), error)
}

// LocalFeed is an in-process Feed for single-instance deployments.
type LocalFeed struct {
	mu        sync.Mutex
	listeners map[string]map[chan struct{}]struct{}
}

// NewLocalFeed creates an empty in-process feed.
func NewLocalFeed() *LocalFeed {
	return &LocalFeed{listeners: make(map[string]map[chan struct{}]struct{})}
}

// Publish signals every listener of path without blocking.
func (f *LocalFeed) Publish(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.listeners[path] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

// Listen registers a listener for path.
func (f *LocalFeed) Listen(_ context.Context, path string) (<-chan struct{}, func(), error) {
	ch := make(chan struct{}, 1)

	f.mu.Lock()
	set, ok := f.listeners[path]
	if !ok {
		set = make(map[chan struct{}]struct{})
		f.listeners[path] = set
	}
	set[ch] = struct{}{}
	f.mu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			delete(f.listeners[path], ch)
			if len(f.listeners[path]) == 0 {
				delete(f.listeners, path)
			}
			close(ch)
		})
	}
	return ch, stop, nil
}

// listenerCount is used by tests.
func (f *LocalFeed) listenerCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners[path])
}

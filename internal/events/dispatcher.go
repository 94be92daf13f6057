package events

import (
	"context"
	"errors"
	"sync"
)

// EventHandler handles a published event.
type EventHandler func(context.Context, SessionEvent) error

// Publisher emits session events.
type Publisher interface {
	Publish(ctx context.Context, event SessionEvent) error
}

// Dispatcher interface allows event publication/subscription.
type Dispatcher interface {
	Publisher
	// Subscribe registers handler for events whose subject or session id equals
	// key, or for all events with WildcardKey. The returned func removes it.
	Subscribe(key string, handler EventHandler) func()
}

type subscription struct {
	id      uint64
	handler EventHandler
}

// inMemoryDispatcher is a simple synchronous dispatcher.
type inMemoryDispatcher struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners map[string][]subscription
}

// NewInMemoryDispatcher creates a dispatcher instance.
func NewInMemoryDispatcher() Dispatcher {
	return &inMemoryDispatcher{
		listeners: make(map[string][]subscription),
	}
}

// Publish synchronously invokes handlers for the given event. Every handler
// runs even when an earlier one fails; the failures are joined.
func (d *inMemoryDispatcher) Publish(ctx context.Context, event SessionEvent) error {
	d.mu.RLock()
	seen := make(map[uint64]struct{})
	var handlers []EventHandler
	for _, key := range event.keys() {
		for _, sub := range d.listeners[key] {
			if _, dup := seen[sub.id]; dup {
				continue
			}
			seen[sub.id] = struct{}{}
			handlers = append(handlers, sub.handler)
		}
	}
	d.mu.RUnlock()

	var errs []error
	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Subscribe registers a handler for the given key.
func (d *inMemoryDispatcher) Subscribe(key string, handler EventHandler) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.listeners[key] = append(d.listeners[key], subscription{id: id, handler: handler})

	var once sync.Once
	return func() {
		once.Do(func() { d.remove(key, id) })
	}
}

func (d *inMemoryDispatcher) remove(key string, id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subs := d.listeners[key]
	for i, sub := range subs {
		if sub.id == id {
			d.listeners[key] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(d.listeners[key]) == 0 {
		delete(d.listeners, key)
	}
}

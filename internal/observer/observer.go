// Package observer provides typed subscriber registries with unsubscribe handles.
package observer

import "sync"

// Subscription detaches a handler. Unsubscribe may be called any number of times.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// NewSubscription wraps cancel in a Subscription.
func NewSubscription(cancel func()) *Subscription {
	return &Subscription{cancel: cancel}
}

// Unsubscribe detaches the handler.
func (subscription *Subscription) Unsubscribe() {
	if subscription == nil {
		return
	}
	subscription.once.Do(func() {
		if subscription.cancel != nil {
			subscription.cancel()
		}
	})
}

type entry[T any] struct {
	id      uint64
	handler func(T)
}

// Registry holds handlers for values of type T. The zero value is ready to use.
type Registry[T any] struct {
	mutex   sync.Mutex
	nextID  uint64
	entries []entry[T]
}

// Add registers handler and returns its subscription. A nil handler is ignored.
func (registry *Registry[T]) Add(handler func(T)) *Subscription {
	if handler == nil {
		return NewSubscription(nil)
	}
	registry.mutex.Lock()
	registry.nextID++
	id := registry.nextID
	registry.entries = append(registry.entries, entry[T]{id: id, handler: handler})
	registry.mutex.Unlock()
	return NewSubscription(func() { registry.remove(id) })
}

// Notify calls every handler in subscription order. Handlers run outside the registry lock
// and may unsubscribe themselves.
func (registry *Registry[T]) Notify(value T) {
	registry.mutex.Lock()
	handlers := make([]func(T), 0, len(registry.entries))
	for _, current := range registry.entries {
		handlers = append(handlers, current.handler)
	}
	registry.mutex.Unlock()
	for _, handler := range handlers {
		handler(value)
	}
}

// Len returns the number of live handlers.
func (registry *Registry[T]) Len() int {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	return len(registry.entries)
}

func (registry *Registry[T]) remove(id uint64) {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	for index, current := range registry.entries {
		if current.id == id {
			registry.entries = append(registry.entries[:index], registry.entries[index+1:]...)
			return
		}
	}
}

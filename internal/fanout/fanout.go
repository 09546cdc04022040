// Package fanout implements a keyed subscriber registry that delivers values
// synchronously to every listener registered for a key.
package fanout

import (
	"fmt"
	"sync"
)

// Listener receives published values. Implementations must be comparable
// (pointer receivers) since listeners are tracked by identity.
type Listener[V any] interface {
	Notify(V) error
}

// FuncListener adapts a function to the Listener interface. Use NewListener
// so each adapter has its own identity.
type FuncListener[V any] struct {
	fn func(V) error
}

func NewListener[V any](fn func(V) error) *FuncListener[V] {
	return &FuncListener[V]{fn: fn}
}

func (f *FuncListener[V]) Notify(v V) error {
	return f.fn(v)
}

// ErrorHandler is called with failures raised by listeners during delivery.
type ErrorHandler func(key any, err error)

type Publisher[K comparable, V any] struct {
	mu        sync.Mutex
	listeners map[K][]Listener[V]
	onError   ErrorHandler
}

// NewPublisher creates an empty publisher. onError may be nil.
func NewPublisher[K comparable, V any](onError ErrorHandler) *Publisher[K, V] {
	return &Publisher[K, V]{
		listeners: make(map[K][]Listener[V]),
		onError:   onError,
	}
}

// Subscribe registers l for key. Registering the same listener twice is a no-op.
func (p *Publisher[K, V]) Subscribe(key K, l Listener[V]) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, existing := range p.listeners[key] {
		if existing == l {
			return
		}
	}
	p.listeners[key] = append(p.listeners[key], l)
}

// Unsubscribe removes l from key. Removing an unknown listener is a no-op.
func (p *Publisher[K, V]) Unsubscribe(key K, l Listener[V]) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ls := p.listeners[key]
	for i, existing := range ls {
		if existing != l {
			continue
		}

		// copy so a Publish iterating the old slice is unaffected
		next := make([]Listener[V], 0, len(ls)-1)
		next = append(next, ls[:i]...)
		next = append(next, ls[i+1:]...)
		if len(next) == 0 {
			delete(p.listeners, key)
		} else {
			p.listeners[key] = next
		}
		return
	}
}

// Publish delivers v to every listener registered for key at the time of the
// call, in registration order, and returns the number of successful deliveries.
func (p *Publisher[K, V]) Publish(key K, v V) int {
	p.mu.Lock()
	ls := p.listeners[key]
	p.mu.Unlock()

	delivered := 0
	for _, l := range ls {
		if err := Deliver(l, v); err != nil {
			if p.onError != nil {
				p.onError(key, err)
			}
			continue
		}
		delivered++
	}

	return delivered
}

// Count returns the number of listeners registered for key.
func (p *Publisher[K, V]) Count(key K) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.listeners[key])
}

// Deliver hands v to a single listener, converting a panic into an error.
// It is used to send the baseline state to a listener before it subscribes.
func Deliver[V any](l Listener[V], v V) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()

	return l.Notify(v)
}

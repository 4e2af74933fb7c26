// Package events implements the in-process publish/subscribe fan-out for
// balance and operation status changes.
package events

import (
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/settlement-experiment/offchain/internal/protocol"
)

// Handler receives emitted events. Handlers run synchronously on the
// emitting goroutine and must not block.
type Handler func(*protocol.Event)

// Subscription is the handle returned by Subscribe, used to unsubscribe.
type Subscription struct {
	id  string
	key string
}

// Key returns the address or resource key the subscription listens on.
func (s *Subscription) Key() string { return s.key }

// Emitter fans events out to handlers registered under address or resource
// keys. Delivery is synchronous and in-process; there is no persistence or
// replay, so a subscriber registered after an event never observes it.
type Emitter struct {
	mu   sync.RWMutex
	subs map[string]map[string]Handler // key -> subscription id -> handler

	// onRelease, when set, runs once the last subscription is removed. The
	// push transport uses it to tear down its upstream connection.
	onRelease func()
}

func NewEmitter() *Emitter {
	return &Emitter{subs: make(map[string]map[string]Handler)}
}

// SetReleaseHook registers a function invoked whenever the subscription
// count drops to zero.
func (e *Emitter) SetReleaseHook(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onRelease = fn
}

// Subscribe registers a handler under an address or resource key (see
// protocol.AddressKey / protocol.ResourceKey) and returns its handle.
func (e *Emitter) Subscribe(key string, handler Handler) *Subscription {
	sub := &Subscription{id: uuid.New().String(), key: key}

	e.mu.Lock()
	defer e.mu.Unlock()
	handlers, ok := e.subs[key]
	if !ok {
		handlers = make(map[string]Handler)
		e.subs[key] = handlers
	}
	handlers[sub.id] = handler
	return sub
}

// Unsubscribe removes a handle. Removing the last handle across all keys
// triggers the release hook.
func (e *Emitter) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	var release func()
	e.mu.Lock()
	if handlers, ok := e.subs[sub.key]; ok {
		delete(handlers, sub.id)
		if len(handlers) == 0 {
			delete(e.subs, sub.key)
		}
	}
	if len(e.subs) == 0 {
		release = e.onRelease
	}
	e.mu.Unlock()

	if release != nil {
		release()
	}
}

// SubscriberCount returns the number of live subscriptions across all keys.
func (e *Emitter) SubscriberCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := 0
	for _, handlers := range e.subs {
		n += len(handlers)
	}
	return n
}

// Emit delivers an event to every handler registered under any key the
// event matches. A handler registered under several matching keys is
// invoked once. Handler panics are isolated: one failing handler does not
// prevent the others from running.
func (e *Emitter) Emit(event *protocol.Event) {
	e.mu.RLock()
	seen := make(map[string]bool)
	var handlers []Handler
	for _, key := range event.Keys() {
		for id, h := range e.subs[key] {
			if !seen[id] {
				seen[id] = true
				handlers = append(handlers, h)
			}
		}
	}
	e.mu.RUnlock()

	for _, h := range handlers {
		invoke(h, event)
	}
}

func invoke(h Handler, event *protocol.Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Events] handler panicked on %s event: %v", event.Type, r)
		}
	}()
	h(event)
}

// Package eventbus is a small synchronous pub/sub helper used in place of
// an inheritance-based event emitter: a plain struct any
// component can embed or hold by value, instead of a base "Emitter" type
// components would otherwise need to extend.
package eventbus

import "sync"

// Handler receives an event payload. The concrete type of payload is
// agreed between emitter and subscriber per event name.
type Handler func(payload any)

// Bus is a named-event pub/sub register. Zero value is usable.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]subscription
	nextID   uint64
}

type subscription struct {
	id uint64
	fn Handler
}

// Subscription identifies a registered handler for later removal via Off.
type Subscription struct {
	event string
	id    uint64
}

// On registers fn to be called whenever Emit(event, ...) runs. Returns a
// Subscription that Off can later remove.
func (b *Bus) On(event string, fn Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers == nil {
		b.handlers = make(map[string][]subscription)
	}
	b.nextID++
	id := b.nextID
	b.handlers[event] = append(b.handlers[event], subscription{id: id, fn: fn})
	return Subscription{event: event, id: id}
}

// Off removes a previously registered subscription. No-op if already
// removed.
func (b *Bus) Off(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.handlers[sub.event]
	for i, s := range subs {
		if s.id == sub.id {
			b.handlers[sub.event] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Emit calls every handler currently registered for event, synchronously,
// in registration order. Handlers registered or removed during Emit are not
// observed by that call (Emit snapshots the subscriber list first).
func (b *Bus) Emit(event string, payload any) {
	b.mu.RLock()
	subs := append([]subscription(nil), b.handlers[event]...)
	b.mu.RUnlock()

	for _, s := range subs {
		s.fn(payload)
	}
}

package storage

import (
	"reflect"
	"sync"
)

// EventKind is the kind of a change event.
type EventKind int

// Event kinds.
const (
	Added EventKind = iota
	Updated
	Removed
	Cleared
)

var kindNames = [...]string{"added", "updated", "removed", "cleared"}

// String returns the event kind name.
func (k EventKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Event describes a change made to a store. Entity is nil for Cleared.
type Event struct {
	Kind   EventKind
	Type   reflect.Type
	ID     any
	Entity any
}

// Hub fans events out to subscribers. The zero value is ready to use.
type Hub struct {
	mu   sync.RWMutex
	next int
	subs map[int]func(Event)
}

// Subscribe registers fn and returns a function removing it.
func (h *Hub) Subscribe(fn func(Event)) (cancel func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs == nil {
		h.subs = make(map[int]func(Event))
	}
	id := h.next
	h.next++
	h.subs[id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs, id)
	}
}

// Publish delivers e to every subscriber, synchronously, in no
// particular order.
func (h *Hub) Publish(e Event) {
	h.mu.RLock()
	subs := make([]func(Event), 0, len(h.subs))
	for _, fn := range h.subs {
		subs = append(subs, fn)
	}
	h.mu.RUnlock()
	for _, fn := range subs {
		fn(e)
	}
}

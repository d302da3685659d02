// Package collection provides a synchronized list whose readers take
// consistent snapshots.
package collection

import (
	"fmt"
	"iter"
	"reflect"
	"slices"
	"sync"
)

// Snapshotter is implemented by synchronized collections. The serializer
// iterates the snapshot instead of the live collection, so it never
// observes a concurrent structural change.
type Snapshotter interface {
	SnapshotAny() []any
}

// Loader is implemented by collections the deserializer fills in one call.
type Loader interface {
	LoadAny(items []any) error
	ElemType() reflect.Type
}

// SyncList is a slice guarded by a read-write mutex. The zero value is an
// empty list ready to use.
type SyncList[T any] struct {
	mu    sync.RWMutex
	items []T
}

// NewSyncList returns a list holding items.
func NewSyncList[T any](items ...T) *SyncList[T] {
	return &SyncList[T]{items: slices.Clone(items)}
}

// Add appends items.
func (l *SyncList[T]) Add(items ...T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append(l.items, items...)
}

// Get returns the item at i.
func (l *SyncList[T]) Get(i int) (T, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if i < 0 || i >= len(l.items) {
		var zero T
		return zero, false
	}
	return l.items[i], true
}

// RemoveFunc deletes the items for which del returns true and returns
// how many were removed.
func (l *SyncList[T]) RemoveFunc(del func(T) bool) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.items)
	l.items = slices.DeleteFunc(l.items, del)
	return n - len(l.items)
}

// Clear removes every item.
func (l *SyncList[T]) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = nil
}

// Len returns the number of items.
func (l *SyncList[T]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.items)
}

// Snapshot returns a copy of the items taken under the read lock.
func (l *SyncList[T]) Snapshot() []T {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.items)
}

// All iterates over a snapshot.
func (l *SyncList[T]) All() iter.Seq2[int, T] {
	return slices.All(l.Snapshot())
}

// SnapshotAny implements Snapshotter.
func (l *SyncList[T]) SnapshotAny() []any {
	snap := l.Snapshot()
	out := make([]any, len(snap))
	for i, v := range snap {
		out[i] = v
	}
	return out
}

// ElemType implements Loader.
func (l *SyncList[T]) ElemType() reflect.Type {
	return reflect.TypeFor[T]()
}

// LoadAny implements Loader. It replaces the items; every element must
// be a T or nil.
func (l *SyncList[T]) LoadAny(items []any) error {
	out := make([]T, len(items))
	for i, v := range items {
		if v == nil {
			continue
		}
		t, ok := v.(T)
		if !ok {
			return fmt.Errorf("collection: element %d is %T, want %s", i, v, reflect.TypeFor[T]())
		}
		out[i] = t
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = out
	return nil
}

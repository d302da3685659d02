// Package relation provides List, a lazily paged collection over the
// entities of a one-to-many relation held in external storage.
//
// A List never materializes the whole relation unless asked to. Reads go
// to the backend window by window; writes either run synchronously or go
// through a delayed-write queue. Entities added through a queue are
// visible to reads immediately and disappear again if their deferred write
// fails:
//
//	type Post struct {
//		ID       int
//		Comments *relation.List[*Comment] `entwire:"comments,fk=postID"`
//	}
//
//	post, _ := serializer.Unmarshal[Post](ctx, ser, data)
//	_ = post.Comments.Add(ctx, &Comment{Body: "hi"})
//	for c, err := range post.Comments.All(ctx) {
//		...
//	}
//
// In bulk mode the first read fetches the entire relation once and every
// later read, count and membership test is served from memory. There is no
// bounded bulk mode.
package relation

import (
	"context"
	"fmt"
	"iter"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/syssam/entwire"
	"github.com/syssam/entwire/internal/coerce"
	"github.com/syssam/entwire/queue"
	"github.com/syssam/entwire/storage"
)

// List is a mutable, enumerable, countable facade over a relation.
// The zero value has no backend; every operation needing one fails with
// entwire.ErrStorageRequired. Lists are safe for concurrent use.
type List[E any] struct {
	mu      sync.Mutex
	backend Backend[E]
	opts    Options
	hooks   Hooks[E]
	cancel  func()

	// pending holds speculative adds whose deferred write has not
	// committed yet, keyed by entity key.
	pending      map[any]E
	pendingOrder []any

	// writes is held shared by a deferred add from its backend write
	// until its commit, and exclusively by Count, so a count never sees
	// an entity both stored and pending.
	writes sync.RWMutex

	// index is the bulk-mode copy of the relation, keyed by index key.
	index  map[any]E
	order  []any
	loaded bool

	count *int
}

// New returns a list over b.
func New[E any](b Backend[E], opts Options) *List[E] {
	l := &List[E]{}
	l.init(b, opts)
	return l
}

func (l *List[E]) init(b Backend[E], opts Options) {
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	l.backend = b
	l.opts = opts.withDefaults()
	l.pending = make(map[any]E)
	l.pendingOrder = nil
	l.index, l.order, l.loaded, l.count = nil, nil, false, nil
	if w, ok := b.(Watcher); ok && l.opts.Watch {
		l.cancel = w.Subscribe(func(storage.Event) { l.Reset() })
	}
}

// BindConfig describes the owner side of a relation.
type BindConfig struct {
	// Owner is the entity holding the list.
	Owner any
	// ForeignKey names the field of the related entities holding the
	// owner's identity. All stored entities of the type are related when
	// empty.
	ForeignKey string
	Storage    storage.Storage
	Mapper     storage.Mapper
	Options    Options
}

// Binder is implemented by relation lists the deserializer creates and
// binds to their owner.
type Binder interface {
	Bind(cfg BindConfig) error
}

// Bind attaches the list to its owner and storage. A list bound without
// storage is valid; its operations fail with entwire.ErrStorageRequired.
func (l *List[E]) Bind(cfg BindConfig) error {
	var b Backend[E]
	if cfg.Storage != nil {
		sb, err := NewStorageBackend[E](cfg.Storage, cfg.Mapper, cfg.Owner, cfg.ForeignKey)
		if err != nil {
			return err
		}
		b = sb
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.init(b, cfg.Options)
	return nil
}

// SetHooks replaces the list's hooks.
func (l *List[E]) SetHooks(h Hooks[E]) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks = h
}

// Options returns the list's options.
func (l *List[E]) Options() Options {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.opts
}

// Close cancels the storage event subscription, if any.
func (l *List[E]) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
}

func (l *List[E]) ensure() (Backend[E], error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.backend == nil {
		return nil, entwire.ErrStorageRequired
	}
	if l.pending == nil {
		l.pending = make(map[any]E)
		l.opts = l.opts.withDefaults()
	}
	return l.backend, nil
}

// =============================================================================
// Keys
// =============================================================================

func isZeroID(id any) bool {
	return coerce.IsNil(id) || reflect.ValueOf(id).IsZero()
}

// entityKey identifies an entity instance: the pointer itself for pointer
// entities, the identity otherwise.
func (l *List[E]) entityKey(e E) (any, error) {
	if v := reflect.ValueOf(e); v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil, entwire.NewArgumentNullError("entity")
		}
		return any(e), nil
	}
	id, err := l.backend.ID(e)
	if err != nil {
		return nil, err
	}
	return storage.Key(id), nil
}

// indexKey identifies an entity in the bulk index: its identity when it
// has one, so that reloaded copies replace the originals.
func (l *List[E]) indexKey(e E) (any, error) {
	id, err := l.backend.ID(e)
	if err != nil {
		return nil, err
	}
	if isZeroID(id) {
		return l.entityKey(e)
	}
	return storage.Key(id), nil
}

// writeLane keys the queue lane of one entity's deferred writes.
type writeLane struct {
	t   reflect.Type
	key any
}

// laneKey returns the lane all deferred writes of e share. Writes of one
// entity reach the backend in the order they were made.
func (l *List[E]) laneKey(e E) any {
	k, err := l.indexKey(e)
	if err != nil {
		return nil
	}
	return writeLane{t: reflect.TypeFor[E](), key: k}
}

// =============================================================================
// Speculative state
// =============================================================================

func (l *List[E]) addPendingLocked(key any, e E) {
	if _, ok := l.pending[key]; !ok {
		l.pendingOrder = append(l.pendingOrder, key)
	}
	l.pending[key] = e
}

func (l *List[E]) dropPendingLocked(key any) bool {
	if _, ok := l.pending[key]; !ok {
		return false
	}
	delete(l.pending, key)
	l.pendingOrder = slices.DeleteFunc(l.pendingOrder, func(k any) bool { return k == key })
	return true
}

// insertLocked puts e into the loaded index and reports whether it was new.
func (l *List[E]) insertLocked(e E) (bool, error) {
	if !l.loaded {
		return false, nil
	}
	k, err := l.indexKey(e)
	if err != nil {
		return false, err
	}
	_, exists := l.index[k]
	if !exists {
		l.order = append(l.order, k)
	}
	l.index[k] = e
	return !exists, nil
}

func (l *List[E]) deleteLocked(e E) bool {
	if !l.loaded {
		return false
	}
	keys := make([]any, 0, 2)
	if k, err := l.indexKey(e); err == nil {
		keys = append(keys, k)
	}
	if k, err := l.entityKey(e); err == nil {
		keys = append(keys, k)
	}
	for _, k := range keys {
		if _, ok := l.index[k]; ok {
			delete(l.index, k)
			l.order = slices.DeleteFunc(l.order, func(o any) bool { return o == k })
			return true
		}
	}
	return false
}

func (l *List[E]) adjustCountLocked(delta int) {
	if l.count == nil {
		return
	}
	n := *l.count + delta
	if n < 0 {
		l.count = nil
		return
	}
	l.count = &n
}

// loadLocked fetches the whole relation into the index once. Pending adds
// are carried over so a reload never hides them.
func (l *List[E]) loadLocked(ctx context.Context) error {
	if l.loaded {
		return nil
	}
	rows, err := l.backend.Range(ctx, storage.Query{Count: storage.All})
	if err != nil {
		return err
	}
	l.opts.Metrics.RelationFetch("all")
	l.index = make(map[any]E, len(rows)+len(l.pending))
	l.order = make([]any, 0, len(rows)+len(l.pending))
	l.loaded = true
	for _, e := range rows {
		if _, err := l.insertLocked(e); err != nil {
			l.index, l.order, l.loaded = nil, nil, false
			return err
		}
	}
	for _, k := range l.pendingOrder {
		if _, err := l.insertLocked(l.pending[k]); err != nil {
			l.index, l.order, l.loaded = nil, nil, false
			return err
		}
	}
	l.opts.Logger.Debug("relation loaded", "rows", len(rows))
	return nil
}

// commit ends the speculative phase of a successful deferred add. The
// write may have assigned e its identity, so its index entry is re-keyed.
func (l *List[E]) commit(key any, e E) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dropPendingLocked(key)
	if !l.loaded {
		return
	}
	if _, ok := l.index[key]; !ok {
		return
	}
	nk, err := l.indexKey(e)
	if err != nil || nk == key {
		return
	}
	delete(l.index, key)
	l.index[nk] = e
	for i, k := range l.order {
		if k == key {
			l.order[i] = nk
		}
	}
}

// rollback removes the speculative visibility of a failed deferred add.
func (l *List[E]) rollback(key any, e E, err error) {
	l.mu.Lock()
	l.dropPendingLocked(key)
	l.deleteLocked(e)
	l.count = nil
	report := l.opts.OnWriteFailure
	logger := l.opts.Logger
	l.mu.Unlock()

	logger.Warn("deferred write failed", "entity", describe(e), "error", err)
	if report != nil {
		report(e, err)
	}
}

// invalidate drops every cached view after a failure left the relation in
// an unknown state.
func (l *List[E]) invalidate(e E, err error) {
	l.mu.Lock()
	l.index, l.order, l.loaded, l.count = nil, nil, false, nil
	report := l.opts.OnWriteFailure
	logger := l.opts.Logger
	l.mu.Unlock()

	logger.Warn("deferred write failed", "entity", describe(e), "error", err)
	if report != nil {
		report(e, err)
	}
}

func describe(e any) string {
	v := reflect.ValueOf(e)
	if v.Kind() == reflect.Pointer && !v.IsNil() {
		return fmt.Sprintf("%s@%#x", v.Type(), v.Pointer())
	}
	return fmt.Sprintf("%T", e)
}

// =============================================================================
// Mutations
// =============================================================================

// Add adds e to the relation. With a queue the write is deferred and e is
// visible to reads at once; a failed write later removes it again and is
// reported to Options.OnWriteFailure, never to the caller. Hooks.Added
// does not fire for an add that was already rolled back.
func (l *List[E]) Add(ctx context.Context, e E) error {
	b, err := l.ensure()
	if err != nil {
		return err
	}
	l.mu.Lock()
	hooks, q := l.hooks, l.opts.Queue
	l.mu.Unlock()
	if hooks.Adding != nil && !hooks.Adding(e) {
		return nil
	}

	if q == nil {
		stored, err := b.Add(ctx, e)
		if err != nil {
			return err
		}
		l.mu.Lock()
		if l.opts.BulkLoad {
			if err := l.loadLocked(ctx); err != nil {
				l.mu.Unlock()
				return err
			}
		}
		if _, err := l.insertLocked(stored); err != nil {
			l.mu.Unlock()
			return err
		}
		l.adjustCountLocked(1)
		l.mu.Unlock()
		if hooks.Added != nil {
			hooks.Added(stored)
		}
		return nil
	}

	key, err := l.entityKey(e)
	if err != nil {
		return err
	}
	l.mu.Lock()
	if l.opts.BulkLoad {
		if err := l.loadLocked(ctx); err != nil {
			l.mu.Unlock()
			return err
		}
	}
	l.addPendingLocked(key, e)
	if _, err := l.insertLocked(e); err != nil {
		l.dropPendingLocked(key)
		l.mu.Unlock()
		return err
	}
	l.adjustCountLocked(1)
	l.mu.Unlock()

	var failed atomic.Bool
	queue.EnqueueKeyed(q, l.laneKey(e), func(ctx context.Context) error {
		l.writes.RLock()
		defer l.writes.RUnlock()
		if _, err := b.Add(ctx, e); err != nil {
			return err
		}
		l.commit(key, e)
		return nil
	}, func(err error) {
		failed.Store(true)
		l.rollback(key, e, err)
	})

	// An Immediate queue may already have rolled e back.
	if hooks.Added != nil && !failed.Load() {
		hooks.Added(e)
	}
	return nil
}

// Update writes e. In bulk mode an entity missing from the loaded index is
// inserted into it, and counted.
func (l *List[E]) Update(ctx context.Context, e E) error {
	b, err := l.ensure()
	if err != nil {
		return err
	}
	l.mu.Lock()
	q := l.opts.Queue
	l.mu.Unlock()

	if q == nil {
		stored, err := b.Update(ctx, e)
		if err != nil {
			return err
		}
		e = stored
	}

	l.mu.Lock()
	if l.opts.BulkLoad {
		if err := l.loadLocked(ctx); err != nil {
			l.mu.Unlock()
			return err
		}
	}
	added, err := l.insertLocked(e)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	if added {
		l.adjustCountLocked(1)
	}
	l.mu.Unlock()

	if q != nil {
		queue.EnqueueKeyed(q, l.laneKey(e), func(ctx context.Context) error {
			_, err := b.Update(ctx, e)
			return err
		}, func(err error) { l.invalidate(e, err) })
	}
	return nil
}

// Remove removes e from the relation.
func (l *List[E]) Remove(ctx context.Context, e E) error {
	b, err := l.ensure()
	if err != nil {
		return err
	}
	l.mu.Lock()
	hooks, q := l.hooks, l.opts.Queue
	l.mu.Unlock()
	if hooks.Removing != nil && !hooks.Removing(e) {
		return nil
	}

	if q == nil {
		if err := b.Remove(ctx, e); err != nil {
			return err
		}
	}

	var lane any
	if q != nil {
		lane = l.laneKey(e)
	}
	l.mu.Lock()
	if key, err := l.entityKey(e); err == nil {
		l.dropPendingLocked(key)
	}
	l.deleteLocked(e)
	l.adjustCountLocked(-1)
	l.mu.Unlock()

	if q != nil {
		queue.EnqueueKeyed(q, lane, func(ctx context.Context) error {
			return b.Remove(ctx, e)
		}, func(err error) { l.invalidate(e, err) })
	}
	if hooks.Removed != nil {
		hooks.Removed(e)
	}
	return nil
}

// Clear removes every entity of the relation. It runs synchronously, even
// with a queue.
func (l *List[E]) Clear(ctx context.Context) error {
	b, err := l.ensure()
	if err != nil {
		return err
	}
	if err := b.Clear(ctx); err != nil {
		return err
	}
	l.mu.Lock()
	l.pending = make(map[any]E)
	l.pendingOrder = nil
	l.index, l.order, l.loaded, l.count = nil, nil, false, nil
	cleared := l.hooks.Cleared
	l.mu.Unlock()
	if cleared != nil {
		cleared()
	}
	return nil
}

// Reset drops the in-memory index and cached count. Pending adds stay.
func (l *List[E]) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.index, l.order, l.loaded, l.count = nil, nil, false, nil
}

// =============================================================================
// Reads
// =============================================================================

type fieldGetter[E any] struct{ b Backend[E] }

func (g fieldGetter[E]) Field(entity any, name string) (any, error) {
	return g.b.Field(entity.(E), name)
}

// Range returns the window q of the relation. A zero q.Count returns
// nothing without touching the backend. In bulk mode the first call
// loads the whole relation. Otherwise the backend serves the window and
// pending adds are appended after its last row.
func (l *List[E]) Range(ctx context.Context, q storage.Query) ([]E, error) {
	if q.Count == 0 {
		return nil, nil
	}
	b, err := l.ensure()
	if err != nil {
		return nil, err
	}
	getter := fieldGetter[E]{b}

	l.mu.Lock()
	if l.opts.BulkLoad {
		defer l.mu.Unlock()
		if err := l.loadLocked(ctx); err != nil {
			return nil, err
		}
		all := make([]any, len(l.order))
		for i, k := range l.order {
			all[i] = l.index[k]
		}
		rows, err := storage.Apply(getter, all, q)
		if err != nil {
			return nil, err
		}
		return typed[E](rows), nil
	}
	pending := make([]E, len(l.pendingOrder))
	for i, k := range l.pendingOrder {
		pending[i] = l.pending[k]
	}
	l.mu.Unlock()

	rows, err := b.Range(ctx, q)
	if err != nil {
		return nil, err
	}
	l.opts.Metrics.RelationFetch("range")
	if len(pending) == 0 || (q.Count != storage.All && len(rows) >= q.Count) {
		return rows, nil
	}

	start := max(q.Start, 0)
	var total int
	if len(rows) > 0 {
		total = start + len(rows)
	} else if total, err = b.Count(ctx, q.Filter); err != nil {
		return nil, err
	}
	seen := make(map[any]bool, len(rows))
	for _, e := range rows {
		if id, err := b.ID(e); err == nil && !isZeroID(id) {
			seen[storage.Key(id)] = true
		}
	}
	skip := max(0, start-total)
	for _, e := range pending {
		if q.Count != storage.All && len(rows) >= q.Count {
			break
		}
		if id, err := b.ID(e); err == nil && !isZeroID(id) && seen[storage.Key(id)] {
			continue
		}
		ok, err := storage.Match(getter, e, q.Filter)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if skip > 0 {
			skip--
			continue
		}
		rows = append(rows, e)
	}
	return rows, nil
}

func typed[E any](rows []any) []E {
	out := make([]E, len(rows))
	for i, r := range rows {
		out[i] = r.(E)
	}
	return out
}

// All iterates over the relation front to back, fetching BufferSize
// entities per round trip. Iteration stops at the first empty chunk or
// after yielding an error.
func (l *List[E]) All(ctx context.Context) iter.Seq2[E, error] {
	return func(yield func(E, error) bool) {
		size := l.Options().BufferSize
		if size <= 0 {
			size = DefaultBufferSize
		}
		for start := 0; ; {
			chunk, err := l.Range(ctx, storage.Query{Start: start, Count: size})
			if err != nil {
				var zero E
				yield(zero, err)
				return
			}
			if len(chunk) == 0 {
				return
			}
			for _, e := range chunk {
				if !yield(e, nil) {
					return
				}
			}
			start += len(chunk)
		}
	}
}

// Count returns the number of entities in the relation, pending adds
// included. Bulk mode loads the relation first. A backend count waits for
// deferred adds that are being written.
func (l *List[E]) Count(ctx context.Context) (int, error) {
	b, err := l.ensure()
	if err != nil {
		return 0, err
	}
	l.mu.Lock()
	if l.opts.BulkLoad {
		defer l.mu.Unlock()
		if err := l.loadLocked(ctx); err != nil {
			return 0, err
		}
		return len(l.order), nil
	}
	if l.opts.CacheCount && l.count != nil {
		n := *l.count
		l.mu.Unlock()
		return n, nil
	}
	l.mu.Unlock()

	l.writes.Lock()
	defer l.writes.Unlock()
	l.mu.Lock()
	defer l.mu.Unlock()
	n, err := b.Count(ctx, nil)
	if err != nil {
		return 0, err
	}
	l.opts.Metrics.RelationFetch("count")
	n += len(l.pending)
	if l.opts.CacheCount {
		l.count = &n
	}
	return n, nil
}

// Contains reports whether e belongs to the relation.
func (l *List[E]) Contains(ctx context.Context, e E) (bool, error) {
	b, err := l.ensure()
	if err != nil {
		return false, err
	}
	l.mu.Lock()
	if k, err := l.entityKey(e); err == nil {
		if _, ok := l.pending[k]; ok {
			l.mu.Unlock()
			return true, nil
		}
	}
	if l.opts.BulkLoad {
		defer l.mu.Unlock()
		if err := l.loadLocked(ctx); err != nil {
			return false, err
		}
		k, err := l.indexKey(e)
		if err != nil {
			return false, err
		}
		_, ok := l.index[k]
		return ok, nil
	}
	l.mu.Unlock()

	id, err := b.ID(e)
	if err != nil {
		return false, err
	}
	if isZeroID(id) {
		return false, nil
	}
	if _, err := b.Get(ctx, id); err != nil {
		if entwire.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Get returns the related entity with the given identity, or an error
// matching entwire.ErrNotFound.
func (l *List[E]) Get(ctx context.Context, id any) (E, error) {
	var zero E
	b, err := l.ensure()
	if err != nil {
		return zero, err
	}
	key := storage.Key(id)
	l.mu.Lock()
	for _, k := range l.pendingOrder {
		e := l.pending[k]
		if pid, err := b.ID(e); err == nil && !isZeroID(pid) && storage.Key(pid) == key {
			l.mu.Unlock()
			return e, nil
		}
	}
	if l.opts.BulkLoad {
		defer l.mu.Unlock()
		if err := l.loadLocked(ctx); err != nil {
			return zero, err
		}
		if e, ok := l.index[key]; ok {
			return e, nil
		}
		return zero, entwire.NewNotFoundErrorWithID(fmt.Sprintf("%T", zero), id)
	}
	l.mu.Unlock()
	return b.Get(ctx, id)
}

var _ Binder = (*List[any])(nil)

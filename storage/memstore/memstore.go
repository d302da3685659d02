// Package memstore implements storage.Storage in process memory. Entities
// are kept encoded, so every read returns a fresh instance and callers
// never share state with the store.
package memstore

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/syssam/entwire"
	"github.com/syssam/entwire/schema"
	"github.com/syssam/entwire/storage"
)

// Store is an in-memory storage.
type Store struct {
	m storage.Mapper

	mu     sync.RWMutex
	tables map[reflect.Type]*table
	hub    storage.Hub
}

type table struct {
	rows  map[any][]byte
	order []any
	seq   storage.Sequence
}

// New returns an empty store reading entities through m.
func New(m storage.Mapper) *Store {
	return &Store{m: m, tables: make(map[reflect.Type]*table)}
}

func (s *Store) table(t reflect.Type) *table {
	tb := s.tables[t]
	if tb == nil {
		tb = &table{rows: make(map[any][]byte)}
		s.tables[t] = tb
	}
	return tb
}

// Add implements storage.Storage.
func (s *Store) Add(ctx context.Context, entity any) (any, error) {
	t, err := entityType(entity)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	tb := s.table(t)
	id, err := storage.AssignID(s.m, entity, &tb.seq)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	key := storage.Key(id)
	if _, ok := tb.rows[key]; ok {
		s.mu.Unlock()
		return nil, entwire.NewConstraintError(fmt.Sprintf("%s %v already exists", s.m.TypeName(t), id), nil)
	}
	data, err := s.m.Marshal(ctx, entity)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	tb.rows[key] = data
	tb.order = append(tb.order, key)
	s.mu.Unlock()
	s.hub.Publish(storage.Event{Kind: storage.Added, Type: t, ID: id, Entity: entity})
	return entity, nil
}

// Get implements storage.Storage.
func (s *Store) Get(ctx context.Context, t reflect.Type, id any) (any, error) {
	t = schema.Indirect(t)
	s.mu.RLock()
	var data []byte
	if tb := s.tables[t]; tb != nil {
		data = tb.rows[storage.Key(id)]
	}
	s.mu.RUnlock()
	if data == nil {
		return nil, entwire.NewNotFoundErrorWithID(s.m.TypeName(t), id)
	}
	return s.m.Unmarshal(ctx, t, data)
}

// GetMany implements storage.ManyGetter. Entities come back in the order
// of ids.
func (s *Store) GetMany(ctx context.Context, t reflect.Type, ids []any) ([]any, []error) {
	t = schema.Indirect(t)
	keys := make([]any, len(ids))
	for i, id := range ids {
		keys[i] = storage.Key(id)
	}
	s.mu.RLock()
	var blobs [][]byte
	if tb := s.tables[t]; tb != nil {
		for _, k := range keys {
			if data, ok := tb.rows[k]; ok {
				blobs = append(blobs, data)
			}
		}
	}
	s.mu.RUnlock()
	found := make([]any, 0, len(blobs))
	for _, data := range blobs {
		if e, err := s.m.Unmarshal(ctx, t, data); err == nil {
			found = append(found, e)
		}
	}
	out, errs := storage.OrderByKeys(keys, found, func(e any) any {
		id, _ := s.m.ID(e)
		return storage.Key(id)
	})
	for i, err := range errs {
		if err != nil {
			errs[i] = entwire.NewNotFoundErrorWithID(s.m.TypeName(t), ids[i])
		}
	}
	return out, errs
}

// Find implements storage.Storage.
func (s *Store) Find(ctx context.Context, t reflect.Type, criteria map[string]any) (any, error) {
	rows, err := s.Range(ctx, t, storage.Query{Count: 1, Filter: criteria})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, entwire.NewNotFoundError(s.m.TypeName(t))
	}
	return rows[0], nil
}

// Count implements storage.Storage.
func (s *Store) Count(ctx context.Context, t reflect.Type, filter map[string]any) (int, error) {
	if len(filter) == 0 {
		s.mu.RLock()
		defer s.mu.RUnlock()
		if tb := s.tables[schema.Indirect(t)]; tb != nil {
			return len(tb.order), nil
		}
		return 0, nil
	}
	rows, err := s.Range(ctx, t, storage.Query{Count: storage.All, Filter: filter})
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// Range implements storage.Storage.
func (s *Store) Range(ctx context.Context, t reflect.Type, q storage.Query) ([]any, error) {
	all, err := s.load(ctx, schema.Indirect(t))
	if err != nil {
		return nil, err
	}
	return storage.Apply(s.m, all, q)
}

// load decodes every entity of t in insertion order.
func (s *Store) load(ctx context.Context, t reflect.Type) ([]any, error) {
	s.mu.RLock()
	var blobs [][]byte
	if tb := s.tables[t]; tb != nil {
		blobs = make([][]byte, 0, len(tb.order))
		for _, k := range tb.order {
			blobs = append(blobs, tb.rows[k])
		}
	}
	s.mu.RUnlock()
	out := make([]any, 0, len(blobs))
	for _, data := range blobs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e, err := s.m.Unmarshal(ctx, t, data)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Update implements storage.Storage.
func (s *Store) Update(ctx context.Context, entity any) (any, error) {
	t, err := entityType(entity)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	tb := s.table(t)
	id, err := storage.AssignID(s.m, entity, &tb.seq)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	data, err := s.m.Marshal(ctx, entity)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	key := storage.Key(id)
	kind := storage.Updated
	if _, ok := tb.rows[key]; !ok {
		tb.order = append(tb.order, key)
		kind = storage.Added
	}
	tb.rows[key] = data
	s.mu.Unlock()
	s.hub.Publish(storage.Event{Kind: kind, Type: t, ID: id, Entity: entity})
	return entity, nil
}

// Remove implements storage.Storage.
func (s *Store) Remove(_ context.Context, entity any) error {
	t, err := entityType(entity)
	if err != nil {
		return err
	}
	id, err := s.m.ID(entity)
	if err != nil {
		return err
	}
	key := storage.Key(id)
	s.mu.Lock()
	tb := s.tables[t]
	if tb == nil {
		s.mu.Unlock()
		return nil
	}
	if _, ok := tb.rows[key]; !ok {
		s.mu.Unlock()
		return nil
	}
	delete(tb.rows, key)
	for i, k := range tb.order {
		if k == key {
			tb.order = append(tb.order[:i], tb.order[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	s.hub.Publish(storage.Event{Kind: storage.Removed, Type: t, ID: id, Entity: entity})
	return nil
}

// Clear implements storage.Storage.
func (s *Store) Clear(_ context.Context, t reflect.Type) error {
	t = schema.Indirect(t)
	s.mu.Lock()
	if tb := s.tables[t]; tb != nil {
		tb.rows = make(map[any][]byte)
		tb.order = nil
	}
	s.mu.Unlock()
	s.hub.Publish(storage.Event{Kind: storage.Cleared, Type: t})
	return nil
}

// Subscribe implements storage.Storage.
func (s *Store) Subscribe(fn func(storage.Event)) (cancel func()) {
	return s.hub.Subscribe(fn)
}

func entityType(entity any) (reflect.Type, error) {
	rv := reflect.ValueOf(entity)
	if !rv.IsValid() || rv.Kind() != reflect.Pointer || rv.IsNil() {
		return nil, entwire.NewInvalidOperationError("store", fmt.Sprintf("entity %T is not a non-nil pointer", entity))
	}
	return schema.Indirect(rv.Type()), nil
}

var (
	_ storage.Storage    = (*Store)(nil)
	_ storage.ManyGetter = (*Store)(nil)
)

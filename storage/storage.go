// Package storage defines the contract between entwire and durable entity
// stores, and helpers shared by the store implementations.
//
// A Storage holds entities of many types. Entities are pointers to structs
// whose schema has an identity field; the store never inspects them
// directly but goes through a Mapper (implemented by the serializer) for
// identity, field values and byte encoding:
//
//	ser := serializer.New()
//	st := memstore.New(ser)
//	u, err := st.Add(ctx, &User{Name: "a"})
//	got, err := st.Get(ctx, reflect.TypeOf(User{}), u.(*User).ID)
//
// Implementations: memstore (in process), sqlstore (database/sql) and
// badgerstore (embedded key-value).
package storage

import (
	"context"
	"reflect"
)

// Direction is a sort direction.
type Direction int

// Sort directions.
const (
	Asc Direction = iota
	Desc
)

// String returns "asc" or "desc".
func (d Direction) String() string {
	if d == Desc {
		return "desc"
	}
	return "asc"
}

// All is the Query.Count requesting every row from Start on.
const All = -1

// Query selects a window of entities of one type.
type Query struct {
	// Start is the number of rows skipped.
	Start int
	// Count is the maximum number of rows, or All.
	Count int
	// OrderBy names the field rows are sorted by. Rows are returned in
	// insertion order when empty.
	OrderBy   string
	Direction Direction
	// Filter restricts rows to those whose fields equal the given values.
	Filter map[string]any
}

// Mapper gives stores access to entities through their schema.
type Mapper interface {
	// ID returns the identity value of entity.
	ID(entity any) (any, error)
	// SetID assigns the identity of entity, which must be a pointer.
	SetID(entity any, id any) error
	FieldGetter
	// SetField assigns the named schema field of entity, a pointer.
	SetField(entity any, name string, v any) error
	// Indexes returns the names of the indexed fields of t, identity first.
	Indexes(t reflect.Type) ([]string, error)
	// TypeName returns the name stores key entities of t by.
	TypeName(t reflect.Type) string
	// Marshal encodes entity.
	Marshal(ctx context.Context, entity any) ([]byte, error)
	// Unmarshal decodes an entity of struct type t and returns a pointer.
	Unmarshal(ctx context.Context, t reflect.Type, data []byte) (any, error)
}

// FieldGetter reads schema fields of entities.
type FieldGetter interface {
	// Field returns the value of the named schema field.
	Field(entity any, name string) (any, error)
}

// Storage is a durable store of entities. Type arguments are struct types;
// entities are pointers to them.
type Storage interface {
	// Count returns the number of entities of t matching filter.
	Count(ctx context.Context, t reflect.Type, filter map[string]any) (int, error)
	// Add stores a new entity, assigning a zero identity, and returns it.
	Add(ctx context.Context, entity any) (any, error)
	// Get returns the entity of t with the given identity, or an error
	// matching entwire.ErrNotFound.
	Get(ctx context.Context, t reflect.Type, id any) (any, error)
	// Find returns the first entity of t matching criteria, or an error
	// matching entwire.ErrNotFound.
	Find(ctx context.Context, t reflect.Type, criteria map[string]any) (any, error)
	// Range returns a window of entities of t.
	Range(ctx context.Context, t reflect.Type, q Query) ([]any, error)
	// Update replaces a stored entity, inserting it when absent.
	Update(ctx context.Context, entity any) (any, error)
	// Remove deletes an entity. Removing an absent entity is not an error.
	Remove(ctx context.Context, entity any) error
	// Clear deletes every entity of t.
	Clear(ctx context.Context, t reflect.Type) error
	// Subscribe registers fn for change events and returns a function
	// cancelling the subscription.
	Subscribe(fn func(Event)) (cancel func())
}

// ManyGetter is implemented by stores that fetch several entities in one
// round trip.
type ManyGetter interface {
	GetMany(ctx context.Context, t reflect.Type, ids []any) ([]any, []error)
}

// GetMany returns the entities with the given identities in key order,
// using the store's ManyGetter when it has one.
func GetMany(ctx context.Context, s Storage, t reflect.Type, ids []any) ([]any, []error) {
	if g, ok := s.(ManyGetter); ok {
		return g.GetMany(ctx, t, ids)
	}
	out := make([]any, len(ids))
	errs := make([]error, len(ids))
	for i, id := range ids {
		out[i], errs[i] = s.Get(ctx, t, id)
	}
	return out, errs
}

// Window applies the Start and Count of q to a slice of length n and
// returns the bounds of the selected range.
func Window(q Query, n int) (lo, hi int) {
	lo = max(q.Start, 0)
	if lo > n {
		lo = n
	}
	hi = n
	if q.Count >= 0 && lo+q.Count < n {
		hi = lo + q.Count
	}
	return lo, hi
}

package relation

import (
	"context"
	"fmt"
	"maps"
	"reflect"

	"github.com/syssam/entwire"
	"github.com/syssam/entwire/internal/coerce"
	"github.com/syssam/entwire/storage"
)

// Backend is a list's door to durable state.
type Backend[E any] interface {
	// Count returns the number of related entities matching filter.
	Count(ctx context.Context, filter map[string]any) (int, error)
	// Range returns a window of related entities.
	Range(ctx context.Context, q storage.Query) ([]E, error)
	// Get returns the related entity with the given identity.
	Get(ctx context.Context, id any) (E, error)
	Add(ctx context.Context, e E) (E, error)
	Update(ctx context.Context, e E) (E, error)
	Remove(ctx context.Context, e E) error
	// Clear removes every related entity.
	Clear(ctx context.Context) error
	// ID returns the identity of e.
	ID(e E) (any, error)
	// Field returns a schema field of e.
	Field(e E, name string) (any, error)
}

// Watcher is implemented by backends that publish change events.
type Watcher interface {
	Subscribe(fn func(storage.Event)) (cancel func())
}

// StorageBackend adapts a storage.Storage to Backend. When a foreign key
// is set, the backend only sees entities whose foreign-key field equals
// the owner's identity, and stamps that identity on entities it writes.
type StorageBackend[E any] struct {
	st    storage.Storage
	m     storage.Mapper
	t     reflect.Type
	ptr   bool
	owner any
	fk    string
}

// NewStorageBackend returns a backend over st for entities of E, which
// must be a struct or a pointer to one. owner and fk may be empty.
func NewStorageBackend[E any](st storage.Storage, m storage.Mapper, owner any, fk string) (*StorageBackend[E], error) {
	if st == nil {
		return nil, entwire.ErrStorageRequired
	}
	if m == nil {
		return nil, entwire.NewArgumentNullError("mapper")
	}
	t := reflect.TypeFor[E]()
	ptr := t.Kind() == reflect.Pointer
	if ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, entwire.NewSchemaConfigurationError(t, "", "relation element must be a struct or a pointer to one")
	}
	if fk != "" && owner == nil {
		return nil, entwire.NewArgumentNullError("owner")
	}
	return &StorageBackend[E]{st: st, m: m, t: t, ptr: ptr, owner: owner, fk: fk}, nil
}

// Type returns the struct type of the related entities.
func (b *StorageBackend[E]) Type() reflect.Type { return b.t }

// ownerID is read on every call: the owner may get its identity after the
// list was bound.
func (b *StorageBackend[E]) ownerID() (any, error) {
	id, err := b.m.ID(b.owner)
	if err != nil {
		return nil, err
	}
	if coerce.IsNil(id) || reflect.ValueOf(id).IsZero() {
		return nil, entwire.NewInvalidOperationError("relation", "owner has no identity")
	}
	return id, nil
}

func (b *StorageBackend[E]) filter(f map[string]any) (map[string]any, error) {
	if b.fk == "" {
		return f, nil
	}
	id, err := b.ownerID()
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(f)+1)
	maps.Copy(out, f)
	out[b.fk] = id
	return out, nil
}

// stored returns the pointer form of e the store works with.
func (b *StorageBackend[E]) stored(e E) any {
	if b.ptr {
		return any(e)
	}
	p := reflect.New(b.t)
	p.Elem().Set(reflect.ValueOf(e))
	return p.Interface()
}

func (b *StorageBackend[E]) entity(v any) (E, error) {
	var zero E
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || rv.Kind() != reflect.Pointer || rv.Type().Elem() != b.t {
		return zero, fmt.Errorf("entwire: storage returned %T, want *%s", v, b.t)
	}
	if b.ptr {
		return rv.Interface().(E), nil
	}
	return rv.Elem().Interface().(E), nil
}

func (b *StorageBackend[E]) entities(rows []any) ([]E, error) {
	out := make([]E, len(rows))
	for i, r := range rows {
		e, err := b.entity(r)
		if err != nil {
			return nil, err
		}
		out[i] = e
	}
	return out, nil
}

// Count implements Backend.
func (b *StorageBackend[E]) Count(ctx context.Context, filter map[string]any) (int, error) {
	f, err := b.filter(filter)
	if err != nil {
		return 0, err
	}
	return b.st.Count(ctx, b.t, f)
}

// Range implements Backend.
func (b *StorageBackend[E]) Range(ctx context.Context, q storage.Query) ([]E, error) {
	f, err := b.filter(q.Filter)
	if err != nil {
		return nil, err
	}
	q.Filter = f
	rows, err := b.st.Range(ctx, b.t, q)
	if err != nil {
		return nil, err
	}
	return b.entities(rows)
}

// Get implements Backend. Entities of another owner are reported as not
// found.
func (b *StorageBackend[E]) Get(ctx context.Context, id any) (E, error) {
	var zero E
	v, err := b.st.Get(ctx, b.t, id)
	if err != nil {
		return zero, err
	}
	if b.fk != "" {
		oid, err := b.ownerID()
		if err != nil {
			return zero, err
		}
		got, err := b.m.Field(v, b.fk)
		if err != nil {
			return zero, err
		}
		if !coerce.Equal(got, oid) {
			return zero, entwire.NewNotFoundErrorWithID(b.m.TypeName(b.t), id)
		}
	}
	return b.entity(v)
}

func (b *StorageBackend[E]) stamp(v any) error {
	if b.fk == "" {
		return nil
	}
	id, err := b.ownerID()
	if err != nil {
		return err
	}
	return b.m.SetField(v, b.fk, id)
}

// Add implements Backend.
func (b *StorageBackend[E]) Add(ctx context.Context, e E) (E, error) {
	var zero E
	v := b.stored(e)
	if err := b.stamp(v); err != nil {
		return zero, err
	}
	out, err := b.st.Add(ctx, v)
	if err != nil {
		return zero, err
	}
	return b.entity(out)
}

// Update implements Backend.
func (b *StorageBackend[E]) Update(ctx context.Context, e E) (E, error) {
	var zero E
	v := b.stored(e)
	if err := b.stamp(v); err != nil {
		return zero, err
	}
	out, err := b.st.Update(ctx, v)
	if err != nil {
		return zero, err
	}
	return b.entity(out)
}

// Remove implements Backend.
func (b *StorageBackend[E]) Remove(ctx context.Context, e E) error {
	return b.st.Remove(ctx, b.stored(e))
}

// Clear implements Backend. With a foreign key only the owner's entities
// are removed.
func (b *StorageBackend[E]) Clear(ctx context.Context) error {
	if b.fk == "" {
		return b.st.Clear(ctx, b.t)
	}
	f, err := b.filter(nil)
	if err != nil {
		return err
	}
	rows, err := b.st.Range(ctx, b.t, storage.Query{Count: storage.All, Filter: f})
	if err != nil {
		return err
	}
	for _, r := range rows {
		if err := b.st.Remove(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

// ID implements Backend.
func (b *StorageBackend[E]) ID(e E) (any, error) { return b.m.ID(b.stored(e)) }

// Field implements Backend.
func (b *StorageBackend[E]) Field(e E, name string) (any, error) {
	return b.m.Field(b.stored(e), name)
}

// Subscribe implements Watcher with events for the backend's entity type.
func (b *StorageBackend[E]) Subscribe(fn func(storage.Event)) (cancel func()) {
	return b.st.Subscribe(func(e storage.Event) {
		if e.Type == b.t {
			fn(e)
		}
	})
}

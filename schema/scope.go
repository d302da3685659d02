package schema

import (
	"context"
	"reflect"

	"github.com/syssam/entwire/intermediate"
	"github.com/syssam/entwire/queue"
	"github.com/syssam/entwire/storage"
)

// Serializer is the engine surface field factories call back into when
// they recurse into nested schemas, resolve relations or bind lazy lists.
type Serializer interface {
	storage.Mapper

	Registry() *Registry
	// Storage returns the bound storage, or nil.
	Storage() storage.Storage
	// Queue returns the delayed-write queue, or nil.
	Queue() queue.Enqueuer

	// SerializeEntity converts v with its own schema.
	SerializeEntity(s *Scope, v any) (*intermediate.Collection, error)
	// DeserializeEntity builds a value of type t (which may be a pointer
	// type) from c.
	DeserializeEntity(s *Scope, t reflect.Type, c *intermediate.Collection) (any, error)
}

// Scope is the explicit context threaded through every factory call. It
// carries cancellation, the serializer and the entity currently being
// converted, so relation factories know which owner they attach to.
type Scope struct {
	ctx    context.Context
	ser    Serializer
	owner  reflect.Value
	field  *Field
	parent *Scope
}

// NewScope returns a root scope.
func NewScope(ctx context.Context, ser Serializer) *Scope {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Scope{ctx: ctx, ser: ser}
}

// Context returns the scope's context.
func (s *Scope) Context() context.Context { return s.ctx }

// Serializer returns the engine.
func (s *Scope) Serializer() Serializer { return s.ser }

// Owner returns the entity being converted, as a pointer when the entity
// is addressable, or nil at the root.
func (s *Scope) Owner() any {
	if !s.owner.IsValid() {
		return nil
	}
	if s.owner.CanAddr() {
		return s.owner.Addr().Interface()
	}
	return s.owner.Interface()
}

// OwnerValue returns the entity being converted.
func (s *Scope) OwnerValue() reflect.Value { return s.owner }

// Field returns the field being converted, or nil.
func (s *Scope) Field() *Field { return s.field }

// Parent returns the enclosing scope, or nil at the root.
func (s *Scope) Parent() *Scope { return s.parent }

// Depth returns the number of enclosing scopes.
func (s *Scope) Depth() int {
	n := 0
	for p := s.parent; p != nil; p = p.parent {
		n++
	}
	return n
}

// WithOwner returns a child scope for converting entity.
func (s *Scope) WithOwner(entity reflect.Value) *Scope {
	return &Scope{ctx: s.ctx, ser: s.ser, owner: entity, parent: s}
}

// WithField returns a sibling scope converting f of the current owner.
func (s *Scope) WithField(f *Field) *Scope {
	return &Scope{ctx: s.ctx, ser: s.ser, owner: s.owner, field: f, parent: s.parent}
}

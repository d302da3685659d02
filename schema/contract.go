package schema

import (
	"context"
	"reflect"

	"github.com/syssam/entwire/intermediate"
)

// EntityMarshaler is implemented by entities that produce their own
// intermediate collection. The serializer sorts the produced items by name.
type EntityMarshaler interface {
	MarshalEntity(ctx context.Context) (*intermediate.Collection, error)
}

// EntityUnmarshaler is implemented by entities that populate themselves
// from an intermediate collection.
type EntityUnmarshaler interface {
	UnmarshalEntity(ctx context.Context, c *intermediate.Collection) error
}

// BeforeSerializer is called before an entity is serialized.
type BeforeSerializer interface {
	BeforeSerialize(ctx context.Context) error
}

// AfterSerializer is called with the produced collection.
type AfterSerializer interface {
	AfterSerialize(ctx context.Context, c *intermediate.Collection) error
}

// BeforeDeserializer is called on the fresh instance before its fields
// are populated.
type BeforeDeserializer interface {
	BeforeDeserialize(ctx context.Context, c *intermediate.Collection) error
}

// AfterDeserializer is called once the instance is populated.
type AfterDeserializer interface {
	AfterDeserialize(ctx context.Context) error
}

// SchemaDeclarer is implemented by types that name the strategy building
// their schema. The method is called on the zero value.
type SchemaDeclarer interface {
	EntitySchemaFactory() SchemaFactory
}

var (
	marshalerType   = reflect.TypeOf((*EntityMarshaler)(nil)).Elem()
	unmarshalerType = reflect.TypeOf((*EntityUnmarshaler)(nil)).Elem()
	declarerType    = reflect.TypeOf((*SchemaDeclarer)(nil)).Elem()
)

// SelfSerializing reports whether t (or *t) implements both EntityMarshaler
// and EntityUnmarshaler.
func SelfSerializing(t reflect.Type) bool {
	return implements(t, marshalerType) && implements(t, unmarshalerType)
}

func implements(t, iface reflect.Type) bool {
	if t.Implements(iface) {
		return true
	}
	return t.Kind() != reflect.Interface && t.Kind() != reflect.Pointer && reflect.PointerTo(t).Implements(iface)
}

// Indirect strips pointer indirections from t.
func Indirect(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}

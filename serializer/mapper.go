package serializer

import (
	"fmt"
	"reflect"

	"github.com/syssam/entwire"
	"github.com/syssam/entwire/schema"
	"github.com/syssam/entwire/storage"
)

// ID returns the identity value of entity.
func (s *Serializer) ID(entity any) (any, error) {
	rv, sch, err := s.entity(entity)
	if err != nil {
		return nil, err
	}
	idf := sch.Identity()
	if idf == nil {
		return nil, entwire.NewMissingIdentityError(sch.Type)
	}
	return idf.Accessor.Get(rv)
}

// SetID assigns the identity of entity, which must be a pointer. The value
// is coerced to the identity field's type.
func (s *Serializer) SetID(entity any, id any) error {
	rv, sch, err := s.entityPtr(entity)
	if err != nil {
		return err
	}
	idf := sch.Identity()
	if idf == nil {
		return entwire.NewMissingIdentityError(sch.Type)
	}
	return idf.Accessor.Set(rv, id)
}

// Field returns the value of the named schema field of entity.
func (s *Serializer) Field(entity any, name string) (any, error) {
	rv, sch, err := s.entity(entity)
	if err != nil {
		return nil, err
	}
	f := sch.Field(name)
	if f == nil {
		return nil, entwire.NewInvalidOperationError("field", fmt.Sprintf("schema %s has no field %q", sch, name))
	}
	return f.Accessor.Get(rv)
}

// SetField assigns the named schema field of entity, which must be a
// pointer.
func (s *Serializer) SetField(entity any, name string, v any) error {
	rv, sch, err := s.entityPtr(entity)
	if err != nil {
		return err
	}
	f := sch.Field(name)
	if f == nil {
		return entwire.NewInvalidOperationError("set field", fmt.Sprintf("schema %s has no field %q", sch, name))
	}
	return f.Accessor.Set(rv, v)
}

// Indexes implements storage.Mapper.
func (s *Serializer) Indexes(t reflect.Type) ([]string, error) {
	sch, err := s.reg.Get(t)
	if err != nil {
		return nil, err
	}
	idf := sch.Identity()
	if idf == nil {
		return sch.Indexes(), nil
	}
	names := []string{idf.Name}
	for _, name := range sch.Indexes() {
		if name != idf.Name {
			names = append(names, name)
		}
	}
	return names, nil
}

// TypeName implements storage.Mapper.
func (s *Serializer) TypeName(t reflect.Type) string {
	return s.reg.TypeName(schema.Indirect(t), false)
}

// Schema returns the schema of t.
func (s *Serializer) Schema(t reflect.Type) (*schema.Schema, error) {
	return s.reg.Get(t)
}

func (s *Serializer) entity(entity any) (reflect.Value, *schema.Schema, error) {
	rv, err := addressable(entity)
	if err != nil {
		return reflect.Value{}, nil, err
	}
	sch, err := s.reg.Get(rv.Type())
	if err != nil {
		return reflect.Value{}, nil, err
	}
	return rv, sch, nil
}

func (s *Serializer) entityPtr(entity any) (reflect.Value, *schema.Schema, error) {
	rv := reflect.ValueOf(entity)
	if !rv.IsValid() || rv.Kind() != reflect.Pointer || rv.IsNil() {
		return reflect.Value{}, nil, entwire.NewInvalidOperationError("set", fmt.Sprintf("entity %T is not a non-nil pointer", entity))
	}
	return s.entity(entity)
}

var _ storage.Mapper = (*Serializer)(nil)

package factory

import (
	"fmt"
	"reflect"

	"github.com/syssam/entwire/intermediate"
	"github.com/syssam/entwire/schema"
)

var collectionType = reflect.TypeOf((*intermediate.Collection)(nil))

// Inner converts a nested entity with its own schema. With nullWhenEmpty
// a source whose items are all empty decodes as nil instead of a vacuous
// entity.
func Inner(t reflect.Type, nullWhenEmpty bool) *schema.FieldFactory {
	return schema.NewFieldFactory(inner{t: t, nullWhenEmpty: nullWhenEmpty})
}

type inner struct {
	t             reflect.Type
	nullWhenEmpty bool
}

func (f inner) InstanceType() reflect.Type { return f.t }
func (inner) SourceType() reflect.Type     { return collectionType }

func (f inner) ToInstance(s *schema.Scope, source any) (any, error) {
	c, err := asCollection(source)
	if err != nil {
		return nil, err
	}
	if f.nullWhenEmpty && c.Empty() {
		return nil, nil
	}
	return s.Serializer().DeserializeEntity(s, f.t, c)
}

func (f inner) ToSource(s *schema.Scope, instance any) (any, error) {
	return s.Serializer().SerializeEntity(s, instance)
}

func asCollection(v any) (*intermediate.Collection, error) {
	c, ok := v.(*intermediate.Collection)
	if !ok {
		return nil, fmt.Errorf("factory: nested value is %T, want a collection", v)
	}
	return c, nil
}

// Item names of typed inner sources.
const (
	TypeItem  = "$type"
	ValueItem = "$value"
)

// TypedInner converts a nested entity whose declared type is an interface
// (or otherwise not the concrete type). The source stores the concrete
// type name next to the nested collection so decoding selects the right
// schema.
func TypedInner(t reflect.Type) *schema.FieldFactory {
	return schema.NewFieldFactory(typedInner{t: t})
}

type typedInner struct {
	t reflect.Type
}

func (f typedInner) InstanceType() reflect.Type { return f.t }
func (typedInner) SourceType() reflect.Type     { return collectionType }

func (f typedInner) ToInstance(s *schema.Scope, source any) (any, error) {
	c, err := asCollection(source)
	if err != nil {
		return nil, err
	}
	name, _ := c.Get(TypeItem)
	tn, ok := name.(string)
	if !ok {
		return nil, fmt.Errorf("factory: %s item missing", TypeItem)
	}
	rt, err := s.Serializer().Registry().TypeByName(tn)
	if err != nil {
		return nil, err
	}
	if !rt.AssignableTo(f.t) {
		return nil, fmt.Errorf("factory: %s is not assignable to %s", rt, f.t)
	}
	v, _ := c.Get(ValueItem)
	if v == nil {
		return nil, nil
	}
	vc, err := asCollection(v)
	if err != nil {
		return nil, err
	}
	return s.Serializer().DeserializeEntity(s, rt, vc)
}

func (f typedInner) ToSource(s *schema.Scope, instance any) (any, error) {
	ser := s.Serializer()
	vc, err := ser.SerializeEntity(s, instance)
	if err != nil {
		return nil, err
	}
	c := intermediate.New()
	c.Add(TypeItem, ser.Registry().TypeName(reflect.TypeOf(instance), false))
	c.Add(ValueItem, vc)
	return c, nil
}

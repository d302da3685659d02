package schema

import (
	"reflect"
	"slices"

	"github.com/syssam/entwire/internal/coerce"
)

// Converter is the body of a field factory: a bidirectional conversion
// between an in-memory field value (instance) and its intermediate form
// (source). Converters never see nil values; FieldFactory filters them.
type Converter interface {
	InstanceType() reflect.Type
	SourceType() reflect.Type
	ToInstance(s *Scope, source any) (any, error)
	ToSource(s *Scope, instance any) (any, error)
}

// FieldFactory converts one field's value to and from the intermediate
// representation. A nil source always yields a nil instance, and a nil
// instance a nil source, without invoking the converter.
type FieldFactory struct {
	conv  Converter
	order int
}

// NewFieldFactory wraps c.
func NewFieldFactory(c Converter) *FieldFactory {
	return &FieldFactory{conv: c}
}

// WithOrder returns a copy of the factory placed at position n of a chain.
func (f *FieldFactory) WithOrder(n int) *FieldFactory {
	return &FieldFactory{conv: f.conv, order: n}
}

// Order returns the chain position.
func (f *FieldFactory) Order() int { return f.order }

// Converter returns the wrapped converter.
func (f *FieldFactory) Converter() Converter { return f.conv }

// InstanceType is the in-memory type the factory produces.
func (f *FieldFactory) InstanceType() reflect.Type { return f.conv.InstanceType() }

// SourceType is the intermediate type the factory produces. Codecs use it to
// choose between native and nested encoding.
func (f *FieldFactory) SourceType() reflect.Type { return f.conv.SourceType() }

// CreateInstance converts an intermediate value into a field value.
func (f *FieldFactory) CreateInstance(s *Scope, source any) (any, error) {
	if coerce.IsNil(source) {
		return nil, nil
	}
	return f.conv.ToInstance(s, source)
}

// CreateSource converts a field value into its intermediate value.
func (f *FieldFactory) CreateSource(s *Scope, instance any) (any, error) {
	if coerce.IsNil(instance) {
		return nil, nil
	}
	return f.conv.ToSource(s, instance)
}

// Chain composes factories into one. Stages are sorted by Order:
// CreateInstance applies them ascending and CreateSource descending, and
// both stop at the first nil intermediate value. A chain without stages
// passes values through unchanged.
//
//	f := schema.Chain(
//		schema.NewFieldFactory(encrypt).WithOrder(1),
//		schema.NewFieldFactory(unwrap).WithOrder(0),
//	)
func Chain(stages ...*FieldFactory) *FieldFactory {
	sorted := slices.Clone(stages)
	slices.SortStableFunc(sorted, func(a, b *FieldFactory) int { return a.order - b.order })
	return NewFieldFactory(&chain{stages: sorted})
}

type chain struct {
	stages []*FieldFactory
}

var anyType = reflect.TypeFor[any]()

// Stages returns the chain's stages in ascending order.
func (c *chain) Stages() []*FieldFactory { return c.stages }

// InstanceType is the instance type of the last stage, which is the one
// that produces field values.
func (c *chain) InstanceType() reflect.Type {
	if len(c.stages) == 0 {
		return anyType
	}
	return c.stages[len(c.stages)-1].InstanceType()
}

// SourceType is the source type of the first stage.
func (c *chain) SourceType() reflect.Type {
	if len(c.stages) == 0 {
		return anyType
	}
	return c.stages[0].SourceType()
}

func (c *chain) ToInstance(s *Scope, source any) (any, error) {
	v := source
	for _, st := range c.stages {
		var err error
		if v, err = st.CreateInstance(s, v); err != nil {
			return nil, err
		}
		if coerce.IsNil(v) {
			return nil, nil
		}
	}
	return v, nil
}

func (c *chain) ToSource(s *Scope, instance any) (any, error) {
	v := instance
	for i := len(c.stages) - 1; i >= 0; i-- {
		var err error
		if v, err = c.stages[i].CreateSource(s, v); err != nil {
			return nil, err
		}
		if coerce.IsNil(v) {
			return nil, nil
		}
	}
	return v, nil
}

// FuncConverter adapts plain functions to Converter.
type FuncConverter struct {
	Instance reflect.Type
	Source   reflect.Type
	In       func(s *Scope, source any) (any, error)
	Out      func(s *Scope, instance any) (any, error)
}

// InstanceType implements Converter.
func (c FuncConverter) InstanceType() reflect.Type { return c.Instance }

// SourceType implements Converter.
func (c FuncConverter) SourceType() reflect.Type { return c.Source }

// ToInstance implements Converter.
func (c FuncConverter) ToInstance(s *Scope, source any) (any, error) { return c.In(s, source) }

// ToSource implements Converter.
func (c FuncConverter) ToSource(s *Scope, instance any) (any, error) { return c.Out(s, instance) }

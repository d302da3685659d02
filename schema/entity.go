package schema

import (
	"fmt"
	"reflect"

	"github.com/syssam/entwire/intermediate"
)

// EntityFactory instantiates entities of a schema's type.
type EntityFactory interface {
	// FullInitialize reports whether New returns a complete instance, in
	// which case the serializer skips the per-field population pass.
	FullInitialize() bool
	// New returns a value of type t. Values that will be populated field by
	// field must be addressable.
	New(s *Scope, t reflect.Type, c *intermediate.Collection) (reflect.Value, error)
}

// Defaulter is implemented by entities that initialize themselves when
// constructed by the Constructor entity factory.
type Defaulter interface {
	SetDefaults()
}

var defaulterType = reflect.TypeOf((*Defaulter)(nil)).Elem()

// Allocate returns a factory producing zero values.
func Allocate() EntityFactory { return allocate{} }

type allocate struct{}

func (allocate) FullInitialize() bool { return false }

func (allocate) New(_ *Scope, t reflect.Type, _ *intermediate.Collection) (reflect.Value, error) {
	if t.Kind() == reflect.Interface {
		return reflect.Value{}, fmt.Errorf("schema: cannot allocate interface type %s", t)
	}
	return reflect.New(t).Elem(), nil
}

// Constructor returns a factory producing zero values on which SetDefaults
// is called when the type implements Defaulter.
func Constructor() EntityFactory { return constructor{} }

type constructor struct{}

func (constructor) FullInitialize() bool { return false }

func (constructor) New(_ *Scope, t reflect.Type, _ *intermediate.Collection) (reflect.Value, error) {
	p := reflect.New(t)
	if d, ok := p.Interface().(Defaulter); ok {
		d.SetDefaults()
	}
	return p.Elem(), nil
}

// FullInitFunc builds a complete entity from its intermediate collection.
type FullInitFunc func(s *Scope, c *intermediate.Collection) (any, error)

// FullInit returns a factory delegating construction to fn. The serializer
// does not populate fields of the returned value.
func FullInit(fn FullInitFunc) EntityFactory { return fullInit{fn: fn} }

type fullInit struct {
	fn FullInitFunc
}

func (fullInit) FullInitialize() bool { return true }

func (f fullInit) New(s *Scope, t reflect.Type, c *intermediate.Collection) (reflect.Value, error) {
	v, err := f.fn(s, c)
	if err != nil {
		return reflect.Value{}, err
	}
	out := reflect.New(t).Elem()
	if v != nil {
		rv := reflect.ValueOf(v)
		if !rv.Type().AssignableTo(t) {
			return reflect.Value{}, fmt.Errorf("schema: entity factory returned %s, want %s", rv.Type(), t)
		}
		out.Set(rv)
	}
	return out, nil
}

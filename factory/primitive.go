package factory

import (
	"fmt"
	"reflect"

	"github.com/syssam/entwire/internal/coerce"
	"github.com/syssam/entwire/schema"
)

var (
	typeType  = reflect.TypeOf((*reflect.Type)(nil)).Elem()
	anyType   = reflect.TypeOf((*any)(nil)).Elem()
	bytesType = reflect.TypeOf([]byte(nil))
	strType   = reflect.TypeOf("")
)

// canonicalType is the type coerce.Canonical produces for values of t.
func canonicalType(t reflect.Type) reflect.Type {
	v := coerce.Canonical(reflect.Zero(schema.Indirect(t)).Interface())
	if v == nil {
		return schema.Indirect(t)
	}
	return reflect.TypeOf(v)
}

// Primitive converts scalar fields by coercion. Sources are canonical
// scalars (int64, uint64, float64, bool, string, []byte, time.Time).
func Primitive(t reflect.Type) *schema.FieldFactory {
	return schema.NewFieldFactory(primitive{t: t, src: canonicalType(t)})
}

type primitive struct {
	t, src reflect.Type
}

func (p primitive) InstanceType() reflect.Type { return p.t }
func (p primitive) SourceType() reflect.Type   { return p.src }

func (p primitive) ToInstance(_ *schema.Scope, source any) (any, error) {
	return coerce.To(source, p.t)
}

func (p primitive) ToSource(_ *schema.Scope, instance any) (any, error) {
	return coerce.Canonical(instance), nil
}

// MemberRef converts reflect.Type values to their registered name, or
// the import-path qualified name when qualified is set. Unknown names fail
// with a ReferenceResolutionError.
func MemberRef(qualified bool) *schema.FieldFactory {
	return schema.NewFieldFactory(memberRef{qualified: qualified})
}

type memberRef struct {
	qualified bool
}

func (memberRef) InstanceType() reflect.Type { return typeType }
func (memberRef) SourceType() reflect.Type   { return strType }

func (m memberRef) ToInstance(s *schema.Scope, source any) (any, error) {
	name, ok := source.(string)
	if !ok {
		return nil, fmt.Errorf("factory: type reference is %T, want string", source)
	}
	return s.Serializer().Registry().TypeByName(name)
}

func (m memberRef) ToSource(s *schema.Scope, instance any) (any, error) {
	t, ok := instance.(reflect.Type)
	if !ok {
		return nil, fmt.Errorf("factory: %T is not a reflect.Type", instance)
	}
	return s.Serializer().Registry().TypeName(t, m.qualified), nil
}

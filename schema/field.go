package schema

import (
	"fmt"
	"reflect"
	"strings"
	"unsafe"

	"github.com/syssam/entwire/internal/coerce"
)

// TagName is the struct tag key read by the default field discovery.
const TagName = "entwire"

// Tag is a parsed `entwire:"name,opt,key=value"` struct tag.
type Tag struct {
	Name string
	Skip bool
	opts map[string]string
}

// ParseTag parses the entwire tag of a struct field.
func ParseTag(st reflect.StructTag) Tag {
	raw, ok := st.Lookup(TagName)
	if !ok {
		return Tag{}
	}
	if raw == "-" {
		return Tag{Skip: true}
	}
	parts := strings.Split(raw, ",")
	tag := Tag{Name: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if tag.opts == nil {
			tag.opts = make(map[string]string)
		}
		k, v, _ := strings.Cut(p, "=")
		tag.opts[k] = v
	}
	return tag
}

// Has reports whether the option is present.
func (t Tag) Has(opt string) bool {
	_, ok := t.opts[opt]
	return ok
}

// Value returns the value of a key=value option.
func (t Tag) Value(opt string) (string, bool) {
	v, ok := t.opts[opt]
	return v, ok
}

// With returns a copy of the tag with the option set.
func (t Tag) With(opt, value string) Tag {
	opts := make(map[string]string, len(t.opts)+1)
	for k, v := range t.opts {
		opts[k] = v
	}
	opts[opt] = value
	t.opts = opts
	return t
}

// Field describes one named, typed slot of a schema.
type Field struct {
	// Name is unique and non-empty within the owning schema.
	Name string
	// GoName is the struct field name, empty for synthetic fields.
	GoName string
	// Type is the declared Go type of the field.
	Type reflect.Type
	// Tag holds the discovery options the field was declared with.
	Tag Tag

	ReadOnly bool
	Index    bool
	Unique   bool
	// Inline fields are flattened into the owning schema's collection.
	Inline bool
	// Required fields must not be nil when serialized.
	Required bool

	Factory  *FieldFactory
	Accessor Accessor
	Schema   *Schema
}

// IsIdentity reports whether the field is an identity candidate.
func (f *Field) IsIdentity() bool {
	return f.Unique && f.Index
}

// String returns "Schema.field".
func (f *Field) String() string {
	if f.Schema != nil {
		return f.Schema.Name + "." + f.Name
	}
	return f.Name
}

// Accessor reads and writes a field on an addressable entity value.
type Accessor interface {
	Get(entity reflect.Value) (any, error)
	Set(entity reflect.Value, v any) error
}

// StructAccessor accesses a (possibly promoted, possibly unexported)
// struct field by its index path.
type StructAccessor struct {
	index []int
	typ   reflect.Type
}

// NewStructAccessor returns an accessor for the struct field at index.
func NewStructAccessor(sf reflect.StructField) *StructAccessor {
	return &StructAccessor{index: sf.Index, typ: sf.Type}
}

// Get returns the field value. A nil embedded pointer on the path yields nil.
func (a *StructAccessor) Get(entity reflect.Value) (any, error) {
	fv, ok := a.field(entity, false)
	if !ok {
		return nil, nil
	}
	return fv.Interface(), nil
}

// Set assigns v, coercing it to the field type. nil assigns the zero value.
// Nil embedded pointers on the path are allocated.
func (a *StructAccessor) Set(entity reflect.Value, v any) error {
	if !entity.CanAddr() {
		return fmt.Errorf("schema: set field of unaddressable %s", entity.Type())
	}
	fv, _ := a.field(entity, true)
	rv, err := coerce.ToValue(v, a.typ)
	if err != nil {
		return err
	}
	fv.Set(rv)
	return nil
}

func (a *StructAccessor) field(v reflect.Value, alloc bool) (reflect.Value, bool) {
	for i, x := range a.index {
		if i > 0 && v.Kind() == reflect.Pointer {
			if v.IsNil() {
				if !alloc {
					return reflect.Value{}, false
				}
				v.Set(reflect.New(v.Type().Elem()))
			}
			v = v.Elem()
		}
		v = exposed(v.Field(x))
	}
	return v, true
}

// exposed makes unexported fields of addressable structs readable and
// settable.
func exposed(v reflect.Value) reflect.Value {
	if v.CanInterface() || !v.CanAddr() {
		return v
	}
	return reflect.NewAt(v.Type(), unsafe.Pointer(v.UnsafeAddr())).Elem()
}

// SelfAccessor treats the entity value itself as the single field, for
// schemas of scalar types.
type SelfAccessor struct{}

// Get implements Accessor.
func (SelfAccessor) Get(entity reflect.Value) (any, error) {
	return entity.Interface(), nil
}

// Set implements Accessor.
func (SelfAccessor) Set(entity reflect.Value, v any) error {
	rv, err := coerce.ToValue(v, entity.Type())
	if err != nil {
		return err
	}
	entity.Set(rv)
	return nil
}

// FuncAccessor adapts a pair of functions to Accessor.
type FuncAccessor struct {
	GetFunc func(entity reflect.Value) (any, error)
	SetFunc func(entity reflect.Value, v any) error
}

// Get implements Accessor.
func (a FuncAccessor) Get(entity reflect.Value) (any, error) { return a.GetFunc(entity) }

// Set implements Accessor.
func (a FuncAccessor) Set(entity reflect.Value, v any) error {
	if a.SetFunc == nil {
		return fmt.Errorf("schema: field is read-only")
	}
	return a.SetFunc(entity, v)
}

package factory

import (
	"fmt"
	"reflect"
	"slices"

	"github.com/syssam/entwire/collection"
	"github.com/syssam/entwire/intermediate"
	"github.com/syssam/entwire/internal/coerce"
	"github.com/syssam/entwire/schema"
)

var (
	sequenceType = reflect.TypeOf([]any(nil))
	loaderType   = reflect.TypeOf((*collection.Loader)(nil)).Elem()
)

// Item names of map entries.
const (
	KeyItem   = "key"
	EntryItem = "value"
)

// Collection converts a homogeneous sequence element by element with
// elem. t is a slice, an array, or a type whose pointer implements
// collection.Loader; sources are []any. A collection.Snapshotter is
// iterated over a snapshot, so concurrent mutation never tears the output.
func Collection(t reflect.Type, elem *schema.FieldFactory) *schema.FieldFactory {
	return schema.NewFieldFactory(seq{t: t, elem: elem})
}

type seq struct {
	t    reflect.Type
	elem *schema.FieldFactory
}

func (f seq) InstanceType() reflect.Type { return f.t }
func (seq) SourceType() reflect.Type     { return sequenceType }

func (f seq) ToSource(s *schema.Scope, instance any) (any, error) {
	var items []any
	if snap, ok := instance.(collection.Snapshotter); ok {
		items = snap.SnapshotAny()
	} else {
		rv := reflect.ValueOf(instance)
		for rv.Kind() == reflect.Pointer {
			rv = rv.Elem()
		}
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return nil, fmt.Errorf("factory: %s is not a sequence", rv.Type())
		}
		items = make([]any, rv.Len())
		for i := range items {
			items[i] = rv.Index(i).Interface()
		}
	}
	out := make([]any, len(items))
	for i, it := range items {
		v, err := f.elem.CreateSource(s, it)
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

func (f seq) ToInstance(s *schema.Scope, source any) (any, error) {
	src, ok := source.([]any)
	if !ok {
		return nil, fmt.Errorf("factory: sequence is %T, want []any", source)
	}
	items := make([]any, len(src))
	for i, v := range src {
		inst, err := f.elem.CreateInstance(s, v)
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", i, err)
		}
		items[i] = inst
	}

	base := schema.Indirect(f.t)
	if reflect.PointerTo(base).Implements(loaderType) {
		p := reflect.New(base)
		if err := p.Interface().(collection.Loader).LoadAny(items); err != nil {
			return nil, err
		}
		return pointerOrValue(p, f.t), nil
	}

	var out reflect.Value
	switch base.Kind() {
	case reflect.Slice:
		out = reflect.MakeSlice(base, len(items), len(items))
	case reflect.Array:
		if len(items) > base.Len() {
			return nil, fmt.Errorf("factory: %d items overflow %s", len(items), base)
		}
		out = reflect.New(base).Elem()
	default:
		return nil, fmt.Errorf("factory: cannot build %s from a sequence", f.t)
	}
	for i, it := range items {
		if err := assign(out.Index(i), it); err != nil {
			return nil, fmt.Errorf("[%d]: %w", i, err)
		}
	}
	if f.t.Kind() == reflect.Pointer {
		p := reflect.New(base)
		p.Elem().Set(out)
		return p.Interface(), nil
	}
	return out.Interface(), nil
}

// Map converts a map into a sequence of key/value collections ordered by
// key, so the output does not depend on map iteration order.
func Map(t reflect.Type, key, elem *schema.FieldFactory) *schema.FieldFactory {
	return schema.NewFieldFactory(mapping{t: t, key: key, elem: elem})
}

type mapping struct {
	t         reflect.Type
	key, elem *schema.FieldFactory
}

func (f mapping) InstanceType() reflect.Type { return f.t }
func (mapping) SourceType() reflect.Type     { return sequenceType }

func (f mapping) ToSource(s *schema.Scope, instance any) (any, error) {
	rv := reflect.ValueOf(instance)
	for rv.Kind() == reflect.Pointer {
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Map {
		return nil, fmt.Errorf("factory: %s is not a map", rv.Type())
	}
	keys := rv.MapKeys()
	slices.SortFunc(keys, func(a, b reflect.Value) int {
		return coerce.Compare(a.Interface(), b.Interface())
	})
	out := make([]any, len(keys))
	for i, k := range keys {
		ks, err := f.key.CreateSource(s, k.Interface())
		if err != nil {
			return nil, err
		}
		vs, err := f.elem.CreateSource(s, rv.MapIndex(k).Interface())
		if err != nil {
			return nil, fmt.Errorf("[%v]: %w", k, err)
		}
		out[i] = intermediate.New(
			intermediate.Item{Name: KeyItem, Value: ks},
			intermediate.Item{Name: EntryItem, Value: vs},
		)
	}
	return out, nil
}

func (f mapping) ToInstance(s *schema.Scope, source any) (any, error) {
	src, ok := source.([]any)
	if !ok {
		return nil, fmt.Errorf("factory: map is %T, want []any", source)
	}
	base := schema.Indirect(f.t)
	out := reflect.MakeMapWithSize(base, len(src))
	for i, e := range src {
		c, err := asCollection(e)
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", i, err)
		}
		ks, _ := c.Get(KeyItem)
		vs, _ := c.Get(EntryItem)
		k, err := f.key.CreateInstance(s, ks)
		if err != nil {
			return nil, err
		}
		v, err := f.elem.CreateInstance(s, vs)
		if err != nil {
			return nil, err
		}
		kv := reflect.New(base.Key()).Elem()
		if err := assign(kv, k); err != nil {
			return nil, err
		}
		vv := reflect.New(base.Elem()).Elem()
		if err := assign(vv, v); err != nil {
			return nil, err
		}
		out.SetMapIndex(kv, vv)
	}
	if f.t.Kind() == reflect.Pointer {
		p := reflect.New(base)
		p.Elem().Set(out)
		return p.Interface(), nil
	}
	return out.Interface(), nil
}

// assign stores v into dst, coercing when the types differ. A nil v
// leaves dst at its zero value.
func assign(dst reflect.Value, v any) error {
	if v == nil {
		return nil
	}
	rv := reflect.ValueOf(v)
	if rv.Type().AssignableTo(dst.Type()) {
		dst.Set(rv)
		return nil
	}
	cv, err := coerce.ToValue(v, dst.Type())
	if err != nil {
		return err
	}
	dst.Set(cv)
	return nil
}

func pointerOrValue(p reflect.Value, t reflect.Type) any {
	if t.Kind() == reflect.Pointer {
		return p.Interface()
	}
	return p.Elem().Interface()
}

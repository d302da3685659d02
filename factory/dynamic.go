package factory

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/syssam/entwire/intermediate"
	"github.com/syssam/entwire/internal/coerce"
	"github.com/syssam/entwire/schema"
)

// Item names of dynamic sources.
const (
	DynamicTypeItem  = "type"
	DynamicValueItem = "value"
)

// Dynamic converts values whose concrete type varies per instance, such as
// fields declared as any. The source is a (type, value) pair. Values are
// converted with the factory registered for their concrete type, by
// coercion when they are scalars, and by the provider's resolution
// otherwise.
func Dynamic(t reflect.Type, p *Provider) *schema.FieldFactory {
	return schema.NewFieldFactory(&dynamic{t: t, p: p})
}

type dynamic struct {
	t     reflect.Type
	p     *Provider
	cache sync.Map // reflect.Type -> *schema.FieldFactory
}

func (d *dynamic) InstanceType() reflect.Type { return d.t }
func (*dynamic) SourceType() reflect.Type     { return collectionType }

func (d *dynamic) factory(reg *schema.Registry, t reflect.Type) (*schema.FieldFactory, error) {
	if ff, ok := reg.TypeFactory(t); ok {
		return ff, nil
	}
	if coerce.IsScalar(t) {
		return nil, nil
	}
	if ff, ok := d.cache.Load(t); ok {
		return ff.(*schema.FieldFactory), nil
	}
	ff, err := d.p.For(t, schema.Tag{})
	if err != nil {
		return nil, err
	}
	d.cache.Store(t, ff)
	return ff, nil
}

func (d *dynamic) ToSource(s *schema.Scope, instance any) (any, error) {
	reg := s.Serializer().Registry()
	t := reflect.TypeOf(instance)
	ff, err := d.factory(reg, t)
	if err != nil {
		return nil, err
	}
	var v any
	if ff == nil {
		v = coerce.Canonical(instance)
	} else if v, err = ff.CreateSource(s, instance); err != nil {
		return nil, err
	}
	c := intermediate.New()
	c.Add(DynamicTypeItem, reg.TypeName(t, false))
	c.Add(DynamicValueItem, v)
	return c, nil
}

func (d *dynamic) ToInstance(s *schema.Scope, source any) (any, error) {
	c, err := asCollection(source)
	if err != nil {
		return nil, err
	}
	name, _ := c.Get(DynamicTypeItem)
	tn, ok := name.(string)
	if !ok {
		return nil, fmt.Errorf("factory: dynamic %s item missing", DynamicTypeItem)
	}
	reg := s.Serializer().Registry()
	t, err := reg.TypeByName(tn)
	if err != nil {
		return nil, err
	}
	v, _ := c.Get(DynamicValueItem)
	ff, err := d.factory(reg, t)
	if err != nil {
		return nil, err
	}
	if ff == nil {
		return coerce.To(v, t)
	}
	return ff.CreateInstance(s, v)
}

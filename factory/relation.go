package factory

import (
	"fmt"
	"reflect"

	"github.com/syssam/entwire"
	"github.com/syssam/entwire/intermediate"
	"github.com/syssam/entwire/internal/coerce"
	"github.com/syssam/entwire/relation"
	"github.com/syssam/entwire/schema"
)

var binderType = reflect.TypeOf((*relation.Binder)(nil)).Elem()

// RelationSingle stores a referenced entity as its identity and resolves
// the identity through the bound storage on decode. t is a struct type or
// a pointer to one whose schema has an identity field.
func RelationSingle(t reflect.Type) *schema.FieldFactory {
	return schema.NewFieldFactory(relationSingle{t: t})
}

type relationSingle struct {
	t reflect.Type
}

func (f relationSingle) InstanceType() reflect.Type { return f.t }
func (relationSingle) SourceType() reflect.Type     { return anyType }

func (f relationSingle) ToSource(s *schema.Scope, instance any) (any, error) {
	id, err := s.Serializer().ID(instance)
	if err != nil {
		return nil, err
	}
	return coerce.Canonical(id), nil
}

func (f relationSingle) ToInstance(s *schema.Scope, source any) (any, error) {
	ser := s.Serializer()
	st := ser.Storage()
	if st == nil {
		return nil, entwire.ErrStorageRequired
	}
	base := schema.Indirect(f.t)
	sch, err := ser.Registry().Get(base)
	if err != nil {
		return nil, err
	}
	idf := sch.Identity()
	if idf == nil {
		return nil, entwire.NewMissingIdentityError(base)
	}
	id, err := coerce.To(source, idf.Type)
	if err != nil {
		return nil, err
	}
	v, err := st.Get(s.Context(), base, id)
	if err != nil {
		return nil, err
	}
	rv := reflect.ValueOf(v)
	if rv.Type() != reflect.PointerTo(base) {
		return nil, fmt.Errorf("factory: storage returned %T, want *%s", v, base)
	}
	return pointerOrValue(rv, f.t), nil
}

// RelationMany creates a relation list bound to the owner being decoded.
// It carries no data: its source is always intermediate.Void. t is a
// pointer type implementing relation.Binder. fk names the field of the
// related entities holding the owner's identity.
func RelationMany(t reflect.Type, fk string, opts relation.Options) *schema.FieldFactory {
	return schema.NewFieldFactory(relationMany{t: t, fk: fk, opts: opts})
}

type relationMany struct {
	t    reflect.Type
	fk   string
	opts relation.Options
}

func (f relationMany) InstanceType() reflect.Type { return f.t }
func (relationMany) SourceType() reflect.Type     { return intermediate.VoidType }

func (relationMany) ToSource(*schema.Scope, any) (any, error) {
	return intermediate.Void{}, nil
}

func (f relationMany) ToInstance(s *schema.Scope, _ any) (any, error) {
	ser := s.Serializer()
	opts := f.opts
	if opts.Queue == nil {
		opts.Queue = ser.Queue()
	}
	p := reflect.New(f.t.Elem())
	b, ok := p.Interface().(relation.Binder)
	if !ok {
		return nil, fmt.Errorf("factory: %s does not implement relation.Binder", f.t)
	}
	err := b.Bind(relation.BindConfig{
		Owner:      s.Owner(),
		ForeignKey: f.fk,
		Storage:    ser.Storage(),
		Mapper:     ser,
		Options:    opts,
	})
	if err != nil {
		return nil, err
	}
	return p.Interface(), nil
}

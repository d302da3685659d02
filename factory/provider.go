// Package factory provides the field factories that convert individual
// field values to and from the intermediate representation, and Provider,
// the default mapping from a field's type and tag to its factory.
//
// Every factory is a schema.FieldFactory, so nil values short-circuit in
// both directions before any conversion runs:
//
//	ff := factory.Primitive(reflect.TypeOf(0))
//	src, _ := ff.CreateSource(scope, 42)       // int64(42)
//	v, _ := ff.CreateInstance(scope, "42")     // 42
//
// Multi-stage conversions compose with schema.Chain; Secure is one.
package factory

import (
	"fmt"
	"reflect"
	"strconv"

	"github.com/syssam/entwire/collection"
	"github.com/syssam/entwire/internal/coerce"
	"github.com/syssam/entwire/relation"
	"github.com/syssam/entwire/schema"
	"github.com/syssam/entwire/secret"
)

// Provider resolves the default factory of a field from its type and
// tag. It implements schema.FactoryProvider.
type Provider struct {
	cipher   *secret.Cipher
	relation relation.Options
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithCipher sets the cipher of secure fields.
func WithCipher(c *secret.Cipher) ProviderOption {
	return func(p *Provider) { p.cipher = c }
}

// WithRelationOptions sets the options relation lists start from. Tag
// options override them per field.
func WithRelationOptions(o relation.Options) ProviderOption {
	return func(p *Provider) { p.relation = o }
}

// NewProvider returns a provider.
func NewProvider(opts ...ProviderOption) *Provider {
	p := &Provider{relation: relation.DefaultOptions()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// FieldFactory implements schema.FactoryProvider. Nested struct types are
// resolved eagerly through b, so a misconfigured nested schema fails the
// owner's build.
func (p *Provider) FieldFactory(b *schema.BuildContext, _ reflect.Type, f *schema.Field) (*schema.FieldFactory, error) {
	ff, err := p.For(f.Type, f.Tag)
	if err != nil {
		return nil, err
	}
	for _, t := range nested(f.Type, f.Tag) {
		if _, err := b.Schema(t); err != nil {
			return nil, err
		}
	}
	return ff, nil
}

// For resolves the factory of values of type t carrying tag. It does not
// build schemas, so it is safe to call while converting values.
func (p *Provider) For(t reflect.Type, tag schema.Tag) (*schema.FieldFactory, error) {
	base := schema.Indirect(t)
	switch {
	case tag.Has("secure"):
		return Secure(p.cipher, t)
	case t == typeType:
		return MemberRef(tag.Has("qualified")), nil
	case tag.Has("relation"):
		if base.Kind() != reflect.Struct {
			return nil, fmt.Errorf("factory: relation field of type %s must reference a struct", t)
		}
		return RelationSingle(t), nil
	case reflect.PointerTo(base).Implements(binderType):
		if t.Kind() != reflect.Pointer {
			return nil, fmt.Errorf("factory: relation list field of type %s must be a pointer", t)
		}
		opts, err := p.relationOptions(tag)
		if err != nil {
			return nil, err
		}
		fk, _ := tag.Value("fk")
		return RelationMany(t, fk, opts), nil
	case tag.Has("dynamic") || t == anyType:
		return Dynamic(t, p), nil
	case coerce.IsScalar(t):
		return Primitive(t), nil
	case t.Kind() == reflect.Interface || tag.Has("typed"):
		return TypedInner(t), nil
	case reflect.PointerTo(base).Implements(loaderType):
		if t.Kind() != reflect.Pointer {
			return nil, fmt.Errorf("factory: synchronized collection field of type %s must be a pointer", t)
		}
		et := reflect.New(base).Interface().(collection.Loader).ElemType()
		elem, err := p.For(et, tag)
		if err != nil {
			return nil, err
		}
		return Collection(t, elem), nil
	case base.Kind() == reflect.Slice || base.Kind() == reflect.Array:
		elem, err := p.For(base.Elem(), tag)
		if err != nil {
			return nil, err
		}
		return Collection(t, elem), nil
	case base.Kind() == reflect.Map:
		key, err := p.For(base.Key(), schema.Tag{})
		if err != nil {
			return nil, err
		}
		elem, err := p.For(base.Elem(), tag)
		if err != nil {
			return nil, err
		}
		return Map(t, key, elem), nil
	case base.Kind() == reflect.Struct:
		return Inner(t, tag.Has("omitempty")), nil
	}
	return nil, fmt.Errorf("factory: no field factory for type %s", t)
}

func (p *Provider) relationOptions(tag schema.Tag) (relation.Options, error) {
	o := p.relation
	if tag.Has("bulk") {
		o.BulkLoad = true
	}
	if tag.Has("cachecount") {
		o.CacheCount = true
	}
	if tag.Has("watch") {
		o.Watch = true
	}
	if v, ok := tag.Value("buffer"); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return o, fmt.Errorf("factory: invalid buffer size %q", v)
		}
		o.BufferSize = n
	}
	return o, nil
}

// nested returns the struct types converted through their own schema by
// the factory For resolves for t.
func nested(t reflect.Type, tag schema.Tag) []reflect.Type {
	base := schema.Indirect(t)
	switch {
	case tag.Has("secure"), tag.Has("relation"), tag.Has("dynamic"), tag.Has("typed"),
		t == typeType, t == anyType, t.Kind() == reflect.Interface,
		reflect.PointerTo(base).Implements(binderType), coerce.IsScalar(t):
		return nil
	case reflect.PointerTo(base).Implements(loaderType):
		return nested(reflect.New(base).Interface().(collection.Loader).ElemType(), tag)
	case base.Kind() == reflect.Slice || base.Kind() == reflect.Array:
		return nested(base.Elem(), tag)
	case base.Kind() == reflect.Map:
		return append(nested(base.Key(), schema.Tag{}), nested(base.Elem(), tag)...)
	case base.Kind() == reflect.Struct:
		return []reflect.Type{base}
	}
	return nil
}

var _ schema.FactoryProvider = (*Provider)(nil)

package schema

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/syssam/entwire"
	"github.com/syssam/entwire/intermediate"
)

// SchemaFactory is a schema-building strategy. It returns an unvalidated
// schema; the registry validates and publishes it.
type SchemaFactory interface {
	Build(b *BuildContext, t reflect.Type) (*Schema, error)
}

// SchemaFactoryFunc adapts a function to SchemaFactory.
type SchemaFactoryFunc func(b *BuildContext, t reflect.Type) (*Schema, error)

// Build implements SchemaFactory.
func (f SchemaFactoryFunc) Build(b *BuildContext, t reflect.Type) (*Schema, error) { return f(b, t) }

// Visibility selects which struct fields StructFields discovers.
type Visibility int

const (
	// Exported discovers exported fields only.
	Exported Visibility = iota
	// AllFields also discovers unexported fields.
	AllFields
)

// StructFields discovers one schema field per struct field, in declaration
// order, honouring `entwire` tags. Fields of embedded structs are promoted.
//
// Tag options:
//
//	-           skip the field
//	id          identity (unique and indexed)
//	index       indexed
//	unique      unique
//	readonly    written on serialize, never set on deserialize
//	inline      flatten the nested schema into the owner's collection
//	relation    store only the identity of the referenced entity
//	optional    a nil relation is allowed
//	dynamic     persist the concrete type alongside the value
//	typed       persist the concrete type of a nested entity
//	omitempty   a nested entity whose items are all empty decodes as nil
//	secure      encrypt the value
//	qualified   persist a reflect.Type field by its package-qualified name
//	bulk, cachecount, watch, buffer=N, fk=field
//	            relation list options
//
// Without an id tag, a field named ID is the identity.
type StructFields struct {
	Visibility Visibility
}

// Build implements SchemaFactory.
func (sf StructFields) Build(b *BuildContext, t reflect.Type) (*Schema, error) {
	if t.Kind() != reflect.Struct {
		return nil, entwire.NewSchemaConfigurationError(t, "", "field discovery requires a struct type")
	}
	entity := Allocate()
	if reflect.PointerTo(t).Implements(defaulterType) {
		entity = Constructor()
	}
	s := New(t, b.Registry().TypeName(t, false), entity)
	b.Declare(s)
	var (
		tagged bool
		byGo   = make(map[string]*Field)
	)
	for _, f := range reflect.VisibleFields(t) {
		if f.Anonymous && Indirect(f.Type).Kind() == reflect.Struct && !hasTag(f) {
			continue
		}
		if !f.IsExported() && sf.Visibility != AllFields {
			continue
		}
		if f.Anonymous && !f.IsExported() {
			continue
		}
		tag := ParseTag(f.Tag)
		if tag.Skip {
			continue
		}
		field := &Field{
			Name:     tag.Name,
			GoName:   f.Name,
			Type:     f.Type,
			Tag:      tag,
			ReadOnly: tag.Has("readonly"),
			Index:    tag.Has("index") || tag.Has("id"),
			Unique:   tag.Has("unique") || tag.Has("id"),
			Inline:   tag.Has("inline"),
			Required: tag.Has("relation") && !tag.Has("optional"),
			Accessor: NewStructAccessor(f),
		}
		if field.Name == "" {
			field.Name = b.Name(f.Name)
		}
		tagged = tagged || tag.Has("id")
		byGo[f.Name] = field
		s.AddField(field)
	}
	if id, ok := byGo["ID"]; ok && !tagged {
		id.Index, id.Unique = true, true
	}
	for _, f := range s.Fields {
		ff, err := b.Factory(t, f)
		if err != nil {
			return nil, err
		}
		f.Factory = ff
	}
	return s, nil
}

func hasTag(f reflect.StructField) bool {
	_, ok := f.Tag.Lookup(TagName)
	return ok
}

// ScalarField is the item name used by Scalar schemas.
const ScalarField = "value"

// Scalar builds a single-field, fully initializing schema for types that
// are converted as one value, such as primitives and pointers to them.
type Scalar struct{}

// Build implements SchemaFactory.
func (Scalar) Build(b *BuildContext, t reflect.Type) (*Schema, error) {
	f := &Field{
		Name:     ScalarField,
		Type:     t,
		Accessor: SelfAccessor{},
	}
	ff, err := b.Factory(t, f)
	if err != nil {
		return nil, err
	}
	f.Factory = ff
	entity := FullInit(func(s *Scope, c *intermediate.Collection) (any, error) {
		src, _ := c.Get(ScalarField)
		return ff.CreateInstance(s.WithField(f), src)
	})
	return New(t, b.Registry().TypeName(t, false), entity, f), nil
}

// Interface builds the schema of an interface type. It has no fields, so it
// only validates for self-serializing interfaces; other interface values
// are converted with the schema of their dynamic type.
type Interface struct{}

// Build implements SchemaFactory.
func (Interface) Build(b *BuildContext, t reflect.Type) (*Schema, error) {
	if t.Kind() != reflect.Interface {
		return nil, entwire.NewSchemaConfigurationError(t, "", "not an interface type")
	}
	return New(t, b.Registry().TypeName(t, false), nil), nil
}

// FactoryProvider resolves the default field factory for a field.
type FactoryProvider interface {
	FieldFactory(b *BuildContext, owner reflect.Type, f *Field) (*FieldFactory, error)
}

// BuildContext is handed to strategies while a schema is built. Schemas
// built within the same context are provisional until the outermost build
// succeeds, and only visible through the context.
type BuildContext struct {
	reg         *Registry
	provisional map[reflect.Type]*Schema
	validating  map[reflect.Type]bool
	built       []*Schema
}

// Registry returns the registry being built into.
func (b *BuildContext) Registry() *Registry { return b.reg }

// Name applies the registry naming policy to a Go field name.
func (b *BuildContext) Name(goName string) string { return b.reg.naming(goName) }

// Schema returns the schema of t: published, provisional, or built now.
// A type whose schema is currently being validated resolves to its
// provisional schema.
func (b *BuildContext) Schema(t reflect.Type) (*Schema, error) {
	return b.build(Indirect(t))
}

// Provisional returns the unpublished schema of t built in this context.
func (b *BuildContext) Provisional(t reflect.Type) (*Schema, bool) {
	s, ok := b.provisional[Indirect(t)]
	return s, ok
}

// Factory resolves the factory of field f of owner: per-type field
// override, then per-name override, then per-value-type override, then the
// registry's provider.
func (b *BuildContext) Factory(owner reflect.Type, f *Field) (*FieldFactory, error) {
	if ff := b.reg.override(owner, f); ff != nil {
		return ff, nil
	}
	p := b.reg.Provider()
	if p == nil {
		return nil, entwire.NewSchemaConfigurationError(owner, f.Name, "no field factory provider")
	}
	ff, err := p.FieldFactory(b, owner, f)
	if err != nil {
		return nil, wrapConfig(owner, f.Name, err)
	}
	return ff, nil
}

// Declare makes s visible through the context before its fields are
// resolved, so factories of self-referential fields can look it up.
func (b *BuildContext) Declare(s *Schema) {
	b.provisional[s.Type] = s
}

func (b *BuildContext) build(t reflect.Type) (*Schema, error) {
	if s, ok := b.provisional[t]; ok {
		return s, nil
	}
	if s := b.reg.lookup(t); s != nil {
		return s, nil
	}
	if b.validating[t] {
		return nil, entwire.NewSchemaConfigurationError(t, "", "schema requested before it was declared")
	}
	strategy, err := b.reg.strategyFor(t)
	if err != nil {
		return nil, err
	}
	b.validating[t] = true
	s, err := strategy.Build(b, t)
	switch {
	case err != nil:
		err = wrapConfig(t, "", err)
	case s == nil:
		err = entwire.NewSchemaConfigurationError(t, "", "strategy returned no schema")
	default:
		b.provisional[t] = s
		if err = b.validate(s); err == nil {
			err = b.flatten(s)
		}
	}
	delete(b.validating, t)
	if err != nil {
		delete(b.provisional, t)
		return nil, err
	}
	s.finalize()
	b.built = append(b.built, s)
	return s, nil
}

func (b *BuildContext) validate(s *Schema) error {
	t := s.Type
	full := s.Entity != nil && s.Entity.FullInitialize()
	switch {
	case t.Kind() == reflect.Interface:
	case t.Kind() != reflect.Struct && !full:
		return entwire.NewSchemaConfigurationError(t, "", "entity type must be a struct or interface")
	case s.Entity == nil:
		return entwire.NewSchemaConfigurationError(t, "", "no entity factory")
	}
	seen := make(map[string]bool, len(s.Fields))
	for i, f := range s.Fields {
		switch {
		case f.Name == "":
			return entwire.NewSchemaConfigurationError(t, fmt.Sprintf("#%d", i), "empty field name")
		case seen[f.Name]:
			return entwire.NewSchemaConfigurationError(t, f.Name, "duplicate field name")
		case f.Factory == nil:
			return entwire.NewSchemaConfigurationError(t, f.Name, "no field factory")
		case f.Accessor == nil:
			return entwire.NewSchemaConfigurationError(t, f.Name, "no field accessor")
		}
		seen[f.Name] = true
		f.Schema = s
	}
	if len(s.Fields) == 0 && !SelfSerializing(t) {
		return entwire.NewSchemaConfigurationError(t, "", "no fields and type is not self-serializing")
	}
	return nil
}

// flatten resolves the schemas of inline fields and assigns every nested
// item a name that does not collide with the owner's own items.
func (b *BuildContext) flatten(s *Schema) error {
	taken := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		if !f.Inline {
			taken[f.Name] = true
		}
	}
	for _, f := range s.Fields {
		if !f.Inline {
			continue
		}
		ft := Indirect(f.Type)
		if b.validating[ft] {
			return entwire.NewSchemaConfigurationError(s.Type, f.Name, "recursive inline field")
		}
		sub, err := b.build(ft)
		if err != nil {
			return err
		}
		if sub.Entity == nil || sub.Entity.FullInitialize() || len(sub.Fields) == 0 {
			return entwire.NewSchemaConfigurationError(s.Type, f.Name, "inline field type has no fields")
		}
		for _, name := range sub.ItemNames() {
			flat := name
			if taken[flat] {
				flat = f.Name + "." + name
			}
			if taken[flat] {
				return entwire.NewSchemaConfigurationError(s.Type, f.Name, fmt.Sprintf("inline item %q collides", flat))
			}
			taken[flat] = true
			s.setFlat(f.Name, name, flat)
		}
	}
	return nil
}

// ItemNames returns the names of the items a serialized entity of this
// schema holds, in order, with inline fields expanded.
func (s *Schema) ItemNames() []string {
	names := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		if !f.Inline {
			names = append(names, f.Name)
			continue
		}
		for _, sub := range s.InlineItems(f) {
			names = append(names, s.FlatName(f, sub))
		}
	}
	return names
}

// InlineItems returns the nested item names of an inline field in order.
func (s *Schema) InlineItems(f *Field) []string {
	return s.flatOrder[f.Name]
}

// wrapConfig turns strategy and provider failures into configuration
// errors, leaving errors of the taxonomy untouched.
func wrapConfig(t reflect.Type, field string, err error) error {
	if errors.Is(err, entwire.ErrSchemaConfiguration) ||
		errors.Is(err, entwire.ErrReferenceResolution) ||
		errors.Is(err, entwire.ErrArgumentNull) {
		return err
	}
	return entwire.NewSchemaConfigurationError(t, field, err.Error())
}

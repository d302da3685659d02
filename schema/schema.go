package schema

import (
	"reflect"
)

// Schema is the structural description of one entity type: its ordered
// fields, optional identity field and entity factory. Schemas are built once
// per type by a SchemaFactory and never mutated after publication.
type Schema struct {
	Type   reflect.Type
	Name   string
	Fields []*Field
	Entity EntityFactory

	identity  *Field
	finalized bool
	byName    map[string]*Field
	// inline field name -> nested field name -> flattened item name
	flat      map[string]map[string]string
	flatOrder map[string][]string
}

// New returns an unvalidated schema. Fields are attached to it in order.
func New(t reflect.Type, name string, entity EntityFactory, fields ...*Field) *Schema {
	s := &Schema{Type: t, Name: name, Entity: entity}
	for _, f := range fields {
		s.AddField(f)
	}
	return s
}

// AddField appends f and sets its owning schema. It must not be called on
// a published schema.
func (s *Schema) AddField(f *Field) {
	f.Schema = s
	s.Fields = append(s.Fields, f)
}

// Identity returns the first field marked unique and indexed, or nil.
func (s *Schema) Identity() *Field {
	if s.finalized {
		return s.identity
	}
	return s.findIdentity()
}

func (s *Schema) findIdentity() *Field {
	for _, f := range s.Fields {
		if f.IsIdentity() {
			return f
		}
	}
	return nil
}

// Field returns the field with the given name, or nil.
func (s *Schema) Field(name string) *Field {
	if s.byName != nil {
		return s.byName[name]
	}
	for _, f := range s.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// FlatName returns the item name under which the nested field sub of the
// inline field is stored in this schema's collection.
func (s *Schema) FlatName(inline *Field, sub string) string {
	if m, ok := s.flat[inline.Name]; ok {
		if n, ok := m[sub]; ok {
			return n
		}
	}
	return sub
}

// Indexes returns the names of the indexed fields in schema order.
func (s *Schema) Indexes() []string {
	var names []string
	for _, f := range s.Fields {
		if f.Index {
			names = append(names, f.Name)
		}
	}
	return names
}

// Equal reports whether both schemas describe the same type.
func (s *Schema) Equal(o *Schema) bool {
	if s == nil || o == nil {
		return s == o
	}
	return s.Type == o.Type
}

// String returns the schema name.
func (s *Schema) String() string { return s.Name }

// finalize caches derived state. It runs once validation has passed.
func (s *Schema) finalize() {
	s.byName = make(map[string]*Field, len(s.Fields))
	for _, f := range s.Fields {
		s.byName[f.Name] = f
	}
	s.identity = s.findIdentity()
	s.finalized = true
}

// setFlat records the flattened name of a nested field.
func (s *Schema) setFlat(inline, sub, name string) {
	if s.flat == nil {
		s.flat = make(map[string]map[string]string)
		s.flatOrder = make(map[string][]string)
	}
	m := s.flat[inline]
	if m == nil {
		m = make(map[string]string)
		s.flat[inline] = m
	}
	m[sub] = name
	s.flatOrder[inline] = append(s.flatOrder[inline], sub)
}

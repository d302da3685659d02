package schema

import (
	"log/slog"
	"maps"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-openapi/inflect"

	"github.com/syssam/entwire"
	"github.com/syssam/entwire/internal/coerce"
)

// Registry caches one schema per type. Reads of published schemas are
// lock-free; building is serialized by a single mutex so concurrent first
// requests for a type observe exactly one fully validated schema.
type Registry struct {
	mu         sync.Mutex // serializes builds
	schemas    atomic.Pointer[map[reflect.Type]*Schema]
	strategies map[reflect.Type]SchemaFactory

	omu        sync.RWMutex // guards the override tables and provider
	byName     map[string]*FieldFactory
	byTypeName map[reflect.Type]map[string]*FieldFactory
	byType     map[reflect.Type]*FieldFactory
	provider   FactoryProvider

	types  *TypeRegistry
	naming func(string) string
	logger *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithProvider sets the default field factory provider.
func WithProvider(p FactoryProvider) RegistryOption {
	return func(r *Registry) { r.provider = p }
}

// WithNaming sets the policy deriving item names from Go field names.
// The default is DefaultNaming.
func WithNaming(fn func(string) string) RegistryOption {
	return func(r *Registry) { r.naming = fn }
}

// WithLogger sets the logger used to report built schemas.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		strategies: make(map[reflect.Type]SchemaFactory),
		byName:     make(map[string]*FieldFactory),
		byTypeName: make(map[reflect.Type]map[string]*FieldFactory),
		byType:     make(map[reflect.Type]*FieldFactory),
		types:      NewTypeRegistry(),
		naming:     DefaultNaming,
	}
	for _, opt := range opts {
		opt(r)
	}
	empty := make(map[reflect.Type]*Schema)
	r.schemas.Store(&empty)
	return r
}

// DefaultNaming lower-cases the leading word of a Go identifier, treating a
// leading acronym as one word: "UserID" -> "userID", "ID" -> "id",
// "URLPath" -> "urlPath".
func DefaultNaming(name string) string {
	n := 0
	for n < len(name) && name[n] >= 'A' && name[n] <= 'Z' {
		n++
	}
	switch {
	case n <= 1:
		return inflect.CamelizeDownFirst(name)
	case n == len(name):
		return strings.ToLower(name)
	default:
		return strings.ToLower(name[:n-1]) + name[n-1:]
	}
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the process-wide registry.
func Default() *Registry {
	defaultOnce.Do(func() { defaultRegistry = NewRegistry() })
	return defaultRegistry
}

// Get returns the schema of t, building and caching it on first use.
// Pointer types resolve to the schema of their element type.
func (r *Registry) Get(t reflect.Type) (*Schema, error) {
	return r.get(t, nil)
}

// GetWith is like Get but builds the schema with f when t has no schema yet.
func (r *Registry) GetWith(t reflect.Type, f SchemaFactory) (*Schema, error) {
	if f == nil {
		return nil, entwire.NewArgumentNullError("factory")
	}
	return r.get(t, f)
}

// Of returns the schema of T.
func Of[T any](r *Registry) (*Schema, error) {
	return r.Get(reflect.TypeFor[T]())
}

func (r *Registry) get(t reflect.Type, f SchemaFactory) (*Schema, error) {
	if t == nil {
		return nil, entwire.NewArgumentNullError("type")
	}
	t = Indirect(t)
	if s := r.lookup(t); s != nil {
		return s, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s := r.lookup(t); s != nil {
		return s, nil
	}
	if f != nil {
		prev, had := r.strategies[t]
		r.strategies[t] = f
		defer func() {
			if r.lookup(t) != nil {
				return
			}
			if had {
				r.strategies[t] = prev
			} else {
				delete(r.strategies, t)
			}
		}()
	}
	b := &BuildContext{
		reg:         r,
		provisional: make(map[reflect.Type]*Schema),
		validating:  make(map[reflect.Type]bool),
	}
	s, err := b.build(t)
	if err != nil {
		return nil, err
	}
	r.publish(b.built)
	return s, nil
}

// Register installs the strategy used to build the schema of t. It has no
// effect on a schema that is already built.
func (r *Registry) Register(t reflect.Type, f SchemaFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[Indirect(t)] = f
}

// Lookup returns the published schema of t without building it.
func (r *Registry) Lookup(t reflect.Type) (*Schema, bool) {
	s := r.lookup(Indirect(t))
	return s, s != nil
}

// Len returns the number of published schemas.
func (r *Registry) Len() int {
	return len(*r.schemas.Load())
}

func (r *Registry) lookup(t reflect.Type) *Schema {
	return (*r.schemas.Load())[t]
}

// publish makes schemas visible to readers. Callers hold r.mu.
func (r *Registry) publish(built []*Schema) {
	if len(built) == 0 {
		return
	}
	next := maps.Clone(*r.schemas.Load())
	for _, s := range built {
		next[s.Type] = s
		r.log().Debug("schema built", "type", s.Name, "fields", len(s.Fields))
	}
	r.schemas.Store(&next)
}

// strategyFor resolves the strategy for t: explicit registration, then the
// type's SchemaDeclarer, then the default for its kind. Callers hold r.mu.
func (r *Registry) strategyFor(t reflect.Type) (SchemaFactory, error) {
	if f, ok := r.strategies[t]; ok {
		return f, nil
	}
	if t.Kind() != reflect.Interface && reflect.PointerTo(t).Implements(declarerType) {
		if f := reflect.New(t).Interface().(SchemaDeclarer).EntitySchemaFactory(); f != nil {
			return f, nil
		}
	}
	switch {
	case t.Kind() == reflect.Interface:
		return Interface{}, nil
	case t.Kind() == reflect.Struct && !hasExported(t):
		return StructFields{Visibility: AllFields}, nil
	case t.Kind() == reflect.Struct:
		return StructFields{}, nil
	case coerce.IsScalar(t):
		return Scalar{}, nil
	}
	return nil, entwire.NewSchemaConfigurationError(t, "", "entity type must be a struct or interface")
}

// hasExported reports whether t has any exported field, including
// promoted ones.
func hasExported(t reflect.Type) bool {
	for _, f := range reflect.VisibleFields(t) {
		if f.IsExported() && !f.Anonymous {
			return true
		}
	}
	return false
}

// SetFieldFactory overrides the factory of every field named name.
func (r *Registry) SetFieldFactory(name string, f *FieldFactory) {
	r.omu.Lock()
	defer r.omu.Unlock()
	r.byName[name] = f
}

// SetTypeFieldFactory overrides the factory of the field name of type t.
func (r *Registry) SetTypeFieldFactory(t reflect.Type, name string, f *FieldFactory) {
	r.omu.Lock()
	defer r.omu.Unlock()
	t = Indirect(t)
	m := r.byTypeName[t]
	if m == nil {
		m = make(map[string]*FieldFactory)
		r.byTypeName[t] = m
	}
	m[name] = f
}

// SetTypeFactory overrides the factory of values of type t, both for
// declared fields of that type and for dynamic values whose concrete type
// is t.
func (r *Registry) SetTypeFactory(t reflect.Type, f *FieldFactory) {
	r.omu.Lock()
	defer r.omu.Unlock()
	r.byType[t] = f
}

// TypeFactory returns the override registered for values of type t.
func (r *Registry) TypeFactory(t reflect.Type) (*FieldFactory, bool) {
	r.omu.RLock()
	defer r.omu.RUnlock()
	f, ok := r.byType[t]
	return f, ok
}

// SetProvider replaces the default field factory provider.
func (r *Registry) SetProvider(p FactoryProvider) {
	r.omu.Lock()
	defer r.omu.Unlock()
	r.provider = p
}

// Provider returns the default field factory provider.
func (r *Registry) Provider() FactoryProvider {
	r.omu.RLock()
	defer r.omu.RUnlock()
	return r.provider
}

func (r *Registry) override(owner reflect.Type, f *Field) *FieldFactory {
	r.omu.RLock()
	defer r.omu.RUnlock()
	if ff, ok := r.byTypeName[owner][f.Name]; ok {
		return ff
	}
	if ff, ok := r.byName[f.Name]; ok {
		return ff
	}
	if ff, ok := r.byType[f.Type]; ok {
		return ff
	}
	return nil
}

// RegisterType binds a discriminator name to t.
func (r *Registry) RegisterType(t reflect.Type, name string) {
	r.types.Register(t, name)
}

// TypeByName resolves a discriminator name.
func (r *Registry) TypeByName(name string) (reflect.Type, error) {
	t, ok := r.types.Lookup(name)
	if !ok {
		return nil, entwire.NewReferenceResolutionError(name)
	}
	return t, nil
}

// TypeName returns the discriminator name of t.
func (r *Registry) TypeName(t reflect.Type, qualified bool) string {
	return r.types.Name(t, qualified)
}

func (r *Registry) log() *slog.Logger {
	if r.logger != nil {
		return r.logger
	}
	return slog.Default()
}

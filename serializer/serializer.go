// Package serializer converts entities to and from intermediate
// collections, driven by the schemas of a schema.Registry.
//
// A Serializer walks an entity's schema fields in order and asks each
// field's factory for its source value; deserialization instantiates the
// entity through the schema's entity factory and assigns every field
// present in the collection:
//
//	ser := serializer.New()
//	c, err := ser.Serialize(ctx, Point{X: 3, Y: 4}) // [x:3 y:4]
//	v, err := ser.Deserialize(ctx, reflect.TypeOf(Point{}), c)
//
// A Serializer also implements storage.Mapper, so stores read identities
// and fields and persist entities through it.
package serializer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/syssam/entwire"
	"github.com/syssam/entwire/codec"
	"github.com/syssam/entwire/codec/msgpack"
	"github.com/syssam/entwire/factory"
	"github.com/syssam/entwire/intermediate"
	"github.com/syssam/entwire/internal/coerce"
	"github.com/syssam/entwire/metrics"
	"github.com/syssam/entwire/queue"
	"github.com/syssam/entwire/relation"
	"github.com/syssam/entwire/schema"
	"github.com/syssam/entwire/secret"
	"github.com/syssam/entwire/storage"
)

// Serializer is the generic, schema-driven entity converter. It is safe
// for concurrent use once its storage is bound.
type Serializer struct {
	reg     *schema.Registry
	codec   codec.Codec
	logger  *slog.Logger
	metrics *metrics.Metrics
	fold    bool

	cipher   *secret.Cipher
	relation *relation.Options

	mu      sync.RWMutex
	storage storage.Storage
	queue   queue.Enqueuer
}

// Option configures a Serializer.
type Option func(*Serializer)

// WithRegistry sets the schema registry. The default is schema.Default().
func WithRegistry(r *schema.Registry) Option {
	return func(s *Serializer) { s.reg = r }
}

// WithStorage binds the storage relation fields resolve through.
func WithStorage(st storage.Storage) Option {
	return func(s *Serializer) { s.storage = st }
}

// WithQueue sets the queue relation lists defer their writes to.
func WithQueue(q queue.Enqueuer) Option {
	return func(s *Serializer) { s.queue = q }
}

// WithCodec sets the codec of Marshal, Unmarshal, Encode and Decode. The
// default is msgpack.
func WithCodec(c codec.Codec) Option {
	return func(s *Serializer) { s.codec = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Serializer) { s.logger = l }
}

// WithMetrics sets the collectors conversions are recorded in.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Serializer) { s.metrics = m }
}

// WithCipher sets the cipher of secure fields. It only applies when the
// serializer installs the default field factory provider.
func WithCipher(c *secret.Cipher) Option {
	return func(s *Serializer) { s.cipher = c }
}

// WithRelationOptions sets the options relation list fields start from. It
// only applies when the serializer installs the default provider.
func WithRelationOptions(o relation.Options) Option {
	return func(s *Serializer) { s.relation = &o }
}

// WithFoldedNames makes deserialization fall back to case-insensitive
// item lookup when an item is not found by its exact name.
func WithFoldedNames() Option {
	return func(s *Serializer) { s.fold = true }
}

// New returns a serializer. When the registry has no field factory
// provider, a factory.Provider built from the cipher and relation options
// is installed on it.
func New(opts ...Option) *Serializer {
	s := &Serializer{}
	for _, opt := range opts {
		opt(s)
	}
	if s.reg == nil {
		s.reg = schema.Default()
	}
	if s.codec == nil {
		s.codec = msgpack.New()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.reg.Provider() == nil {
		var popts []factory.ProviderOption
		if s.cipher != nil {
			popts = append(popts, factory.WithCipher(s.cipher))
		}
		if s.relation != nil {
			o := *s.relation
			if o.Logger == nil {
				o.Logger = s.logger
			}
			if o.Metrics == nil {
				o.Metrics = s.metrics
			}
			popts = append(popts, factory.WithRelationOptions(o))
		}
		s.reg.SetProvider(factory.NewProvider(popts...))
	}
	return s
}

// Registry returns the schema registry.
func (s *Serializer) Registry() *schema.Registry { return s.reg }

// Codec returns the codec of byte and stream conversions.
func (s *Serializer) Codec() codec.Codec { return s.codec }

// Storage returns the bound storage, or nil.
func (s *Serializer) Storage() storage.Storage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.storage
}

// SetStorage binds st. Stores take the serializer as their Mapper, so the
// storage is usually bound after both are constructed.
func (s *Serializer) SetStorage(st storage.Storage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.storage = st
}

// Queue returns the delayed-write queue, or nil.
func (s *Serializer) Queue() queue.Enqueuer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queue
}

// SetQueue sets the delayed-write queue.
func (s *Serializer) SetQueue(q queue.Enqueuer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = q
}

// Serialize converts v, a struct, a pointer to one or a value of any other
// type with a schema, into a collection. Field sets restrict the fields
// converted at the top level.
func (s *Serializer) Serialize(ctx context.Context, v any, sets ...FieldSet) (c *intermediate.Collection, err error) {
	if coerce.IsNil(v) {
		return nil, entwire.NewArgumentNullError("entity")
	}
	defer s.observe(reflect.TypeOf(v), "serialize", time.Now(), &err)
	return s.serialize(schema.NewScope(ctx, s), v, merge(sets))
}

// Deserialize builds a value of type t from c. When t is a pointer type
// the result is a pointer.
func (s *Serializer) Deserialize(ctx context.Context, t reflect.Type, c *intermediate.Collection, sets ...FieldSet) (v any, err error) {
	if t == nil {
		return nil, entwire.NewArgumentNullError("type")
	}
	if c == nil {
		return nil, entwire.NewArgumentNullError("collection")
	}
	defer s.observe(t, "deserialize", time.Now(), &err)
	return s.deserialize(schema.NewScope(ctx, s), t, c, merge(sets))
}

// Populate assigns the fields present in c to the entity dst points to.
// Fields missing from c keep their current value. The entity factory is
// not consulted.
func (s *Serializer) Populate(ctx context.Context, dst any, c *intermediate.Collection, sets ...FieldSet) (err error) {
	if c == nil {
		return entwire.NewArgumentNullError("collection")
	}
	rv := reflect.ValueOf(dst)
	if !rv.IsValid() || rv.Kind() != reflect.Pointer || rv.IsNil() {
		return entwire.NewArgumentNullError("dst")
	}
	rv = rv.Elem()
	defer s.observe(rv.Type(), "populate", time.Now(), &err)
	sch, err := s.reg.Get(rv.Type())
	if err != nil {
		return err
	}
	sc := schema.NewScope(ctx, s).WithOwner(rv)
	return s.fill(sc, sch, rv, c, merge(sets))
}

// SerializeEntity implements schema.Serializer.
func (s *Serializer) SerializeEntity(sc *schema.Scope, v any) (*intermediate.Collection, error) {
	return s.serialize(sc, v, FieldSet{})
}

// DeserializeEntity implements schema.Serializer.
func (s *Serializer) DeserializeEntity(sc *schema.Scope, t reflect.Type, c *intermediate.Collection) (any, error) {
	return s.deserialize(sc, t, c, FieldSet{})
}

func (s *Serializer) serialize(sc *schema.Scope, v any, set FieldSet) (*intermediate.Collection, error) {
	rv, err := addressable(v)
	if err != nil {
		return nil, err
	}
	sch, err := s.reg.Get(rv.Type())
	if err != nil {
		return nil, err
	}
	sc = sc.WithOwner(rv)
	ctx := sc.Context()
	target := rv.Addr().Interface()
	if h, ok := target.(schema.BeforeSerializer); ok {
		if err := h.BeforeSerialize(ctx); err != nil {
			return nil, err
		}
	}
	var c *intermediate.Collection
	if schema.SelfSerializing(sch.Type) {
		if c, err = target.(schema.EntityMarshaler).MarshalEntity(ctx); err != nil {
			return nil, err
		}
		if c == nil {
			c = intermediate.New()
		}
		c.SortByName()
	} else if c, err = s.collect(sc, sch, rv, set); err != nil {
		return nil, err
	}
	if h, ok := target.(schema.AfterSerializer); ok {
		if err := h.AfterSerialize(ctx, c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// collect converts the fields of rv in schema order.
func (s *Serializer) collect(sc *schema.Scope, sch *schema.Schema, rv reflect.Value, set FieldSet) (*intermediate.Collection, error) {
	c := intermediate.New()
	for _, f := range sch.Fields {
		if !set.includes(f.Name) {
			continue
		}
		if err := sc.Context().Err(); err != nil {
			return nil, err
		}
		val, err := f.Accessor.Get(rv)
		if err != nil {
			return nil, fieldError(f, err)
		}
		if f.Required && coerce.IsNil(val) {
			return nil, entwire.NewArgumentNullError(f.String())
		}
		src, err := f.Factory.CreateSource(sc.WithField(f), val)
		if err != nil {
			return nil, fieldError(f, err)
		}
		if !f.Inline {
			c.Add(f.Name, src)
			continue
		}
		sub, _ := src.(*intermediate.Collection)
		for _, name := range sch.InlineItems(f) {
			v, _ := sub.Get(name)
			c.Add(sch.FlatName(f, name), v)
		}
	}
	return c, nil
}

func (s *Serializer) deserialize(sc *schema.Scope, t reflect.Type, c *intermediate.Collection, set FieldSet) (any, error) {
	base := schema.Indirect(t)
	if base.Kind() == reflect.Interface {
		return nil, entwire.NewInvalidOperationError("deserialize", fmt.Sprintf("cannot instantiate interface type %s", base))
	}
	sch, err := s.reg.Get(base)
	if err != nil {
		return nil, err
	}
	if sch.Entity == nil {
		return nil, entwire.NewSchemaConfigurationError(base, "", "no entity factory")
	}
	rv, err := sch.Entity.New(sc, base, c)
	if err != nil {
		return nil, err
	}
	if sch.Entity.FullInitialize() {
		return shape(rv, t), nil
	}
	if !rv.CanAddr() {
		cp := reflect.New(base).Elem()
		cp.Set(rv)
		rv = cp
	}
	sc = sc.WithOwner(rv)
	ctx := sc.Context()
	target := rv.Addr().Interface()
	if h, ok := target.(schema.BeforeDeserializer); ok {
		if err := h.BeforeDeserialize(ctx, c); err != nil {
			return nil, err
		}
	}
	if schema.SelfSerializing(base) {
		if err := target.(schema.EntityUnmarshaler).UnmarshalEntity(ctx, c); err != nil {
			return nil, err
		}
	} else if err := s.fill(sc, sch, rv, c, set); err != nil {
		return nil, err
	}
	if h, ok := target.(schema.AfterDeserializer); ok {
		if err := h.AfterDeserialize(ctx); err != nil {
			return nil, err
		}
	}
	return shape(rv, t), nil
}

// fill assigns the fields of rv present in c. Void-sourced fields are
// always created, since they carry no data to be missing.
func (s *Serializer) fill(sc *schema.Scope, sch *schema.Schema, rv reflect.Value, c *intermediate.Collection, set FieldSet) error {
	for _, f := range sch.Fields {
		if f.ReadOnly || !set.includes(f.Name) {
			continue
		}
		if err := sc.Context().Err(); err != nil {
			return err
		}
		fs := sc.WithField(f)
		var src any
		switch {
		case f.Factory.SourceType() == intermediate.VoidType:
			src = intermediate.Void{}
		case f.Inline:
			sub, ok := s.gather(sch, f, c)
			if !ok {
				continue
			}
			src = sub
		default:
			v, ok := s.lookup(c, f.Name)
			if !ok {
				continue
			}
			src = v
		}
		v, err := f.Factory.CreateInstance(fs, src)
		if err != nil {
			return fieldError(f, err)
		}
		if err := f.Accessor.Set(rv, v); err != nil {
			return fieldError(f, err)
		}
	}
	return nil
}

// gather collects the flattened items of an inline field back into a
// nested collection. It reports false when none of them carries a value.
func (s *Serializer) gather(sch *schema.Schema, f *schema.Field, c *intermediate.Collection) (*intermediate.Collection, bool) {
	sub := intermediate.New()
	found := false
	for _, name := range sch.InlineItems(f) {
		v, ok := s.lookup(c, sch.FlatName(f, name))
		if !ok {
			continue
		}
		sub.Add(name, v)
		found = found || v != nil
	}
	return sub, found
}

func (s *Serializer) lookup(c *intermediate.Collection, name string) (any, bool) {
	if s.fold {
		return c.GetFold(name)
	}
	return c.Get(name)
}

func (s *Serializer) observe(t reflect.Type, op string, start time.Time, err *error) {
	if s.metrics == nil {
		return
	}
	s.metrics.Conversion(s.reg.TypeName(schema.Indirect(t), false), op, *err, time.Since(start))
}

// addressable dereferences v to an addressable struct value, copying
// non-pointer values.
func addressable(v any) (reflect.Value, error) {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		return reflect.Value{}, entwire.NewArgumentNullError("entity")
	}
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return reflect.Value{}, entwire.NewArgumentNullError("entity")
		}
		rv = rv.Elem()
	}
	if !rv.CanAddr() {
		cp := reflect.New(rv.Type()).Elem()
		cp.Set(rv)
		rv = cp
	}
	return rv, nil
}

// shape returns rv as a value of t, which is rv's type or a pointer to it.
func shape(rv reflect.Value, t reflect.Type) any {
	if t.Kind() != reflect.Pointer {
		return rv.Interface()
	}
	if rv.CanAddr() {
		return rv.Addr().Interface()
	}
	p := reflect.New(rv.Type())
	p.Elem().Set(rv)
	return p.Interface()
}

// fieldError adds the field path to errors outside the taxonomy.
func fieldError(f *schema.Field, err error) error {
	for _, target := range []error{
		entwire.ErrSchemaConfiguration, entwire.ErrArgumentNull, entwire.ErrReferenceResolution,
		entwire.ErrMissingIdentity, entwire.ErrInvalidOperation, entwire.ErrNotFound,
		context.Canceled, context.DeadlineExceeded,
	} {
		if errors.Is(err, target) {
			return err
		}
	}
	return fmt.Errorf("entwire: field %s: %w", f, err)
}

// =============================================================================
// Streams
// =============================================================================

// Encode serializes v and writes it to w with the serializer's codec.
func (s *Serializer) Encode(ctx context.Context, w io.Writer, v any, sets ...FieldSet) error {
	c, err := s.Serialize(ctx, v, sets...)
	if err != nil {
		return err
	}
	return s.codec.Encode(ctx, w, c)
}

// Decode reads one collection from r and deserializes it as t.
func (s *Serializer) Decode(ctx context.Context, r io.Reader, t reflect.Type) (any, error) {
	c, err := s.codec.Decode(ctx, r)
	if err != nil {
		return nil, err
	}
	return s.Deserialize(ctx, t, c)
}

// Marshal implements storage.Mapper.
func (s *Serializer) Marshal(ctx context.Context, entity any) ([]byte, error) {
	var buf bytes.Buffer
	if err := s.Encode(ctx, &buf, entity); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal implements storage.Mapper. It returns a pointer to a new
// value of the struct type t.
func (s *Serializer) Unmarshal(ctx context.Context, t reflect.Type, data []byte) (any, error) {
	if t == nil {
		return nil, entwire.NewArgumentNullError("type")
	}
	return s.Decode(ctx, bytes.NewReader(data), reflect.PointerTo(schema.Indirect(t)))
}

// Unmarshal decodes data into a new T.
func Unmarshal[T any](ctx context.Context, s *Serializer, data []byte) (*T, error) {
	v, err := s.Unmarshal(ctx, reflect.TypeFor[T](), data)
	if err != nil {
		return nil, err
	}
	return v.(*T), nil
}

// DeserializeAs builds a T from c.
func DeserializeAs[T any](ctx context.Context, s *Serializer, c *intermediate.Collection) (T, error) {
	var zero T
	v, err := s.Deserialize(ctx, reflect.TypeFor[T](), c)
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	return v.(T), nil
}

var _ schema.Serializer = (*Serializer)(nil)

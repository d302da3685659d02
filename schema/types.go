package schema

import (
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TypeRegistry maps discriminator names to types and back. Names are the
// short form reflect gives (pkg.Type) unless registered otherwise; the
// qualified form (import/path.Type) is always accepted on lookup.
type TypeRegistry struct {
	mu     sync.RWMutex
	byName map[string]reflect.Type
	names  map[reflect.Type]string
}

// NewTypeRegistry returns a registry preloaded with the builtin scalar types.
func NewTypeRegistry() *TypeRegistry {
	r := &TypeRegistry{
		byName: make(map[string]reflect.Type),
		names:  make(map[reflect.Type]string),
	}
	for _, v := range []any{
		false, "", []byte(nil),
		0, int8(0), int16(0), int32(0), int64(0),
		uint(0), uint8(0), uint16(0), uint32(0), uint64(0),
		float32(0), float64(0),
	} {
		t := reflect.TypeOf(v)
		r.register(t, t.String())
	}
	r.register(reflect.TypeOf(time.Time{}), "time")
	r.register(reflect.TypeOf(time.Duration(0)), "duration")
	r.register(reflect.TypeOf(uuid.UUID{}), "uuid")
	return r
}

// Register binds name to t. A later registration of the same type replaces
// its preferred name; the previous name keeps resolving.
func (r *TypeRegistry) Register(t reflect.Type, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.register(t, name)
}

func (r *TypeRegistry) register(t reflect.Type, name string) {
	r.byName[name] = t
	r.names[t] = name
	if q := Qualified(t); q != "" {
		r.byName[q] = t
	}
}

// Lookup returns the type registered under name. Pointer and slice forms
// of registered types ("*T", "[]T") resolve without registration.
func (r *TypeRegistry) Lookup(name string) (reflect.Type, bool) {
	r.mu.RLock()
	t, ok := r.byName[name]
	r.mu.RUnlock()
	if ok {
		return t, true
	}
	switch {
	case strings.HasPrefix(name, "*"):
		if e, ok := r.Lookup(name[1:]); ok {
			return reflect.PointerTo(e), true
		}
	case strings.HasPrefix(name, "[]"):
		if e, ok := r.Lookup(name[2:]); ok {
			return reflect.SliceOf(e), true
		}
	}
	return nil, false
}

// Name returns the discriminator of t, registering t under its short
// name on first use.
func (r *TypeRegistry) Name(t reflect.Type, qualified bool) string {
	if qualified {
		if q := Qualified(t); q != "" {
			r.ensure(t)
			return q
		}
	}
	return r.ensure(t)
}

func (r *TypeRegistry) ensure(t reflect.Type) string {
	r.mu.RLock()
	name, ok := r.names[t]
	r.mu.RUnlock()
	if ok {
		return name
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if name, ok := r.names[t]; ok {
		return name
	}
	r.register(t, t.String())
	return t.String()
}

// Qualified returns the import-path qualified name of a named type, or ""
// for unnamed and builtin types.
func Qualified(t reflect.Type) string {
	if t.Name() == "" || t.PkgPath() == "" {
		return ""
	}
	return t.PkgPath() + "." + t.Name()
}

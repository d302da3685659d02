// Package codec defines stream codecs: encoders and decoders between
// intermediate collections and byte streams of one format.
//
// Format packages register themselves when imported, the way database/sql
// drivers do:
//
//	import _ "github.com/syssam/entwire/codec/yaml"
//
//	c, err := codec.For("yaml")
//	err = c.Encode(ctx, os.Stdout, collection)
//
// Codecs never persist Void items and report corrupt input with an error
// matching entwire.ErrMalformed.
package codec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/syssam/entwire"
	"github.com/syssam/entwire/intermediate"
	"github.com/syssam/entwire/internal/coerce"
)

// Codec encodes and decodes intermediate collections.
type Codec interface {
	// Format returns the name the codec is registered under.
	Format() string
	Encode(ctx context.Context, w io.Writer, c *intermediate.Collection) error
	Decode(ctx context.Context, r io.Reader) (*intermediate.Collection, error)
}

var (
	mu     sync.RWMutex
	codecs = make(map[string]Codec)
)

// Register makes a codec available by its format name. It panics if the
// name is already taken, like sql.Register.
func Register(c Codec) {
	mu.Lock()
	defer mu.Unlock()
	if c == nil {
		panic("codec: Register codec is nil")
	}
	if _, dup := codecs[c.Format()]; dup {
		panic("codec: Register called twice for format " + c.Format())
	}
	codecs[c.Format()] = c
}

// For returns the codec registered for format.
func For(format string) (Codec, error) {
	mu.RLock()
	defer mu.RUnlock()
	c, ok := codecs[format]
	if !ok {
		return nil, fmt.Errorf("entwire: unknown codec %q (forgotten import?)", format)
	}
	return c, nil
}

// Formats returns the registered format names, sorted.
func Formats() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(codecs))
	for name := range codecs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Kind names the shape of an item value on the wire.
type Kind string

// Value kinds.
const (
	KindNull       Kind = "null"
	KindBool       Kind = "bool"
	KindInt        Kind = "int"
	KindUint       Kind = "uint"
	KindFloat      Kind = "float"
	KindString     Kind = "string"
	KindBytes      Kind = "bytes"
	KindTime       Kind = "time"
	KindCollection Kind = "collection"
	KindSequence   Kind = "sequence"
)

// Normalize returns v in canonical form together with its kind. Values
// that are neither scalars, collections nor sequences are rejected.
func Normalize(v any) (any, Kind, error) {
	switch x := v.(type) {
	case nil:
		return nil, KindNull, nil
	case *intermediate.Collection:
		if x == nil {
			return nil, KindNull, nil
		}
		return x, KindCollection, nil
	case []any:
		return x, KindSequence, nil
	}
	switch x := coerce.Canonical(v).(type) {
	case nil:
		return nil, KindNull, nil
	case bool:
		return x, KindBool, nil
	case int64:
		return x, KindInt, nil
	case uint64:
		return x, KindUint, nil
	case float64:
		return x, KindFloat, nil
	case string:
		return x, KindString, nil
	case []byte:
		return x, KindBytes, nil
	case time.Time:
		return x, KindTime, nil
	}
	return nil, "", fmt.Errorf("entwire: cannot encode value of type %T", v)
}

// Items returns the items of c that are persisted, skipping Void ones.
func Items(c *intermediate.Collection) []intermediate.Item {
	items := c.Items()
	out := make([]intermediate.Item, 0, len(items))
	for _, it := range items {
		if !intermediate.IsVoid(it.Value) {
			out = append(out, it)
		}
	}
	return out
}

// Check returns the context's error, if any. Codecs call it between items
// so long streams can be cancelled.
func Check(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	return ctx.Err()
}

// DecodeError reports a decoding failure of format. Cancellation of ctx is
// returned as is; anything else is malformed input.
func DecodeError(ctx context.Context, format string, err error) error {
	if cerr := Check(ctx); cerr != nil && errors.Is(err, cerr) {
		return err
	}
	return entwire.NewDecodeError(format, err)
}

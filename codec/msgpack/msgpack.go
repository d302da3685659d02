// Package msgpack implements the binary codec. A collection is an array
// with one [name, present, kind, value] entry per item in field order;
// sequence elements are [kind, value] pairs.
package msgpack

import (
	"context"
	"fmt"
	"io"

	mp "github.com/vmihailenco/msgpack/v5"

	"github.com/syssam/entwire/codec"
	"github.com/syssam/entwire/intermediate"
)

// Format is the registered format name.
const Format = "msgpack"

func init() {
	codec.Register(New())
}

// Codec is the msgpack codec.
type Codec struct{}

// New returns a msgpack codec.
func New() *Codec { return &Codec{} }

// Format implements codec.Codec.
func (*Codec) Format() string { return Format }

// Encode implements codec.Codec.
func (*Codec) Encode(ctx context.Context, w io.Writer, c *intermediate.Collection) error {
	enc := mp.NewEncoder(w)
	return encodeCollection(ctx, enc, c)
}

// Decode implements codec.Codec.
func (*Codec) Decode(ctx context.Context, r io.Reader) (*intermediate.Collection, error) {
	dec := mp.NewDecoder(r)
	c, err := decodeCollection(ctx, dec)
	if err != nil {
		return nil, codec.DecodeError(ctx, Format, err)
	}
	return c, nil
}

func encodeCollection(ctx context.Context, enc *mp.Encoder, c *intermediate.Collection) error {
	items := codec.Items(c)
	if err := enc.EncodeArrayLen(len(items)); err != nil {
		return err
	}
	for _, it := range items {
		if err := codec.Check(ctx); err != nil {
			return err
		}
		v, kind, err := codec.Normalize(it.Value)
		if err != nil {
			return fmt.Errorf("%w (item %q)", err, it.Name)
		}
		if err := enc.EncodeArrayLen(4); err != nil {
			return err
		}
		if err := enc.EncodeString(it.Name); err != nil {
			return err
		}
		if err := enc.EncodeBool(kind != codec.KindNull); err != nil {
			return err
		}
		if err := enc.EncodeString(string(kind)); err != nil {
			return err
		}
		if err := encodeValue(ctx, enc, v, kind); err != nil {
			return err
		}
	}
	return nil
}

func encodeValue(ctx context.Context, enc *mp.Encoder, v any, kind codec.Kind) error {
	switch kind {
	case codec.KindNull:
		return enc.EncodeNil()
	case codec.KindCollection:
		return encodeCollection(ctx, enc, v.(*intermediate.Collection))
	case codec.KindSequence:
		seq := v.([]any)
		if err := enc.EncodeArrayLen(len(seq)); err != nil {
			return err
		}
		for _, e := range seq {
			ev, ek, err := codec.Normalize(e)
			if err != nil {
				return err
			}
			if err := enc.EncodeArrayLen(2); err != nil {
				return err
			}
			if err := enc.EncodeString(string(ek)); err != nil {
				return err
			}
			if err := encodeValue(ctx, enc, ev, ek); err != nil {
				return err
			}
		}
		return nil
	}
	return enc.Encode(v)
}

func decodeCollection(ctx context.Context, dec *mp.Decoder) (*intermediate.Collection, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, fmt.Errorf("collection is nil")
	}
	c := intermediate.New()
	for range n {
		if err := codec.Check(ctx); err != nil {
			return nil, err
		}
		if m, err := dec.DecodeArrayLen(); err != nil {
			return nil, err
		} else if m != 4 {
			return nil, fmt.Errorf("item has %d elements, want 4", m)
		}
		name, err := dec.DecodeString()
		if err != nil {
			return nil, err
		}
		present, err := dec.DecodeBool()
		if err != nil {
			return nil, err
		}
		kind, err := dec.DecodeString()
		if err != nil {
			return nil, err
		}
		v, err := decodeValue(ctx, dec, codec.Kind(kind))
		if err != nil {
			return nil, fmt.Errorf("item %q: %w", name, err)
		}
		if !present {
			v = nil
		}
		c.Add(name, v)
	}
	return c, nil
}

func decodeValue(ctx context.Context, dec *mp.Decoder, kind codec.Kind) (any, error) {
	switch kind {
	case codec.KindNull:
		return nil, dec.DecodeNil()
	case codec.KindBool:
		return dec.DecodeBool()
	case codec.KindInt:
		return dec.DecodeInt64()
	case codec.KindUint:
		return dec.DecodeUint64()
	case codec.KindFloat:
		return dec.DecodeFloat64()
	case codec.KindString:
		return dec.DecodeString()
	case codec.KindBytes:
		return dec.DecodeBytes()
	case codec.KindTime:
		return dec.DecodeTime()
	case codec.KindCollection:
		return decodeCollection(ctx, dec)
	case codec.KindSequence:
		n, err := dec.DecodeArrayLen()
		if err != nil {
			return nil, err
		}
		if n < 0 {
			return nil, nil
		}
		seq := make([]any, n)
		for i := range seq {
			if m, err := dec.DecodeArrayLen(); err != nil {
				return nil, err
			} else if m != 2 {
				return nil, fmt.Errorf("sequence element has %d elements, want 2", m)
			}
			ek, err := dec.DecodeString()
			if err != nil {
				return nil, err
			}
			if seq[i], err = decodeValue(ctx, dec, codec.Kind(ek)); err != nil {
				return nil, err
			}
		}
		return seq, nil
	}
	return nil, fmt.Errorf("unknown kind %q", kind)
}

var _ codec.Codec = (*Codec)(nil)

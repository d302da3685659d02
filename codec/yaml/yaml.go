// Package yaml implements the YAML codec. A collection is a mapping in
// item order and scalars carry their YAML tag, so strings that look like
// numbers stay strings:
//
//	name: ada
//	zip: "01234"
//	tags: [a, b]
//	address:
//	  street: main
package yaml

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/syssam/entwire/codec"
	"github.com/syssam/entwire/intermediate"
)

// Format is the registered format name.
const Format = "yaml"

const (
	tagNull      = "!!null"
	tagBool      = "!!bool"
	tagInt       = "!!int"
	tagFloat     = "!!float"
	tagStr       = "!!str"
	tagBinary    = "!!binary"
	tagTimestamp = "!!timestamp"
)

func init() {
	codec.Register(New())
}

// Codec is the YAML codec.
type Codec struct {
	indent int
}

// New returns a YAML codec indenting by two spaces.
func New() *Codec { return &Codec{indent: 2} }

// Format implements codec.Codec.
func (*Codec) Format() string { return Format }

// Encode implements codec.Codec.
func (y *Codec) Encode(ctx context.Context, w io.Writer, c *intermediate.Collection) error {
	node, err := collectionNode(ctx, c)
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(y.indent)
	if err := enc.Encode(node); err != nil {
		return err
	}
	return enc.Close()
}

func collectionNode(ctx context.Context, c *intermediate.Collection) (*yaml.Node, error) {
	items := codec.Items(c)
	m := &yaml.Node{Kind: yaml.MappingNode, Content: make([]*yaml.Node, 0, 2*len(items))}
	if len(items) == 0 {
		m.Style = yaml.FlowStyle
	}
	for _, it := range items {
		if err := codec.Check(ctx); err != nil {
			return nil, err
		}
		v, err := valueNode(ctx, it.Value)
		if err != nil {
			return nil, fmt.Errorf("item %q: %w", it.Name, err)
		}
		m.Content = append(m.Content, scalar(tagStr, it.Name), v)
	}
	return m, nil
}

func valueNode(ctx context.Context, v any) (*yaml.Node, error) {
	v, kind, err := codec.Normalize(v)
	if err != nil {
		return nil, err
	}
	switch kind {
	case codec.KindNull:
		return scalar(tagNull, "~"), nil
	case codec.KindBool:
		return scalar(tagBool, strconv.FormatBool(v.(bool))), nil
	case codec.KindInt:
		return scalar(tagInt, strconv.FormatInt(v.(int64), 10)), nil
	case codec.KindUint:
		return scalar(tagInt, strconv.FormatUint(v.(uint64), 10)), nil
	case codec.KindFloat:
		return scalar(tagFloat, formatFloat(v.(float64))), nil
	case codec.KindString:
		return scalar(tagStr, v.(string)), nil
	case codec.KindBytes:
		return scalar(tagBinary, base64.StdEncoding.EncodeToString(v.([]byte))), nil
	case codec.KindTime:
		return scalar(tagTimestamp, v.(time.Time).Format(time.RFC3339Nano)), nil
	case codec.KindCollection:
		return collectionNode(ctx, v.(*intermediate.Collection))
	}
	seq := v.([]any)
	n := &yaml.Node{Kind: yaml.SequenceNode, Content: make([]*yaml.Node, 0, len(seq))}
	if len(seq) == 0 {
		n.Style = yaml.FlowStyle
	}
	for _, e := range seq {
		en, err := valueNode(ctx, e)
		if err != nil {
			return nil, err
		}
		n.Content = append(n.Content, en)
	}
	return n, nil
}

func scalar(tag, value string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: tag, Value: value}
}

func formatFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return ".nan"
	case math.IsInf(f, 1):
		return ".inf"
	case math.IsInf(f, -1):
		return "-.inf"
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eEn") {
		s += ".0"
	}
	return s
}

// Decode implements codec.Codec.
func (*Codec) Decode(ctx context.Context, r io.Reader) (*intermediate.Collection, error) {
	var doc yaml.Node
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, codec.DecodeError(ctx, Format, err)
	}
	root := &doc
	if root.Kind == yaml.DocumentNode && len(root.Content) == 1 {
		root = root.Content[0]
	}
	c, err := decodeMapping(ctx, root)
	if err != nil {
		return nil, codec.DecodeError(ctx, Format, err)
	}
	return c, nil
}

func decodeMapping(ctx context.Context, n *yaml.Node) (*intermediate.Collection, error) {
	n = resolve(n)
	if n.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: expected a mapping", n.Line)
	}
	c := intermediate.New()
	for i := 0; i+1 < len(n.Content); i += 2 {
		if err := codec.Check(ctx); err != nil {
			return nil, err
		}
		k := resolve(n.Content[i])
		if k.Kind != yaml.ScalarNode {
			return nil, fmt.Errorf("line %d: mapping key is not a scalar", k.Line)
		}
		v, err := decodeValue(ctx, n.Content[i+1])
		if err != nil {
			return nil, fmt.Errorf("item %q: %w", k.Value, err)
		}
		c.Add(k.Value, v)
	}
	return c, nil
}

func decodeValue(ctx context.Context, n *yaml.Node) (any, error) {
	n = resolve(n)
	switch n.Kind {
	case yaml.MappingNode:
		return decodeMapping(ctx, n)
	case yaml.SequenceNode:
		seq := make([]any, len(n.Content))
		for i, e := range n.Content {
			v, err := decodeValue(ctx, e)
			if err != nil {
				return nil, err
			}
			seq[i] = v
		}
		return seq, nil
	case yaml.ScalarNode:
		return decodeScalar(n)
	}
	return nil, fmt.Errorf("line %d: unsupported node", n.Line)
}

func decodeScalar(n *yaml.Node) (any, error) {
	switch n.ShortTag() {
	case tagNull:
		return nil, nil
	case tagBool:
		var b bool
		err := n.Decode(&b)
		return b, err
	case tagInt:
		var i int64
		if err := n.Decode(&i); err == nil {
			return i, nil
		}
		var u uint64
		err := n.Decode(&u)
		return u, err
	case tagFloat:
		var f float64
		err := n.Decode(&f)
		return f, err
	case tagStr:
		return n.Value, nil
	case tagBinary:
		return base64.StdEncoding.DecodeString(strings.Join(strings.Fields(n.Value), ""))
	case tagTimestamp:
		var t time.Time
		err := n.Decode(&t)
		return t, err
	}
	return nil, fmt.Errorf("line %d: unsupported tag %s", n.Line, n.ShortTag())
}

func resolve(n *yaml.Node) *yaml.Node {
	for n.Kind == yaml.AliasNode && n.Alias != nil {
		n = n.Alias
	}
	return n
}

var _ codec.Codec = (*Codec)(nil)

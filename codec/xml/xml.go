// Package xml implements the XML codec. A collection is a <collection>
// element with one <item name="..." kind="..."> child per item; sequence
// elements are <elem kind="..."> children. Items without a kind attribute
// decode as strings, so hand-written documents stay short.
package xml

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/syssam/entwire/codec"
	"github.com/syssam/entwire/intermediate"
)

// Format is the registered format name.
const Format = "xml"

const (
	rootElem = "collection"
	itemElem = "item"
	seqElem  = "elem"
)

func init() {
	codec.Register(New())
}

// Codec is the XML codec.
type Codec struct {
	indent string
}

// New returns an XML codec writing two-space indented documents.
func New() *Codec { return &Codec{indent: "  "} }

// Format implements codec.Codec.
func (*Codec) Format() string { return Format }

// Encode implements codec.Codec.
func (x *Codec) Encode(ctx context.Context, w io.Writer, c *intermediate.Collection) error {
	e := xml.NewEncoder(w)
	e.Indent("", x.indent)
	if err := encodeCollection(ctx, e, xml.StartElement{Name: xml.Name{Local: rootElem}}, c); err != nil {
		return err
	}
	return e.Close()
}

func encodeCollection(ctx context.Context, e *xml.Encoder, start xml.StartElement, c *intermediate.Collection) error {
	if err := e.EncodeToken(start); err != nil {
		return err
	}
	for _, it := range codec.Items(c) {
		if err := codec.Check(ctx); err != nil {
			return err
		}
		el := xml.StartElement{
			Name: xml.Name{Local: itemElem},
			Attr: []xml.Attr{{Name: xml.Name{Local: "name"}, Value: it.Name}},
		}
		if err := encodeValue(ctx, e, el, it.Value); err != nil {
			return fmt.Errorf("item %q: %w", it.Name, err)
		}
	}
	return e.EncodeToken(start.End())
}

func encodeValue(ctx context.Context, e *xml.Encoder, start xml.StartElement, v any) error {
	v, kind, err := codec.Normalize(v)
	if err != nil {
		return err
	}
	start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "kind"}, Value: string(kind)})
	switch kind {
	case codec.KindCollection:
		return encodeCollection(ctx, e, start, v.(*intermediate.Collection))
	case codec.KindSequence:
		if err := e.EncodeToken(start); err != nil {
			return err
		}
		for _, el := range v.([]any) {
			if err := encodeValue(ctx, e, xml.StartElement{Name: xml.Name{Local: seqElem}}, el); err != nil {
				return err
			}
		}
		return e.EncodeToken(start.End())
	}
	if err := e.EncodeToken(start); err != nil {
		return err
	}
	if text := formatScalar(v, kind); text != "" {
		if err := e.EncodeToken(xml.CharData(text)); err != nil {
			return err
		}
	}
	return e.EncodeToken(start.End())
}

func formatScalar(v any, kind codec.Kind) string {
	switch kind {
	case codec.KindBool:
		return strconv.FormatBool(v.(bool))
	case codec.KindInt:
		return strconv.FormatInt(v.(int64), 10)
	case codec.KindUint:
		return strconv.FormatUint(v.(uint64), 10)
	case codec.KindFloat:
		return strconv.FormatFloat(v.(float64), 'g', -1, 64)
	case codec.KindString:
		return v.(string)
	case codec.KindBytes:
		return base64.StdEncoding.EncodeToString(v.([]byte))
	case codec.KindTime:
		return v.(time.Time).Format(time.RFC3339Nano)
	}
	return ""
}

// Decode implements codec.Codec.
func (*Codec) Decode(ctx context.Context, r io.Reader) (*intermediate.Collection, error) {
	d := xml.NewDecoder(r)
	c, err := decodeRoot(ctx, d)
	if err != nil {
		return nil, codec.DecodeError(ctx, Format, err)
	}
	return c, nil
}

func decodeRoot(ctx context.Context, d *xml.Decoder) (*intermediate.Collection, error) {
	for {
		tok, err := d.Token()
		if err != nil {
			return nil, err
		}
		if start, ok := tok.(xml.StartElement); ok {
			if start.Name.Local != rootElem {
				return nil, fmt.Errorf("root element is <%s>, want <%s>", start.Name.Local, rootElem)
			}
			return decodeCollection(ctx, d)
		}
	}
}

// decodeCollection reads item children up to the end of the enclosing
// element.
func decodeCollection(ctx context.Context, d *xml.Decoder) (*intermediate.Collection, error) {
	c := intermediate.New()
	for {
		if err := codec.Check(ctx); err != nil {
			return nil, err
		}
		tok, err := d.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local != itemElem {
				return nil, fmt.Errorf("unexpected <%s> in collection", t.Name.Local)
			}
			name, ok := attr(t, "name")
			if !ok {
				return nil, fmt.Errorf("<%s> without name", itemElem)
			}
			v, err := decodeValue(ctx, d, t)
			if err != nil {
				return nil, fmt.Errorf("item %q: %w", name, err)
			}
			c.Add(name, v)
		case xml.EndElement:
			return c, nil
		case xml.CharData:
			if strings.TrimSpace(string(t)) != "" {
				return nil, fmt.Errorf("unexpected text %q in collection", string(t))
			}
		}
	}
}

func decodeValue(ctx context.Context, d *xml.Decoder, start xml.StartElement) (any, error) {
	kind, ok := attr(start, "kind")
	if !ok {
		kind = string(codec.KindString)
	}
	switch codec.Kind(kind) {
	case codec.KindCollection:
		return decodeCollection(ctx, d)
	case codec.KindSequence:
		seq := []any{}
		for {
			tok, err := d.Token()
			if err != nil {
				return nil, err
			}
			switch t := tok.(type) {
			case xml.StartElement:
				v, err := decodeValue(ctx, d, t)
				if err != nil {
					return nil, err
				}
				seq = append(seq, v)
			case xml.EndElement:
				return seq, nil
			}
		}
	}
	var sb strings.Builder
	for {
		tok, err := d.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.CharData:
			sb.Write(t)
		case xml.StartElement:
			return nil, fmt.Errorf("unexpected <%s> in %s value", t.Name.Local, kind)
		case xml.EndElement:
			return parseScalar(sb.String(), codec.Kind(kind))
		}
	}
}

func parseScalar(text string, kind codec.Kind) (any, error) {
	switch kind {
	case codec.KindNull:
		return nil, nil
	case codec.KindBool:
		return strconv.ParseBool(text)
	case codec.KindInt:
		return strconv.ParseInt(text, 10, 64)
	case codec.KindUint:
		return strconv.ParseUint(text, 10, 64)
	case codec.KindFloat:
		return strconv.ParseFloat(text, 64)
	case codec.KindString:
		return text, nil
	case codec.KindBytes:
		return base64.StdEncoding.DecodeString(text)
	case codec.KindTime:
		return time.Parse(time.RFC3339Nano, text)
	}
	return nil, fmt.Errorf("unknown kind %q", kind)
}

func attr(el xml.StartElement, name string) (string, bool) {
	for _, a := range el.Attr {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

var _ codec.Codec = (*Codec)(nil)

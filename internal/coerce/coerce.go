// Package coerce converts loosely typed values, as produced by stream
// codecs, into the exact Go types declared by entity fields.
package coerce

import (
	"encoding"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	timeType     = reflect.TypeOf(time.Time{})
	durationType = reflect.TypeOf(time.Duration(0))
	uuidType     = reflect.TypeOf(uuid.UUID{})
	bytesType    = reflect.TypeOf([]byte(nil))
)

// IsNil reports whether v is nil or a nil pointer, map, slice, interface,
// channel or func.
func IsNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Chan, reflect.Func:
		return rv.IsNil()
	}
	return false
}

// IsScalar reports whether t is a leaf type that codecs encode natively:
// booleans, numbers, strings, byte slices, time.Time, time.Duration and
// uuid.UUID, or a pointer to one of those.
func IsScalar(t reflect.Type) bool {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t {
	case timeType, durationType, uuidType, bytesType:
		return true
	}
	switch t.Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64:
		return true
	case reflect.Slice:
		return t.Elem().Kind() == reflect.Uint8
	}
	return false
}

// Canonical normalizes a scalar into the small set of types every codec
// round-trips: bool, int64, uint64, float64, string, []byte and time.Time.
// Durations become int64 nanoseconds and UUIDs their string form. Pointers
// are dereferenced; nil stays nil. Non-scalar values are returned as is.
func Canonical(v any) any {
	if IsNil(v) {
		return nil
	}
	switch x := v.(type) {
	case time.Time:
		return x
	case time.Duration:
		return int64(x)
	case uuid.UUID:
		return x.String()
	case []byte:
		return x
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		rv = rv.Elem()
	}
	if rv.Type() == timeType || rv.Type() == durationType || rv.Type() == uuidType {
		return Canonical(rv.Interface())
	}
	switch rv.Kind() {
	case reflect.Bool:
		return rv.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return rv.Uint()
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	case reflect.String:
		return rv.String()
	case reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return rv.Bytes()
		}
	}
	return rv.Interface()
}

// To converts v into a value of type t. A nil v yields the zero value of t
// (nil for pointer types). Pointer targets are allocated and filled.
func To(v any, t reflect.Type) (any, error) {
	rv, err := ToValue(v, t)
	if err != nil {
		return nil, err
	}
	return rv.Interface(), nil
}

// ToValue is like To but returns a reflect.Value of type t.
func ToValue(v any, t reflect.Type) (reflect.Value, error) {
	if IsNil(v) {
		return reflect.Zero(t), nil
	}
	src := reflect.ValueOf(v)
	if src.Type() == t {
		return src, nil
	}
	if t.Kind() == reflect.Pointer {
		elem, err := ToValue(v, t.Elem())
		if err != nil {
			return reflect.Value{}, err
		}
		p := reflect.New(t.Elem())
		p.Elem().Set(elem)
		return p, nil
	}
	if src.Kind() == reflect.Pointer {
		return ToValue(src.Elem().Interface(), t)
	}
	if t.Kind() == reflect.Interface && src.Type().Implements(t) {
		out := reflect.New(t).Elem()
		out.Set(src)
		return out, nil
	}
	switch t {
	case timeType:
		return toTime(v)
	case durationType:
		return toDuration(v)
	case uuidType:
		return toUUID(v)
	}
	switch t.Kind() {
	case reflect.Bool:
		b, err := toBool(v)
		if err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(b).Convert(t), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := toInt(v)
		if err != nil {
			return reflect.Value{}, err
		}
		out := reflect.New(t).Elem()
		if out.OverflowInt(n) {
			return reflect.Value{}, fmt.Errorf("coerce: %d overflows %s", n, t)
		}
		out.SetInt(n)
		return out, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		n, err := toUint(v)
		if err != nil {
			return reflect.Value{}, err
		}
		out := reflect.New(t).Elem()
		if out.OverflowUint(n) {
			return reflect.Value{}, fmt.Errorf("coerce: %d overflows %s", n, t)
		}
		out.SetUint(n)
		return out, nil
	case reflect.Float32, reflect.Float64:
		f, err := toFloat(v)
		if err != nil {
			return reflect.Value{}, err
		}
		out := reflect.New(t).Elem()
		out.SetFloat(f)
		return out, nil
	case reflect.String:
		s, err := toString(v)
		if err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(s).Convert(t), nil
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			switch x := v.(type) {
			case []byte:
				return reflect.ValueOf(x).Convert(t), nil
			case string:
				return reflect.ValueOf([]byte(x)).Convert(t), nil
			}
		}
	}
	if src.Type().ConvertibleTo(t) {
		return src.Convert(t), nil
	}
	if reflect.PointerTo(t).Implements(textUnmarshalerType) {
		if s, ok := v.(string); ok {
			p := reflect.New(t)
			if err := p.Interface().(encoding.TextUnmarshaler).UnmarshalText([]byte(s)); err != nil {
				return reflect.Value{}, fmt.Errorf("coerce: %w", err)
			}
			return p.Elem(), nil
		}
	}
	return reflect.Value{}, fmt.Errorf("coerce: cannot convert %T to %s", v, t)
}

var textUnmarshalerType = reflect.TypeOf((*encoding.TextUnmarshaler)(nil)).Elem()

func toBool(v any) (bool, error) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.String:
		return strconv.ParseBool(rv.String())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() != 0, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() != 0, nil
	}
	return false, fmt.Errorf("coerce: cannot convert %T to bool", v)
}

func toInt(v any) (int64, error) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return 0, fmt.Errorf("coerce: %d overflows int64", u)
		}
		return int64(u), nil
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if f != math.Trunc(f) {
			return 0, fmt.Errorf("coerce: %v is not an integer", f)
		}
		return int64(f), nil
	case reflect.String:
		return strconv.ParseInt(strings.TrimSpace(rv.String()), 10, 64)
	case reflect.Bool:
		if rv.Bool() {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("coerce: cannot convert %T to int", v)
}

func toUint(v any) (uint64, error) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return rv.Uint(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n := rv.Int()
		if n < 0 {
			return 0, fmt.Errorf("coerce: %d is negative", n)
		}
		return uint64(n), nil
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if f < 0 || f != math.Trunc(f) {
			return 0, fmt.Errorf("coerce: %v is not an unsigned integer", f)
		}
		return uint64(f), nil
	case reflect.String:
		return strconv.ParseUint(strings.TrimSpace(rv.String()), 10, 64)
	}
	return 0, fmt.Errorf("coerce: cannot convert %T to uint", v)
}

func toFloat(v any) (float64, error) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), nil
	case reflect.String:
		return strconv.ParseFloat(strings.TrimSpace(rv.String()), 64)
	}
	return 0, fmt.Errorf("coerce: cannot convert %T to float", v)
}

func toString(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case fmt.Stringer:
		return x.String(), nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String:
		return rv.String(), nil
	case reflect.Bool:
		return strconv.FormatBool(rv.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(rv.Uint(), 10), nil
	case reflect.Float32, reflect.Float64:
		return strconv.FormatFloat(rv.Float(), 'g', -1, 64), nil
	}
	return "", fmt.Errorf("coerce: cannot convert %T to string", v)
}

func toTime(v any) (reflect.Value, error) {
	switch x := v.(type) {
	case time.Time:
		return reflect.ValueOf(x), nil
	case string:
		t, err := time.Parse(time.RFC3339Nano, x)
		if err != nil {
			return reflect.Value{}, fmt.Errorf("coerce: %w", err)
		}
		return reflect.ValueOf(t), nil
	}
	if n, err := toInt(v); err == nil {
		return reflect.ValueOf(time.Unix(0, n).UTC()), nil
	}
	return reflect.Value{}, fmt.Errorf("coerce: cannot convert %T to time.Time", v)
}

func toDuration(v any) (reflect.Value, error) {
	if s, ok := v.(string); ok {
		if d, err := time.ParseDuration(s); err == nil {
			return reflect.ValueOf(d), nil
		}
	}
	n, err := toInt(v)
	if err != nil {
		return reflect.Value{}, err
	}
	return reflect.ValueOf(time.Duration(n)), nil
}

func toUUID(v any) (reflect.Value, error) {
	switch x := v.(type) {
	case uuid.UUID:
		return reflect.ValueOf(x), nil
	case string:
		id, err := uuid.Parse(x)
		if err != nil {
			return reflect.Value{}, fmt.Errorf("coerce: %w", err)
		}
		return reflect.ValueOf(id), nil
	case []byte:
		id, err := uuid.FromBytes(x)
		if err != nil {
			if id, err = uuid.ParseBytes(x); err != nil {
				return reflect.Value{}, fmt.Errorf("coerce: %w", err)
			}
		}
		return reflect.ValueOf(id), nil
	}
	return reflect.Value{}, fmt.Errorf("coerce: cannot convert %T to uuid.UUID", v)
}

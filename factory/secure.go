package factory

import (
	"fmt"
	"reflect"

	"github.com/syssam/entwire/schema"
	"github.com/syssam/entwire/secret"
)

var secretType = reflect.TypeOf((*secret.Value)(nil))

// Secure encrypts a field with c. It is a two-stage chain: the first
// stage maps ciphertext to plaintext, the second plaintext to the field
// value. t is *secret.Value, string or []byte.
func Secure(c *secret.Cipher, t reflect.Type) (*schema.FieldFactory, error) {
	if c == nil {
		return nil, fmt.Errorf("factory: secure field requires a cipher")
	}
	switch t {
	case secretType, strType, bytesType:
	default:
		return nil, fmt.Errorf("factory: cannot encrypt %s", t)
	}
	return schema.Chain(
		schema.NewFieldFactory(plaintext{t: t}).WithOrder(1),
		schema.NewFieldFactory(sealed{c: c}).WithOrder(0),
	), nil
}

// sealed maps ciphertext (source) to plaintext (instance).
type sealed struct {
	c *secret.Cipher
}

func (sealed) InstanceType() reflect.Type { return bytesType }
func (sealed) SourceType() reflect.Type   { return bytesType }

func (f sealed) ToInstance(_ *schema.Scope, source any) (any, error) {
	b, err := toBytes(source)
	if err != nil {
		return nil, err
	}
	return f.c.Open(b)
}

func (f sealed) ToSource(_ *schema.Scope, instance any) (any, error) {
	if v, ok := instance.(*secret.Value); ok {
		return f.c.SealValue(v)
	}
	b, err := toBytes(instance)
	if err != nil {
		return nil, err
	}
	return f.c.Seal(b)
}

// plaintext maps plaintext bytes (source) to the field value. A
// *secret.Value passes through ToSource unopened.
type plaintext struct {
	t reflect.Type
}

func (f plaintext) InstanceType() reflect.Type { return f.t }
func (plaintext) SourceType() reflect.Type     { return bytesType }

func (f plaintext) ToInstance(_ *schema.Scope, source any) (any, error) {
	b, err := toBytes(source)
	if err != nil {
		return nil, err
	}
	switch f.t {
	case secretType:
		return secret.New(b), nil
	case strType:
		return string(b), nil
	}
	return b, nil
}

func (f plaintext) ToSource(_ *schema.Scope, instance any) (any, error) {
	switch v := instance.(type) {
	case *secret.Value:
		if v.Len() == 0 {
			return nil, nil
		}
		// sealed opens it inside the enclave.
		return v, nil
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	}
	return nil, fmt.Errorf("factory: cannot encrypt %T", instance)
}

func toBytes(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	}
	return nil, fmt.Errorf("factory: %T is not a byte sequence", v)
}

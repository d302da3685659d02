// Package secret holds sensitive field values in guarded memory and
// encrypts them for persistence.
//
// A Value keeps its plaintext sealed in a memguard enclave; the plaintext
// is only exposed inside With. A Cipher encrypts values with AES-GCM under
// a key that is itself kept in an enclave:
//
//	c, err := secret.NewCipher(key) // key is wiped
//	v := secret.NewString("hunter2")
//	sealed, err := c.SealValue(v)
//	back, err := c.OpenValue(sealed)
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
)

// Value is a sealed secret. The zero Value and a nil *Value are empty.
type Value struct {
	enc *memguard.Enclave
}

// New seals plain into a Value. plain is wiped.
func New(plain []byte) *Value {
	if len(plain) == 0 {
		return &Value{}
	}
	return &Value{enc: memguard.NewEnclave(plain)}
}

// NewString seals s into a Value.
func NewString(s string) *Value {
	return New([]byte(s))
}

// Len returns the plaintext length.
func (v *Value) Len() int {
	if v == nil || v.enc == nil {
		return 0
	}
	return v.enc.Size()
}

// With opens the value and calls fn with the plaintext. The plaintext is
// destroyed when fn returns and must not be retained.
func (v *Value) With(fn func(plain []byte) error) error {
	if v.Len() == 0 {
		return fn(nil)
	}
	buf, err := v.enc.Open()
	if err != nil {
		return fmt.Errorf("secret: open enclave: %w", err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// Reveal returns the plaintext as a string.
func (v *Value) Reveal() (string, error) {
	var s string
	err := v.With(func(p []byte) error {
		s = string(p)
		return nil
	})
	return s, err
}

// Equal reports whether both values hold the same plaintext.
func (v *Value) Equal(o *Value) bool {
	a, err := v.Reveal()
	if err != nil {
		return false
	}
	b, err := o.Reveal()
	if err != nil {
		return false
	}
	return a == b
}

// String redacts the value.
func (v *Value) String() string { return "[secret]" }

// GoString redacts the value.
func (v *Value) GoString() string { return "secret.Value([secret])" }

// ErrCiphertext is returned when sealed data fails authentication.
var ErrCiphertext = errors.New("secret: message authentication failed")

// Cipher encrypts with AES-GCM. Sealed messages are nonce || ciphertext.
type Cipher struct {
	key *memguard.Enclave
}

// NewCipher returns a cipher keyed by a 16, 24 or 32 byte key. key is
// wiped.
func NewCipher(key []byte) (*Cipher, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("secret: invalid key size %d", len(key))
	}
	return &Cipher{key: memguard.NewEnclave(key)}, nil
}

// RandomCipher returns a cipher with a fresh random 256-bit key.
func RandomCipher() *Cipher {
	return &Cipher{key: memguard.NewEnclaveRandom(32)}
}

// Seal encrypts plain.
func (c *Cipher) Seal(plain []byte) ([]byte, error) {
	var out []byte
	err := c.withAEAD(func(aead cipher.AEAD) error {
		nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
		if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
			return fmt.Errorf("secret: nonce: %w", err)
		}
		out = aead.Seal(nonce, nonce, plain, nil)
		return nil
	})
	return out, err
}

// Open decrypts a message produced by Seal.
func (c *Cipher) Open(sealed []byte) ([]byte, error) {
	var out []byte
	err := c.withAEAD(func(aead cipher.AEAD) error {
		n := aead.NonceSize()
		if len(sealed) < n+aead.Overhead() {
			return ErrCiphertext
		}
		p, err := aead.Open(nil, sealed[:n], sealed[n:], nil)
		if err != nil {
			return ErrCiphertext
		}
		out = p
		return nil
	})
	return out, err
}

// SealValue encrypts the plaintext of v.
func (c *Cipher) SealValue(v *Value) ([]byte, error) {
	var out []byte
	err := v.With(func(p []byte) error {
		var err error
		out, err = c.Seal(p)
		return err
	})
	return out, err
}

// OpenValue decrypts sealed into a Value without keeping a plaintext copy
// outside the enclave.
func (c *Cipher) OpenValue(sealed []byte) (*Value, error) {
	p, err := c.Open(sealed)
	if err != nil {
		return nil, err
	}
	return New(p), nil
}

func (c *Cipher) withAEAD(fn func(cipher.AEAD) error) error {
	key, err := c.key.Open()
	if err != nil {
		return fmt.Errorf("secret: open key: %w", err)
	}
	defer key.Destroy()
	block, err := aes.NewCipher(key.Bytes())
	if err != nil {
		return fmt.Errorf("secret: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("secret: %w", err)
	}
	return fn(aead)
}

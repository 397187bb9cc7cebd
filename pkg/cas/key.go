package cas

import (
	"encoding/hex"
	"fmt"
)

const (
	// KeySize is the size in bytes of a blake3 content key
	KeySize = 32

	// KeySizeHex is the size of the hex representation of a key
	KeySizeHex = 64
)

// Key is the content address of a blob: the blake3 hash of its bytes.
type Key [KeySize]byte

// NewKey creates a new key from raw digest bytes
func NewKey(data []byte) (Key, error) {
	var k Key
	if copy(k[:], data) != KeySize || len(data) != KeySize {
		return Key{}, &BadKeySize{Key: data}
	}
	return k, nil
}

// MustNewKey creates a new key from raw digest bytes but panics on error
func MustNewKey(data []byte) Key {
	k, e := NewKey(data)
	if e != nil {
		panic(e.Error())
	}
	return k
}

// KeyFromString parses the hex representation of a key
func KeyFromString(s string) (Key, error) {
	if len(s) != KeySizeHex {
		return Key{}, &BadKeySize{Key: []byte(s)}
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return Key{}, fmt.Errorf("%q is not a valid key: %v", s, err)
	}
	return NewKey(b)
}

func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// MarshalText implements encoding.TextMarshaler so keys serialize as hex
// in JSON documents.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (k *Key) UnmarshalText(text []byte) error {
	parsed, err := KeyFromString(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// BadKeySize is returned when building a key from data of an invalid size.
type BadKeySize struct {
	Key []byte
}

func (b *BadKeySize) Error() string {
	return fmt.Sprintf("%x has invalid size of %d, expected %d", b.Key, len(b.Key), KeySize)
}

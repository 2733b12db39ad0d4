// File: blockchain/pda/pubkey.go
package pda

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

const PublicKeySize = 32

// PublicKey is a 32-byte ledger address.
type PublicKey [PublicKeySize]byte

var (
	// SystemProgramID is the native system program.
	SystemProgramID = PublicKey{}

	ErrInvalidPublicKey = errors.New("invalid public key")
)

// ParsePublicKey decodes a base58 address.
func ParsePublicKey(s string) (PublicKey, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return PublicKey{}, fmt.Errorf("%w %q: %v", ErrInvalidPublicKey, s, err)
	}
	if len(raw) != PublicKeySize {
		return PublicKey{}, fmt.Errorf("%w %q: decoded to %d bytes", ErrInvalidPublicKey, s, len(raw))
	}
	var pk PublicKey
	copy(pk[:], raw)
	return pk, nil
}

// MustParsePublicKey panics on malformed input. Only for constants.
func MustParsePublicKey(s string) PublicKey {
	pk, err := ParsePublicKey(s)
	if err != nil {
		panic(err)
	}
	return pk
}

func (pk PublicKey) String() string {
	return base58.Encode(pk[:])
}

func (pk PublicKey) Bytes() []byte {
	return pk[:]
}

func (pk PublicKey) IsZero() bool {
	return pk == PublicKey{}
}

func (pk PublicKey) Equals(other PublicKey) bool {
	return bytes.Equal(pk[:], other[:])
}

func (pk PublicKey) MarshalText() ([]byte, error) {
	return []byte(pk.String()), nil
}

func (pk *PublicKey) UnmarshalText(text []byte) error {
	parsed, err := ParsePublicKey(string(text))
	if err != nil {
		return err
	}
	*pk = parsed
	return nil
}

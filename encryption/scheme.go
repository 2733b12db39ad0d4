package encryption

import (
	"errors"
	"math/big"
)

// FieldModulus is the prime 2^255 - 19 over which vote fields are encrypted.
var FieldModulus = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 255), big.NewInt(19))

var (
	ErrMalformedCiphertext = errors.New("malformed ciphertext")
	ErrPlaintextOutOfRange = errors.New("plaintext outside field")
)

// FieldCipher defines the interface for symmetric ciphers over field
// elements keyed by an x25519 shared secret.
type FieldCipher interface {
	// Each plaintext maps to one ciphertext block.
	Encrypt(plaintexts []*big.Int, nonce [16]byte) ([][]byte, error)
	Decrypt(ciphertexts [][]byte, nonce [16]byte) ([]*big.Int, error)
}

// CipherFactory builds a FieldCipher from a shared secret.
type CipherFactory func(sharedSecret []byte) (FieldCipher, error)

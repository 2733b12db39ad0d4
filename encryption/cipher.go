package encryption

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"math/big"
	"slices"

	"filippo.io/edwards25519/field"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/hkdf"
)

const (
	fieldElementSize = 32
	keystreamInfo    = "confidential-vote-field-cipher"
)

// CounterCipher encrypts field elements in counter mode: element i is
// masked with a keystream element drawn from a BLAKE3 keyed XOF over
// nonce || i and reduced modulo FieldModulus.
//
// TODO: add a Rescue-CTR FieldCipher; deployed MXE clusters only decrypt that.
type CounterCipher struct {
	key [32]byte
}

// NewCounterCipher derives the cipher key from an ECDH shared secret.
func NewCounterCipher(sharedSecret []byte) (FieldCipher, error) {
	if len(sharedSecret) != 32 {
		return nil, fmt.Errorf("shared secret must be 32 bytes, got %d", len(sharedSecret))
	}

	c := &CounterCipher{}
	kdf := hkdf.New(sha256.New, sharedSecret, nil, []byte(keystreamInfo))
	if _, err := io.ReadFull(kdf, c.key[:]); err != nil {
		return nil, fmt.Errorf("failed to derive cipher key: %w", err)
	}
	return c, nil
}

func (c *CounterCipher) Encrypt(plaintexts []*big.Int, nonce [16]byte) ([][]byte, error) {
	out := make([][]byte, len(plaintexts))
	for i, m := range plaintexts {
		if m == nil || m.Sign() < 0 || m.Cmp(FieldModulus) >= 0 {
			return nil, fmt.Errorf("%w: element %d", ErrPlaintextOutOfRange, i)
		}
		pt, err := new(field.Element).SetBytes(SerializeLE(m))
		if err != nil {
			return nil, err
		}
		k, err := c.keystream(nonce, uint64(i))
		if err != nil {
			return nil, err
		}
		out[i] = new(field.Element).Add(pt, k).Bytes()
	}
	return out, nil
}

func (c *CounterCipher) Decrypt(ciphertexts [][]byte, nonce [16]byte) ([]*big.Int, error) {
	out := make([]*big.Int, len(ciphertexts))
	for i, block := range ciphertexts {
		if len(block) != fieldElementSize {
			return nil, fmt.Errorf("%w: element %d is %d bytes", ErrMalformedCiphertext, i, len(block))
		}
		ct, err := new(field.Element).SetBytes(block)
		if err != nil {
			return nil, fmt.Errorf("%w: element %d: %v", ErrMalformedCiphertext, i, err)
		}
		// SetBytes reduces values >= p and drops the top bit.
		if !bytes.Equal(ct.Bytes(), block) {
			return nil, fmt.Errorf("%w: element %d is not a canonical field encoding", ErrMalformedCiphertext, i)
		}
		k, err := c.keystream(nonce, uint64(i))
		if err != nil {
			return nil, err
		}
		out[i] = DeserializeLE(new(field.Element).Subtract(ct, k).Bytes())
	}
	return out, nil
}

func (c *CounterCipher) keystream(nonce [16]byte, counter uint64) (*field.Element, error) {
	h, err := blake3.NewKeyed(c.key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to key keystream: %w", err)
	}
	var block [24]byte
	copy(block[:16], nonce[:])
	binary.LittleEndian.PutUint64(block[16:], counter)
	h.Write(block[:])

	// 64 bytes reduced mod p keeps the bias negligible.
	wide := make([]byte, 64)
	if _, err := io.ReadFull(h.Digest(), wide); err != nil {
		return nil, fmt.Errorf("failed to read keystream: %w", err)
	}
	return new(field.Element).SetWideBytes(wide)
}

// SerializeLE encodes v, which must be below 2^256, as 32 little-endian
// bytes.
func SerializeLE(v *big.Int) []byte {
	b := v.FillBytes(make([]byte, fieldElementSize))
	slices.Reverse(b)
	return b
}

// DeserializeLE reads a little-endian unsigned integer of any width.
func DeserializeLE(b []byte) *big.Int {
	be := slices.Clone(b)
	slices.Reverse(be)
	return new(big.Int).SetBytes(be)
}

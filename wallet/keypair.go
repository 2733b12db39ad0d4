// Package wallet signs transactions with a local keypair file in the
// format written by solana-keygen: a JSON array of the 64 secret key bytes.
package wallet

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"voting-client/blockchain/pda"
)

var ErrInvalidKeypair = errors.New("invalid keypair")

type Keypair struct {
	priv ed25519.PrivateKey
	pub  pda.PublicKey
}

// NewKeypair wraps a 64-byte ed25519 secret key.
func NewKeypair(secret []byte) (*Keypair, error) {
	if len(secret) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: %d-byte secret key", ErrInvalidKeypair, len(secret))
	}
	priv := ed25519.NewKeyFromSeed(secret[:ed25519.SeedSize])
	if !priv.Equal(ed25519.PrivateKey(secret)) {
		return nil, fmt.Errorf("%w: public half does not match the seed", ErrInvalidKeypair)
	}

	kp := &Keypair{priv: priv}
	copy(kp.pub[:], priv.Public().(ed25519.PublicKey))
	return kp, nil
}

// LoadKeypair reads a keypair file.
func LoadKeypair(path string) (*Keypair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read keypair: %w", err)
	}

	var values []int
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidKeypair, path, err)
	}
	secret := make([]byte, len(values))
	for i, v := range values {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("%w: byte %d out of range", ErrInvalidKeypair, i)
		}
		secret[i] = byte(v)
	}
	return NewKeypair(secret)
}

func (k *Keypair) PublicKey() pda.PublicKey {
	return k.pub
}

func (k *Keypair) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(k.priv, message), nil
}

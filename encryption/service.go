package encryption

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/curve25519"

	"voting-client/blockchain/pda"
	"voting-client/models"
)

// KeyPair is an ephemeral x25519 key pair. It is generated per vote and
// never stored.
type KeyPair struct {
	PrivateKey [32]byte
	PublicKey  [32]byte
}

type CryptoService struct {
	random    io.Reader
	newCipher CipherFactory
}

type Option func(*CryptoService)

// WithRandom replaces the entropy source. Tests only.
func WithRandom(r io.Reader) Option {
	return func(cs *CryptoService) { cs.random = r }
}

// WithCipher replaces the field cipher construction.
func WithCipher(factory CipherFactory) Option {
	return func(cs *CryptoService) { cs.newCipher = factory }
}

func NewCryptoService(opts ...Option) *CryptoService {
	cs := &CryptoService{
		random:    rand.Reader,
		newCipher: NewCounterCipher,
	}
	for _, opt := range opts {
		opt(cs)
	}
	return cs
}

// GenerateKeyPair generates a new x25519 key pair
func (cs *CryptoService) GenerateKeyPair() (*KeyPair, error) {
	kp := &KeyPair{}
	if _, err := io.ReadFull(cs.random, kp.PrivateKey[:]); err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	pub, err := curve25519.X25519(kp.PrivateKey[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}
	copy(kp.PublicKey[:], pub)
	return kp, nil
}

// SharedSecret performs the x25519 exchange with a peer public key.
func (cs *CryptoService) SharedSecret(privateKey, peerPublicKey [32]byte) ([]byte, error) {
	secret, err := curve25519.X25519(privateKey[:], peerPublicKey[:])
	if err != nil {
		return nil, fmt.Errorf("key exchange failed: %w", err)
	}
	return secret, nil
}

// GenerateNonce generates a random 16-byte nonce shared by all fields of a vote
func (cs *CryptoService) GenerateNonce() ([models.NonceSize]byte, error) {
	var nonce [models.NonceSize]byte
	_, err := io.ReadFull(cs.random, nonce[:])
	return nonce, err
}

// NewCipher builds the field cipher for a shared secret.
func (cs *CryptoService) NewCipher(sharedSecret []byte) (FieldCipher, error) {
	return cs.newCipher(sharedSecret)
}

// SplitVoterAddress splits a 32-byte address into four little-endian u64s.
func SplitVoterAddress(voter pda.PublicKey) [models.VoterParts]uint64 {
	var parts [models.VoterParts]uint64
	for i := range parts {
		parts[i] = binary.LittleEndian.Uint64(voter[i*8 : i*8+8])
	}
	return parts
}

// JoinVoterParts is the inverse of SplitVoterAddress.
func JoinVoterParts(parts [models.VoterParts]uint64) pda.PublicKey {
	var voter pda.PublicKey
	for i, part := range parts {
		binary.LittleEndian.PutUint64(voter[i*8:i*8+8], part)
	}
	return voter
}

// EncryptVoteFields encrypts the voter identity, proposal id and option
// index for the MPC cluster. Every field is encrypted on its own under the
// same ephemeral key and nonce.
func (cs *CryptoService) EncryptVoteFields(
	voter pda.PublicKey,
	proposalID uint64,
	optionIndex uint8,
	clusterPublicKey [32]byte,
) (*models.EncryptedVote, error) {
	kp, err := cs.GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	secret, err := cs.SharedSecret(kp.PrivateKey, clusterPublicKey)
	if err != nil {
		return nil, err
	}

	cipher, err := cs.NewCipher(secret)
	if err != nil {
		return nil, err
	}

	nonce, err := cs.GenerateNonce()
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	vote := &models.EncryptedVote{
		EphemeralPublicKey: kp.PublicKey,
		Nonce:              nonce,
	}

	for i, part := range SplitVoterAddress(voter) {
		label := fmt.Sprintf("voter_part%d_enc", i+1)
		if vote.VoterParts[i], err = encryptField(cipher, new(big.Int).SetUint64(part), nonce, label); err != nil {
			return nil, err
		}
	}
	if vote.ProposalID, err = encryptField(cipher, new(big.Int).SetUint64(proposalID), nonce, "proposal_id_enc"); err != nil {
		return nil, err
	}
	if vote.OptionIndex, err = encryptField(cipher, big.NewInt(int64(optionIndex)), nonce, "option_index_enc"); err != nil {
		return nil, err
	}

	return vote, nil
}

// DecryptField recovers a single-field plaintext.
func DecryptField(cipher FieldCipher, field models.EncryptedField, nonce [models.NonceSize]byte) (*big.Int, error) {
	values, err := cipher.Decrypt([][]byte{field[:]}, nonce)
	if err != nil {
		return nil, err
	}
	if len(values) != 1 {
		return nil, errors.New("cipher returned no plaintext")
	}
	return values[0], nil
}

func encryptField(cipher FieldCipher, value *big.Int, nonce [models.NonceSize]byte, label string) (models.EncryptedField, error) {
	var field models.EncryptedField

	blocks, err := cipher.Encrypt([]*big.Int{value}, nonce)
	if err != nil {
		return field, fmt.Errorf("failed to encrypt %s: %w", label, err)
	}
	if len(blocks) != 1 {
		return field, fmt.Errorf("%w: %s produced %d blocks", ErrMalformedCiphertext, label, len(blocks))
	}
	if len(blocks[0]) != models.CiphertextSize {
		return field, fmt.Errorf("%w: invalid %s length: expected %d, got %d",
			ErrMalformedCiphertext, label, models.CiphertextSize, len(blocks[0]))
	}

	copy(field[:], blocks[0])
	return field, nil
}

package models

import (
	"time"

	"voting-client/blockchain/pda"
)

const (
	CiphertextSize = 32
	NonceSize      = 16
	VoterParts     = 4
)

// EncryptedField is one 32-byte ciphertext block.
type EncryptedField [CiphertextSize]byte

// EncryptedVote holds every encrypted field of one vote submission. All
// fields share the same ephemeral key and nonce.
type EncryptedVote struct {
	VoterParts         [VoterParts]EncryptedField
	ProposalID         EncryptedField
	OptionIndex        EncryptedField
	EphemeralPublicKey [32]byte
	Nonce              [NonceSize]byte
}

// VoteReceipt is the in-process record of a vote this client submitted,
// including the plaintext choice the ledger never sees.
type VoteReceipt struct {
	ProposalID        uint64        `json:"proposal_id"`
	Voter             pda.PublicKey `json:"voter"`
	OptionIndex       uint8         `json:"option_index"`
	ComputationOffset uint64        `json:"computation_offset"`
	Signature         string        `json:"signature"`
	CastAt            time.Time     `json:"cast_at"`
}

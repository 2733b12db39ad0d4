// Package tx compiles instructions into signed legacy ledger transactions.
package tx

import (
	"errors"
	"fmt"

	"voting-client/blockchain/pda"
)

const SignatureSize = 64

var (
	ErrNoInstructions = errors.New("transaction has no instructions")
	ErrMissingSigner  = errors.New("missing signature for required signer")
	ErrTooManyKeys    = errors.New("transaction references more than 256 accounts")
)

// AccountMeta is one account referenced by an instruction.
type AccountMeta struct {
	PublicKey  pda.PublicKey // PublicKey is the account address
	IsSigner   bool          // IsSigner marks accounts that must sign
	IsWritable bool          // IsWritable marks accounts the program may modify
}

// Instruction is a single program invocation.
type Instruction struct {
	ProgramID pda.PublicKey // ProgramID is the invoked program
	Accounts  []AccountMeta // Accounts is the ordered account list
	Data      []byte        // Data is the discriminator followed by encoded args
}

// Header counts the signer and read-only sections of the key list.
type Header struct {
	NumRequiredSignatures       uint8
	NumReadonlySignedAccounts   uint8
	NumReadonlyUnsignedAccounts uint8
}

// CompiledInstruction references accounts by index into Message.AccountKeys.
type CompiledInstruction struct {
	ProgramIDIndex uint8
	Accounts       []uint8
	Data           []byte
}

// Message is the signed part of a transaction.
type Message struct {
	Header          Header
	AccountKeys     []pda.PublicKey
	RecentBlockhash [32]byte
	Instructions    []CompiledInstruction
}

// Transaction is a message with one signature per required signer.
type Transaction struct {
	Signatures [][SignatureSize]byte
	Message    *Message
}

// Signer produces ed25519 signatures for a public key.
type Signer interface {
	PublicKey() pda.PublicKey
	Sign(message []byte) ([]byte, error)
}

type keyFlags struct {
	key      pda.PublicKey
	signer   bool
	writable bool
}

// NewMessage orders accounts as writable signers (fee payer first),
// read-only signers, writable non-signers, then read-only non-signers.
func NewMessage(feePayer pda.PublicKey, instructions []Instruction, blockhash [32]byte) (*Message, error) {
	if len(instructions) == 0 {
		return nil, ErrNoInstructions
	}

	index := map[pda.PublicKey]int{}
	var keys []*keyFlags
	add := func(key pda.PublicKey, signer, writable bool) {
		if i, ok := index[key]; ok {
			keys[i].signer = keys[i].signer || signer
			keys[i].writable = keys[i].writable || writable
			return
		}
		index[key] = len(keys)
		keys = append(keys, &keyFlags{key: key, signer: signer, writable: writable})
	}

	add(feePayer, true, true)
	for _, ix := range instructions {
		for _, acc := range ix.Accounts {
			add(acc.PublicKey, acc.IsSigner, acc.IsWritable)
		}
		add(ix.ProgramID, false, false)
	}

	// The fee payer stays in front of its section.
	var ordered []*keyFlags
	for _, section := range []struct{ signer, writable bool }{
		{true, true}, {true, false}, {false, true}, {false, false},
	} {
		for _, k := range keys {
			if k.signer == section.signer && k.writable == section.writable {
				ordered = append(ordered, k)
			}
		}
	}
	if len(ordered) > 256 {
		return nil, ErrTooManyKeys
	}

	msg := &Message{RecentBlockhash: blockhash}
	position := make(map[pda.PublicKey]uint8, len(ordered))
	for i, k := range ordered {
		position[k.key] = uint8(i)
		msg.AccountKeys = append(msg.AccountKeys, k.key)
		switch {
		case k.signer && k.writable:
			msg.Header.NumRequiredSignatures++
		case k.signer:
			msg.Header.NumRequiredSignatures++
			msg.Header.NumReadonlySignedAccounts++
		case !k.writable:
			msg.Header.NumReadonlyUnsignedAccounts++
		}
	}

	for _, ix := range instructions {
		compiled := CompiledInstruction{
			ProgramIDIndex: position[ix.ProgramID],
			Accounts:       make([]uint8, len(ix.Accounts)),
			Data:           ix.Data,
		}
		for i, acc := range ix.Accounts {
			compiled.Accounts[i] = position[acc.PublicKey]
		}
		msg.Instructions = append(msg.Instructions, compiled)
	}

	return msg, nil
}

// Signers returns the keys that must sign, in signature order.
func (m *Message) Signers() []pda.PublicKey {
	return m.AccountKeys[:m.Header.NumRequiredSignatures]
}

// Serialize encodes the message in the legacy wire format.
func (m *Message) Serialize() []byte {
	buf := []byte{
		m.Header.NumRequiredSignatures,
		m.Header.NumReadonlySignedAccounts,
		m.Header.NumReadonlyUnsignedAccounts,
	}

	buf = appendCompactU16(buf, len(m.AccountKeys))
	for _, key := range m.AccountKeys {
		buf = append(buf, key[:]...)
	}
	buf = append(buf, m.RecentBlockhash[:]...)

	buf = appendCompactU16(buf, len(m.Instructions))
	for _, ix := range m.Instructions {
		buf = append(buf, ix.ProgramIDIndex)
		buf = appendCompactU16(buf, len(ix.Accounts))
		buf = append(buf, ix.Accounts...)
		buf = appendCompactU16(buf, len(ix.Data))
		buf = append(buf, ix.Data...)
	}
	return buf
}

// Sign signs msg with the given signers. Every required signer must be
// present; extra signers are ignored.
func Sign(msg *Message, signers ...Signer) (*Transaction, error) {
	payload := msg.Serialize()

	byKey := make(map[pda.PublicKey]Signer, len(signers))
	for _, s := range signers {
		byKey[s.PublicKey()] = s
	}

	tx := &Transaction{Message: msg}
	for _, key := range msg.Signers() {
		s, ok := byKey[key]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingSigner, key)
		}
		sig, err := s.Sign(payload)
		if err != nil {
			return nil, fmt.Errorf("sign with %s: %w", key, err)
		}
		if len(sig) != SignatureSize {
			return nil, fmt.Errorf("signer %s returned %d-byte signature", key, len(sig))
		}
		var fixed [SignatureSize]byte
		copy(fixed[:], sig)
		tx.Signatures = append(tx.Signatures, fixed)
	}
	return tx, nil
}

// Serialize encodes the signed transaction for sendTransaction.
func (t *Transaction) Serialize() []byte {
	buf := appendCompactU16(nil, len(t.Signatures))
	for _, sig := range t.Signatures {
		buf = append(buf, sig[:]...)
	}
	return append(buf, t.Message.Serialize()...)
}

// appendCompactU16 writes the shortvec length prefix: 7 bits per byte,
// high bit set on all but the last byte.
func appendCompactU16(buf []byte, n int) []byte {
	v := uint16(n)
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(buf, b)
		}
		buf = append(buf, b|0x80)
	}
}

package mxe

import (
	"errors"
	"fmt"

	"voting-client/blockchain/pda"
	"voting-client/definitions"
)

const AccountName = "MXEAccount"

const (
	utilitySet   = 0
	utilityUnset = 1
)

var ErrUnknownLayout = errors.New("no known MXE account layout matches")

// UtilityKeys is the key set the cluster publishes once keygen finishes.
type UtilityKeys struct {
	X25519        [32]byte
	Ed25519       [32]byte
	ElGamal       [32]byte
	ValidityProof [64]byte
}

// PendingKeys is a key set still being confirmed by cluster nodes. Flags
// holds one entry per node.
type PendingKeys struct {
	Keys  UtilityKeys
	Flags []bool
}

// Account is the part of an MXE account the client needs. Only the fields
// of the matched layout are set.
type Account struct {
	Layout       string
	Authority    *pda.PublicKey
	Cluster      *uint32
	MXEProgramID *pda.PublicKey
	Set          *UtilityKeys // versioned layout, keys confirmed
	Unset        *PendingKeys // versioned layout, keys pending
	X25519       *[32]byte    // legacy flat layout
}

// Layout decodes an account body (discriminator stripped).
type Layout struct {
	Name   string
	Decode func(body []byte) (*Account, error)
}

// Layouts are tried in order; the first that decodes wins.
var Layouts = []Layout{
	{Name: "versioned", Decode: decodeVersioned},
	{Name: "legacy", Decode: decodeLegacy},
}

// DecodeAccount checks the discriminator and applies the known layouts.
func DecodeAccount(data []byte) (*Account, error) {
	disc := definitions.AccountDiscriminator(AccountName)
	if len(data) < len(disc) || string(data[:len(disc)]) != string(disc) {
		return nil, fmt.Errorf("%w: not an %s", definitions.ErrDiscriminator, AccountName)
	}
	body := data[len(disc):]

	var errs []error
	for _, layout := range Layouts {
		acc, err := layout.Decode(body)
		if err == nil {
			acc.Layout = layout.Name
			return acc, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", layout.Name, err))
	}
	return nil, fmt.Errorf("%w: %w", ErrUnknownLayout, errors.Join(errs...))
}

func decodeHeader(d *definitions.Decoder) (*Account, error) {
	acc := &Account{}
	if d.U8() == 1 {
		key := d.PublicKey()
		acc.Authority = &key
	}
	if d.U8() == 1 {
		cluster := d.U32()
		acc.Cluster = &cluster
	}
	return acc, d.Err()
}

// versioned: authority Option<Pubkey>, cluster Option<u32>,
// mxe_program_id Pubkey, utility_pubkeys enum { Set(keys), Unset(keys, Vec<bool>) }.
func decodeVersioned(body []byte) (*Account, error) {
	d := definitions.NewDecoder(body)
	acc, err := decodeHeader(d)
	if err != nil {
		return nil, err
	}

	program := d.PublicKey()
	acc.MXEProgramID = &program

	switch tag := d.U8(); tag {
	case utilitySet:
		keys := decodeUtilityKeys(d)
		acc.Set = &keys
	case utilityUnset:
		keys := decodeUtilityKeys(d)
		acc.Unset = &PendingKeys{Keys: keys, Flags: d.BoolVec()}
	default:
		if d.Err() == nil {
			return nil, fmt.Errorf("unknown utility_pubkeys variant %d", tag)
		}
	}
	if err := d.Err(); err != nil {
		return nil, err
	}
	return acc, nil
}

// legacy: authority Option<Pubkey>, cluster Option<u32>, x25519_pubkey [u8;32],
// then mxe_program_id when present.
func decodeLegacy(body []byte) (*Account, error) {
	d := definitions.NewDecoder(body)
	acc, err := decodeHeader(d)
	if err != nil {
		return nil, err
	}

	key := d.Fixed32()
	if err := d.Err(); err != nil {
		return nil, err
	}
	acc.X25519 = &key

	if d.Remaining() >= 32 {
		program := d.PublicKey()
		acc.MXEProgramID = &program
	}
	return acc, nil
}

func decodeUtilityKeys(d *definitions.Decoder) UtilityKeys {
	var keys UtilityKeys
	keys.X25519 = d.Fixed32()
	keys.Ed25519 = d.Fixed32()
	keys.ElGamal = d.Fixed32()
	copy(keys.ValidityProof[:], fixed64(d))
	return keys
}

func fixed64(d *definitions.Decoder) []byte {
	lo := d.Fixed32()
	hi := d.Fixed32()
	return append(lo[:], hi[:]...)
}

// Strategy pulls a usable x25519 key out of a decoded account.
type Strategy struct {
	Name    string
	Extract func(acc *Account) ([32]byte, bool)
}

// Strategies are tried in order.
var Strategies = []Strategy{
	{Name: "set", Extract: func(acc *Account) ([32]byte, bool) {
		if acc.Set == nil {
			return [32]byte{}, false
		}
		return validKey(acc.Set.X25519)
	}},
	{Name: "unset", Extract: func(acc *Account) ([32]byte, bool) {
		if acc.Unset == nil {
			return [32]byte{}, false
		}
		for _, ok := range acc.Unset.Flags {
			if !ok {
				return [32]byte{}, false
			}
		}
		return validKey(acc.Unset.Keys.X25519)
	}},
	{Name: "flat", Extract: func(acc *Account) ([32]byte, bool) {
		if acc.X25519 == nil {
			return [32]byte{}, false
		}
		return validKey(*acc.X25519)
	}},
}

// ExtractKey returns the first key a strategy accepts and the strategy name.
func ExtractKey(acc *Account) ([32]byte, string, bool) {
	for _, s := range Strategies {
		if key, ok := s.Extract(acc); ok {
			return key, s.Name, true
		}
	}
	return [32]byte{}, "", false
}

// An all-zero key is a placeholder, never a published key.
func validKey(key [32]byte) ([32]byte, bool) {
	return key, key != [32]byte{}
}

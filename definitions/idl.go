// Package definitions reads the program interface definition: instruction
// discriminators, argument types and account lists, plus account
// discriminators used when decoding ledger state.
package definitions

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"voting-client/blockchain/pda"
	"voting-client/blockchain/tx"
)

const DiscriminatorSize = 8

var (
	ErrUnknownInstruction = errors.New("unknown instruction")
	ErrUnknownAccount     = errors.New("unknown account type")
	ErrArgCount           = errors.New("wrong number of instruction arguments")
	ErrMissingAccount     = errors.New("missing instruction account")
	ErrDiscriminator      = errors.New("account discriminator mismatch")
)

// IDL is the parsed definitions document.
type IDL struct {
	Address      string         `json:"address"`
	Metadata     Metadata       `json:"metadata"`
	Instructions []*Instruction `json:"instructions"`
	Accounts     []*AccountDef  `json:"accounts"`
}

type Metadata struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Instruction describes one program entry point.
type Instruction struct {
	Name          string        `json:"name"`
	Discriminator []byte        `json:"-"`
	Accounts      []AccountItem `json:"accounts"`
	Args          []Field       `json:"args"`
}

// AccountItem is one named account slot of an instruction.
type AccountItem struct {
	Name     string `json:"name"`
	Writable bool   `json:"writable"`
	Signer   bool   `json:"signer"`
}

type Field struct {
	Name string `json:"name"`
	Type Type   `json:"type"`
}

// AccountDef names a stored account type.
type AccountDef struct {
	Name          string `json:"name"`
	Discriminator []byte `json:"-"`
}

// Parse decodes a definitions document and fills in any discriminator the
// document leaves out.
func Parse(data []byte) (*IDL, error) {
	var idl IDL
	if err := json.Unmarshal(data, &idl); err != nil {
		return nil, fmt.Errorf("failed to decode definitions: %w", err)
	}
	if len(idl.Instructions) == 0 {
		return nil, errors.New("definitions declare no instructions")
	}
	for _, ix := range idl.Instructions {
		if len(ix.Discriminator) == 0 {
			ix.Discriminator = InstructionDiscriminator(ix.Name)
		}
	}
	for _, acc := range idl.Accounts {
		if len(acc.Discriminator) == 0 {
			acc.Discriminator = AccountDiscriminator(acc.Name)
		}
	}
	return &idl, nil
}

// UnmarshalJSON reads discriminators as number arrays and the legacy
// isMut/isSigner account flags.
func (ix *Instruction) UnmarshalJSON(data []byte) error {
	type plain Instruction
	var raw struct {
		plain
		Discriminator []int `json:"discriminator"`
		Accounts      []struct {
			AccountItem
			IsMut    bool `json:"isMut"`
			IsSigner bool `json:"isSigner"`
		} `json:"accounts"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*ix = Instruction(raw.plain)
	disc, err := byteList(raw.Discriminator)
	if err != nil {
		return fmt.Errorf("instruction %s: %w", raw.Name, err)
	}
	ix.Discriminator = disc

	ix.Accounts = make([]AccountItem, len(raw.Accounts))
	for i, acc := range raw.Accounts {
		item := acc.AccountItem
		item.Writable = item.Writable || acc.IsMut
		item.Signer = item.Signer || acc.IsSigner
		ix.Accounts[i] = item
	}
	return nil
}

func (a *AccountDef) UnmarshalJSON(data []byte) error {
	var raw struct {
		Name          string `json:"name"`
		Discriminator []int  `json:"discriminator"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	disc, err := byteList(raw.Discriminator)
	if err != nil {
		return fmt.Errorf("account %s: %w", raw.Name, err)
	}
	a.Name, a.Discriminator = raw.Name, disc
	return nil
}

func byteList(values []int) ([]byte, error) {
	if len(values) == 0 {
		return nil, nil
	}
	if len(values) != DiscriminatorSize {
		return nil, fmt.Errorf("discriminator has %d bytes", len(values))
	}
	out := make([]byte, len(values))
	for i, v := range values {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("discriminator byte %d out of range", v)
		}
		out[i] = byte(v)
	}
	return out, nil
}

// Instruction finds an instruction by name; "castVote" and "cast_vote"
// are the same name.
func (idl *IDL) Instruction(name string) (*Instruction, error) {
	key := normalize(name)
	for _, ix := range idl.Instructions {
		if normalize(ix.Name) == key {
			return ix, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownInstruction, name)
}

// AccountDiscriminator returns the discriminator declared for a stored
// account type, or the derived one when the type is not declared.
func (idl *IDL) AccountDiscriminator(name string) []byte {
	for _, acc := range idl.Accounts {
		if normalize(acc.Name) == normalize(name) {
			return acc.Discriminator
		}
	}
	return AccountDiscriminator(name)
}

// StripAccount checks the account discriminator and returns the body.
func (idl *IDL) StripAccount(name string, data []byte) ([]byte, error) {
	want := idl.AccountDiscriminator(name)
	if len(data) < DiscriminatorSize {
		return nil, fmt.Errorf("%w: %s account is %d bytes", ErrDiscriminator, name, len(data))
	}
	if string(data[:DiscriminatorSize]) != string(want) {
		return nil, fmt.Errorf("%w: not a %s account", ErrDiscriminator, name)
	}
	return data[DiscriminatorSize:], nil
}

// EncodeArgs returns the discriminator followed by args encoded in
// declaration order.
func (ix *Instruction) EncodeArgs(args ...any) ([]byte, error) {
	if len(args) != len(ix.Args) {
		return nil, fmt.Errorf("%w: %s takes %d, got %d", ErrArgCount, ix.Name, len(ix.Args), len(args))
	}
	enc := NewEncoder(ix.Discriminator)
	for i, field := range ix.Args {
		if err := enc.Value(field.Type, args[i]); err != nil {
			return nil, fmt.Errorf("%s arg %s: %w", ix.Name, field.Name, err)
		}
	}
	return enc.Bytes(), nil
}

// AccountMetas orders the named accounts as declared. Every declared
// account must be supplied.
func (ix *Instruction) AccountMetas(accounts map[string]pda.PublicKey) ([]tx.AccountMeta, error) {
	byName := make(map[string]pda.PublicKey, len(accounts))
	for name, key := range accounts {
		byName[normalize(name)] = key
	}

	metas := make([]tx.AccountMeta, len(ix.Accounts))
	for i, item := range ix.Accounts {
		key, ok := byName[normalize(item.Name)]
		if !ok {
			return nil, fmt.Errorf("%w: %s needs %s", ErrMissingAccount, ix.Name, item.Name)
		}
		metas[i] = tx.AccountMeta{PublicKey: key, IsSigner: item.Signer, IsWritable: item.Writable}
	}
	return metas, nil
}

// Build encodes args and accounts into a ready instruction for programID.
func (ix *Instruction) Build(programID pda.PublicKey, accounts map[string]pda.PublicKey, args ...any) (tx.Instruction, error) {
	data, err := ix.EncodeArgs(args...)
	if err != nil {
		return tx.Instruction{}, err
	}
	metas, err := ix.AccountMetas(accounts)
	if err != nil {
		return tx.Instruction{}, err
	}
	return tx.Instruction{ProgramID: programID, Accounts: metas, Data: data}, nil
}

// InstructionDiscriminator is sha256("global:<snake_name>")[:8].
func InstructionDiscriminator(name string) []byte {
	sum := sha256.Sum256([]byte("global:" + snakeCase(name)))
	return sum[:DiscriminatorSize]
}

// AccountDiscriminator is sha256("account:<Name>")[:8].
func AccountDiscriminator(name string) []byte {
	sum := sha256.Sum256([]byte("account:" + name))
	return sum[:DiscriminatorSize]
}

func snakeCase(name string) string {
	var b strings.Builder
	for i, r := range name {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func normalize(name string) string {
	return strings.ToLower(strings.ReplaceAll(name, "_", ""))
}

package tx

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voting-client/blockchain/pda"
)

type edSigner struct {
	priv ed25519.PrivateKey
}

func newSigner(t *testing.T) *edSigner {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return &edSigner{priv: priv}
}

func (s *edSigner) PublicKey() pda.PublicKey {
	var pk pda.PublicKey
	copy(pk[:], s.priv.Public().(ed25519.PublicKey))
	return pk
}

func (s *edSigner) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, message), nil
}

func key(b byte) pda.PublicKey {
	var k pda.PublicKey
	k[0] = b
	k[31] = b
	return k
}

func TestNewMessageOrdersAccounts(t *testing.T) {
	payer := key(1)
	program := key(9)
	readonlySigner := key(2)
	writable := key(3)
	readonly := key(4)

	ix := Instruction{
		ProgramID: program,
		Accounts: []AccountMeta{
			{PublicKey: readonly},
			{PublicKey: writable, IsWritable: true},
			{PublicKey: payer, IsSigner: true, IsWritable: true},
			{PublicKey: readonlySigner, IsSigner: true},
		},
		Data: []byte{0xaa},
	}

	msg, err := NewMessage(payer, []Instruction{ix}, [32]byte{7})
	require.NoError(t, err)

	assert.Equal(t, []pda.PublicKey{payer, readonlySigner, writable, readonly, program}, msg.AccountKeys)
	assert.Equal(t, Header{
		NumRequiredSignatures:       2,
		NumReadonlySignedAccounts:   1,
		NumReadonlyUnsignedAccounts: 2,
	}, msg.Header)

	require.Len(t, msg.Instructions, 1)
	assert.Equal(t, uint8(4), msg.Instructions[0].ProgramIDIndex)
	assert.Equal(t, []uint8{3, 2, 0, 1}, msg.Instructions[0].Accounts)
}

func TestNewMessageMergesFlags(t *testing.T) {
	payer := key(1)
	shared := key(5)
	ixs := []Instruction{
		{ProgramID: key(9), Accounts: []AccountMeta{{PublicKey: shared}}},
		{ProgramID: key(9), Accounts: []AccountMeta{{PublicKey: shared, IsWritable: true}}},
	}

	msg, err := NewMessage(payer, ixs, [32]byte{})
	require.NoError(t, err)
	assert.Equal(t, []pda.PublicKey{payer, shared, key(9)}, msg.AccountKeys)
	assert.Equal(t, uint8(1), msg.Header.NumReadonlyUnsignedAccounts)
}

func TestNewMessageRequiresInstructions(t *testing.T) {
	_, err := NewMessage(key(1), nil, [32]byte{})
	assert.ErrorIs(t, err, ErrNoInstructions)
}

func TestSerializeLayout(t *testing.T) {
	payer := newSigner(t)
	program := key(9)
	data := make([]byte, 200)

	msg, err := NewMessage(payer.PublicKey(), []Instruction{{ProgramID: program, Data: data}}, [32]byte{3})
	require.NoError(t, err)

	raw := msg.Serialize()
	assert.Equal(t, []byte{1, 0, 1, 2}, raw[:4])
	assert.Equal(t, payer.PublicKey().Bytes(), raw[4:36])
	assert.Equal(t, program.Bytes(), raw[36:68])
	assert.Equal(t, byte(3), raw[68])

	ixStart := 4 + 64 + 32
	assert.Equal(t, []byte{1, 1, 0, 0xc8, 0x01}, raw[ixStart:ixStart+5])
	assert.Len(t, raw, ixStart+5+200)
}

func TestSignAndSerialize(t *testing.T) {
	payer := newSigner(t)
	msg, err := NewMessage(payer.PublicKey(), []Instruction{{ProgramID: key(9), Data: []byte{1}}}, [32]byte{})
	require.NoError(t, err)

	signed, err := Sign(msg, payer, newSigner(t))
	require.NoError(t, err)
	require.Len(t, signed.Signatures, 1)

	raw := signed.Serialize()
	assert.Equal(t, byte(1), raw[0])
	assert.True(t, ed25519.Verify(payer.priv.Public().(ed25519.PublicKey), raw[1+SignatureSize:], raw[1:1+SignatureSize]))
}

func TestSignMissingSigner(t *testing.T) {
	payer := newSigner(t)
	cosigner := key(4)
	msg, err := NewMessage(payer.PublicKey(), []Instruction{{
		ProgramID: key(9),
		Accounts:  []AccountMeta{{PublicKey: cosigner, IsSigner: true}},
	}}, [32]byte{})
	require.NoError(t, err)

	_, err = Sign(msg, payer)
	assert.ErrorIs(t, err, ErrMissingSigner)
}

func TestCompactU16(t *testing.T) {
	assert.Equal(t, []byte{0}, appendCompactU16(nil, 0))
	assert.Equal(t, []byte{0x7f}, appendCompactU16(nil, 127))
	assert.Equal(t, []byte{0x80, 0x01}, appendCompactU16(nil, 128))
	assert.Equal(t, []byte{0xff, 0xff, 0x03}, appendCompactU16(nil, 0xffff))
}

package service

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/event"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/curve25519"

	"voting-client/blockchain/mxe"
	"voting-client/blockchain/pda"
	"voting-client/blockchain/rpc"
	"voting-client/blockchain/ws"
	"voting-client/definitions"
	"voting-client/models"
)

var (
	testProgram = pda.MustParsePublicKey("BNQXm38ecbMHG8fVNBPL9ZgmXyERpMJxFZkfD7cKE2Fm")
	testArcium  = pda.MustParsePublicKey(pda.DefaultArciumProg)
)

type wallet struct {
	priv ed25519.PrivateKey
}

func newWallet(t *testing.T) *wallet {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return &wallet{priv: priv}
}

func (w *wallet) PublicKey() pda.PublicKey {
	var pk pda.PublicKey
	copy(pk[:], w.priv.Public().(ed25519.PublicKey))
	return pk
}

func (w *wallet) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(w.priv, message), nil
}

// fakeLedger keeps accounts in memory and records sent transactions.
type fakeLedger struct {
	mu       sync.Mutex
	accounts map[pda.PublicKey][]byte
	failures map[pda.PublicKey]error
	sendErr  error
	sent     [][]byte
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		accounts: map[pda.PublicKey][]byte{},
		failures: map[pda.PublicKey]error{},
	}
}

func (l *fakeLedger) put(addr pda.PublicKey, data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[addr] = data
}

func (l *fakeLedger) fail(addr pda.PublicKey, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures[addr] = err
}

func (l *fakeLedger) GetAccountInfo(_ context.Context, addr pda.PublicKey) (*rpc.AccountInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.failures[addr]; err != nil {
		return nil, err
	}
	data, ok := l.accounts[addr]
	if !ok {
		return nil, nil
	}
	return &rpc.AccountInfo{Owner: testProgram, Lamports: 1, Data: data}, nil
}

func (l *fakeLedger) GetLatestBlockhash(context.Context) ([32]byte, error) {
	return [32]byte{9, 9, 9}, nil
}

func (l *fakeLedger) SendTransaction(_ context.Context, raw []byte) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sendErr != nil {
		return "", l.sendErr
	}
	l.sent = append(l.sent, raw)
	return "sig", nil
}

func (l *fakeLedger) transactions() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]byte(nil), l.sent...)
}

// fakeResolver hands out a fixed cluster and remembers the offsets asked for.
type fakeResolver struct {
	priv    [32]byte
	cluster models.ClusterConfig
	err     error

	mu      sync.Mutex
	offsets []uint64
}

func newFakeResolver(t *testing.T, deriver *pda.Deriver) *fakeResolver {
	t.Helper()
	r := &fakeResolver{}
	_, err := rand.Read(r.priv[:])
	require.NoError(t, err)
	pub, err := curve25519.X25519(r.priv[:], curve25519.Basepoint)
	require.NoError(t, err)

	copy(r.cluster.PublicKey[:], pub)
	r.cluster.MXEProgramID = testProgram
	r.cluster.MXEAccount = deriver.MXEAddress(testProgram)
	r.cluster.MempoolAccount = deriver.MempoolAddress(0)
	r.cluster.ExecutingPool = deriver.ExecpoolAddress(0)
	r.cluster.ClusterAccount = deriver.ClusterAddress(0)
	return r
}

func (r *fakeResolver) Resolve(_ context.Context, computationOffset uint64) (*models.ClusterConfig, error) {
	r.mu.Lock()
	r.offsets = append(r.offsets, computationOffset)
	r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	cfg := r.cluster
	cfg.ComputationOffset = computationOffset
	cfg.ComputationAccount = pda.NewDeriver(testProgram, testArcium).ComputationAddress(0, computationOffset)
	return &cfg, nil
}

type feedSubscriber struct {
	feed event.Feed
}

func (f *feedSubscriber) SubscribeAccount(_ context.Context, _ pda.PublicKey, ch chan<- ws.AccountUpdate) (event.Subscription, error) {
	return f.feed.Subscribe(ch), nil
}

var errTransport = errors.New("connection reset")

func loadDefinitions(t *testing.T) *definitions.IDL {
	t.Helper()
	data, err := os.ReadFile("../idl/primedao.json")
	require.NoError(t, err)
	idl, err := definitions.Parse(data)
	require.NoError(t, err)
	return idl
}

type harness struct {
	svc      *VotingService
	ledger   *fakeLedger
	resolver *fakeResolver
	wallet   *wallet
	deriver  *pda.Deriver
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	deriver := pda.NewDeriver(testProgram, testArcium)
	h := &harness{
		ledger:   newFakeLedger(),
		resolver: newFakeResolver(t, deriver),
		wallet:   newWallet(t),
		deriver:  deriver,
	}
	cfg := Config{ProgramID: testProgram, ArciumProgramID: testArcium}
	opts = append([]Option{WithDefinitions(loadDefinitions(t))}, opts...)
	h.svc = NewVotingService(cfg, h.ledger, h.resolver, opts...)
	require.NoError(t, h.svc.Connect(context.Background(), h.wallet))
	return h
}

func platformAccount(authority pda.PublicKey, count uint64) []byte {
	enc := definitions.NewEncoder(definitions.AccountDiscriminator(accountPlatform))
	enc.Raw(authority[:])
	enc.U64(count)
	return enc.Bytes()
}

func proposalAccount(p models.Proposal) []byte {
	enc := definitions.NewEncoder(definitions.AccountDiscriminator(accountProposal))
	enc.U64(p.ID)
	enc.Str(p.Title)
	enc.Str(p.Description)
	enc.U32(uint32(len(p.Options)))
	for _, o := range p.Options {
		enc.Str(o)
	}
	enc.U32(uint32(len(p.VoteCounts)))
	for _, c := range p.VoteCounts {
		enc.U32(c)
	}
	enc.I64(p.EndTime)
	enc.Bool(p.IsActive)
	enc.U64(p.TotalVotes)
	return enc.Bytes()
}

// mxeAccount encodes an MXE account in the versioned layout with a
// confirmed x25519 key.
func mxeAccount(program pda.PublicKey, key [32]byte) []byte {
	enc := definitions.NewEncoder(definitions.AccountDiscriminator(mxe.AccountName))
	enc.U8(1)
	enc.Raw(make([]byte, 32))
	enc.U8(1)
	enc.U32(0)
	enc.Raw(program[:])
	enc.U8(0)
	enc.Raw(key[:])
	enc.Raw(make([]byte, 32+32+64))
	return enc.Bytes()
}

func (h *harness) putProposal(id uint64) {
	h.ledger.put(h.deriver.ProposalAddress(id), proposalAccount(models.Proposal{
		ID:         id,
		Title:      "Budget",
		Options:    []string{"Yes", "No"},
		VoteCounts: []uint32{0, 0},
		EndTime:    1_900_000_000,
		IsActive:   true,
	}))
}

// sentInstruction is the single instruction of a sent transaction.
type sentInstruction struct {
	programID pda.PublicKey
	accounts  []pda.PublicKey
	data      []byte
}

func decodeSent(t *testing.T, raw []byte) sentInstruction {
	t.Helper()
	off := 0
	shortvec := func() int {
		n, shift := 0, 0
		for {
			b := raw[off]
			off++
			n |= int(b&0x7f) << shift
			if b&0x80 == 0 {
				return n
			}
			shift += 7
		}
	}

	off += shortvec() * 64 // signatures
	off += 3               // header

	keys := make([]pda.PublicKey, shortvec())
	for i := range keys {
		copy(keys[i][:], raw[off:off+32])
		off += 32
	}
	off += 32 // blockhash

	require.Equal(t, 1, shortvec(), "instruction count")
	var ix sentInstruction
	ix.programID = keys[raw[off]]
	off++
	for range shortvec() {
		ix.accounts = append(ix.accounts, keys[raw[off]])
		off++
	}
	n := shortvec()
	ix.data = raw[off : off+n]
	require.Equal(t, len(raw), off+n, "trailing bytes")
	return ix
}

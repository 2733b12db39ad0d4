package mxe

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voting-client/blockchain/pda"
	"voting-client/blockchain/rpc"
	"voting-client/definitions"
)

type instantTimer struct {
	c      chan time.Time
	delays []time.Duration
}

func newInstantTimer() *instantTimer {
	return &instantTimer{c: make(chan time.Time, 1)}
}

func (t *instantTimer) Start(d time.Duration) {
	t.delays = append(t.delays, d)
	t.c <- time.Time{}
}

func (t *instantTimer) Stop() {}

func (t *instantTimer) C() <-chan time.Time { return t.c }

type fakeReader struct {
	mu       sync.Mutex
	accounts map[pda.PublicKey][]byte
	fetched  []pda.PublicKey
	err      error
	failing  map[pda.PublicKey]error
}

func newFakeReader() *fakeReader {
	return &fakeReader{accounts: map[pda.PublicKey][]byte{}, failing: map[pda.PublicKey]error{}}
}

func (f *fakeReader) GetAccountInfo(_ context.Context, addr pda.PublicKey) (*rpc.AccountInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, addr)
	if f.err != nil {
		return nil, f.err
	}
	if err, ok := f.failing[addr]; ok {
		return nil, err
	}
	data, ok := f.accounts[addr]
	if !ok {
		return nil, nil
	}
	return &rpc.AccountInfo{Data: data}, nil
}

type countingLookup struct {
	calls int
	key   []byte
	err   error
}

func (l *countingLookup) LookupMXEKey(context.Context, pda.PublicKey) ([]byte, error) {
	l.calls++
	return l.key, l.err
}

var (
	votingProgram = pda.PublicKey{0xb0, 0x01}
	mxeProgram    = pda.PublicKey{0xb0, 0x02}
	arciumProgram = pda.MustParsePublicKey(pda.DefaultArciumProg)
	clusterKey    = [32]byte{0x11, 0x22, 0x33}
)

func newDeriver() *pda.Deriver {
	return pda.NewDeriver(votingProgram, arciumProgram)
}

func header(e *definitions.Encoder) {
	e.U8(1)
	e.Raw(make([]byte, 32))
	e.U8(1)
	e.U32(0)
}

func versionedAccount(program pda.PublicKey, set bool, key [32]byte, flags []bool) []byte {
	e := definitions.NewEncoder(definitions.AccountDiscriminator(AccountName))
	header(e)
	e.Raw(program[:])
	if set {
		e.U8(utilitySet)
	} else {
		e.U8(utilityUnset)
	}
	e.Raw(key[:])
	e.Raw(make([]byte, 32+32+64))
	if !set {
		e.U32(uint32(len(flags)))
		for _, f := range flags {
			e.Bool(f)
		}
	}
	return e.Bytes()
}

func legacyAccount(key [32]byte, program *pda.PublicKey) []byte {
	e := definitions.NewEncoder(definitions.AccountDiscriminator(AccountName))
	e.U8(0)
	e.U8(0)
	e.Raw(key[:])
	if program != nil {
		e.Raw(program[:])
	}
	return e.Bytes()
}

func offset(v uint32) *uint32 { return &v }

func key(b byte) *pda.PublicKey {
	k := pda.PublicKey{b, 0xee}
	return &k
}

func TestDecodeLayouts(t *testing.T) {
	acc, err := DecodeAccount(versionedAccount(mxeProgram, true, clusterKey, nil))
	require.NoError(t, err)
	assert.Equal(t, "versioned", acc.Layout)
	require.NotNil(t, acc.Cluster)
	assert.Equal(t, mxeProgram, *acc.MXEProgramID)

	got, strategy, ok := ExtractKey(acc)
	require.True(t, ok)
	assert.Equal(t, "set", strategy)
	assert.Equal(t, clusterKey, got)

	acc, err = DecodeAccount(legacyAccount(clusterKey, &mxeProgram))
	require.NoError(t, err)
	assert.Equal(t, "legacy", acc.Layout)
	assert.Equal(t, mxeProgram, *acc.MXEProgramID)
	got, strategy, ok = ExtractKey(acc)
	require.True(t, ok)
	assert.Equal(t, "flat", strategy)
	assert.Equal(t, clusterKey, got)

	_, err = DecodeAccount([]byte{1, 2, 3})
	assert.ErrorIs(t, err, definitions.ErrDiscriminator)
}

func TestUnsetKeyNeedsAllFlags(t *testing.T) {
	acc, err := DecodeAccount(versionedAccount(mxeProgram, false, clusterKey, []bool{true, false}))
	require.NoError(t, err)
	_, _, ok := ExtractKey(acc)
	assert.False(t, ok)

	acc, err = DecodeAccount(versionedAccount(mxeProgram, false, clusterKey, []bool{true, true}))
	require.NoError(t, err)
	got, strategy, ok := ExtractKey(acc)
	require.True(t, ok)
	assert.Equal(t, "unset", strategy)
	assert.Equal(t, clusterKey, got)

	acc, err = DecodeAccount(versionedAccount(mxeProgram, false, clusterKey, nil))
	require.NoError(t, err)
	_, _, ok = ExtractKey(acc)
	assert.True(t, ok)
}

func TestZeroKeyIsRejected(t *testing.T) {
	acc, err := DecodeAccount(versionedAccount(mxeProgram, true, [32]byte{}, nil))
	require.NoError(t, err)
	_, _, ok := ExtractKey(acc)
	assert.False(t, ok)
}

func TestResolveFromHint(t *testing.T) {
	reader := newFakeReader()
	hint := key(1)
	reader.accounts[*hint] = versionedAccount(mxeProgram, true, clusterKey, nil)

	var stages []string
	r := NewResolver(Config{ProgramID: votingProgram, MXEAccount: hint, ClusterOffset: offset(0)},
		reader, newDeriver(), WithStageHook(func(s string) { stages = append(stages, s) }))

	cc, err := r.Resolve(context.Background(), 99)
	require.NoError(t, err)
	assert.Equal(t, clusterKey, cc.PublicKey)
	assert.Equal(t, *hint, cc.MXEAccount)
	assert.Equal(t, mxeProgram, cc.MXEProgramID)
	assert.Equal(t, uint64(99), cc.ComputationOffset)
	assert.Equal(t, []string{StageHint}, stages)
}

func TestResolveFallsBackToCanonical(t *testing.T) {
	reader := newFakeReader()
	d := newDeriver()
	hint := key(1)
	canonical := d.MXEAddress(mxeProgram)

	// The hinted account names the MXE program but has no key yet.
	reader.accounts[*hint] = versionedAccount(mxeProgram, false, clusterKey, []bool{false})
	reader.accounts[canonical] = versionedAccount(mxeProgram, true, clusterKey, nil)

	lookup := &countingLookup{err: errors.New("unused")}
	r := NewResolver(Config{ProgramID: votingProgram, MXEAccount: hint, ClusterOffset: offset(0)},
		reader, d, WithKeyLookup(lookup))

	cc, err := r.Resolve(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, canonical, cc.MXEAccount)
	assert.Equal(t, clusterKey, cc.PublicKey)
	assert.Zero(t, lookup.calls)
	assert.Equal(t, []pda.PublicKey{*hint, canonical}, reader.fetched)
}

func TestResolveMissingHintFallsThrough(t *testing.T) {
	reader := newFakeReader()
	d := newDeriver()
	cfgProgram := mxeProgram
	reader.accounts[d.MXEAddress(mxeProgram)] = legacyAccount(clusterKey, nil)

	r := NewResolver(Config{
		ProgramID:     votingProgram,
		MXEProgramID:  &cfgProgram,
		MXEAccount:    key(7),
		ClusterOffset: offset(0),
	}, reader, d)

	cc, err := r.Resolve(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, d.MXEAddress(mxeProgram), cc.MXEAccount)
	assert.Equal(t, mxeProgram, cc.MXEProgramID)
}

func TestProgramPrecedence(t *testing.T) {
	d := newDeriver()
	configured := pda.PublicKey{0xb0, 0x03}
	base := Config{ProgramID: votingProgram, ClusterOffset: offset(0)}

	// The id embedded in the account wins over configuration.
	r := NewResolver(Config{ProgramID: votingProgram, MXEProgramID: &configured, ClusterOffset: offset(0)}, newFakeReader(), d)
	assert.Equal(t, mxeProgram, r.programFor(&Account{MXEProgramID: &mxeProgram}))

	// A zero embedded id is ignored.
	var zero pda.PublicKey
	assert.Equal(t, configured, r.programFor(&Account{MXEProgramID: &zero}))
	assert.Equal(t, configured, r.programFor(nil))

	// The voting program is the last resort.
	assert.Equal(t, votingProgram, NewResolver(base, newFakeReader(), d).programFor(nil))
}

func TestResolveLookupTriesTenTimes(t *testing.T) {
	reader := newFakeReader()
	lookup := &countingLookup{err: errors.New("account not found")}
	timer := newInstantTimer()

	r := NewResolver(Config{ProgramID: votingProgram, ClusterOffset: offset(0)},
		reader, newDeriver(), WithKeyLookup(lookup), WithTimer(timer))

	_, err := r.Resolve(context.Background(), 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMXENotReady)

	var notReady *NotReadyError
	require.ErrorAs(t, err, &notReady)
	assert.NotEmpty(t, notReady.Notes)
	assert.Contains(t, err.Error(), "does not exist")

	assert.Equal(t, DefaultLookupAttempts, lookup.calls)
	require.Len(t, timer.delays, DefaultLookupAttempts-1)
	for _, d := range timer.delays {
		assert.Equal(t, time.Second, d)
	}
}

func TestResolveLookupSucceedsLate(t *testing.T) {
	lookup := &countingLookup{key: clusterKey[:]}
	r := NewResolver(Config{ProgramID: votingProgram, ClusterOffset: offset(0)},
		newFakeReader(), newDeriver(), WithKeyLookup(lookup), WithTimer(newInstantTimer()))

	cc, err := r.Resolve(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, clusterKey, cc.PublicKey)
	assert.Equal(t, 1, lookup.calls)
}

func TestResolveRejectsShortLookupKey(t *testing.T) {
	lookup := &countingLookup{key: make([]byte, 31)}
	r := NewResolver(Config{ProgramID: votingProgram, ClusterOffset: offset(0)},
		newFakeReader(), newDeriver(), WithKeyLookup(lookup), WithLookupPolicy(3, time.Millisecond),
		WithTimer(newInstantTimer()))

	_, err := r.Resolve(context.Background(), 1)
	assert.ErrorIs(t, err, ErrMXENotReady)
	assert.Equal(t, 3, lookup.calls)
}

func TestResolveValidatesBeforeNetwork(t *testing.T) {
	reader := newFakeReader()
	r := NewResolver(Config{
		ProgramID:      votingProgram,
		MempoolAccount: key(2),
		ExecutingPool:  key(3),
		ClusterAccount: key(4),
	}, reader, newDeriver())

	_, err := r.Resolve(context.Background(), 1)
	assert.ErrorIs(t, err, ErrMissingAccountConfig)
	assert.Empty(t, reader.fetched)
}

func TestResolveExplicitAccounts(t *testing.T) {
	reader := newFakeReader()
	hint := key(1)
	reader.accounts[*hint] = versionedAccount(mxeProgram, true, clusterKey, nil)

	cfg := Config{
		ProgramID:          votingProgram,
		MXEAccount:         hint,
		MempoolAccount:     key(2),
		ExecutingPool:      key(3),
		ClusterAccount:     key(4),
		ComputationAccount: key(5),
	}
	cc, err := NewResolver(cfg, reader, newDeriver()).Resolve(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, *key(2), cc.MempoolAccount)
	assert.Equal(t, *key(3), cc.ExecutingPool)
	assert.Equal(t, *key(4), cc.ClusterAccount)
	assert.Equal(t, *key(5), cc.ComputationAccount)
}

func TestResolveDerivesFromClusterOffset(t *testing.T) {
	reader := newFakeReader()
	hint := key(1)
	reader.accounts[*hint] = versionedAccount(mxeProgram, true, clusterKey, nil)
	d := newDeriver()

	cc, err := NewResolver(Config{ProgramID: votingProgram, MXEAccount: hint, ClusterOffset: offset(7)},
		reader, d).Resolve(context.Background(), 1234)
	require.NoError(t, err)

	assert.Equal(t, d.MempoolAddress(7), cc.MempoolAccount)
	assert.Equal(t, d.ExecpoolAddress(7), cc.ExecutingPool)
	assert.Equal(t, d.ClusterAddress(7), cc.ClusterAccount)
	assert.Equal(t, d.ComputationAddress(7, 1234), cc.ComputationAccount)
	assert.Equal(t, uint32(7), cc.ClusterOffset)
}

func TestResolveTransportError(t *testing.T) {
	reader := newFakeReader()
	reader.err = errors.New("connection refused")
	lookup := &countingLookup{}

	_, err := NewResolver(Config{ProgramID: votingProgram, ClusterOffset: offset(0)},
		reader, newDeriver(), WithKeyLookup(lookup)).Resolve(context.Background(), 1)
	assert.ErrorContains(t, err, "connection refused")
	assert.NotErrorIs(t, err, ErrMXENotReady)
	assert.Zero(t, lookup.calls)
}

func TestResolveCanonicalErrorFallsToLookup(t *testing.T) {
	reader := newFakeReader()
	d := newDeriver()
	hint := key(1)
	reader.accounts[*hint] = versionedAccount(mxeProgram, false, clusterKey, []bool{true, false})
	reader.failing[d.MXEAddress(mxeProgram)] = errors.New("503 node behind")

	var stages []string
	lookup := &countingLookup{key: clusterKey[:]}
	r := NewResolver(Config{ProgramID: votingProgram, MXEAccount: hint, ClusterOffset: offset(0)},
		reader, d, WithKeyLookup(lookup), WithTimer(newInstantTimer()),
		WithStageHook(func(s string) { stages = append(stages, s) }))

	cc, err := r.Resolve(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, clusterKey, cc.PublicKey)
	assert.Equal(t, *hint, cc.MXEAccount)
	assert.Equal(t, 1, lookup.calls)
	assert.Equal(t, []string{StageLookup}, stages)
}

func TestResolveCanonicalErrorIsNoted(t *testing.T) {
	reader := newFakeReader()
	d := newDeriver()
	hint := key(1)
	reader.accounts[*hint] = versionedAccount(mxeProgram, false, clusterKey, []bool{false})
	reader.failing[d.MXEAddress(mxeProgram)] = errors.New("503 node behind")

	lookup := &countingLookup{err: errors.New("account not found")}
	_, err := NewResolver(Config{ProgramID: votingProgram, MXEAccount: hint, ClusterOffset: offset(0)},
		reader, d, WithKeyLookup(lookup), WithLookupPolicy(2, time.Millisecond),
		WithTimer(newInstantTimer())).Resolve(context.Background(), 1)
	assert.ErrorIs(t, err, ErrMXENotReady)
	assert.ErrorContains(t, err, "503 node behind")
	assert.Equal(t, 2, lookup.calls)
}

func TestCanonicalLookup(t *testing.T) {
	reader := newFakeReader()
	d := newDeriver()
	lookup := NewCanonicalLookup(reader, d)

	_, err := lookup.LookupMXEKey(context.Background(), mxeProgram)
	assert.Error(t, err)

	reader.accounts[d.MXEAddress(mxeProgram)] = legacyAccount(clusterKey, nil)
	got, err := lookup.LookupMXEKey(context.Background(), mxeProgram)
	require.NoError(t, err)
	assert.Equal(t, clusterKey[:], got)
}

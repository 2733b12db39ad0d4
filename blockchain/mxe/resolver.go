// Package mxe resolves the MPC cluster material a vote submission needs:
// the cluster x25519 key and the cluster accounts.
package mxe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"voting-client/blockchain/pda"
	"voting-client/models"
	"voting-client/retry"
)

const (
	DefaultLookupAttempts = 10
	DefaultLookupInterval = time.Second
)

// Resolution stages, reported through the stage hook.
const (
	StageHint      = "hint"
	StageCanonical = "canonical"
	StageLookup    = "lookup"
	StageFailed    = "failed"
)

// Config is the static part of the resolution. Nil pointers mean "not
// configured".
type Config struct {
	ProgramID          pda.PublicKey
	MXEProgramID       *pda.PublicKey
	MXEAccount         *pda.PublicKey
	MempoolAccount     *pda.PublicKey
	ExecutingPool      *pda.PublicKey
	ClusterAccount     *pda.PublicKey
	ComputationAccount *pda.PublicKey
	ClusterOffset      *uint32
}

// Validate fails unless a cluster offset or all four explicit cluster
// accounts are configured.
func (c Config) Validate() error {
	if c.ClusterOffset != nil {
		return nil
	}
	if c.MempoolAccount == nil || c.ExecutingPool == nil || c.ClusterAccount == nil || c.ComputationAccount == nil {
		return ErrMissingAccountConfig
	}
	return nil
}

type Resolver struct {
	cfg     Config
	reader  AccountReader
	lookup  KeyLookup
	deriver *pda.Deriver
	policy  retry.Policy
	onStage func(stage string)
	logger  *zap.Logger
}

type Option func(*Resolver)

// WithKeyLookup replaces the last-resort key source.
func WithKeyLookup(lookup KeyLookup) Option {
	return func(r *Resolver) { r.lookup = lookup }
}

// WithLookupPolicy bounds the key lookup retries.
func WithLookupPolicy(attempts int, interval time.Duration) Option {
	return func(r *Resolver) {
		r.policy.Attempts = attempts
		r.policy.Interval = interval
	}
}

// WithTimer replaces the wall clock used between lookup attempts.
func WithTimer(timer backoff.Timer) Option {
	return func(r *Resolver) { r.policy.Timer = timer }
}

// WithStageHook is called with the stage that produced the key, or
// StageFailed.
func WithStageHook(fn func(stage string)) Option {
	return func(r *Resolver) { r.onStage = fn }
}

func WithLogger(logger *zap.Logger) Option {
	return func(r *Resolver) { r.logger = logger }
}

func NewResolver(cfg Config, reader AccountReader, deriver *pda.Deriver, opts ...Option) *Resolver {
	r := &Resolver{
		cfg:     cfg,
		reader:  reader,
		deriver: deriver,
		policy: retry.Policy{
			Attempts: DefaultLookupAttempts,
			Interval: DefaultLookupInterval,
		},
		onStage: func(string) {},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.lookup == nil {
		r.lookup = NewCanonicalLookup(reader, deriver)
	}
	return r
}

// Resolve builds a fresh cluster configuration for one submission. The
// account configuration is checked before any network call.
func (r *Resolver) Resolve(ctx context.Context, computationOffset uint64) (*models.ClusterConfig, error) {
	if err := r.cfg.Validate(); err != nil {
		return nil, err
	}

	key, account, program, err := r.resolveKey(ctx)
	if err != nil {
		return nil, err
	}

	var clusterOffset uint32
	if r.cfg.ClusterOffset != nil {
		clusterOffset = *r.cfg.ClusterOffset
	}

	cc := &models.ClusterConfig{
		PublicKey:         key,
		MXEAccount:        account,
		MXEProgramID:      program,
		ClusterOffset:     clusterOffset,
		ComputationOffset: computationOffset,
		MempoolAccount:    r.pick(r.cfg.MempoolAccount, func() pda.PublicKey { return r.deriver.MempoolAddress(clusterOffset) }),
		ExecutingPool:     r.pick(r.cfg.ExecutingPool, func() pda.PublicKey { return r.deriver.ExecpoolAddress(clusterOffset) }),
		ClusterAccount:    r.pick(r.cfg.ClusterAccount, func() pda.PublicKey { return r.deriver.ClusterAddress(clusterOffset) }),
		ComputationAccount: r.pick(r.cfg.ComputationAccount, func() pda.PublicKey {
			return r.deriver.ComputationAddress(clusterOffset, computationOffset)
		}),
	}
	return cc, nil
}

func (r *Resolver) pick(override *pda.PublicKey, derive func() pda.PublicKey) pda.PublicKey {
	if override != nil {
		return *override
	}
	return derive()
}

// programFor picks the MXE program id: the account's own, then the
// configured MXE program, then the voting program.
func (r *Resolver) programFor(acc *Account) pda.PublicKey {
	if acc != nil && acc.MXEProgramID != nil && !acc.MXEProgramID.IsZero() {
		return *acc.MXEProgramID
	}
	if r.cfg.MXEProgramID != nil {
		return *r.cfg.MXEProgramID
	}
	return r.cfg.ProgramID
}

func (r *Resolver) resolveKey(ctx context.Context) ([32]byte, pda.PublicKey, pda.PublicKey, error) {
	var notes []string

	hint := r.cfg.MXEAccount
	if hint == nil {
		canonical := r.deriver.MXEAddress(r.programFor(nil))
		hint = &canonical
	}
	account := *hint

	acc, note, err := r.fetch(ctx, account)
	if err != nil {
		return [32]byte{}, pda.PublicKey{}, pda.PublicKey{}, err
	}
	if note != "" {
		notes = append(notes, note)
	}
	program := r.programFor(acc)

	if acc != nil {
		if key, strategy, ok := ExtractKey(acc); ok {
			r.found(StageHint, account, strategy)
			return key, account, program, nil
		}
		notes = append(notes, fmt.Sprintf("MXE account %s has no usable key (layout %s)", account, acc.Layout))
	}

	canonical := r.deriver.MXEAddress(program)
	if !canonical.Equals(account) {
		// A failed canonical read still leaves the lookup stage to try.
		cacc, note, err := r.fetch(ctx, canonical)
		if err != nil {
			if ctx.Err() != nil {
				return [32]byte{}, pda.PublicKey{}, pda.PublicKey{}, ctx.Err()
			}
			r.logger.Debug("canonical MXE account unreadable", zap.Stringer("account", canonical), zap.Error(err))
			note = err.Error()
		}
		if note != "" {
			notes = append(notes, note)
		}
		if cacc != nil {
			if key, strategy, ok := ExtractKey(cacc); ok {
				r.found(StageCanonical, canonical, strategy)
				return key, canonical, r.programFor(cacc), nil
			}
		}
	}

	key, err := retry.Do(ctx, r.lookupPolicy(), func(ctx context.Context) ([32]byte, error) {
		raw, err := r.lookup.LookupMXEKey(ctx, program)
		if err != nil {
			return [32]byte{}, err
		}
		if len(raw) != 32 {
			return [32]byte{}, fmt.Errorf("lookup returned %d-byte key", len(raw))
		}
		return [32]byte(raw), nil
	})
	if err == nil {
		r.found(StageLookup, account, "lookup")
		return key, account, program, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return [32]byte{}, pda.PublicKey{}, pda.PublicKey{}, ctxErr
	}
	notes = append(notes, fmt.Sprintf("key lookup failed after %d attempts: %v", r.policy.Attempts, err))

	r.onStage(StageFailed)
	return [32]byte{}, pda.PublicKey{}, pda.PublicKey{}, &NotReadyError{
		MXEAccount:   account,
		MXEProgramID: program,
		Notes:        notes,
	}
}

func (r *Resolver) lookupPolicy() retry.Policy {
	p := r.policy
	p.Notify = func(err error, next time.Duration) {
		r.logger.Debug("MXE key lookup failed, retrying", zap.Error(err), zap.Duration("next", next))
	}
	return p
}

// fetch returns the decoded account, or a diagnostic note when the
// account is missing or unreadable. Only transport failures are errors.
func (r *Resolver) fetch(ctx context.Context, addr pda.PublicKey) (*Account, string, error) {
	info, err := r.reader.GetAccountInfo(ctx, addr)
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch MXE account %s: %w", addr, err)
	}
	if info == nil {
		return nil, fmt.Sprintf("MXE account %s does not exist", addr), nil
	}

	acc, err := DecodeAccount(info.Data)
	if err != nil {
		r.logger.Debug("undecodable MXE account", zap.Stringer("account", addr), zap.Error(err))
		if errors.Is(err, ErrUnknownLayout) {
			return nil, fmt.Sprintf("MXE account %s has an unknown layout", addr), nil
		}
		return nil, fmt.Sprintf("MXE account %s: %v", addr, err), nil
	}
	return acc, "", nil
}

func (r *Resolver) found(stage string, account pda.PublicKey, strategy string) {
	r.logger.Debug("resolved MXE key",
		zap.String("stage", stage),
		zap.Stringer("account", account),
		zap.String("strategy", strategy))
	r.onStage(stage)
}

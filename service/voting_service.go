package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"go.uber.org/zap"

	"voting-client/blockchain/pda"
	"voting-client/blockchain/rpc"
	"voting-client/blockchain/tx"
	"voting-client/blockchain/ws"
	"voting-client/definitions"
	"voting-client/encryption"
	"voting-client/models"
)

const DefaultCircuitName = "verify_and_encrypt_vote"

// Instruction names as declared in the program definitions.
const (
	ixInitialize     = "initialize"
	ixCreateProposal = "create_proposal"
	ixCastVote       = "cast_vote"
	ixCloseProposal  = "close_proposal"
)

// Ledger is the part of the JSON-RPC client the service needs.
type Ledger interface {
	GetAccountInfo(ctx context.Context, addr pda.PublicKey) (*rpc.AccountInfo, error)
	GetLatestBlockhash(ctx context.Context) ([32]byte, error)
	SendTransaction(ctx context.Context, raw []byte) (string, error)
}

// ClusterResolver produces the MPC cluster material for one vote.
type ClusterResolver interface {
	Resolve(ctx context.Context, computationOffset uint64) (*models.ClusterConfig, error)
}

// AccountSubscriber delivers account changes.
type AccountSubscriber interface {
	SubscribeAccount(ctx context.Context, addr pda.PublicKey, ch chan<- ws.AccountUpdate) (event.Subscription, error)
}

// Journal keeps receipts of the votes this client submitted.
type Journal interface {
	Has(proposalID uint64, voter pda.PublicKey) bool
	Save(r models.VoteReceipt) error
	List(voter pda.PublicKey) []models.VoteReceipt
	Forget(proposalID uint64, voter pda.PublicKey)
}

type Config struct {
	ProgramID       pda.PublicKey
	ArciumProgramID pda.PublicKey
	CircuitName     string
	// CompDefAccount overrides the derived computation definition account.
	CompDefAccount *pda.PublicKey
	// DefinitionsSource is a path or http(s) URL of the program definitions.
	DefinitionsSource string
}

// VotingService builds, signs and submits voting program transactions
// and reads proposal state back from the ledger.
type VotingService struct {
	cfg        Config
	ledger     Ledger
	resolver   ClusterResolver
	subscriber AccountSubscriber
	journal    Journal
	deriver    *pda.Deriver
	crypto     *encryption.CryptoService
	metrics    *MetricsCollector
	logger     *zap.Logger
	now        func() time.Time
	offsets    func() uint64
	listLimit  uint64

	mu     sync.RWMutex
	idl    *definitions.IDL
	signer tx.Signer

	subMu sync.Mutex
	subs  map[string]*Subscription
}

type Option func(*VotingService)

// WithDefinitions uses already loaded program definitions instead of
// loading them on Connect.
func WithDefinitions(idl *definitions.IDL) Option {
	return func(s *VotingService) { s.idl = idl }
}

func WithSubscriber(sub AccountSubscriber) Option {
	return func(s *VotingService) { s.subscriber = sub }
}

// WithJournal makes CastVote refuse a second vote recorded in j. The
// receipt is written before the transaction is sent and dropped again if
// the ledger rejects it.
func WithJournal(j Journal) Option {
	return func(s *VotingService) { s.journal = j }
}

func WithCrypto(cs *encryption.CryptoService) Option {
	return func(s *VotingService) { s.crypto = cs }
}

func WithClock(now func() time.Time) Option {
	return func(s *VotingService) { s.now = now }
}

// WithComputationOffsets replaces the generator of per-vote computation
// offsets used when the caller does not supply one.
func WithComputationOffsets(next func() uint64) Option {
	return func(s *VotingService) { s.offsets = next }
}

// WithListLimit caps how many proposals GetAllProposals reads.
func WithListLimit(n uint64) Option {
	return func(s *VotingService) { s.listLimit = n }
}

func WithMetrics(mc *MetricsCollector) Option {
	return func(s *VotingService) { s.metrics = mc }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *VotingService) { s.logger = logger }
}

// Constructor
func NewVotingService(cfg Config, ledger Ledger, resolver ClusterResolver, opts ...Option) *VotingService {
	if cfg.CircuitName == "" {
		cfg.CircuitName = DefaultCircuitName
	}

	s := &VotingService{
		cfg:       cfg,
		ledger:    ledger,
		resolver:  resolver,
		deriver:   pda.NewDeriver(cfg.ProgramID, cfg.ArciumProgramID),
		crypto:    encryption.NewCryptoService(),
		metrics:   NewMetricsCollector(nil),
		logger:    zap.NewNop(),
		now:       time.Now,
		listLimit: DefaultListLimit,
		subs:      map[string]*Subscription{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.offsets == nil {
		s.offsets = s.nextComputationOffset
	}
	s.logger = s.logger.With(zap.String("component", "voting"))
	return s
}

// Connect loads the program definitions (once per process) and attaches
// the wallet. A nil signer gives a read-only client.
func (s *VotingService) Connect(ctx context.Context, signer tx.Signer) error {
	s.mu.RLock()
	idl := s.idl
	s.mu.RUnlock()

	if idl == nil {
		loaded, err := definitions.Load(ctx, s.cfg.DefinitionsSource)
		if err != nil {
			return fmt.Errorf("failed to load program definitions: %w", err)
		}
		idl = loaded
	}

	s.mu.Lock()
	s.idl = idl
	s.signer = signer
	s.mu.Unlock()

	if signer != nil {
		s.logger.Info("wallet connected", zap.Stringer("wallet", signer.PublicKey()))
	}
	return nil
}

// Wallet returns the connected wallet address.
func (s *VotingService) Wallet() (pda.PublicKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.signer == nil {
		return pda.PublicKey{}, ErrWalletNotConnected
	}
	return s.signer.PublicKey(), nil
}

func (s *VotingService) Metrics() *MetricsCollector {
	return s.metrics
}

func (s *VotingService) Deriver() *pda.Deriver {
	return s.deriver
}

func (s *VotingService) readOnly() (*definitions.IDL, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.idl == nil {
		return nil, ErrClientNotInitialized
	}
	return s.idl, nil
}

func (s *VotingService) session() (*definitions.IDL, tx.Signer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.signer == nil {
		return nil, nil, ErrWalletNotConnected
	}
	if s.idl == nil {
		return nil, nil, ErrClientNotInitialized
	}
	return s.idl, s.signer, nil
}

// InitializePlatform creates the Platform account with the wallet as the
// authority. It only succeeds once per program deployment.
func (s *VotingService) InitializePlatform(ctx context.Context) (sig string, err error) {
	defer s.record(OpInitializePlatform, time.Now(), &err)

	idl, signer, err := s.session()
	if err != nil {
		return "", err
	}

	ix, err := s.build(idl, ixInitialize, map[string]pda.PublicKey{
		"platform":       s.deriver.PlatformAddress(),
		"authority":      signer.PublicKey(),
		"system_program": pda.SystemProgramID,
	})
	if err != nil {
		return "", err
	}
	return s.submit(ctx, signer, ix)
}

type CreateProposalInput struct {
	Title        string        `json:"title"`
	Description  string        `json:"description"`
	Options      []string      `json:"options"`
	VotingPeriod time.Duration `json:"voting_period"`
}

type CreateProposalResult struct {
	Signature  string        `json:"signature"`
	ProposalID uint64        `json:"proposal_id"`
	Address    pda.PublicKey `json:"address"`
}

// normalize trims the text fields and checks the proposal shape.
func (in *CreateProposalInput) normalize() error {
	in.Title = strings.TrimSpace(in.Title)
	in.Description = strings.TrimSpace(in.Description)
	if in.Title == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidInput)
	}

	options := make([]string, 0, len(in.Options))
	for _, opt := range in.Options {
		opt = strings.TrimSpace(opt)
		if opt == "" {
			return fmt.Errorf("%w: options must not be empty", ErrInvalidInput)
		}
		options = append(options, opt)
	}
	if len(options) < models.MinOptions || len(options) > models.MaxOptions {
		return fmt.Errorf("%w: need %d to %d options, got %d",
			ErrInvalidInput, models.MinOptions, models.MaxOptions, len(options))
	}
	in.Options = options

	if in.VotingPeriod < time.Second {
		return fmt.Errorf("%w: voting period must be at least one second", ErrInvalidInput)
	}
	return nil
}

// CreateProposal allocates the next proposal id from the Platform counter
// and submits the proposal under it.
//
// The counter is read here and only claimed when the transaction lands.
// Two clients creating at the same time can read the same id; the ledger
// rejects the second submission and the caller may retry.
func (s *VotingService) CreateProposal(ctx context.Context, in CreateProposalInput) (res *CreateProposalResult, err error) {
	defer s.record(OpCreateProposal, time.Now(), &err)

	idl, signer, err := s.session()
	if err != nil {
		return nil, err
	}
	if err := in.normalize(); err != nil {
		return nil, err
	}

	platform, err := s.GetPlatform(ctx)
	if err != nil {
		if !errors.Is(err, ErrPlatformNotInitialized) {
			err = fmt.Errorf("%w: %w", ErrPlatformNotInitialized, err)
		}
		return nil, err
	}

	id := platform.ProposalCount
	proposal := s.deriver.ProposalAddress(id)

	ix, err := s.build(idl, ixCreateProposal, map[string]pda.PublicKey{
		"platform":       platform.Address,
		"proposal":       proposal,
		"creator":        signer.PublicKey(),
		"system_program": pda.SystemProgramID,
	}, in.Title, in.Description, in.Options, int64(in.VotingPeriod/time.Second))
	if err != nil {
		return nil, err
	}

	sig, err := s.submit(ctx, signer, ix)
	if err != nil {
		return nil, err
	}

	s.logger.Info("proposal created",
		zap.Uint64("proposal_id", id),
		zap.Stringer("proposal", proposal),
		zap.String("signature", sig))
	return &CreateProposalResult{Signature: sig, ProposalID: id, Address: proposal}, nil
}

type CastVoteInput struct {
	ProposalID  uint64 `json:"proposal_id"`
	OptionIndex int    `json:"option_index"`
	// ComputationOffset is generated when nil.
	ComputationOffset *uint64 `json:"computation_offset,omitempty"`
}

// CastVote encrypts the choice for the MPC cluster and submits it. The
// voter is the connected wallet.
func (s *VotingService) CastVote(ctx context.Context, in CastVoteInput) (sig string, err error) {
	defer s.record(OpCastVote, time.Now(), &err)

	idl, signer, err := s.session()
	if err != nil {
		return "", err
	}
	if in.OptionIndex < 0 || in.OptionIndex > 255 {
		return "", fmt.Errorf("%w: option index %d", ErrInvalidInput, in.OptionIndex)
	}
	option := uint8(in.OptionIndex)
	voter := signer.PublicKey()
	if s.journal != nil && s.journal.Has(in.ProposalID, voter) {
		return "", fmt.Errorf("%w: proposal %d", ErrAlreadyVoted, in.ProposalID)
	}

	proposal := s.deriver.ProposalAddress(in.ProposalID)
	voteRecord := s.deriver.VoteRecordAddress(proposal, voter)

	offset := s.offsets()
	if in.ComputationOffset != nil {
		offset = *in.ComputationOffset
	}

	cluster, err := s.resolver.Resolve(ctx, offset)
	if err != nil {
		return "", err
	}

	vote, err := s.crypto.EncryptVoteFields(voter, in.ProposalID, option, cluster.PublicKey)
	if err != nil {
		return "", err
	}

	compDef := s.deriver.CompDefAddress(cluster.MXEProgramID, pda.CompDefOffset(s.cfg.CircuitName))
	if s.cfg.CompDefAccount != nil {
		compDef = *s.cfg.CompDefAccount
	}
	info, err := s.ledger.GetAccountInfo(ctx, compDef)
	if err != nil {
		return "", fmt.Errorf("failed to read computation definition %s: %w", compDef, err)
	}
	if info == nil {
		return "", fmt.Errorf("%w (account %s, circuit %s)", ErrCompDefNotInitialized, compDef, s.cfg.CircuitName)
	}

	ix, err := s.build(idl, ixCastVote, map[string]pda.PublicKey{
		"proposal":            proposal,
		"payer":               signer.PublicKey(),
		"voter":               voter,
		"vote_record":         voteRecord,
		"sign_pda_account":    s.deriver.SignerAddress(),
		"mxe_account":         cluster.MXEAccount,
		"mempool_account":     cluster.MempoolAccount,
		"executing_pool":      cluster.ExecutingPool,
		"computation_account": cluster.ComputationAccount,
		"comp_def_account":    compDef,
		"cluster_account":     cluster.ClusterAccount,
		"pool_account":        s.deriver.FeePoolAddress(),
		"clock_account":       s.deriver.ClockAddress(),
		"system_program":      pda.SystemProgramID,
		"arcium_program":      s.cfg.ArciumProgramID,
	},
		offset,
		option,
		vote.VoterParts[0],
		vote.VoterParts[1],
		vote.VoterParts[2],
		vote.VoterParts[3],
		vote.ProposalID,
		vote.OptionIndex,
		vote.EphemeralPublicKey,
		vote.Nonce,
	)
	if err != nil {
		return "", err
	}

	receipt := models.VoteReceipt{
		ProposalID:        in.ProposalID,
		Voter:             voter,
		OptionIndex:       option,
		ComputationOffset: offset,
		CastAt:            s.now(),
	}
	s.saveReceipt(receipt)

	sig, err = s.submit(ctx, signer, ix)
	if err != nil {
		if s.journal != nil {
			s.journal.Forget(in.ProposalID, voter)
		}
		return "", err
	}
	receipt.Signature = sig
	s.saveReceipt(receipt)

	s.logger.Info("vote cast",
		zap.Uint64("proposal_id", in.ProposalID),
		zap.Uint64("computation_offset", offset),
		zap.Stringer("mxe_account", cluster.MXEAccount),
		zap.String("signature", sig))
	return sig, nil
}

func (s *VotingService) saveReceipt(r models.VoteReceipt) {
	if s.journal == nil {
		return
	}
	if err := s.journal.Save(r); err != nil {
		s.logger.Warn("failed to record vote receipt", zap.Uint64("proposal_id", r.ProposalID), zap.Error(err))
	}
}

// Receipts lists the locally recorded votes of the connected wallet.
func (s *VotingService) Receipts() ([]models.VoteReceipt, error) {
	_, signer, err := s.session()
	if err != nil {
		return nil, err
	}
	if s.journal == nil {
		return nil, nil
	}
	return s.journal.List(signer.PublicKey()), nil
}

// CloseProposal ends voting on a proposal. Only the authority may close.
func (s *VotingService) CloseProposal(ctx context.Context, proposalID uint64) (sig string, err error) {
	defer s.record(OpCloseProposal, time.Now(), &err)

	idl, signer, err := s.session()
	if err != nil {
		return "", err
	}

	ix, err := s.build(idl, ixCloseProposal, map[string]pda.PublicKey{
		"proposal":  s.deriver.ProposalAddress(proposalID),
		"authority": signer.PublicKey(),
	})
	if err != nil {
		return "", err
	}
	return s.submit(ctx, signer, ix)
}

func (s *VotingService) build(idl *definitions.IDL, name string, accounts map[string]pda.PublicKey, args ...any) (tx.Instruction, error) {
	def, err := idl.Instruction(name)
	if err != nil {
		return tx.Instruction{}, err
	}
	ix, err := def.Build(s.cfg.ProgramID, accounts, args...)
	if err != nil {
		return tx.Instruction{}, fmt.Errorf("failed to build %s: %w", name, err)
	}
	return ix, nil
}

// submit signs a single-instruction transaction with the wallet as the
// fee payer and sends it.
func (s *VotingService) submit(ctx context.Context, signer tx.Signer, ix tx.Instruction) (string, error) {
	blockhash, err := s.ledger.GetLatestBlockhash(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get recent blockhash: %w", err)
	}

	msg, err := tx.NewMessage(signer.PublicKey(), []tx.Instruction{ix}, blockhash)
	if err != nil {
		return "", err
	}
	txn, err := tx.Sign(msg, signer)
	if err != nil {
		return "", err
	}

	sig, err := s.ledger.SendTransaction(ctx, txn.Serialize())
	if err != nil {
		return "", err
	}
	s.logger.Debug("transaction sent", zap.String("signature", sig), zap.Int("accounts", len(msg.AccountKeys)))
	return sig, nil
}

// nextComputationOffset keeps offsets unique per millisecond in practice.
func (s *VotingService) nextComputationOffset() uint64 {
	return uint64(s.now().UnixMilli())*1000 + rand.Uint64N(1000)
}

func (s *VotingService) record(op string, start time.Time, err *error) {
	s.metrics.Record(op, start, *err)
	if *err != nil {
		s.logger.Warn("operation failed", zap.String("operation", op), zap.Error(*err))
	}
}

// File: api/server.go
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"voting-client/blockchain/mxe"
	"voting-client/blockchain/pda"
	"voting-client/blockchain/rpc"
	"voting-client/encryption"
	"voting-client/models"
	"voting-client/service"
)

const shutdownTimeout = 10 * time.Second

// Voting is the part of the voting service the HTTP layer drives.
type Voting interface {
	InitializePlatform(ctx context.Context) (string, error)
	CreateProposal(ctx context.Context, in service.CreateProposalInput) (*service.CreateProposalResult, error)
	CastVote(ctx context.Context, in service.CastVoteInput) (string, error)
	CloseProposal(ctx context.Context, proposalID uint64) (string, error)
	GetPlatform(ctx context.Context) (*models.Platform, error)
	GetProposal(ctx context.Context, proposalID uint64) (*models.Proposal, error)
	GetAllProposals(ctx context.Context) ([]*models.Proposal, error)
	HasVoted(ctx context.Context, proposalID uint64, voter pda.PublicKey) (bool, error)
	SubscribeToProposal(ctx context.Context, proposalID uint64, onUpdate func(*models.Proposal)) (*service.Subscription, error)
	Receipts() ([]models.VoteReceipt, error)
	Wallet() (pda.PublicKey, error)
	Metrics() *service.MetricsCollector
}

type Server struct {
	voting   Voting
	gatherer prometheus.Gatherer
	logger   *zap.Logger
	now      func() time.Time
}

// ProposalView is a proposal with its derived display state.
type ProposalView struct {
	*models.Proposal
	Status        models.ProposalStatus `json:"status"`
	TimeRemaining string                `json:"time_remaining"`
	Tally         map[string]uint32     `json:"tally"`
}

type CreateProposalRequest struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Options     []string `json:"options"`
	// DurationSeconds is the voting period.
	DurationSeconds int64 `json:"duration_seconds"`
}

type CreateProposalResponse struct {
	*service.CreateProposalResult
	// PlatformSignature is set when the platform had to be initialized first.
	PlatformSignature string `json:"platform_signature,omitempty"`
}

type CastVoteRequest struct {
	ProposalID        uint64  `json:"proposal_id"`
	OptionIndex       int     `json:"option_index"`
	ComputationOffset *uint64 `json:"computation_offset,omitempty"`
}

type CloseProposalRequest struct {
	ProposalID uint64 `json:"proposal_id"`
}

type SignatureResponse struct {
	Signature string `json:"signature"`
}

type ErrorResponse struct {
	Error string   `json:"error"`
	Logs  []string `json:"logs,omitempty"`
}

// NewServer serves the voting service over HTTP. A nil gatherer disables
// the /metrics endpoint.
func NewServer(voting Voting, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		voting:   voting,
		gatherer: gatherer,
		logger:   logger.With(zap.String("component", "api")),
		now:      time.Now,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/platform", s.handleGetPlatform)
	mux.HandleFunc("/api/platform/initialize", s.handleInitializePlatform)
	mux.HandleFunc("/api/proposals", s.handleProposals)
	mux.HandleFunc("/api/proposal", s.handleGetProposal)
	mux.HandleFunc("/api/proposal/close", s.handleCloseProposal)
	mux.HandleFunc("/api/proposal/watch", s.handleWatchProposal)
	mux.HandleFunc("/api/vote", s.handleCastVote)
	mux.HandleFunc("/api/has-voted", s.handleHasVoted)
	mux.HandleFunc("/api/receipts", s.handleReceipts)
	mux.HandleFunc("/api/stats", s.handleStats)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Start serves on addr until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting voting API", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	}
}

func (s *Server) handleInitializePlatform(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sig, err := s.voting.InitializePlatform(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SignatureResponse{Signature: sig})
}

func (s *Server) handleGetPlatform(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	platform, err := s.voting.GetPlatform(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, platform)
}

func (s *Server) handleProposals(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listProposals(w, r)
	case http.MethodPost:
		s.createProposal(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) listProposals(w http.ResponseWriter, r *http.Request) {
	proposals, err := s.voting.GetAllProposals(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	views := make([]ProposalView, 0, len(proposals))
	for _, p := range proposals {
		views = append(views, s.view(p))
	}
	writeJSON(w, http.StatusOK, views)
}

// createProposal initializes the platform once when it is missing and
// retries the creation.
func (s *Server) createProposal(w http.ResponseWriter, r *http.Request) {
	var req CreateProposalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	in := service.CreateProposalInput{
		Title:        req.Title,
		Description:  req.Description,
		Options:      req.Options,
		VotingPeriod: time.Duration(req.DurationSeconds) * time.Second,
	}

	var resp CreateProposalResponse
	res, err := s.voting.CreateProposal(r.Context(), in)
	if errors.Is(err, service.ErrPlatformNotInitialized) {
		s.logger.Info("platform missing, initializing before retry")
		resp.PlatformSignature, err = s.voting.InitializePlatform(r.Context())
		if err == nil {
			res, err = s.voting.CreateProposal(r.Context(), in)
		}
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp.CreateProposalResult = res
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id, err := proposalID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	p, err := s.voting.GetProposal(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(p))
}

func (s *Server) handleCastVote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req CastVoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	sig, err := s.voting.CastVote(r.Context(), service.CastVoteInput{
		ProposalID:        req.ProposalID,
		OptionIndex:       req.OptionIndex,
		ComputationOffset: req.ComputationOffset,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SignatureResponse{Signature: sig})
}

func (s *Server) handleCloseProposal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req CloseProposalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	sig, err := s.voting.CloseProposal(r.Context(), req.ProposalID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SignatureResponse{Signature: sig})
}

// handleHasVoted checks the voter query parameter, or the connected wallet
// when it is absent.
func (s *Server) handleHasVoted(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id, err := proposalID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var voter pda.PublicKey
	if raw := r.URL.Query().Get("voter"); raw != "" {
		if voter, err = pda.ParsePublicKey(raw); err != nil {
			http.Error(w, "Invalid voter address", http.StatusBadRequest)
			return
		}
	} else if voter, err = s.voting.Wallet(); err != nil {
		s.writeError(w, err)
		return
	}

	voted, err := s.voting.HasVoted(r.Context(), id, voter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		ProposalID uint64        `json:"proposal_id"`
		Voter      pda.PublicKey `json:"voter"`
		HasVoted   bool          `json:"has_voted"`
	}{id, voter, voted})
}

// handleWatchProposal streams proposal updates as server-sent events until
// the client goes away.
func (s *Server) handleWatchProposal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	id, err := proposalID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	updates := make(chan *models.Proposal, 1)
	sub, err := s.voting.SubscribeToProposal(r.Context(), id, func(p *models.Proposal) {
		// Only the latest state matters to a watcher.
		select {
		case <-updates:
		default:
		}
		updates <- p
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer sub.Unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case p := <-updates:
			data, err := json.Marshal(s.view(p))
			if err != nil {
				s.logger.Warn("failed to encode proposal update", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: proposal\ndata: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		case <-sub.Done():
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleReceipts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	receipts, err := s.voting.Receipts()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if receipts == nil {
		receipts = []models.VoteReceipt{}
	}
	writeJSON(w, http.StatusOK, receipts)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.voting.Metrics().GetMetrics())
}

func (s *Server) view(p *models.Proposal) ProposalView {
	return NewProposalView(p, s.now())
}

// NewProposalView renders p as seen at now.
func NewProposalView(p *models.Proposal, now time.Time) ProposalView {
	return ProposalView{
		Proposal:      p,
		Status:        p.Status(now),
		TimeRemaining: p.TimeRemaining(now),
		Tally:         p.Tally(),
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Error: err.Error()}

	var rpcErr *rpc.Error
	if errors.As(err, &rpcErr) {
		resp.Logs = rpcErr.Logs
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, status, resp)
}

func statusFor(err error) int {
	var rpcErr *rpc.Error
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrProposalNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrAlreadyVoted):
		return http.StatusConflict
	case errors.Is(err, service.ErrPlatformNotInitialized),
		errors.Is(err, service.ErrCompDefNotInitialized),
		errors.Is(err, service.ErrMXENotReady):
		return http.StatusPreconditionFailed
	case errors.Is(err, service.ErrWalletNotConnected),
		errors.Is(err, service.ErrClientNotInitialized),
		errors.Is(err, service.ErrNoSubscriber):
		return http.StatusServiceUnavailable
	case errors.As(err, &rpcErr):
		return http.StatusBadGateway
	case errors.Is(err, mxe.ErrMissingAccountConfig),
		errors.Is(err, encryption.ErrMalformedCiphertext):
		return http.StatusInternalServerError
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func proposalID(r *http.Request) (uint64, error) {
	raw := r.URL.Query().Get("id")
	if raw == "" {
		return 0, errors.New("Proposal id is required")
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("Invalid proposal id %q", raw)
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

package service

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"voting-client/blockchain/pda"
	"voting-client/blockchain/ws"
	"voting-client/definitions"
	"voting-client/models"
)

const (
	listConcurrency = 8
	updateBuffer    = 16

	// DefaultListLimit bounds how many of the newest proposals
	// GetAllProposals reads.
	DefaultListLimit = 1000
)

var ErrNoSubscriber = errors.New("account subscriptions are not configured")

// GetPlatform reads the singleton Platform account.
func (s *VotingService) GetPlatform(ctx context.Context) (*models.Platform, error) {
	idl, err := s.readOnly()
	if err != nil {
		return nil, err
	}

	addr := s.deriver.PlatformAddress()
	info, err := s.ledger.GetAccountInfo(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to read platform %s: %w", addr, err)
	}
	if info == nil {
		return nil, ErrPlatformNotInitialized
	}
	return decodePlatform(idl, addr, info.Data)
}

func (s *VotingService) GetProposal(ctx context.Context, proposalID uint64) (p *models.Proposal, err error) {
	defer s.record(OpGetProposal, time.Now(), &err)

	idl, err := s.readOnly()
	if err != nil {
		return nil, err
	}
	return s.fetchProposal(ctx, idl, proposalID)
}

// GetAllProposals reads ids 0..proposalCount-1 concurrently, or only the
// newest ids when the count exceeds the list limit. A proposal that cannot
// be read is left out. The result is ordered newest first.
func (s *VotingService) GetAllProposals(ctx context.Context) (out []*models.Proposal, err error) {
	defer s.record(OpGetAllProposals, time.Now(), &err)

	idl, err := s.readOnly()
	if err != nil {
		return nil, err
	}
	platform, err := s.GetPlatform(ctx)
	if err != nil {
		return nil, err
	}

	count := platform.ProposalCount
	var first uint64
	if count > s.listLimit {
		first = count - s.listLimit
		s.logger.Warn("proposal count above list limit, listing newest only",
			zap.Uint64("proposal_count", count), zap.Uint64("limit", s.listLimit))
	}

	var (
		mu    sync.Mutex
		found []*models.Proposal
	)
	var g errgroup.Group
	g.SetLimit(listConcurrency)
	for id := first; id < count && ctx.Err() == nil; id++ {
		g.Go(func() error {
			p, err := s.fetchProposal(ctx, idl, id)
			if err != nil {
				s.logger.Debug("skipping unreadable proposal", zap.Uint64("proposal_id", id), zap.Error(err))
				return nil
			}
			mu.Lock()
			found = append(found, p)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	slices.SortFunc(found, func(a, b *models.Proposal) int { return cmp.Compare(b.ID, a.ID) })
	return found, nil
}

func (s *VotingService) fetchProposal(ctx context.Context, idl *definitions.IDL, proposalID uint64) (*models.Proposal, error) {
	addr := s.deriver.ProposalAddress(proposalID)
	info, err := s.ledger.GetAccountInfo(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to read proposal %d: %w", proposalID, err)
	}
	if info == nil {
		return nil, fmt.Errorf("%w: %d", ErrProposalNotFound, proposalID)
	}
	return decodeProposal(idl, addr, info.Data)
}

// HasVoted reports whether the vote record of voter on the proposal
// exists. The record carries no data of interest.
func (s *VotingService) HasVoted(ctx context.Context, proposalID uint64, voter pda.PublicKey) (bool, error) {
	record := s.deriver.VoteRecordAddress(s.deriver.ProposalAddress(proposalID), voter)
	info, err := s.ledger.GetAccountInfo(ctx, record)
	if err != nil {
		return false, fmt.Errorf("failed to read vote record %s: %w", record, err)
	}
	return info != nil, nil
}

// Subscription is a live proposal watch. Unsubscribe must be called to
// release it.
type Subscription struct {
	ID         string
	ProposalID uint64

	svc   *VotingService
	inner event.Subscription
	quit  chan struct{}
	done  chan struct{}
	once  sync.Once

	// busy is set while a callback runs.
	busy atomic.Bool
}

// Unsubscribe stops the callbacks and waits for the last one to return.
// While a callback is running, including when the callback itself
// unsubscribes, it returns at once; Done is closed when that callback
// returns.
func (sub *Subscription) Unsubscribe() {
	sub.once.Do(func() {
		close(sub.quit)
		sub.svc.forget(sub.ID)
	})
	if !sub.busy.Load() {
		<-sub.done
	}
}

// Done is closed once no more callbacks will be made.
func (sub *Subscription) Done() <-chan struct{} {
	return sub.done
}

// SubscribeToProposal calls onUpdate with the decoded proposal after every
// change of its account. Updates that fail to decode are logged and
// skipped. Callbacks run on one goroutine per subscription.
func (s *VotingService) SubscribeToProposal(ctx context.Context, proposalID uint64, onUpdate func(*models.Proposal)) (*Subscription, error) {
	idl, err := s.readOnly()
	if err != nil {
		return nil, err
	}
	if s.subscriber == nil {
		return nil, ErrNoSubscriber
	}

	addr := s.deriver.ProposalAddress(proposalID)
	ch := make(chan ws.AccountUpdate, updateBuffer)
	inner, err := s.subscriber.SubscribeAccount(ctx, addr, ch)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to proposal %d: %w", proposalID, err)
	}

	sub := &Subscription{
		ID:         uuid.New().String(),
		ProposalID: proposalID,
		svc:        s,
		inner:      inner,
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}

	s.subMu.Lock()
	s.subs[sub.ID] = sub
	s.subMu.Unlock()

	logger := s.logger.With(zap.Uint64("proposal_id", proposalID), zap.String("subscription", sub.ID))
	go func() {
		defer close(sub.done)
		defer inner.Unsubscribe()

		for {
			select {
			case u := <-ch:
				select {
				case <-sub.quit:
					return
				default:
				}
				if u.Account == nil {
					continue
				}
				p, err := decodeProposal(idl, addr, u.Account.Data)
				if err != nil {
					logger.Warn("dropping undecodable proposal update", zap.Uint64("slot", u.Slot), zap.Error(err))
					continue
				}
				sub.busy.Store(true)
				onUpdate(p)
				sub.busy.Store(false)
			case err, ok := <-inner.Err():
				if ok && err != nil {
					logger.Warn("proposal subscription ended", zap.Error(err))
				}
				return
			case <-sub.quit:
				return
			}
		}
	}()

	logger.Debug("proposal subscription started")
	return sub, nil
}

// Unsubscribe releases the subscription with the given id. It reports
// whether the id was live.
func (s *VotingService) Unsubscribe(id string) bool {
	s.subMu.Lock()
	sub, ok := s.subs[id]
	s.subMu.Unlock()
	if !ok {
		return false
	}
	sub.Unsubscribe()
	return true
}

// Close releases every live subscription.
func (s *VotingService) Close() {
	s.subMu.Lock()
	subs := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subMu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

func (s *VotingService) forget(id string) {
	s.subMu.Lock()
	delete(s.subs, id)
	s.subMu.Unlock()
}

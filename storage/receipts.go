package storage

import (
	"cmp"
	"slices"
	"sync"

	"voting-client/blockchain/pda"
	"voting-client/models"
)

type receiptKey struct {
	proposalID uint64
	voter      pda.PublicKey
}

// ReceiptStore remembers the votes submitted by this process, one receipt
// per proposal and voter. Nothing is written to disk; the ledger's vote
// records remain the durable source of truth.
type ReceiptStore struct {
	mu       sync.RWMutex
	receipts map[receiptKey]models.VoteReceipt
}

func NewReceiptStore() *ReceiptStore {
	return &ReceiptStore{
		receipts: make(map[receiptKey]models.VoteReceipt),
	}
}

// Has reports whether a vote on the proposal was recorded for voter.
func (s *ReceiptStore) Has(proposalID uint64, voter pda.PublicKey) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.receipts[receiptKey{proposalID, voter}]
	return ok
}

// Save records r, replacing an earlier receipt for the same proposal and
// voter.
func (s *ReceiptStore) Save(r models.VoteReceipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts[receiptKey{r.ProposalID, r.Voter}] = r
	return nil
}

// List returns a copy of the receipts of voter, newest proposal first.
func (s *ReceiptStore) List(voter pda.PublicKey) []models.VoteReceipt {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.VoteReceipt, 0)
	for key, r := range s.receipts {
		if key.voter == voter {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b models.VoteReceipt) int {
		return cmp.Compare(b.ProposalID, a.ProposalID)
	})
	return out
}

// Forget drops the receipt of voter on the proposal after the ledger
// rejected the vote.
func (s *ReceiptStore) Forget(proposalID uint64, voter pda.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.receipts, receiptKey{proposalID, voter})
}

// File: models/proposal.go
package models

import (
	"fmt"
	"time"

	"voting-client/blockchain/pda"
)

const (
	MinOptions = 2
	MaxOptions = 5
)

type ProposalStatus string

const (
	StatusActive ProposalStatus = "active"
	StatusClosed ProposalStatus = "closed"
)

// Proposal is the normalized view of an on-chain proposal account.
type Proposal struct {
	ID          uint64        `json:"id"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Options     []string      `json:"options"`
	VoteCounts  []uint32      `json:"vote_counts"`
	EndTime     int64         `json:"end_time"`
	IsActive    bool          `json:"is_active"`
	TotalVotes  uint64        `json:"total_votes"`
	Address     pda.PublicKey `json:"address"`
}

// Validate checks the parallel-array invariant of the account.
func (p *Proposal) Validate() error {
	if len(p.VoteCounts) != len(p.Options) {
		return fmt.Errorf("proposal %d: %d vote counters for %d options", p.ID, len(p.VoteCounts), len(p.Options))
	}
	return nil
}

func (p *Proposal) EndsAt() time.Time {
	return time.Unix(p.EndTime, 0)
}

// Status is active only while the flag is set and the end time is ahead.
func (p *Proposal) Status(now time.Time) ProposalStatus {
	if p.IsActive && p.EndsAt().After(now) {
		return StatusActive
	}
	return StatusClosed
}

// Tally maps each option label to its counter.
func (p *Proposal) Tally() map[string]uint32 {
	tally := make(map[string]uint32, len(p.Options))
	for i, option := range p.Options {
		if i < len(p.VoteCounts) {
			tally[option] = p.VoteCounts[i]
		} else {
			tally[option] = 0
		}
	}
	return tally
}

// TimeRemaining renders the time left until the end of voting.
func (p *Proposal) TimeRemaining(now time.Time) string {
	diff := p.EndsAt().Sub(now)
	if diff <= 0 {
		return "Ended"
	}

	days := int(diff / (24 * time.Hour))
	hours := int((diff % (24 * time.Hour)) / time.Hour)
	minutes := int((diff % time.Hour) / time.Minute)

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	default:
		return fmt.Sprintf("%dm", minutes)
	}
}

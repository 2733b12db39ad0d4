package service

import (
	"fmt"

	"voting-client/blockchain/pda"
	"voting-client/definitions"
	"voting-client/models"
)

const (
	accountPlatform = "Platform"
	accountProposal = "Proposal"
)

// decodePlatform reads authority(pubkey) proposal_count(u64).
func decodePlatform(idl *definitions.IDL, addr pda.PublicKey, data []byte) (*models.Platform, error) {
	body, err := idl.StripAccount(accountPlatform, data)
	if err != nil {
		return nil, err
	}

	d := definitions.NewDecoder(body)
	p := &models.Platform{
		Authority:     d.PublicKey(),
		ProposalCount: d.U64(),
		Address:       addr,
	}
	if err := d.Err(); err != nil {
		return nil, fmt.Errorf("invalid platform account: %w", err)
	}
	return p, nil
}

// decodeProposal reads id(u64) title description options(vec<string>)
// vote_counts(vec<u32>) end_time(i64) is_active(bool) total_votes(u64).
func decodeProposal(idl *definitions.IDL, addr pda.PublicKey, data []byte) (*models.Proposal, error) {
	body, err := idl.StripAccount(accountProposal, data)
	if err != nil {
		return nil, err
	}

	d := definitions.NewDecoder(body)
	p := &models.Proposal{
		ID:          d.U64(),
		Title:       d.Str(),
		Description: d.Str(),
		Options:     d.StringVec(),
		VoteCounts:  d.U32Vec(),
		EndTime:     d.I64(),
		IsActive:    d.Bool(),
		TotalVotes:  d.U64(),
		Address:     addr,
	}
	if err := d.Err(); err != nil {
		return nil, fmt.Errorf("invalid proposal account: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

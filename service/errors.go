package service

import (
	"errors"

	"voting-client/blockchain/mxe"
)

var (
	ErrWalletNotConnected   = errors.New("wallet not connected")
	ErrClientNotInitialized = errors.New("voting client not initialized")

	// ErrPlatformNotInitialized means the Platform account could not be read.
	ErrPlatformNotInitialized = errors.New("platform not initialized: run InitializePlatform once with the admin wallet")

	// ErrCompDefNotInitialized means the computation definition of the vote
	// circuit does not exist on the ledger yet.
	ErrCompDefNotInitialized = errors.New("computation definition not initialized: run init_verify_vote_comp_def once with the deployer authority wallet, then retry voting")

	ErrProposalNotFound = errors.New("proposal not found")
	ErrInvalidInput     = errors.New("invalid input")

	// ErrAlreadyVoted is returned when the local receipt journal already
	// holds a vote of the wallet on the proposal.
	ErrAlreadyVoted = errors.New("already voted on this proposal")

	ErrMXENotReady = mxe.ErrMXENotReady
)

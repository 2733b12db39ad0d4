// File: models/types.go
package models

import "voting-client/blockchain/pda"

// ClusterConfig is the MPC cluster material resolved for a single vote.
// It is built fresh per submission and never cached.
type ClusterConfig struct {
	PublicKey          [32]byte      // PublicKey is the cluster's x25519 encryption key
	MXEAccount         pda.PublicKey // MXEAccount is the account the key was read from
	MXEProgramID       pda.PublicKey // MXEProgramID owns the computation definition
	MempoolAccount     pda.PublicKey
	ExecutingPool      pda.PublicKey
	ClusterAccount     pda.PublicKey
	ComputationAccount pda.PublicKey
	ClusterOffset      uint32
	ComputationOffset  uint64
}

// Platform is the singleton global state of the voting program.
type Platform struct {
	Authority     pda.PublicKey `json:"authority"`
	ProposalCount uint64        `json:"proposal_count"`
	Address       pda.PublicKey `json:"address"`
}

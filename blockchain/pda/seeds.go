// File: blockchain/pda/seeds.go
package pda

import (
	"crypto/sha256"
	"encoding/binary"
)

// Seed prefixes used by the voting program.
const (
	SeedPlatform = "platform"
	SeedProposal = "proposal"
	SeedVote     = "vote"
	SeedSigner   = "ArciumSignerAccount"
)

// Seed prefixes used by the MPC program.
const (
	SeedMXE           = "MXEAccount"
	SeedMempool       = "Mempool"
	SeedExecpool      = "Execpool"
	SeedCluster       = "Cluster"
	SeedComputation   = "ComputationAccount"
	SeedCompDef       = "ComputationDefinitionAccount"
	SeedFeePool       = "FeePool"
	SeedClock         = "ClockAccount"
	DefaultArciumProg = "Arcj82pX7HxYKLR92qvgZUAd7vGS1k4hQvAFcPATFdEQ"
)

func U64LE(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

func U32LE(v uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	return buf
}

// CompDefOffset maps a circuit name to the numeric offset the program
// expects: the first four bytes, little-endian, of SHA-256(name).
func CompDefOffset(circuitName string) uint32 {
	digest := sha256.Sum256([]byte(circuitName))
	return binary.LittleEndian.Uint32(digest[:4])
}

// Deriver derives every protocol address from the two program ids.
type Deriver struct {
	ProgramID       PublicKey // ProgramID is the voting program
	ArciumProgramID PublicKey // ArciumProgramID owns the MPC accounts
}

func NewDeriver(programID, arciumProgramID PublicKey) *Deriver {
	return &Deriver{ProgramID: programID, ArciumProgramID: arciumProgramID}
}

func (d *Deriver) find(programID PublicKey, seeds ...[]byte) PublicKey {
	// Fixed-width seeds below the limits always yield an address.
	addr, _, err := FindProgramAddress(seeds, programID)
	if err != nil {
		panic(err)
	}
	return addr
}

func (d *Deriver) PlatformAddress() PublicKey {
	return d.find(d.ProgramID, []byte(SeedPlatform))
}

func (d *Deriver) ProposalAddress(proposalID uint64) PublicKey {
	return d.find(d.ProgramID, []byte(SeedProposal), U64LE(proposalID))
}

func (d *Deriver) VoteRecordAddress(proposal, voter PublicKey) PublicKey {
	return d.find(d.ProgramID, []byte(SeedVote), proposal[:], voter[:])
}

func (d *Deriver) SignerAddress() PublicKey {
	return d.find(d.ProgramID, []byte(SeedSigner))
}

func (d *Deriver) MXEAddress(mxeProgramID PublicKey) PublicKey {
	return d.find(d.ArciumProgramID, []byte(SeedMXE), mxeProgramID[:])
}

func (d *Deriver) MempoolAddress(clusterOffset uint32) PublicKey {
	return d.find(d.ArciumProgramID, []byte(SeedMempool), U32LE(clusterOffset))
}

func (d *Deriver) ExecpoolAddress(clusterOffset uint32) PublicKey {
	return d.find(d.ArciumProgramID, []byte(SeedExecpool), U32LE(clusterOffset))
}

func (d *Deriver) ClusterAddress(clusterOffset uint32) PublicKey {
	return d.find(d.ArciumProgramID, []byte(SeedCluster), U32LE(clusterOffset))
}

func (d *Deriver) ComputationAddress(clusterOffset uint32, computationOffset uint64) PublicKey {
	return d.find(d.ArciumProgramID, []byte(SeedComputation), U32LE(clusterOffset), U64LE(computationOffset))
}

func (d *Deriver) CompDefAddress(mxeProgramID PublicKey, compDefOffset uint32) PublicKey {
	return d.find(d.ArciumProgramID, []byte(SeedCompDef), mxeProgramID[:], U32LE(compDefOffset))
}

func (d *Deriver) FeePoolAddress() PublicKey {
	return d.find(d.ArciumProgramID, []byte(SeedFeePool))
}

func (d *Deriver) ClockAddress() PublicKey {
	return d.find(d.ArciumProgramID, []byte(SeedClock))
}

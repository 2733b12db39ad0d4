package mxe

import (
	"errors"
	"fmt"
	"strings"

	"voting-client/blockchain/pda"
)

var (
	// ErrMXENotReady means no usable cluster encryption key was found.
	ErrMXENotReady = errors.New("MXE is not ready for encrypted voting")

	// ErrMissingAccountConfig means neither a cluster offset nor the full
	// set of explicit cluster accounts is configured.
	ErrMissingAccountConfig = errors.New(
		"missing cluster offset or explicit mempool/executing pool/cluster/computation accounts")
)

// NotReadyError carries what the resolver tried before giving up.
type NotReadyError struct {
	MXEAccount   pda.PublicKey
	MXEProgramID pda.PublicKey
	Notes        []string
}

func (e *NotReadyError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: no valid 32-byte x25519 key for MXE account %s (MXE program %s)",
		ErrMXENotReady, e.MXEAccount, e.MXEProgramID)
	for _, note := range e.Notes {
		b.WriteString("; ")
		b.WriteString(note)
	}
	b.WriteString("; verify MXE initialization and computation definition setup, then retry")
	return b.String()
}

func (e *NotReadyError) Unwrap() error {
	return ErrMXENotReady
}

package mxe

import (
	"context"
	"errors"
	"fmt"

	"voting-client/blockchain/pda"
	"voting-client/blockchain/rpc"
)

// AccountReader fetches raw ledger accounts. A missing account is
// (nil, nil).
type AccountReader interface {
	GetAccountInfo(ctx context.Context, addr pda.PublicKey) (*rpc.AccountInfo, error)
}

// KeyLookup is the last-resort source of the cluster key.
type KeyLookup interface {
	LookupMXEKey(ctx context.Context, mxeProgram pda.PublicKey) ([]byte, error)
}

var errAccountMissing = errors.New("MXE account does not exist")

// CanonicalLookup reads the canonical MXE account of a program on every
// call, trying every known layout.
type CanonicalLookup struct {
	reader  AccountReader
	deriver *pda.Deriver
}

func NewCanonicalLookup(reader AccountReader, deriver *pda.Deriver) *CanonicalLookup {
	return &CanonicalLookup{reader: reader, deriver: deriver}
}

func (l *CanonicalLookup) LookupMXEKey(ctx context.Context, mxeProgram pda.PublicKey) ([]byte, error) {
	addr := l.deriver.MXEAddress(mxeProgram)
	info, err := l.reader.GetAccountInfo(ctx, addr)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, fmt.Errorf("%w: %s", errAccountMissing, addr)
	}

	acc, err := DecodeAccount(info.Data)
	if err != nil {
		return nil, err
	}
	key, _, ok := ExtractKey(acc)
	if !ok {
		return nil, fmt.Errorf("MXE account %s has no published key yet", addr)
	}
	return key[:], nil
}

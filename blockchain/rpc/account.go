package rpc

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	"voting-client/blockchain/pda"
)

// rpcAccount is the account object shared by getAccountInfo,
// getMultipleAccounts and accountNotification.
type rpcAccount struct {
	Data       []string `json:"data"`
	Executable bool     `json:"executable"`
	Lamports   uint64   `json:"lamports"`
	Owner      string   `json:"owner"`
}

// DecodeAll on a shared decoder is safe for concurrent use.
var zstdDecoder = sync.OnceValues(func() (*zstd.Decoder, error) {
	return zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
})

// ParseAccount decodes an account object as sent by the node. A JSON null
// yields (nil, nil).
func ParseAccount(raw json.RawMessage) (*AccountInfo, error) {
	var acc *rpcAccount
	if err := json.Unmarshal(raw, &acc); err != nil {
		return nil, fmt.Errorf("invalid account object: %w", err)
	}
	if acc == nil {
		return nil, nil
	}
	return decodeAccount(acc)
}

func decodeAccount(raw *rpcAccount) (*AccountInfo, error) {
	owner, err := pda.ParsePublicKey(raw.Owner)
	if err != nil {
		return nil, fmt.Errorf("invalid account owner: %w", err)
	}

	data, err := decodeData(raw.Data)
	if err != nil {
		return nil, err
	}

	return &AccountInfo{
		Owner:      owner,
		Lamports:   raw.Lamports,
		Data:       data,
		Executable: raw.Executable,
	}, nil
}

// decodeData handles the ["<payload>", "<encoding>"] pair.
func decodeData(pair []string) ([]byte, error) {
	if len(pair) != 2 {
		return nil, fmt.Errorf("unexpected account data shape: %d elements", len(pair))
	}

	payload, err := base64.StdEncoding.DecodeString(pair[0])
	if err != nil {
		return nil, fmt.Errorf("invalid base64 account data: %w", err)
	}

	switch pair[1] {
	case EncodingBase64:
		return payload, nil
	case EncodingBase64Zstd:
		if len(payload) == 0 {
			return payload, nil
		}
		dec, err := zstdDecoder()
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		out, err := dec.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("invalid zstd account data: %w", err)
		}
		return out, nil
	default:
		return nil, errors.New("unsupported account data encoding " + pair[1])
	}
}

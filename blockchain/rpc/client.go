// File: blockchain/rpc/client.go
package rpc

import (
	"context"
	"encoding/base64"
	"fmt"

	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"voting-client/blockchain/pda"
)

const (
	EncodingBase64     = "base64"
	EncodingBase64Zstd = "base64+zstd"

	CommitmentConfirmed = "confirmed"
)

// AccountInfo is a ledger account as returned by getAccountInfo.
type AccountInfo struct {
	Owner      pda.PublicKey
	Lamports   uint64
	Data       []byte
	Executable bool
}

// Client talks JSON-RPC 2.0 to a ledger node.
type Client struct {
	rpc        *gethrpc.Client
	commitment string
	encoding   string
	logger     *zap.Logger
}

type Option func(*Client)

func WithCommitment(commitment string) Option {
	return func(c *Client) { c.commitment = commitment }
}

// WithEncoding selects the account data encoding requested from the node.
func WithEncoding(encoding string) Option {
	return func(c *Client) { c.encoding = encoding }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// Dial connects to an http(s) or ws(s) endpoint.
func Dial(ctx context.Context, endpoint string, opts ...Option) (*Client, error) {
	raw, err := gethrpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", endpoint, err)
	}
	return NewClient(raw, opts...)
}

// NewClient wraps an already connected JSON-RPC client.
func NewClient(raw *gethrpc.Client, opts ...Option) (*Client, error) {
	c := &Client{
		rpc:        raw,
		commitment: CommitmentConfirmed,
		encoding:   EncodingBase64,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Close() {
	c.rpc.Close()
}

type rpcContext struct {
	Slot uint64 `json:"slot"`
}

// GetAccountInfo returns nil without error when the account does not exist.
func (c *Client) GetAccountInfo(ctx context.Context, addr pda.PublicKey) (*AccountInfo, error) {
	var resp struct {
		Context rpcContext  `json:"context"`
		Value   *rpcAccount `json:"value"`
	}

	if err := c.call(ctx, &resp, "getAccountInfo", addr.String(), c.accountOpts()); err != nil {
		return nil, err
	}
	if resp.Value == nil {
		return nil, nil
	}
	return decodeAccount(resp.Value)
}

// GetLatestBlockhash returns the recent blockhash used to sign transactions.
func (c *Client) GetLatestBlockhash(ctx context.Context) ([32]byte, error) {
	var resp struct {
		Context rpcContext `json:"context"`
		Value   struct {
			Blockhash            string `json:"blockhash"`
			LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
		} `json:"value"`
	}
	if err := c.call(ctx, &resp, "getLatestBlockhash", map[string]any{"commitment": c.commitment}); err != nil {
		return [32]byte{}, err
	}

	hash, err := pda.ParsePublicKey(resp.Value.Blockhash)
	if err != nil {
		return [32]byte{}, fmt.Errorf("invalid blockhash %q: %w", resp.Value.Blockhash, err)
	}
	return hash, nil
}

// SendTransaction submits a signed wire transaction and returns its
// base58 signature.
func (c *Client) SendTransaction(ctx context.Context, raw []byte) (string, error) {
	var sig string
	opts := map[string]any{
		"encoding":            EncodingBase64,
		"preflightCommitment": c.commitment,
	}
	if err := c.call(ctx, &sig, "sendTransaction", base64.StdEncoding.EncodeToString(raw), opts); err != nil {
		return "", err
	}
	c.logger.Debug("transaction submitted", zap.String("signature", sig))
	return sig, nil
}

func (c *Client) accountOpts() map[string]any {
	return map[string]any{
		"encoding":   c.encoding,
		"commitment": c.commitment,
	}
}

func (c *Client) call(ctx context.Context, result any, method string, args ...any) error {
	if err := c.rpc.CallContext(ctx, result, method, args...); err != nil {
		return wrapError(method, err)
	}
	return nil
}

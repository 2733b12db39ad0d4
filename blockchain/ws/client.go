// Package ws subscribes to ledger account changes over the node's
// websocket endpoint. One remote subscription per account is shared by
// every local subscriber.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"voting-client/blockchain/pda"
	"voting-client/blockchain/rpc"
)

const unsubscribeTimeout = 5 * time.Second

var ErrClosed = errors.New("websocket client closed")

// AccountUpdate is one accountNotification.
type AccountUpdate struct {
	Slot    uint64
	Account *rpc.AccountInfo
}

type Client struct {
	conn       *websocket.Conn
	commitment string
	logger     *zap.Logger

	writeMu sync.Mutex
	subMu   sync.Mutex // serializes subscribe and release

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan reply
	feeds   map[pda.PublicKey]*accountFeed
	bySub   map[uint64]*accountFeed
	err     error
	closing bool

	closeOnce sync.Once
	done      chan struct{}
}

type accountFeed struct {
	addr  pda.PublicKey
	subID uint64
	feed  event.Feed
	subs  map[*subscription]struct{}
}

type reply struct {
	result json.RawMessage
	err    error
}

type Option func(*Client)

func WithCommitment(commitment string) Option {
	return func(c *Client) { c.commitment = commitment }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// Dial connects and starts the reader goroutine. Close releases it.
func Dial(ctx context.Context, endpoint string, opts ...Option) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", endpoint, err)
	}

	c := &Client{
		conn:       conn,
		commitment: rpc.CommitmentConfirmed,
		logger:     zap.NewNop(),
		pending:    map[uint64]chan reply{},
		feeds:      map[pda.PublicKey]*accountFeed{},
		bySub:      map[uint64]*accountFeed{},
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	go c.readLoop()
	return c, nil
}

// SubscribeAccount delivers every change of addr to ch until the returned
// subscription is released.
func (c *Client) SubscribeAccount(ctx context.Context, addr pda.PublicKey, ch chan<- AccountUpdate) (event.Subscription, error) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	c.mu.Lock()
	af, ok := c.feeds[addr]
	c.mu.Unlock()

	if !ok {
		opts := map[string]string{"encoding": rpc.EncodingBase64, "commitment": c.commitment}
		raw, err := c.call(ctx, "accountSubscribe", addr.String(), opts)
		if err != nil {
			return nil, err
		}
		var subID uint64
		if err := json.Unmarshal(raw, &subID); err != nil {
			return nil, fmt.Errorf("invalid accountSubscribe result %s: %w", raw, err)
		}

		af = &accountFeed{addr: addr, subID: subID, subs: map[*subscription]struct{}{}}
		c.mu.Lock()
		c.feeds[addr] = af
		c.bySub[subID] = af
		c.mu.Unlock()
		c.logger.Debug("account subscribed", zap.Stringer("account", addr), zap.Uint64("subscription", subID))
	}

	sub := &subscription{
		client: c,
		feed:   af,
		inner:  af.feed.Subscribe(ch),
		err:    make(chan error, 1),
	}
	c.mu.Lock()
	af.subs[sub] = struct{}{}
	c.mu.Unlock()
	return sub, nil
}

// release drops one local subscriber and the remote subscription with it
// when it was the last.
func (c *Client) release(sub *subscription) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	c.mu.Lock()
	af := sub.feed
	delete(af.subs, sub)
	last := len(af.subs) == 0 && c.feeds[af.addr] == af
	if last {
		delete(c.feeds, af.addr)
		delete(c.bySub, af.subID)
	}
	dead := c.err != nil
	c.mu.Unlock()

	if !last || dead {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
	defer cancel()
	if _, err := c.call(ctx, "accountUnsubscribe", af.subID); err != nil {
		c.logger.Warn("accountUnsubscribe failed", zap.Uint64("subscription", af.subID), zap.Error(err))
	}
}

// Close stops the reader and fails every live subscription with ErrClosed.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		c.mu.Unlock()

		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()

		err = c.conn.Close()
		<-c.done
	})
	return err
}

func (c *Client) call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.nextID++
	id := c.nextID
	ch := make(chan reply, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	req := map[string]any{"jsonrpc": "2.0", "id": id, "method": method, "params": params}
	c.writeMu.Lock()
	err := c.conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("%s: %w", method, r.err)
		}
		return r.result, nil
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

type message struct {
	ID     *uint64         `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Method string `json:"method"`
	Params struct {
		Subscription uint64 `json:"subscription"`
		Result       struct {
			Context struct {
				Slot uint64 `json:"slot"`
			} `json:"context"`
			Value json.RawMessage `json:"value"`
		} `json:"result"`
	} `json:"params"`
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Warn("dropping malformed websocket message", zap.Error(err))
		return
	}

	if msg.ID != nil {
		c.mu.Lock()
		ch, ok := c.pending[*msg.ID]
		delete(c.pending, *msg.ID)
		c.mu.Unlock()
		if !ok {
			return
		}
		if msg.Error != nil {
			ch <- reply{err: fmt.Errorf("%s (code %d)", msg.Error.Message, msg.Error.Code)}
			return
		}
		ch <- reply{result: msg.Result}
		return
	}

	if msg.Method != "accountNotification" {
		return
	}

	c.mu.Lock()
	af, ok := c.bySub[msg.Params.Subscription]
	c.mu.Unlock()
	if !ok {
		return
	}

	info, err := rpc.ParseAccount(msg.Params.Result.Value)
	if err != nil {
		c.logger.Warn("dropping undecodable account notification", zap.Stringer("account", af.addr), zap.Error(err))
		return
	}
	af.feed.Send(AccountUpdate{Slot: msg.Params.Result.Context.Slot, Account: info})
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.closing {
		err = ErrClosed
	}
	c.err = err

	for id, ch := range c.pending {
		ch <- reply{err: err}
		delete(c.pending, id)
	}

	var subs []*subscription
	for _, af := range c.feeds {
		for sub := range af.subs {
			subs = append(subs, sub)
		}
	}
	c.mu.Unlock()

	for _, sub := range subs {
		sub.fail(err)
	}
}

type subscription struct {
	client *Client
	feed   *accountFeed
	inner  event.Subscription
	err    chan error
	once   sync.Once
	failed sync.Once
}

func (s *subscription) Err() <-chan error {
	return s.err
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.inner.Unsubscribe()
		s.client.release(s)
		s.failed.Do(func() { close(s.err) })
	})
}

func (s *subscription) fail(err error) {
	s.failed.Do(func() {
		s.err <- err
		close(s.err)
	})
}

package ws

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"voting-client/blockchain/pda"
)

type fakeNode struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	conn    *websocket.Conn
	methods []string
	reject  bool
}

func newFakeNode() (*fakeNode, *httptest.Server) {
	n := &fakeNode{}
	srv := httptest.NewServer(http.HandlerFunc(n.serve))
	return n, srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func (n *fakeNode) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	n.mu.Lock()
	n.conn = conn
	n.mu.Unlock()

	for {
		var req struct {
			ID     uint64            `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if err := conn.ReadJSON(&req); err != nil {
			return
		}

		n.mu.Lock()
		n.methods = append(n.methods, req.Method)
		reject := n.reject
		n.mu.Unlock()

		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		switch {
		case reject:
			resp["error"] = map[string]any{"code": -32602, "message": "Invalid param"}
		case req.Method == "accountSubscribe":
			resp["result"] = 42
		default:
			resp["result"] = true
		}
		n.write(resp)
	}
}

func (n *fakeNode) write(v any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	_ = n.conn.WriteJSON(v)
}

func (n *fakeNode) notify(subID uint64, slot uint64, data []byte) {
	n.write(map[string]any{
		"jsonrpc": "2.0",
		"method":  "accountNotification",
		"params": map[string]any{
			"subscription": subID,
			"result": map[string]any{
				"context": map[string]any{"slot": slot},
				"value": map[string]any{
					"data":       []string{base64.StdEncoding.EncodeToString(data), "base64"},
					"executable": false,
					"lamports":   1,
					"owner":      pda.SystemProgramID.String(),
				},
			},
		},
	})
}

func (n *fakeNode) seen() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.methods...)
}

func receive(t *testing.T, ch <-chan AccountUpdate) AccountUpdate {
	t.Helper()
	select {
	case u := <-ch:
		return u
	case <-time.After(5 * time.Second):
		t.Fatal("no account update")
		return AccountUpdate{}
	}
}

func TestSharedSubscription(t *testing.T) {
	defer goleak.VerifyNone(t)

	node, srv := newFakeNode()
	defer srv.Close()

	c, err := Dial(context.Background(), wsURL(srv))
	require.NoError(t, err)
	defer c.Close()

	addr := pda.PublicKey{7}
	chA := make(chan AccountUpdate, 4)
	chB := make(chan AccountUpdate, 4)

	subA, err := c.SubscribeAccount(context.Background(), addr, chA)
	require.NoError(t, err)
	subB, err := c.SubscribeAccount(context.Background(), addr, chB)
	require.NoError(t, err)
	assert.Equal(t, []string{"accountSubscribe"}, node.seen())

	node.notify(42, 100, []byte{1, 2, 3})
	for _, ch := range []chan AccountUpdate{chA, chB} {
		u := receive(t, ch)
		assert.Equal(t, uint64(100), u.Slot)
		assert.Equal(t, []byte{1, 2, 3}, u.Account.Data)
	}

	subA.Unsubscribe()
	assert.Equal(t, []string{"accountSubscribe"}, node.seen())

	subB.Unsubscribe()
	assert.Equal(t, []string{"accountSubscribe", "accountUnsubscribe"}, node.seen())

	// Unsubscribe is idempotent.
	subB.Unsubscribe()
	require.NoError(t, c.Close())
}

func TestNotificationForUnknownSubscriptionIsDropped(t *testing.T) {
	defer goleak.VerifyNone(t)

	node, srv := newFakeNode()
	defer srv.Close()

	c, err := Dial(context.Background(), wsURL(srv))
	require.NoError(t, err)
	defer c.Close()

	ch := make(chan AccountUpdate, 1)
	sub, err := c.SubscribeAccount(context.Background(), pda.PublicKey{1}, ch)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	node.notify(7, 1, []byte{9})
	node.notify(42, 2, []byte{8})
	u := receive(t, ch)
	assert.Equal(t, uint64(2), u.Slot)
}

func TestSubscribeRejected(t *testing.T) {
	defer goleak.VerifyNone(t)

	node, srv := newFakeNode()
	defer srv.Close()
	node.mu.Lock()
	node.reject = true
	node.mu.Unlock()

	c, err := Dial(context.Background(), wsURL(srv))
	require.NoError(t, err)
	defer c.Close()

	_, err = c.SubscribeAccount(context.Background(), pda.PublicKey{1}, make(chan AccountUpdate))
	assert.ErrorContains(t, err, "Invalid param")
}

func TestCloseFailsSubscriptions(t *testing.T) {
	defer goleak.VerifyNone(t)

	_, srv := newFakeNode()
	defer srv.Close()

	c, err := Dial(context.Background(), wsURL(srv))
	require.NoError(t, err)

	sub, err := c.SubscribeAccount(context.Background(), pda.PublicKey{1}, make(chan AccountUpdate))
	require.NoError(t, err)

	require.NoError(t, c.Close())

	select {
	case err := <-sub.Err():
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("subscription was not failed")
	}
	sub.Unsubscribe()

	_, err = c.SubscribeAccount(context.Background(), pda.PublicKey{2}, make(chan AccountUpdate))
	assert.ErrorIs(t, err, ErrClosed)
}

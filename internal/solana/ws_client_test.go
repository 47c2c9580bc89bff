package solana

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wsTestServer accepts one connection, confirms every accountSubscribe and
// then pushes the queued notifications.
func wsTestServer(t *testing.T, notifications []string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var subID int64
		for {
			var req wsRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			if req.Method != "accountSubscribe" {
				continue
			}
			subID++
			resp := map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": subID}
			if err := conn.WriteJSON(resp); err != nil {
				return
			}
			for _, n := range notifications {
				msg := strings.ReplaceAll(n, "{{SUB}}", "1")
				if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
					return
				}
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func accountNotificationJSON(t *testing.T, lamports uint64, data []byte) string {
	t.Helper()
	msg := map[string]any{
		"jsonrpc": "2.0",
		"method":  "accountNotification",
		"params": map[string]any{
			"subscription": int64(1),
			"result": map[string]any{
				"context": map[string]any{"slot": 123},
				"value": map[string]any{
					"lamports": lamports,
					"owner":    tokenProgramID,
					"data":     []string{base64.StdEncoding.EncodeToString(data), "base64"},
				},
			},
		},
	}
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	return string(raw)
}

func TestWSClient_SubscribeAndReceive(t *testing.T) {
	srv := wsTestServer(t, []string{accountNotificationJSON(t, 42, []byte{9, 8, 7})})
	defer srv.Close()

	client, err := NewWSClient(context.Background(), wsURL(srv), nil, nil)
	require.NoError(t, err)
	defer client.Close()

	assert.True(t, client.Connected())

	ch, err := client.SubscribeAccount(context.Background(), "watchedpubkey")
	require.NoError(t, err)

	select {
	case n := <-ch:
		assert.Equal(t, "watchedpubkey", n.Pubkey)
		assert.Equal(t, int64(123), n.Slot)
		assert.Equal(t, uint64(42), n.Account.Lamports)
		assert.Equal(t, []byte{9, 8, 7}, n.Account.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("no notification received")
	}
}

func TestWSClient_CloseIsIdempotentAndClosesChannels(t *testing.T) {
	srv := wsTestServer(t, nil)
	defer srv.Close()

	client, err := NewWSClient(context.Background(), wsURL(srv), nil, nil)
	require.NoError(t, err)

	ch, err := client.SubscribeAccount(context.Background(), "pk")
	require.NoError(t, err)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
	assert.False(t, client.Connected())

	select {
	case _, open := <-ch:
		assert.False(t, open, "channel must be closed")
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
}

func TestWSClient_SubscribeAfterCloseFails(t *testing.T) {
	srv := wsTestServer(t, nil)
	defer srv.Close()

	client, err := NewWSClient(context.Background(), wsURL(srv), nil, nil)
	require.NoError(t, err)
	require.NoError(t, client.Close())

	_, err = client.SubscribeAccount(context.Background(), "pk")
	require.Error(t, err)
}

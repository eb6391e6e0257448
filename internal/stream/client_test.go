package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatewayStub runs one scripted websocket session per connection.
func gatewayStub(t *testing.T, script func(t *testing.T, conn *websocket.Conn)) (*httptest.Server, string) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		script(t, conn)
	}))
	t.Cleanup(srv.Close)
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testClientConfig(url string) ClientConfig {
	return ClientConfig{
		URL:         url,
		APIID:       12345,
		APIHash:     "deadbeef",
		Session:     "pf_session",
		SessionBlob: "c2Vzc2lvbg==",
		ChannelIDs:  []int64{-1002380293749},
	}
}

func TestClientHandshakeAndNext(t *testing.T) {
	_, url := gatewayStub(t, func(t *testing.T, conn *websocket.Conn) {
		var auth frame
		require.NoError(t, conn.ReadJSON(&auth))
		assert.Equal(t, opAuth, auth.Op)
		assert.Equal(t, 12345, auth.APIID)
		assert.Equal(t, "pf_session", auth.Session)
		assert.Equal(t, "c2Vzc2lvbg==", auth.SessionBlob)
		require.NoError(t, conn.WriteJSON(frame{Op: opAuthOK}))

		var sub frame
		require.NoError(t, conn.ReadJSON(&sub))
		assert.Equal(t, opSubscribe, sub.Op)
		assert.Equal(t, []int64{-1002380293749}, sub.ChannelIDs)
		require.NoError(t, conn.WriteJSON(frame{Op: opSubscribed}))

		require.NoError(t, conn.WriteJSON(map[string]any{
			"op": "message",
			"message": map[string]any{
				"message_id": 7,
				"chat_id":    -1002380293749,
				"chat_title": "Pumpfun Ultimate Alert",
				"text":       "hello",
				"date":       "2025-06-01T12:00:00Z",
			},
		}))

		// Hold the connection open until the client closes it.
		conn.ReadMessage()
	})

	client := NewClient(testClientConfig(url), zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, client.Connect(ctx))
	defer client.Close()

	ev, err := client.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), ev.MessageID)
	assert.Equal(t, "Pumpfun Ultimate Alert", ev.ChatTitle)
	assert.Equal(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), ev.Date)
	assert.Nil(t, ev.ReplyToMessageID)
}

func TestClientAuthRejection(t *testing.T) {
	_, url := gatewayStub(t, func(t *testing.T, conn *websocket.Conn) {
		var auth frame
		require.NoError(t, conn.ReadJSON(&auth))
		require.NoError(t, conn.WriteJSON(frame{
			Op:     opError,
			Code:   "AUTH_KEY_INVALID",
			Reason: "key expired",
		}))
	})

	client := NewClient(testClientConfig(url), zerolog.Nop())

	err := client.Connect(context.Background())
	require.Error(t, err)

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "AUTH_KEY_INVALID", authErr.Code)
}

func TestClientFloodWait(t *testing.T) {
	_, url := gatewayStub(t, func(t *testing.T, conn *websocket.Conn) {
		var auth frame
		require.NoError(t, conn.ReadJSON(&auth))
		require.NoError(t, conn.WriteJSON(frame{
			Op:          opError,
			Code:        "FLOOD_WAIT",
			RetryAfterS: 42,
		}))
	})

	client := NewClient(testClientConfig(url), zerolog.Nop())

	err := client.Connect(context.Background())
	require.Error(t, err)

	var flood *FloodWaitError
	require.ErrorAs(t, err, &flood)
	assert.Equal(t, 42*time.Second, flood.RetryAfter)
}

func TestClientSkipsUnknownOps(t *testing.T) {
	_, url := gatewayStub(t, func(t *testing.T, conn *websocket.Conn) {
		var auth frame
		require.NoError(t, conn.ReadJSON(&auth))
		require.NoError(t, conn.WriteJSON(frame{Op: opAuthOK}))
		var sub frame
		require.NoError(t, conn.ReadJSON(&sub))
		require.NoError(t, conn.WriteJSON(frame{Op: opSubscribed}))

		require.NoError(t, conn.WriteJSON(map[string]any{"op": "motd", "text": "welcome"}))
		require.NoError(t, conn.WriteJSON(map[string]any{
			"op": "message",
			"message": map[string]any{
				"message_id": 9,
				"chat_id":    -1002380293749,
				"text":       "after the noise",
				"date":       "2025-06-01T12:00:00Z",
			},
		}))
		conn.ReadMessage()
	})

	client := NewClient(testClientConfig(url), zerolog.Nop())
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	ev, err := client.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(9), ev.MessageID)
}

func TestClientNextRequiresConnection(t *testing.T) {
	client := NewClient(testClientConfig("ws://127.0.0.1:1"), zerolog.Nop())
	_, err := client.Next(context.Background())
	require.Error(t, err)
}

func TestClientCloseUnblocksNext(t *testing.T) {
	_, url := gatewayStub(t, func(t *testing.T, conn *websocket.Conn) {
		var auth frame
		require.NoError(t, conn.ReadJSON(&auth))
		require.NoError(t, conn.WriteJSON(frame{Op: opAuthOK}))
		var sub frame
		require.NoError(t, conn.ReadJSON(&sub))
		require.NoError(t, conn.WriteJSON(frame{Op: opSubscribed}))
		conn.ReadMessage()
	})

	client := NewClient(testClientConfig(url), zerolog.Nop())
	require.NoError(t, client.Connect(context.Background()))

	errc := make(chan error, 1)
	go func() {
		_, err := client.Next(context.Background())
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, client.Close())

	select {
	case err := <-errc:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Next did not unblock on Close")
	}
}

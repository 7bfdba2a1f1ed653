package server

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"lopeswhatsapp/internal/models"

	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listen(t *testing.T, ts *testServer) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = ts.app.Listener(ln) }()
	t.Cleanup(func() { _ = ts.app.Shutdown() })
	return ln.Addr().String()
}

func TestWebsocket_StreamsRealtimeEvents(t *testing.T) {
	ts := newTestServer(t)
	addr := listen(t, ts)

	conn, resp, err := gorillaws.DefaultDialer.Dial("ws://"+addr+"/ws?token="+ts.token, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	require.Eventually(t, func() bool { return ts.srv.hub.Count() == 1 }, time.Second, 10*time.Millisecond)

	ts.srv.fanout.Publish(context.Background(), models.RealtimeEvent{
		Type:           models.RealtimeConversationDeleted,
		ConversationID: convA,
		Payload:        map[string]string{"id": convA},
	})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame struct {
		Type           string `json:"type"`
		ConversationID string `json:"conversation_id"`
	}
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "conversation_deleted", frame.Type)
	assert.Equal(t, convA, frame.ConversationID)

	_ = conn.Close()
	assert.Eventually(t, func() bool { return ts.srv.hub.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebsocket_RequiresToken(t *testing.T) {
	ts := newTestServer(t)
	addr := listen(t, ts)

	_, resp, err := gorillaws.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	status, _ := ts.do(t, http.MethodGet, "/ws", nil)
	assert.Equal(t, http.StatusUpgradeRequired, status)
}

package syncing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powerhouse-inc/powerhouse-sub017/internal/errs"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/kv"
)

func TestInternalChannel_RoundTrip(t *testing.T) {
	ctx := context.Background()
	aCursors := NewCursorStorage(kv.NewMemory())
	a := NewInternalChannel("b", aCursors)
	b := NewInternalChannel("a", NewCursorStorage(kv.NewMemory()))

	a.Outbox().Add(envelope("early", "doc", 1))
	assert.Zero(t, b.Inbox().Len(), "nothing is delivered before connecting")
	op, _ := a.Outbox().Get("early")
	assert.Equal(t, StatusUnknown, op.Status)

	ConnectInternal(a, b)
	a.Outbox().Add(envelope("op-1", "doc", 2))

	got, ok := b.Inbox().Get("op-1")
	require.True(t, ok)
	assert.Equal(t, StatusExecutionPending, got.Status)
	assert.Equal(t, "a", got.RemoteName)
	sent, _ := a.Outbox().Get("op-1")
	assert.Equal(t, StatusTransportPending, sent.Status)

	require.NoError(t, b.Acknowledge(ctx, got))
	assert.Zero(t, a.Outbox().Len(), "acknowledged entries at or below the ordinal are retired")
	c, err := a.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.CursorOrdinal)

	require.NoError(t, a.Shutdown(ctx))
	a.Outbox().Add(envelope("after", "doc", 3))
	_, ok = b.Inbox().Get("after")
	assert.False(t, ok)
	assert.Equal(t, 1, a.Outbox().Len())
	assert.True(t, errs.IsNotFound(a.Acknowledge(ctx, got)))
}

func wsURL(server *httptest.Server, remote string) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/sync/" + remote
}

func TestWebSocketChannel_RoundTrip(t *testing.T) {
	ctx := context.Background()
	srv := NewServer()
	accepting := AcceptWebSocket("client", NewCursorStorage(kv.NewMemory()))
	require.NoError(t, srv.Accept(accepting))
	assert.True(t, errs.IsDuplicate(srv.Accept(accepting)))

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	dialCursors := NewCursorStorage(kv.NewMemory())
	dialing := DialWebSocket("server", wsURL(ts, "client"), dialCursors)
	defer dialing.Shutdown(ctx)
	defer accepting.Shutdown(ctx)

	// Queued before the connection exists; sent once it does.
	dialing.Outbox().Add(envelope("op-1", "doc-1", 4))

	require.Eventually(t, func() bool {
		return dialing.Connected() && accepting.Connected()
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		_, ok := accepting.Inbox().Get("op-1")
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	got, _ := accepting.Inbox().Get("op-1")
	assert.Equal(t, "client", got.RemoteName)
	assert.Equal(t, StatusExecutionPending, got.Status)
	require.Len(t, got.Operations, 1)
	assert.Equal(t, int64(4), got.Operations[0].Context.Ordinal)

	require.NoError(t, accepting.Acknowledge(ctx, got))
	require.Eventually(t, func() bool {
		return dialing.Outbox().Len() == 0
	}, 5*time.Second, 10*time.Millisecond)
	c, err := dialCursors.Get(ctx, "server")
	require.NoError(t, err)
	assert.Equal(t, int64(4), c.CursorOrdinal)

	// The other direction.
	accepting.Outbox().Add(envelope("op-2", "doc-2", 9))
	require.Eventually(t, func() bool {
		return dialing.Inbox().Len() == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWebSocketChannel_ReconnectsUntilAccepted(t *testing.T) {
	ctx := context.Background()
	srv := NewServer()
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	dialing := DialWebSocket("server", wsURL(ts, "late"), nil)
	defer dialing.Shutdown(ctx)
	dialing.Outbox().Add(envelope("op-1", "doc", 1))

	time.Sleep(50 * time.Millisecond)
	assert.False(t, dialing.Connected())

	accepting := AcceptWebSocket("late", nil)
	defer accepting.Shutdown(ctx)
	require.NoError(t, srv.Accept(accepting))

	require.Eventually(t, func() bool {
		return accepting.Inbox().Len() == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWebSocketChannel_AcknowledgeNeedsConnection(t *testing.T) {
	ch := AcceptWebSocket("nobody", nil)
	err := ch.Acknowledge(context.Background(), envelope("op", "doc", 1))
	assert.True(t, errs.IsTransient(err))
	require.NoError(t, ch.Shutdown(context.Background()))
}

func TestServer_UnknownRemote(t *testing.T) {
	srv := NewServer()
	accepting := AcceptWebSocket("known", nil)
	require.NoError(t, srv.Accept(accepting))
	assert.True(t, srv.Forget("known"))
	assert.False(t, srv.Forget("known"))

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "known"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

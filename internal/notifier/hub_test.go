package notifier

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/stitch/internal/logging"
)

func newTestHub(t *testing.T, opts Options) (*Hub, string) {
	t.Helper()
	hub := NewHub(logging.NewDiscardLogger(), opts)
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		_ = hub.Shutdown(context.Background())
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageText, typ)
	return string(data)
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.Count() == n }, 2*time.Second, 10*time.Millisecond)
}

func TestBroadcastReachesAllClients(t *testing.T) {
	hub, url := newTestHub(t, Options{})
	a := dial(t, url)
	b := dial(t, url)
	waitForClients(t, hub, 2)

	sent := hub.Broadcast(context.Background())
	assert.Equal(t, 2, sent)
	assert.Equal(t, "reload", readMessage(t, a))
	assert.Equal(t, "reload", readMessage(t, b))
}

func TestDisconnectedClientIsRemoved(t *testing.T) {
	hub, url := newTestHub(t, Options{})
	a := dial(t, url)
	b := dial(t, url)
	waitForClients(t, hub, 2)

	require.NoError(t, b.Close(websocket.StatusNormalClosure, "bye"))
	waitForClients(t, hub, 1)

	var sent int
	assert.NotPanics(t, func() { sent = hub.Broadcast(context.Background()) })
	assert.Equal(t, 1, sent)
	assert.Equal(t, "reload", readMessage(t, a))
}

func TestBroadcastSkipsClosingClients(t *testing.T) {
	hub := NewHub(logging.NewDiscardLogger(), Options{})
	defer hub.cancel()

	closing := &client{remote: "closing"}
	closing.state.Store(stateClosing)
	require.True(t, hub.register(closing))

	assert.Equal(t, 1, hub.Count())
	assert.Equal(t, 0, hub.Broadcast(context.Background()))
}

func TestBroadcastWithNoClients(t *testing.T) {
	hub := NewHub(logging.NewDiscardLogger(), Options{})
	defer hub.Shutdown(context.Background())

	assert.Equal(t, 0, hub.Broadcast(context.Background()))
}

func TestCustomMessage(t *testing.T) {
	hub, url := newTestHub(t, Options{Message: "refresh"})
	conn := dial(t, url)
	waitForClients(t, hub, 1)

	hub.Broadcast(context.Background())
	assert.Equal(t, "refresh", readMessage(t, conn))
}

func TestShutdownRejectsNewClients(t *testing.T) {
	hub, url := newTestHub(t, Options{})
	conn := dial(t, url)
	waitForClients(t, hub, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	readErr := make(chan error, 1)
	go func() {
		_, _, err := conn.Read(ctx)
		readErr <- err
	}()

	require.NoError(t, hub.Shutdown(context.Background()))
	assert.True(t, hub.IsShutdown())
	waitForClients(t, hub, 0)

	err := <-readErr
	require.Error(t, err)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))

	_, resp, err := websocket.Dial(ctx, url, nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	}
}

package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/stitch/internal/config"
	"github.com/conneroisu/stitch/internal/logging"
	"github.com/conneroisu/stitch/internal/notifier"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	out := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(out, "index.html"), []byte("<h1>home</h1>"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(out, "about.html"), []byte("<h1>about</h1>"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(out, "blog"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(out, "blog", "index.html"), []byte("<h1>blog</h1>"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(out, "empty"), 0o755))

	return &config.Config{
		Site:   config.SiteConfig{Source: "website", Output: out},
		Server: config.ServerConfig{Host: "127.0.0.1", Port: 0},
	}
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestServeFiles(t *testing.T) {
	srv := New(testConfig(t), nil, logging.NewDiscardLogger())
	h := srv.Handler()

	tests := []struct {
		name   string
		target string
		status int
		body   string
	}{
		{name: "root maps to index", target: "/", status: http.StatusOK, body: "<h1>home</h1>"},
		{name: "plain file", target: "/about.html", status: http.StatusOK, body: "<h1>about</h1>"},
		{name: "directory index", target: "/blog/", status: http.StatusOK, body: "<h1>blog</h1>"},
		{name: "directory without slash", target: "/blog", status: http.StatusOK, body: "<h1>blog</h1>"},
		{name: "missing file", target: "/nope.html", status: http.StatusNotFound, body: "File not found"},
		{name: "directory without index", target: "/empty/", status: http.StatusNotFound, body: "File not found"},
		{name: "traversal stays inside root", target: "/../../etc/passwd", status: http.StatusNotFound, body: "File not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := get(t, h, tt.target)
			assert.Equal(t, tt.status, w.Code)
			assert.Contains(t, w.Body.String(), tt.body)
		})
	}
}

func TestServeSetsContentType(t *testing.T) {
	srv := New(testConfig(t), nil, logging.NewDiscardLogger())
	w := get(t, srv.Handler(), "/about.html")
	assert.Equal(t, "text/html; charset=utf-8", w.Header().Get("Content-Type"))
}

func TestNotFoundPageEscapesPath(t *testing.T) {
	srv := New(testConfig(t), nil, logging.NewDiscardLogger())
	w := get(t, srv.Handler(), "/%3Cscript%3E.html")

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.NotContains(t, w.Body.String(), "<script>")
	assert.Contains(t, w.Body.String(), "&lt;script&gt;")
}

func TestRejectsWrites(t *testing.T) {
	srv := New(testConfig(t), nil, logging.NewDiscardLogger())
	req := httptest.NewRequest(http.MethodPost, "/index.html", strings.NewReader("x"))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, "GET, HEAD", w.Header().Get("Allow"))
}

func TestUpgradeOnAnyPathReachesNotifier(t *testing.T) {
	hub := notifier.NewHub(logging.NewDiscardLogger(), notifier.Options{})
	srv := New(testConfig(t), hub, logging.NewDiscardLogger())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = hub.Shutdown(context.Background())
		ts.Close()
	})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for _, p := range []string{"", "/blog/"} {
		conn, _, err := websocket.Dial(ctx, wsURL+p, nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = conn.CloseNow() })

		require.Eventually(t, func() bool { return hub.Count() >= 1 }, 2*time.Second, 10*time.Millisecond)
		hub.Broadcast(ctx)

		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		assert.Equal(t, "reload", string(data))

		require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
		require.Eventually(t, func() bool { return hub.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
	}

	// Plain requests on the same path still get files.
	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "<h1>home</h1>", string(body))
}

func TestStartAndShutdown(t *testing.T) {
	hub := notifier.NewHub(logging.NewDiscardLogger(), notifier.Options{})
	srv := New(testConfig(t), hub, logging.NewDiscardLogger())

	done := make(chan error, 1)
	go func() { done <- srv.Start(context.Background()) }()

	require.Eventually(t, func() bool { return srv.Addr() != "127.0.0.1:0" }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + srv.Addr() + "/about.html")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	require.NoError(t, srv.Shutdown(ctx))
	assert.True(t, hub.IsShutdown())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Shutdown")
	}
}

func TestListenReportsBoundAddress(t *testing.T) {
	srv := New(testConfig(t), nil, logging.NewDiscardLogger())
	require.NoError(t, srv.Listen())
	require.NoError(t, srv.Listen())

	_, port := splitHostPort(t, srv.Addr())
	assert.NotZero(t, port)

	require.NoError(t, srv.Shutdown(context.Background()))
	conn, err := net.DialTimeout("tcp", srv.Addr(), time.Second)
	if err == nil {
		_ = conn.Close()
	}
	assert.Error(t, err)
}

func TestStartFailsOnBusyAddress(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()

	cfg := testConfig(t)
	host, port := splitHostPort(t, ts.Listener.Addr().String())
	cfg.Server.Host = host
	cfg.Server.Port = port

	srv := New(cfg, nil, logging.NewDiscardLogger())
	assert.Error(t, srv.Start(context.Background()))
}

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

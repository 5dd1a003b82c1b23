// Package notifier keeps track of connected live-reload browsers and tells
// them to reload after a rebuild.
//
// The hub owns its client set. A client is added once its WebSocket handshake
// completes and removed by the same handler goroutine as soon as its read
// loop ends, so the set never holds a client whose connection has gone away
// for longer than that handler takes to return. Broadcast iterates over a
// snapshot and never mutates the set.
package notifier

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/conneroisu/stitch/internal/logging"
)

// DefaultMessage is sent to every open client on Broadcast.
const DefaultMessage = "reload"

const (
	stateOpen int32 = iota
	stateClosing
)

// Options configures a Hub.
type Options struct {
	// OriginPatterns are host patterns allowed to connect cross-origin.
	OriginPatterns []string
	// Message is the text frame sent on Broadcast.
	Message string
	// WriteTimeout bounds a single send.
	WriteTimeout time.Duration
	// PingInterval enables keepalive pings when positive.
	PingInterval time.Duration
}

// DefaultOptions returns the options used by the dev server.
func DefaultOptions() Options {
	return Options{
		Message:      DefaultMessage,
		WriteTimeout: 5 * time.Second,
		PingInterval: 30 * time.Second,
	}
}

type client struct {
	conn        *websocket.Conn
	remote      string
	connectedAt time.Time
	state       atomic.Int32
}

func (c *client) open() bool {
	return c.state.Load() == stateOpen
}

// Hub accepts live-reload connections and broadcasts reload signals.
type Hub struct {
	clients      map[*client]struct{}
	clientsMutex sync.RWMutex
	isShutdown   bool

	opts   Options
	logger logging.Logger

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
}

// NewHub creates a hub. Zero option fields take their DefaultOptions value,
// except PingInterval where zero disables pings.
func NewHub(logger logging.Logger, opts Options) *Hub {
	defaults := DefaultOptions()
	if opts.Message == "" {
		opts.Message = defaults.Message
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaults.WriteTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients: make(map[*client]struct{}),
		opts:    opts,
		logger:  logger.WithComponent("notifier"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// ServeHTTP upgrades the request and holds the connection until the client
// goes away or the hub shuts down.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.IsShutdown() {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  h.opts.OriginPatterns,
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		h.logger.Warn(r.Context(), err, "WebSocket upgrade failed", "remote", r.RemoteAddr)
		return
	}

	c := &client{conn: conn, remote: r.RemoteAddr, connectedAt: time.Now()}
	c.state.Store(stateOpen)

	if !h.register(c) {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer h.unregister(c)

	if h.opts.PingInterval > 0 {
		go h.keepAlive(c)
	}
	h.readLoop(c)
}

func (h *Hub) register(c *client) bool {
	h.clientsMutex.Lock()
	if h.isShutdown {
		h.clientsMutex.Unlock()
		return false
	}
	h.clients[c] = struct{}{}
	total := len(h.clients)
	h.clientsMutex.Unlock()

	h.logger.Info(h.ctx, "Client connected", "remote", c.remote, "clients", total)
	return true
}

func (h *Hub) unregister(c *client) {
	c.state.Store(stateClosing)

	h.clientsMutex.Lock()
	_, existed := h.clients[c]
	delete(h.clients, c)
	total := len(h.clients)
	h.clientsMutex.Unlock()

	_ = c.conn.CloseNow()
	if existed {
		h.logger.Info(h.ctx, "Client disconnected", "remote", c.remote, "clients", total,
			"connected_for", time.Since(c.connectedAt).String())
	}
}

// readLoop drains incoming frames so control frames are processed. Browsers
// send nothing meaningful, so data frames are ignored.
func (h *Hub) readLoop(c *client) {
	for {
		if _, _, err := c.conn.Read(h.ctx); err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && h.ctx.Err() == nil {
				h.logger.Debug(h.ctx, "WebSocket read ended", "remote", c.remote, "error", err.Error())
			}
			return
		}
	}
}

func (h *Hub) keepAlive(c *client) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			if !c.open() {
				return
			}
			ctx, cancel := context.WithTimeout(h.ctx, h.opts.WriteTimeout)
			err := c.conn.Ping(ctx)
			cancel()
			if err != nil {
				c.state.Store(stateClosing)
				_ = c.conn.CloseNow()
				return
			}
		}
	}
}

// Broadcast sends the reload message to every open client and returns how
// many received it. Clients that are closing are skipped, and a failed send
// closes that client; neither is reported as an error.
func (h *Hub) Broadcast(ctx context.Context) int {
	h.clientsMutex.RLock()
	snapshot := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		snapshot = append(snapshot, c)
	}
	h.clientsMutex.RUnlock()

	message := []byte(h.opts.Message)
	sent := 0
	for _, c := range snapshot {
		if !c.open() {
			continue
		}

		writeCtx, cancel := context.WithTimeout(ctx, h.opts.WriteTimeout)
		err := c.conn.Write(writeCtx, websocket.MessageText, message)
		cancel()

		if err != nil {
			h.logger.Debug(ctx, "Dropping client after failed send", "remote", c.remote, "error", err.Error())
			c.state.Store(stateClosing)
			_ = c.conn.CloseNow()
			continue
		}
		sent++
	}

	h.logger.Debug(ctx, "Broadcast reload", "sent", sent, "clients", len(snapshot))
	return sent
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.clientsMutex.RLock()
	defer h.clientsMutex.RUnlock()
	return len(h.clients)
}

// IsShutdown returns whether the hub has been shut down
func (h *Hub) IsShutdown() bool {
	h.clientsMutex.RLock()
	defer h.clientsMutex.RUnlock()
	return h.isShutdown
}

// Shutdown closes every client and rejects new connections.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.shutdownOnce.Do(func() {
		h.clientsMutex.Lock()
		h.isShutdown = true
		snapshot := make([]*client, 0, len(h.clients))
		for c := range h.clients {
			snapshot = append(snapshot, c)
		}
		h.clientsMutex.Unlock()

		for _, c := range snapshot {
			c.state.Store(stateClosing)
			_ = c.conn.Close(websocket.StatusGoingAway, "server shutting down")
		}
		h.cancel()

		h.logger.Info(ctx, "Notifier shut down", "clients_closed", len(snapshot))
	})
	return nil
}

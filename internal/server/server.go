// Package server serves the output tree over HTTP during watch mode and
// hands WebSocket upgrades to the live-reload notifier.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/conneroisu/stitch/internal/config"
	"github.com/conneroisu/stitch/internal/logging"
)

const indexFile = "index.html"

// Notifier is the live-reload endpoint. It receives every upgrade request.
type Notifier interface {
	http.Handler
	Shutdown(ctx context.Context) error
}

// Server serves files below the output root.
type Server struct {
	root     string
	addr     string
	notifier Notifier
	logger   logging.Logger

	httpServer   *http.Server
	listener     net.Listener
	serverMutex  sync.RWMutex
	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates a server for cfg's output directory. notifier may be nil, in
// which case upgrade requests are treated like any other request.
func New(cfg *config.Config, notifier Notifier, logger logging.Logger) *Server {
	return &Server{
		root:     cfg.Site.Output,
		addr:     cfg.Addr(),
		notifier: notifier,
		logger:   logger.WithComponent("server"),
	}
}

// Handler returns the request handler with logging applied.
func (s *Server) Handler() http.Handler {
	return s.logRequests(http.HandlerFunc(s.route))
}

// Listen binds the configured address without serving yet, so Addr reports
// the real port before any request can arrive.
func (s *Server) Listen() error {
	s.serverMutex.Lock()
	defer s.serverMutex.Unlock()
	if s.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}
	s.listener = ln
	return nil
}

// Start serves until Shutdown is called, listening first if Listen was not
// called. It returns nil after a clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	s.serverMutex.Lock()
	ln := s.listener
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	server := s.httpServer
	s.serverMutex.Unlock()

	s.logger.Info(ctx, "Serving", "url", "http://"+ln.Addr().String(), "root", s.root)

	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Addr returns the bound address once Start is listening, or the configured
// address before that.
func (s *Server) Addr() string {
	s.serverMutex.RLock()
	defer s.serverMutex.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Shutdown closes live-reload clients and then stops the HTTP server. Safe
// to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		if s.notifier != nil {
			if err := s.notifier.Shutdown(ctx); err != nil {
				s.logger.Warn(ctx, err, "Notifier shutdown failed")
			}
		}

		s.serverMutex.RLock()
		server, ln := s.httpServer, s.listener
		s.serverMutex.RUnlock()
		switch {
		case server != nil:
			s.shutdownErr = server.Shutdown(ctx)
		case ln != nil:
			s.shutdownErr = ln.Close()
		}
	})
	return s.shutdownErr
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	if s.notifier != nil && isUpgrade(r) {
		s.notifier.ServeHTTP(w, r)
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	s.serveFile(w, r)
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request) {
	name := s.resolve(r.URL.Path)

	info, err := os.Stat(name)
	if err == nil && info.IsDir() {
		name = filepath.Join(name, indexFile)
		info, err = os.Stat(name)
	}
	if err != nil || info.IsDir() {
		if err != nil && !os.IsNotExist(err) {
			s.logger.Warn(r.Context(), err, "Stat failed", "path", name)
		}
		NotFoundHandler(r.URL.Path).ServeHTTP(w, r)
		return
	}

	f, err := os.Open(name)
	if err != nil {
		s.logger.Error(r.Context(), err, "Open failed", "path", name)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

// resolve maps a URL path to a file below the root. Cleaning against "/"
// keeps ".." segments from leaving the root.
func (s *Server) resolve(urlPath string) string {
	cleaned := path.Clean("/" + urlPath)
	if cleaned == "/" {
		return filepath.Join(s.root, indexFile)
	}
	return filepath.Join(s.root, filepath.FromSlash(cleaned))
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isUpgrade(r) {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug(r.Context(), "Request",
			"method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start).String())
	})
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Package server provides the HTTP API of the bit host over a Unix socket.
package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/grovetools/bithost/errors"
	"github.com/grovetools/bithost/logging"
	"github.com/grovetools/bithost/version"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Source is what the server reads from the running host.
type Source interface {
	BitNames() []string
	BitSnapshot(name string) (any, error)
	BitWatch(ctx context.Context, name string) (<-chan any, error)
	RunningConfig() any
	Reload(ctx context.Context) error
}

// Health is the body of GET /health.
type Health struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// BitList is the body of GET /api/bits.
type BitList struct {
	Bits []string `json:"bits"`
}

// ReloadResult is the body of a successful POST /api/reload.
type ReloadResult struct {
	Status string   `json:"status"`
	Bits   []string `json:"bits"`
}

const wsWriteTimeout = 10 * time.Second

// Server manages the host's HTTP server over a Unix socket.
type Server struct {
	logger   *logrus.Entry
	source   Source
	upgrader websocket.Upgrader

	mu         sync.Mutex
	server     *http.Server
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// New creates a new Server instance.
func New(source Source, logger *logrus.Entry) *Server {
	if logger == nil {
		logger = logging.NewDiscard("server")
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Server{
		logger: logger,
		source: source,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The socket is local and 0600; there is no browser origin to check.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		baseCtx:    baseCtx,
		cancelBase: cancel,
	}
}

// Handler returns the API routes wrapped for cleartext HTTP/2.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, Health{Status: "ok", Version: version.GetInfo().Version})
	})

	mux.HandleFunc("GET /api/bits", s.handleListBits)
	mux.HandleFunc("GET /api/bits/{name}", s.handleGetBit)
	mux.HandleFunc("GET /api/bits/{name}/stream", s.handleStreamBit)
	mux.HandleFunc("GET /api/bits/{name}/ws", s.handleWebsocketBit)
	mux.HandleFunc("GET /api/config", s.handleGetConfig)
	mux.HandleFunc("POST /api/reload", s.handleReload)

	return h2c.NewHandler(mux, &http2.Server{})
}

// ListenAndServe starts the API on the given unix socket path.
// It blocks until the server stops or fails; a clean Shutdown returns nil.
func (s *Server) ListenAndServe(socketPath string) error {
	// Cleanup stale socket
	if _, err := os.Stat(socketPath); err == nil {
		if err := os.Remove(socketPath); err != nil {
			return fmt.Errorf("failed to remove stale socket: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(socketPath), 0755); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on socket: %w", err)
	}

	// Set restrictive permissions on socket
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	return s.Serve(listener)
}

// Serve accepts connections on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.baseCtx.Err() != nil {
		s.mu.Unlock()
		_ = l.Close()
		return nil
	}
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.baseCtx },
	}
	srv := s.server
	s.mu.Unlock()

	s.logger.WithField("addr", l.Addr().String()).Info("Host API listening")
	if err := srv.Serve(l); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown ends open streams, then gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server...")
	s.cancelBase()

	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleListBits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, BitList{Bits: s.source.BitNames()})
}

// handleGetBit returns the bit's last committed snapshot.
func (s *Server) handleGetBit(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.source.BitSnapshot(r.PathValue("name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// handleStreamBit provides Server-Sent Events (SSE) for one bit: the
// current snapshot first, then one event per committed mutation.
func (s *Server) handleStreamBit(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	// Ensure the connection supports flushing
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ch, err := s.source.BitWatch(r.Context(), name)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Send initial ping to confirm connection
	fmt.Fprintf(w, ": connected\n\n")
	flusher.Flush()

	logger := s.logger.WithField("bit", name)
	logger.Debug("SSE client connected")
	defer logger.Debug("SSE client disconnected")

	for snapshot := range ch {
		data, err := json.Marshal(snapshot)
		if err != nil {
			logger.WithError(err).Error("Failed to marshal snapshot")
			continue
		}
		// SSE format: "data: {json}\n\n"
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return
		}
		flusher.Flush()
	}
}

// handleWebsocketBit streams the same sequence as SSE, one JSON text frame
// per snapshot.
func (s *Server) handleWebsocketBit(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch, err := s.source.BitWatch(ctx, name)
	if err != nil {
		s.writeError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Debug("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	logger := s.logger.WithField("bit", name)
	logger.Debug("Websocket client connected")

	// The client never sends data; reading surfaces its close frame.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for snapshot := range ch {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(snapshot); err != nil {
			logger.WithError(err).Debug("Websocket write failed")
			return
		}
	}

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream ended"),
		time.Now().Add(time.Second))
}

// handleGetConfig returns the running configuration as JSON.
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.source.RunningConfig()
	if cfg == nil {
		http.Error(w, "config not initialized", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// handleReload re-reads configuration and restarts every bit's runners.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.source.Reload(r.Context()); err != nil {
		s.logger.WithError(err).Warn("Reload failed")
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ReloadResult{Status: "reloaded", Bits: s.source.BitNames()})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var hostErr *errors.HostError
	if !stderrors.As(err, &hostErr) {
		hostErr = errors.Wrap(err, errors.ErrCodeInternal, err.Error())
	}
	writeJSON(w, statusFor(hostErr.Code), hostErr)
}

func statusFor(code errors.ErrorCode) int {
	switch code {
	case errors.ErrCodeBitNotFound, errors.ErrCodeConfigNotFound:
		return http.StatusNotFound
	case errors.ErrCodeConfigInvalid, errors.ErrCodeConfigValidation, errors.ErrCodeInvalidInput:
		return http.StatusUnprocessableEntity
	case errors.ErrCodeStoreClosed, errors.ErrCodeSchedulerStopped:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

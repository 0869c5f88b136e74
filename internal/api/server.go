// Package api implements the agent's HTTP status surface: health,
// status and turn history, a websocket event stream, and an inbox
// endpoint for delivering messages to the agent.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nugget/automaton/internal/buildinfo"
	"github.com/nugget/automaton/internal/events"
	"github.com/nugget/automaton/internal/financial"
	"github.com/nugget/automaton/internal/state"
)

// Limits on list endpoints and request bodies.
const (
	defaultListLimit = 20
	maxListLimit     = 200
	maxInboxBody     = 64 << 10
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Config configures a [Server].
type Config struct {
	Address string
	Port    int
	Name    string
	Store   *state.Store
	Gate    *financial.Gate // optional
	Bus     *events.Bus     // optional; enables /v1/events
	Logger  *slog.Logger
}

// Server is the HTTP status server.
type Server struct {
	address string
	port    int
	name    string
	store   *state.Store
	gate    *financial.Gate
	bus     *events.Bus
	logger  *slog.Logger
	server  *http.Server

	done     chan struct{}
	doneOnce sync.Once
}

// NewServer creates a status server.
func NewServer(cfg Config) *Server {
	s := &Server{
		address: cfg.Address,
		port:    cfg.Port,
		name:    cfg.Name,
		store:   cfg.Store,
		gate:    cfg.Gate,
		bus:     cfg.Bus,
		logger:  cfg.Logger,
		done:    make(chan struct{}),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /v1/status", s.handleStatus)

	mux.HandleFunc("GET /v1/turns", s.handleTurns)
	mux.HandleFunc("GET /v1/turns/{id}", s.handleTurn)
	mux.HandleFunc("GET /v1/transactions", s.handleTransactions)

	mux.HandleFunc("POST /v1/inbox", s.handleInbox)

	mux.HandleFunc("GET /v1/events", s.handleEvents)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It blocks until the server stops.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server and closes event streams.
func (s *Server) Shutdown(ctx context.Context) error {
	s.doneOnce.Do(func() { close(s.done) })
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := CollectStatus(r.Context(), s.name, s.store, s.gate)
	if err != nil {
		s.logger.Error("collect status failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to read status")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, st, s.logger)
}

func (s *Server) handleTurns(w http.ResponseWriter, r *http.Request) {
	limit, err := listLimit(r)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	turns, err := s.store.RecentTurns(r.Context(), limit)
	if err != nil {
		s.logger.Error("list turns failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list turns")
		return
	}
	if turns == nil {
		turns = []state.Turn{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"turns": turns, "count": len(turns)}, s.logger)
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	turn, err := s.store.TurnByID(r.Context(), r.PathValue("id"))
	if errors.Is(err, state.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "turn not found")
		return
	}
	if err != nil {
		s.logger.Error("get turn failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to read turn")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, turn, s.logger)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	limit, err := listLimit(r)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	txs, err := s.store.RecentTransactions(r.Context(), limit)
	if err != nil {
		s.logger.Error("list transactions failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list transactions")
		return
	}
	if txs == nil {
		txs = []state.Transaction{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"transactions": txs, "count": len(txs)}, s.logger)
}

// InboxRequest is the body of POST /v1/inbox.
type InboxRequest struct {
	ID      string `json:"id,omitempty"`
	From    string `json:"from"`
	Content string `json:"content"`
}

func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	var req InboxRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxInboxBody))
	if err := dec.Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	req.From = strings.TrimSpace(req.From)
	if req.From == "" || strings.TrimSpace(req.Content) == "" {
		s.errorResponse(w, http.StatusBadRequest, "from and content are required")
		return
	}

	msg := &state.InboxMessage{ID: req.ID, From: req.From, Content: req.Content}
	if err := s.store.InsertInboxMessage(r.Context(), msg); err != nil {
		s.logger.Error("insert inbox message failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to store message")
		return
	}
	s.logger.Info("inbox message received", "id", msg.ID, "from", msg.From)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]string{"id": msg.ID, "status": "queued"}, s.logger)
}

func listLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	return min(n, maxListLimit), nil
}

// Package api exposes the bridge's operational REST surface: health,
// ticket inspection, session restarts, logs, and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/deskbridge-io/deskbridge/internal/logbuf"
	"github.com/deskbridge-io/deskbridge/internal/store"
	"github.com/deskbridge-io/deskbridge/pkg/protocol"
)

// LogQuerier abstracts log entry querying to avoid coupling to logbuf
// directly.
type LogQuerier interface {
	Query(since time.Time, minLevel slog.Level, limit int) []logbuf.Entry
}

// BridgeService is the control surface the API needs from the bridge.
type BridgeService interface {
	Health() protocol.HealthStatus
	Restart(ctx context.Context) error
	RestartOrigin(ctx context.Context) error
	RestartStaff(ctx context.Context) error
	CloseTicket(ctx context.Context, id string) error
}

// TicketReader is the read-only store slice the API consumes.
type TicketReader interface {
	ListTickets(filter store.Filter) ([]*protocol.Ticket, error)
	GetTicket(id string) (*protocol.Ticket, error)
	ListMessages(ticketID string) ([]protocol.MessageRecord, error)
}

// Config holds API server configuration.
type Config struct {
	Host string
	Port int
	Key  string // API key for Bearer auth
}

// Server is the deskbridge REST API server.
type Server struct {
	svc     BridgeService
	tickets TicketReader
	cfg     Config
	logger  *slog.Logger
	logs    LogQuerier
	srv     *http.Server
}

// NewServer creates a new API server. logs and gatherer may be nil.
func NewServer(svc BridgeService, tickets TicketReader, cfg Config, logger *slog.Logger, logs LogQuerier, gatherer prometheus.Gatherer) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		svc:     svc,
		tickets: tickets,
		cfg:     cfg,
		logger:  logger,
		logs:    logs,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/tickets", s.requireAuth(s.handleListTickets))
	mux.HandleFunc("GET /api/tickets/{id}", s.requireAuth(s.handleGetTicket))
	mux.HandleFunc("POST /api/tickets/{id}/close", s.requireAuth(s.handleCloseTicket))
	mux.HandleFunc("POST /api/restart", s.requireAuth(s.handleRestart(svc.Restart)))
	mux.HandleFunc("POST /api/restart/origin", s.requireAuth(s.handleRestart(svc.RestartOrigin)))
	mux.HandleFunc("POST /api/restart/staff", s.requireAuth(s.handleRestart(svc.RestartStaff)))
	mux.HandleFunc("GET /api/logs", s.requireAuth(s.handleGetLogs))
	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	s.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.corsMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins listening. Blocks until context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutCtx)
	}()

	s.logger.Info("api server starting", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Key == "" {
			next(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != s.cfg.Key {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Health())
}

func (s *Server) handleListTickets(w http.ResponseWriter, r *http.Request) {
	filter := store.Filter{}
	if status := r.URL.Query().Get("status"); status != "" {
		ts := protocol.TicketStatus(status)
		filter.Status = &ts
	}
	if user := r.URL.Query().Get("user"); user != "" {
		filter.UserID = user
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil {
			filter.Limit = n
		}
	}

	tickets, err := s.tickets.ListTickets(filter)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if tickets == nil {
		tickets = []*protocol.Ticket{}
	}
	writeJSON(w, http.StatusOK, tickets)
}

// ticketDetail is the GET /api/tickets/{id} response body: the ticket
// plus its full transcript.
type ticketDetail struct {
	Ticket   *protocol.Ticket         `json:"ticket"`
	Messages []protocol.MessageRecord `json:"messages"`
}

func (s *Server) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	t, err := s.tickets.GetTicket(id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "ticket not found"})
		return
	}
	messages, err := s.tickets.ListMessages(id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if messages == nil {
		messages = []protocol.MessageRecord{}
	}
	writeJSON(w, http.StatusOK, ticketDetail{Ticket: t, Messages: messages})
}

func (s *Server) handleCloseTicket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.svc.CloseTicket(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "ticket not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed", "ticket_id": id})
}

func (s *Server) handleRestart(restart func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := restart(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "restarted"})
	}
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeJSON(w, http.StatusOK, []logbuf.Entry{})
		return
	}

	limit := 200
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}

	minLevel := slog.LevelDebug
	if lvl := r.URL.Query().Get("level"); lvl != "" {
		switch strings.ToLower(lvl) {
		case "info":
			minLevel = slog.LevelInfo
		case "warn":
			minLevel = slog.LevelWarn
		case "error":
			minLevel = slog.LevelError
		}
	}

	var since time.Time
	if sv := r.URL.Query().Get("since"); sv != "" {
		if ms, err := strconv.ParseInt(sv, 10, 64); err == nil {
			since = time.UnixMilli(ms)
		}
	}

	entries := s.logs.Query(since, minLevel, limit)
	if entries == nil {
		entries = []logbuf.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

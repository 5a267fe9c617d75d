// Package api exposes the gateway over HTTP: the chat turn endpoint,
// conversation management, and the tool catalog.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vitwit/agentpay/agent"
	"github.com/vitwit/agentpay/conversations"
	"github.com/vitwit/agentpay/logger"
	"github.com/vitwit/agentpay/tools"
	"github.com/vitwit/agentpay/types"
)

const maxRequestBytes = 1 << 20

// Server is the HTTP front of the gateway.
type Server struct {
	orchestrator *agent.Orchestrator
	store        *conversations.Store
	catalog      *tools.Catalog
	log          logger.Logger

	// allowUnscopedList gates listing every conversation when no owner
	// filter is supplied. Off by default: the unscoped view is operator
	// tooling, not caller surface.
	allowUnscopedList bool

	metricsRegistry *prometheus.Registry
	httpServer      *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger attaches a logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Server) { s.log = l.Named("api") }
}

// WithUnscopedList permits conversation listing without an owner filter.
func WithUnscopedList(allow bool) Option {
	return func(s *Server) { s.allowUnscopedList = allow }
}

// WithMetricsHandler mounts the Prometheus scrape endpoint.
func WithMetricsHandler(reg *prometheus.Registry) Option {
	return func(s *Server) { s.metricsRegistry = reg }
}

// NewServer builds the HTTP server bound to address.
func NewServer(address string, orchestrator *agent.Orchestrator, store *conversations.Store, catalog *tools.Catalog, opts ...Option) *Server {
	s := &Server{
		orchestrator: orchestrator,
		store:        store,
		catalog:      catalog,
		log:          logger.NoopLogger{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/chat", s.handleChat)
	mux.HandleFunc("GET /api/v1/tools", s.handleListTools)
	mux.HandleFunc("GET /api/v1/conversations", s.handleListConversations)
	mux.HandleFunc("GET /api/v1/conversations/{id}", s.handleGetConversation)
	mux.HandleFunc("PUT /api/v1/conversations/{id}/title", s.handleUpdateTitle)
	mux.HandleFunc("DELETE /api/v1/conversations/{id}", s.handleDeleteConversation)
	mux.HandleFunc("POST /api/v1/conversations/cleanup", s.handleCleanup)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metricsRegistry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.metricsRegistry, promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving requests until Shutdown or failure.
func (s *Server) ListenAndServe() error {
	s.log.Info("http server listening", map[string]any{"address": s.httpServer.Addr})
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req types.ChatRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	result, err := s.orchestrator.HandleTurn(r.Context(), &req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if result.Challenge != nil {
		writeJSON(w, http.StatusPaymentRequired, result.Challenge)
		return
	}
	writeJSON(w, http.StatusOK, result.Response)
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tools": s.catalog.List()})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" && !s.allowUnscopedList {
		s.writeError(w, &types.Error{
			Code:    types.ErrValidation,
			Message: "owner query parameter is required",
		})
		return
	}

	summaries, err := s.store.List(r.Context(), owner)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": summaries})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleUpdateTitle(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.UpdateTitle(r.Context(), r.PathValue("id"), body.Title); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": true})
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	days, err := strconv.Atoi(r.URL.Query().Get("days"))
	if err != nil || days <= 0 {
		s.writeError(w, &types.Error{
			Code:    types.ErrValidation,
			Message: "days query parameter must be a positive integer",
		})
		return
	}
	deleted, err := s.store.Cleanup(r.Context(), days)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func decodeJSON(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		return &types.Error{Code: types.ErrValidation, Message: fmt.Sprintf("read request body: %v", err)}
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return &types.Error{Code: types.ErrValidation, Message: fmt.Sprintf("invalid JSON body: %v", err)}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var typed *types.Error
	if !errors.As(err, &typed) {
		typed = &types.Error{Code: types.ErrNetwork, Message: err.Error()}
	}

	status := http.StatusInternalServerError
	switch typed.Code {
	case types.ErrValidation, types.ErrInvalidRating:
		status = http.StatusBadRequest
	case types.ErrNotFound, types.ErrUnknownTool:
		status = http.StatusNotFound
	case types.ErrPaymentRequired, types.ErrSettlementRejected:
		status = http.StatusPaymentRequired
	case types.ErrUpstreamService:
		status = http.StatusBadGateway
	case types.ErrNetwork:
		status = http.StatusServiceUnavailable
	}

	if status >= 500 {
		s.log.Error("request failed", map[string]any{"code": typed.Code, "error": typed.Message})
	}
	writeJSON(w, status, map[string]any{"error": typed})
}

// Package api exposes the pipeline over REST/JSON plus the WebSocket
// delivery endpoint. All conversation-scoped routes run behind the
// authorization chain.
package api

import (
	"net/http"
	"sync/atomic"

	"log/slog"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/veilchat/backend/internal/circuitbreaker"
	"github.com/veilchat/backend/internal/gateway"
	"github.com/veilchat/backend/internal/middleware"
	"github.com/veilchat/backend/internal/service"
)

// Server wires services and middleware into an http.Handler. The http.Server
// lifecycle (listen, shutdown) belongs to the caller.
type Server struct {
	messages      *service.MessageService
	conversations *service.ConversationService
	hub           *gateway.WSHub
	authz         *middleware.Authz
	breakers      *circuitbreaker.Manager
	registry      *prometheus.Registry
	logger        *slog.Logger

	ready atomic.Bool
}

// ServerOptions collects the server's collaborators.
type ServerOptions struct {
	Messages      *service.MessageService
	Conversations *service.ConversationService
	Hub           *gateway.WSHub
	Authz         *middleware.Authz
	Breakers      *circuitbreaker.Manager
	Registry      *prometheus.Registry
	Logger        *slog.Logger
}

// NewServer builds the server. Readiness starts false; main flips it once
// the pipeline is running and flips it back as shutdown phase one.
func NewServer(opts ServerOptions) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		messages:      opts.Messages,
		conversations: opts.Conversations,
		hub:           opts.Hub,
		authz:         opts.Authz,
		breakers:      opts.Breakers,
		registry:      opts.Registry,
		logger:        opts.Logger,
	}
}

// SetReady flips the readiness probe.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Handler assembles the full route table and middleware chain.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/breakers", s.handleBreakers).Methods(http.MethodGet)

	r.HandleFunc("/conversations", s.handleCreateConversation).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{conversationId}", s.handleGetConversation).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{conversationId}/messages", s.handleListMessages).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{conversationId}/participants", s.handleListParticipants).Methods(http.MethodGet)
	r.Handle("/conversations/{conversationId}/participants",
		s.authz.AdminOnly(http.HandlerFunc(s.handleAddParticipant))).Methods(http.MethodPost)
	r.Handle("/conversations/{conversationId}/participants/{userId}",
		s.authz.AdminOnly(http.HandlerFunc(s.handleRemoveParticipant))).Methods(http.MethodDelete)

	r.HandleFunc("/messages", s.handleSendMessage).Methods(http.MethodPost)
	r.HandleFunc("/messages/{messageId}", s.handleGetMessage).Methods(http.MethodGet)

	r.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)

	// Attached via Use so route vars are resolved before the chain runs.
	r.Use(s.authz.Middleware)

	chain := middleware.RequestIDMiddleware(
		middleware.Recovery(s.logger)(
			principalMiddleware(r)))
	return chain
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "draining"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.breakers.Stats())
}

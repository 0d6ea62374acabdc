package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/veilchat/backend/internal/core"
	"github.com/veilchat/backend/internal/metrics"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second // must be < pongWait
	writeWait  = 10 * time.Second
	maxMsgSize = 64 * 1024
)

// WSHubConfig configures the websocket hub.
type WSHubConfig struct {
	// MaxQueue bounds each socket's send queue (default 100).
	MaxQueue int
	// Policy selects the backpressure drop side (default drop_new).
	Policy DropPolicy
	// CheckOrigin overrides the upgrader's origin check; nil allows all,
	// which is only safe behind the platform's edge proxy.
	CheckOrigin func(r *http.Request) bool

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// WSHub fans envelopes out to websocket sessions. Sessions subscribe to
// conversations over the socket; the consumer broadcasts by conversation id.
type WSHub struct {
	cfg      WSHubConfig
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu sync.RWMutex
	// sessions by id, and the conversation→session index the broadcast path
	// reads.
	sessions map[string]*session
	convs    map[string]map[string]*session
}

// session is one attached socket. All writes go through the send queue and
// the write pump; the read pump owns all reads.
type session struct {
	id     string
	userID string
	conn   *websocket.Conn
	send   *sendQueue
	done   chan struct{}
	once   sync.Once

	mu    sync.Mutex
	convs map[string]bool
}

// NewWSHub builds the hub.
func NewWSHub(cfg WSHubConfig) *WSHub {
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = 100
	}
	if cfg.Policy == "" {
		cfg.Policy = DropNew
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}

	return &WSHub{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		logger:   cfg.Logger,
		sessions: make(map[string]*session),
		convs:    make(map[string]map[string]*session),
	}
}

// Broadcast implements Hub. Validation failures are permanent; a missing
// audience is not an error (offline delivery is the notifier's job).
func (h *WSHub) Broadcast(ctx context.Context, conversationID string, env Envelope) error {
	if err := env.Validate(); err != nil {
		h.countBroadcast("invalid")
		return err
	}

	frame, err := env.Marshal()
	if err != nil {
		h.countBroadcast("invalid")
		return core.Wrap(core.KindValidationFailed, "envelope not serializable", ErrPermanent)
	}

	h.mu.RLock()
	targets := make([]*session, 0, len(h.convs[conversationID]))
	for _, s := range h.convs[conversationID] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		h.countBroadcast("no_subscribers")
		return nil
	}

	for _, s := range targets {
		if !s.send.push(frame) {
			h.countDropped("backpressure")
			h.logger.Warn("[WSHub] dropped envelope",
				"session", s.id, "conversation", conversationID, "policy", h.cfg.Policy)
		}
	}
	h.countBroadcast("delivered")
	return nil
}

// Presence implements Hub.
func (h *WSHub) Presence(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.convs[conversationID])
}

// HandleWS upgrades the request and runs the session pumps. The caller's
// middleware has already authenticated the principal.
func (h *WSHub) HandleWS(userID string, w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("[WSHub] upgrade failed", "error", err)
		return
	}

	s := &session{
		id:     uuid.New().String(),
		userID: userID,
		conn:   conn,
		send:   newSendQueue(h.cfg.MaxQueue, h.cfg.Policy),
		done:   make(chan struct{}),
		convs:  make(map[string]bool),
	}

	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()
	if h.cfg.Metrics != nil {
		h.cfg.Metrics.WSConnections.Inc()
	}
	h.logger.Info("[WSHub] session attached", "session", s.id, "user", userID)

	go h.writePump(s)
	go h.readPump(s)
}

// Subscribe attaches a session to a conversation. Exposed for the read pump
// and for resume layers that restore subscriptions out of band.
func (h *WSHub) subscribe(s *session, conversationID string) {
	s.mu.Lock()
	s.convs[conversationID] = true
	s.mu.Unlock()

	h.mu.Lock()
	if h.convs[conversationID] == nil {
		h.convs[conversationID] = make(map[string]*session)
	}
	h.convs[conversationID][s.id] = s
	h.mu.Unlock()
}

func (h *WSHub) unsubscribe(s *session, conversationID string) {
	s.mu.Lock()
	delete(s.convs, conversationID)
	s.mu.Unlock()

	h.mu.Lock()
	if members := h.convs[conversationID]; members != nil {
		delete(members, s.id)
		if len(members) == 0 {
			delete(h.convs, conversationID)
		}
	}
	h.mu.Unlock()
}

// detach tears the session down exactly once.
func (h *WSHub) detach(s *session) {
	s.once.Do(func() {
		close(s.done)

		s.mu.Lock()
		convs := make([]string, 0, len(s.convs))
		for c := range s.convs {
			convs = append(convs, c)
		}
		s.mu.Unlock()
		for _, c := range convs {
			h.unsubscribe(s, c)
		}

		h.mu.Lock()
		delete(h.sessions, s.id)
		h.mu.Unlock()

		s.conn.Close()
		if h.cfg.Metrics != nil {
			h.cfg.Metrics.WSConnections.Dec()
		}
		h.logger.Info("[WSHub] session detached", "session", s.id)
	})
}

// writePump is the only goroutine writing to the connection: queued frames,
// pings, and the close frame.
func (h *WSHub) writePump(s *session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		h.detach(s)
	}()

	for {
		select {
		case frame := <-s.send.ch:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.logger.Warn("[WSHub] write failed", "session", s.id, "error", err)
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// clientCommand is the subscription control frame clients send.
type clientCommand struct {
	Type           string `json:"type"` // sub | unsub
	ConversationID string `json:"conversationId"`
}

// readPump is the only goroutine reading from the connection. It handles
// subscription commands; everything else is ignored.
func (h *WSHub) readPump(s *session) {
	defer h.detach(s)

	s.conn.SetReadLimit(maxMsgSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("[WSHub] read failed", "session", s.id, "error", err)
			}
			return
		}

		var cmd clientCommand
		if err := json.Unmarshal(payload, &cmd); err != nil || cmd.ConversationID == "" {
			h.logger.Debug("[WSHub] ignoring malformed command", "session", s.id)
			continue
		}

		switch cmd.Type {
		case "sub":
			h.subscribe(s, cmd.ConversationID)
		case "unsub":
			h.unsubscribe(s, cmd.ConversationID)
		}
	}
}

// Close detaches every session. New upgrades race Close; the caller stops
// accepting connections first.
func (h *WSHub) Close() {
	h.mu.RLock()
	sessions := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	for _, s := range sessions {
		h.detach(s)
	}
}

// Sessions reports the attached session count, for stats endpoints.
func (h *WSHub) Sessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func (h *WSHub) countBroadcast(outcome string) {
	if h.cfg.Metrics != nil {
		h.cfg.Metrics.WSBroadcasts.WithLabelValues(outcome).Inc()
	}
}

func (h *WSHub) countDropped(reason string) {
	if h.cfg.Metrics != nil {
		h.cfg.Metrics.WSDropped.WithLabelValues(reason, string(h.cfg.Policy)).Inc()
	}
}

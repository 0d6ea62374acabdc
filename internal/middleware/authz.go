package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/veilchat/backend/internal/core"
	"github.com/veilchat/backend/internal/metrics"
	"github.com/veilchat/backend/internal/participant"
)

// denialSampleRate keeps the security log usable under a credential-stuffing
// burst: roughly 1 in 100 denials is logged.
const denialSampleRate = 0.01

// AuthzConfig wires the authorization chain.
type AuthzConfig struct {
	Cache   *participant.Cache
	Reader  participant.Reader
	Limiter *RateLimiter

	// PublicPrefixes lists path prefixes that bypass the chain entirely.
	PublicPrefixes []string

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Authz is the per-request authorization pipeline: public-route skip,
// principal requirement, rate limit, and the fail-closed participant check.
type Authz struct {
	cfg    AuthzConfig
	logger *slog.Logger
}

// NewAuthz builds the chain.
func NewAuthz(cfg AuthzConfig) *Authz {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if len(cfg.PublicPrefixes) == 0 {
		cfg.PublicPrefixes = []string{"/healthz", "/readyz", "/metrics"}
	}
	return &Authz{cfg: cfg, logger: cfg.Logger}
}

// Middleware enforces the chain on every request it wraps.
func (a *Authz) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.isPublic(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		principal, ok := PrincipalFrom(r.Context())
		if !ok {
			a.deny(r, "unauthenticated")
			WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "authentication required")
			return
		}

		route := routeLabel(r)
		if a.cfg.Limiter != nil && !a.cfg.Limiter.check(w, r, principal.UserID, route) {
			return
		}

		conversationID := extractConversationID(r)
		if conversationID == "" {
			// No conversation in scope; nothing to check membership against.
			next.ServeHTTP(w, r)
			return
		}

		member, role, ok := a.membership(w, r, conversationID, principal.UserID)
		if !ok {
			return // membership already wrote the response
		}
		if !member {
			a.deny(r, "not_a_participant")
			WriteError(w, r, http.StatusForbidden, "NOT_A_PARTICIPANT",
				"caller is not a participant of this conversation")
			return
		}

		ctx := r.Context()
		if role != "" {
			ctx = withRole(ctx, role)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// membership answers whether the caller belongs to the conversation,
// fail-closed: cache first, then the read port with cache populate. The
// role is only known on the read-port path; cache hits leave it empty and
// AdminOnly resolves it lazily. Returns ok=false after writing an error
// response.
func (a *Authz) membership(w http.ResponseWriter, r *http.Request, conversationID, userID string) (member bool, role string, ok bool) {
	ctx := r.Context()

	entry, err := a.cfg.Cache.Get(ctx, conversationID)
	if err != nil {
		a.cacheError(r, conversationID, err)
		a.deny(r, "cache_error")
		WriteError(w, r, http.StatusForbidden, "FORBIDDEN", "participant check unavailable")
		return false, "", false
	}

	if entry != nil && len(entry.UserIDs) > 0 {
		return entry.Contains(userID), "", true
	}

	// Cache miss (or negative entry): consult the source of truth and
	// repopulate.
	members, err := a.cfg.Reader.ListActive(ctx, conversationID)
	if err != nil {
		a.cacheError(r, conversationID, err)
		a.deny(r, "cache_error")
		WriteError(w, r, http.StatusForbidden, "FORBIDDEN", "participant check unavailable")
		return false, "", false
	}

	if len(members) == 0 {
		if err := a.cfg.Cache.SetNegative(ctx, conversationID); err != nil {
			a.logger.Warn("[Authz] negative cache write failed", "conversation", conversationID, "error", err)
		}
		return false, "", true
	}

	userIDs := make([]string, 0, len(members))
	for _, m := range members {
		userIDs = append(userIDs, m.UserID)
		if m.UserID == userID {
			member = true
			role = m.Role
		}
	}
	if err := a.cfg.Cache.Set(ctx, conversationID, userIDs); err != nil {
		a.logger.Warn("[Authz] cache populate failed", "conversation", conversationID, "error", err)
	}
	return member, role, true
}

func (a *Authz) cacheError(r *http.Request, conversationID string, err error) {
	if a.cfg.Metrics != nil {
		a.cfg.Metrics.ParticipantCacheErrors.Inc()
	}
	a.logger.Error("[Authz] participant lookup failed, denying",
		"conversation", conversationID, "requestId", RequestID(r.Context()), "error", err)
}

// deny counts the denial and sample-logs it.
func (a *Authz) deny(r *http.Request, reason string) {
	if a.cfg.Metrics != nil {
		a.cfg.Metrics.AuthzDenials.WithLabelValues(reason).Inc()
	}
	if rand.Float64() < denialSampleRate {
		a.logger.Warn("[Authz] request denied",
			"reason", reason, "path", r.URL.Path, "requestId", RequestID(r.Context()))
	}
}

func (a *Authz) isPublic(path string) bool {
	for _, prefix := range a.cfg.PublicPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// AdminOnly requires an admin or owner role in the conversation. A
// self-operation on participants/{userId} is allowed regardless of role, so
// a member can always leave. The role comes from the request context when
// the main chain learned it, otherwise from the read port.
func (a *Authz) AdminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := PrincipalFrom(r.Context())
		if !ok {
			WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "authentication required")
			return
		}

		if target := mux.Vars(r)["userId"]; target != "" && target == principal.UserID {
			next.ServeHTTP(w, r)
			return
		}

		role := RoleFrom(r.Context())
		if role == "" {
			conversationID := mux.Vars(r)["conversationId"]
			resolved, err := a.roleOf(r, conversationID, principal.UserID)
			if err != nil {
				a.cacheError(r, conversationID, err)
				a.deny(r, "cache_error")
				WriteError(w, r, http.StatusForbidden, "FORBIDDEN", "role resolution failed")
				return
			}
			role = resolved
		}

		if role != core.RoleAdmin && role != core.RoleOwner {
			a.deny(r, "role")
			WriteError(w, r, http.StatusForbidden, "FORBIDDEN", "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// roleOf resolves the caller's role from the read port.
func (a *Authz) roleOf(r *http.Request, conversationID, userID string) (string, error) {
	members, err := a.cfg.Reader.ListActive(r.Context(), conversationID)
	if err != nil {
		return "", err
	}
	for _, m := range members {
		if m.UserID == userID {
			return m.Role, nil
		}
	}
	return "", nil
}

// routeLabel prefers the mux route template so the limiter and metrics see
// one bucket per route, not one per resource id.
func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return r.Method + " " + tmpl
		}
	}
	return r.Method + " " + r.URL.Path
}

// extractConversationID reads the id from the route vars, or from a JSON
// POST body. The body is restored so the handler can read it again.
func extractConversationID(r *http.Request) string {
	if id := mux.Vars(r)["conversationId"]; id != "" {
		return id
	}

	if r.Method != http.MethodPost || r.Body == nil {
		return ""
	}
	if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		return ""
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		return ""
	}

	var probe struct {
		ConversationID string `json:"conversationId"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return ""
	}
	return probe.ConversationID
}

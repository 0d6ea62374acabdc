// Package middleware carries the HTTP request pipeline: request ids, panic
// recovery, the fixed-window rate limiter, and the fail-closed participant
// authorization chain.
package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/veilchat/backend/internal/core"
)

type contextKey string

const (
	requestIDKey contextKey = "requestId"
	principalKey contextKey = "principal"
	roleKey      contextKey = "role"
)

// ErrorBody is the uniform error response shape.
type ErrorBody struct {
	Code         string      `json:"code"`
	Message      string      `json:"message"`
	Details      interface{} `json:"details,omitempty"`
	RequestID    string      `json:"requestId"`
	RetryAfterMs int64       `json:"retryAfterMs,omitempty"`
}

// WriteError emits the uniform error body with the request's id.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeErrorBody(w, r, status, ErrorBody{Code: code, Message: message})
}

func writeErrorBody(w http.ResponseWriter, r *http.Request, status int, body ErrorBody) {
	body.RequestID = RequestID(r.Context())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// RequestID returns the id stamped by the RequestID middleware, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithRequestID attaches a request id; used by tests.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDMiddleware stamps every request with a uuid, honoring an inbound
// X-Request-ID, and echoes it on the response.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), id)))
	})
}

// Recovery converts handler panics into 500s instead of tearing the
// connection down.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("[Middleware] handler panic",
						"path", r.URL.Path, "requestId", RequestID(r.Context()), "panic", rec)
					WriteError(w, r, http.StatusInternalServerError,
						"INTERNAL", "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// WithPrincipal attaches an authenticated principal; the upstream verifier
// (or a test) calls this before the authz chain runs.
func WithPrincipal(ctx context.Context, p *core.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom returns the authenticated principal, if any.
func PrincipalFrom(ctx context.Context) (*core.Principal, bool) {
	p, ok := ctx.Value(principalKey).(*core.Principal)
	return p, ok && p != nil
}

// RoleFrom returns the caller's conversation role attached by the authz
// chain, or "" when the request carried no conversation.
func RoleFrom(ctx context.Context) string {
	role, _ := ctx.Value(roleKey).(string)
	return role
}

func withRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, roleKey, role)
}

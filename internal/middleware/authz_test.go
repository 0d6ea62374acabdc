package middleware

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilchat/backend/internal/core"
	"github.com/veilchat/backend/internal/metrics"
	"github.com/veilchat/backend/internal/participant"
)

// memKV is a minimal in-memory participant.KVClient.
type memKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemKV() *memKV { return &memKV{data: make(map[string][]byte)} }

func (m *memKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memKV) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

func (m *memKV) Incr(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, _ := strconv.ParseInt(string(m.data[key]), 10, 64)
	n++
	m.data[key] = []byte(strconv.FormatInt(n, 10))
	return n, nil
}

func (m *memKV) Publish(ctx context.Context, channel string, message []byte) error { return nil }

func (m *memKV) Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error) {
	return func() {}, nil
}

// stubReader answers membership queries from a fixed map.
type stubReader struct {
	members map[string][]core.Participant
	err     error
	calls   int
}

func (s *stubReader) ListActive(ctx context.Context, conversationID string) ([]core.Participant, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.members[conversationID], nil
}

func newTestAuthz(t *testing.T, reader participant.Reader) (*Authz, *metrics.Metrics) {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	cache := participant.NewCache(newMemKV(), participant.Config{Metrics: m})
	a := NewAuthz(AuthzConfig{
		Cache:   cache,
		Reader:  reader,
		Limiter: NewRateLimiter(RateLimitConfig{Limit: 100, Window: time.Minute, Metrics: m}),
		Metrics: m,
	})
	return a, m
}

// serve mounts the chain on a mux router so route vars resolve.
func serve(a *Authz, principal *core.Principal, method, path string, body io.Reader, admin bool) *httptest.ResponseRecorder {
	router := mux.NewRouter()
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if r.Body != nil {
			b, _ := io.ReadAll(r.Body)
			w.Write(b)
		}
	})

	var handler http.Handler = ok
	if admin {
		handler = a.AdminOnly(ok)
	}
	router.Handle("/healthz", ok).Methods(http.MethodGet)
	router.Handle("/conversations/{conversationId}/messages", handler)
	router.Handle("/conversations/{conversationId}/participants/{userId}", handler)
	router.Handle("/messages", handler).Methods(http.MethodPost)
	// Attached via Use so route vars are resolved before the chain runs.
	router.Use(a.Middleware)
	chained := RequestIDMiddleware(router)

	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if principal != nil {
		req = req.WithContext(WithPrincipal(req.Context(), principal))
	}

	rec := httptest.NewRecorder()
	chained.ServeHTTP(rec, req)
	return rec
}

func TestAuthzPublicRouteSkipsChain(t *testing.T) {
	a, _ := newTestAuthz(t, &stubReader{})
	rec := serve(a, nil, http.MethodGet, "/healthz", nil, false)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthzMissingPrincipal(t *testing.T) {
	a, _ := newTestAuthz(t, &stubReader{})
	rec := serve(a, nil, http.MethodGet, "/conversations/c1/messages", nil, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "UNAUTHENTICATED")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestAuthzMemberAllowedAndCachePopulated(t *testing.T) {
	reader := &stubReader{members: map[string][]core.Participant{
		"c1": {{ConversationID: "c1", UserID: "alice", Role: core.RoleOwner}},
	}}
	a, _ := newTestAuthz(t, reader)
	principal := &core.Principal{UserID: "alice"}

	rec := serve(a, principal, http.MethodGet, "/conversations/c1/messages", nil, false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, reader.calls)

	// Second request answers from the cache without touching the read port.
	rec = serve(a, principal, http.MethodGet, "/conversations/c1/messages", nil, false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, reader.calls)
}

func TestAuthzNonMemberDenied(t *testing.T) {
	reader := &stubReader{members: map[string][]core.Participant{
		"c1": {{ConversationID: "c1", UserID: "alice", Role: core.RoleMember}},
	}}
	a, _ := newTestAuthz(t, reader)

	rec := serve(a, &core.Principal{UserID: "mallory"}, http.MethodGet, "/conversations/c1/messages", nil, false)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "NOT_A_PARTICIPANT")
}

func TestAuthzFailsClosedOnReaderError(t *testing.T) {
	reader := &stubReader{err: assert.AnError}
	a, _ := newTestAuthz(t, reader)

	rec := serve(a, &core.Principal{UserID: "alice"}, http.MethodGet, "/conversations/c1/messages", nil, false)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAuthzConversationFromPostBody(t *testing.T) {
	reader := &stubReader{members: map[string][]core.Participant{
		"c7": {{ConversationID: "c7", UserID: "alice", Role: core.RoleMember}},
	}}
	a, _ := newTestAuthz(t, reader)
	body := `{"conversationId":"c7","ciphertext":"AAEC"}`

	rec := serve(a, &core.Principal{UserID: "alice"}, http.MethodPost, "/messages",
		bytes.NewBufferString(body), false)
	require.Equal(t, http.StatusOK, rec.Code)
	// The probe must not consume the body the handler needs.
	assert.Equal(t, body, rec.Body.String())

	rec = serve(a, &core.Principal{UserID: "mallory"}, http.MethodPost, "/messages",
		bytes.NewBufferString(body), false)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAuthzNoConversationSkipsCheck(t *testing.T) {
	reader := &stubReader{}
	a, _ := newTestAuthz(t, reader)

	rec := serve(a, &core.Principal{UserID: "alice"}, http.MethodPost, "/messages",
		bytes.NewBufferString(`{"kind":"broadcast"}`), false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, reader.calls)
}

func TestAuthzRateLimit(t *testing.T) {
	reader := &stubReader{members: map[string][]core.Participant{
		"c1": {{ConversationID: "c1", UserID: "alice", Role: core.RoleMember}},
	}}
	m := metrics.New(prometheus.NewRegistry())
	cache := participant.NewCache(newMemKV(), participant.Config{})
	a := NewAuthz(AuthzConfig{
		Cache:   cache,
		Reader:  reader,
		Limiter: NewRateLimiter(RateLimitConfig{Limit: 2, Window: time.Minute, Metrics: m}),
		Metrics: m,
	})
	principal := &core.Principal{UserID: "alice"}

	for i := 0; i < 2; i++ {
		rec := serve(a, principal, http.MethodGet, "/conversations/c1/messages", nil, false)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := serve(a, principal, http.MethodGet, "/conversations/c1/messages", nil, false)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "retryAfterMs")
	assert.Contains(t, rec.Body.String(), "RATE_LIMITED")
}

func TestAdminOnlySelfOperation(t *testing.T) {
	reader := &stubReader{members: map[string][]core.Participant{
		"c1": {
			{ConversationID: "c1", UserID: "owner-1", Role: core.RoleOwner},
			{ConversationID: "c1", UserID: "alice", Role: core.RoleMember},
		},
	}}
	a, _ := newTestAuthz(t, reader)

	// A member removing themselves is allowed without admin role.
	rec := serve(a, &core.Principal{UserID: "alice"}, http.MethodDelete,
		"/conversations/c1/participants/alice", nil, true)
	assert.Equal(t, http.StatusOK, rec.Code)

	// The same member acting on somebody else is not.
	rec = serve(a, &core.Principal{UserID: "alice"}, http.MethodDelete,
		"/conversations/c1/participants/owner-1", nil, true)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// An owner acting on another member is.
	rec = serve(a, &core.Principal{UserID: "owner-1"}, http.MethodDelete,
		"/conversations/c1/participants/alice", nil, true)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRecoveryConvertsPanics(t *testing.T) {
	handler := RequestIDMiddleware(Recovery(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})))

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "INTERNAL")
}

// Package cache implements the key/envelope cache layer: an in-memory LRU
// provider, a Redis-backed distributed provider with cross-process
// invalidation fan-out, and the manager that fronts a provider with metrics,
// retry, breaker, and staleness policy.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Envelope is the stored unit. StoredAt (epoch milliseconds) feeds the
// staleness predicate.
type Envelope struct {
	Value    json.RawMessage `json:"value"`
	StoredAt int64           `json:"storedAt"`
}

// NewEnvelope stamps a value with the current time.
func NewEnvelope(value json.RawMessage) Envelope {
	return Envelope{Value: value, StoredAt: time.Now().UnixMilli()}
}

// Age returns how long ago the envelope was stored.
func (e Envelope) Age(now time.Time) time.Duration {
	return time.Duration(now.UnixMilli()-e.StoredAt) * time.Millisecond
}

// Invalidation is one invalidation event, local or remote.
type Invalidation struct {
	Key string
}

// Provider is the key/envelope store behind the manager.
type Provider interface {
	Init(ctx context.Context) error
	Dispose(ctx context.Context) error
	Get(ctx context.Context, key string) (Envelope, bool, error)
	// Set stores the envelope; ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, env Envelope, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// InvalidationSource is implemented by providers that receive invalidations
// from peer processes.
type InvalidationSource interface {
	// OnInvalidate registers a handler; the returned function removes it.
	OnInvalidate(handler func(Invalidation)) (off func())
}

// emitter is a minimal fan-out broadcaster: a registry of handlers keyed by
// a counter, so unsubscribe is O(1) map removal.
type emitter struct {
	mu       sync.RWMutex
	next     int
	handlers map[int]func(Invalidation)
}

func newEmitter() *emitter {
	return &emitter{handlers: make(map[int]func(Invalidation))}
}

func (e *emitter) on(handler func(Invalidation)) func() {
	e.mu.Lock()
	e.next++
	id := e.next
	e.handlers[id] = handler
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.handlers, id)
		e.mu.Unlock()
	}
}

func (e *emitter) emit(ev Invalidation) {
	e.mu.RLock()
	handlers := make([]func(Invalidation), 0, len(e.handlers))
	for _, h := range e.handlers {
		handlers = append(handlers, h)
	}
	e.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

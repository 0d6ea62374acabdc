package cache

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// memEntry pairs an envelope with its expiry. A zero expiresAt never
// expires.
type memEntry struct {
	env       Envelope
	expiresAt time.Time
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryProvider is a bounded in-process LRU with per-entry TTL. Expiry is
// enforced lazily on Get; eviction of the oldest entry happens on Set when
// the cache is full and the key is new.
type MemoryProvider struct {
	entries *lru.Cache[string, memEntry]
}

// NewMemoryProvider builds an LRU bounded to maxItems (default 1024).
func NewMemoryProvider(maxItems int) (*MemoryProvider, error) {
	if maxItems <= 0 {
		maxItems = 1024
	}
	entries, err := lru.New[string, memEntry](maxItems)
	if err != nil {
		return nil, err
	}
	return &MemoryProvider{entries: entries}, nil
}

// Init implements Provider.
func (p *MemoryProvider) Init(ctx context.Context) error {
	return nil
}

// Dispose drops all entries.
func (p *MemoryProvider) Dispose(ctx context.Context) error {
	p.entries.Purge()
	return nil
}

// Get returns the envelope and promotes the key. An expired entry is
// removed and reported absent.
func (p *MemoryProvider) Get(ctx context.Context, key string) (Envelope, bool, error) {
	entry, ok := p.entries.Get(key)
	if !ok {
		return Envelope{}, false, nil
	}
	if entry.expired(time.Now()) {
		p.entries.Remove(key)
		return Envelope{}, false, nil
	}
	return entry.env, true, nil
}

// Set stores the envelope with its own TTL; ttl <= 0 means never expire.
func (p *MemoryProvider) Set(ctx context.Context, key string, env Envelope, ttl time.Duration) error {
	entry := memEntry{env: env}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	p.entries.Add(key, entry)
	return nil
}

// Delete removes the key.
func (p *MemoryProvider) Delete(ctx context.Context, key string) error {
	p.entries.Remove(key)
	return nil
}

// Len reports the live entry count, for stats endpoints.
func (p *MemoryProvider) Len() int {
	return p.entries.Len()
}

// Package participant caches conversation membership for the authorization
// middleware: versioned entries in a shared key/value store, a process-local
// map, and a pub/sub invalidation protocol keyed on a monotonic version
// counter.
package participant

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/veilchat/backend/internal/metrics"
)

// KVClient is the minimal Redis surface the cache needs. infra.GoRedisAdapter
// implements it; tests use an in-memory fake.
type KVClient interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Incr(ctx context.Context, key string) (int64, error)
	Publish(ctx context.Context, channel string, message []byte) error
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error)
}

// Entry is the cached membership of one conversation at one version.
// Negative marks a conversation known to have no active participants; it is
// only written when negative caching is enabled and correctness never
// depends on it.
type Entry struct {
	ConversationID string   `json:"conversationId"`
	Version        int64    `json:"version"`
	UserIDs        []string `json:"userIds"`
	CachedAt       int64    `json:"cachedAt"`
	Negative       bool     `json:"negative,omitempty"`
}

// Contains reports set membership.
func (e *Entry) Contains(userID string) bool {
	for _, id := range e.UserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// invalidationMessage is the fan-out wire format.
type invalidationMessage struct {
	ConversationID string `json:"conversationId"`
	Version        int64  `json:"version"`
}

// Config tunes the cache.
type Config struct {
	// TTL bounds versioned entries in the shared store (default 300s).
	TTL time.Duration
	// NegativeTTL, when positive, caches empty-membership results briefly.
	// Off by default.
	NegativeTTL time.Duration
	// Channel is the shared invalidation channel.
	Channel string

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Cache is the versioned participant cache. The counter key is the source of
// truth: entries written under an older version persist until their TTL but
// are never read again once the counter moves forward.
type Cache struct {
	kv     KVClient
	cfg    Config
	logger *slog.Logger

	mu    sync.RWMutex
	local map[string]*Entry

	unsub func()
}

// NewCache wraps a KV client. Call Start to attach the invalidation
// subscriber.
func NewCache(kv KVClient, cfg Config) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = 300 * time.Second
	}
	if cfg.Channel == "" {
		cfg.Channel = "veil:participants:invalidate"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Cache{
		kv:     kv,
		cfg:    cfg,
		logger: cfg.Logger,
		local:  make(map[string]*Entry),
	}
}

func entryKey(conv string, version int64) string {
	return fmt.Sprintf("conv:%s:participants:v%d", conv, version)
}

func counterKey(conv string) string {
	return fmt.Sprintf("conv:%s:part:ver", conv)
}

// Start subscribes to peer invalidations.
func (c *Cache) Start(ctx context.Context) error {
	unsub, err := c.kv.Subscribe(ctx, c.cfg.Channel, c.receive)
	if err != nil {
		return fmt.Errorf("subscribe participant invalidations: %w", err)
	}
	c.unsub = unsub
	c.logger.Info("[ParticipantCache] invalidation fan-out attached", "channel", c.cfg.Channel)
	return nil
}

// Close detaches the subscriber.
func (c *Cache) Close() {
	if c.unsub != nil {
		c.unsub()
		c.unsub = nil
	}
}

// receive drops local entries that a peer has invalidated. Malformed
// payloads are logged and ignored.
func (c *Cache) receive(data []byte) {
	var msg invalidationMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.ConversationID == "" {
		c.countInvalidation("malformed")
		c.logger.Warn("[ParticipantCache] dropped malformed invalidation", "error", err)
		return
	}

	c.mu.Lock()
	if entry, ok := c.local[msg.ConversationID]; ok && msg.Version > entry.Version {
		delete(c.local, msg.ConversationID)
	}
	c.mu.Unlock()
	c.countInvalidation("remote")
}

// currentVersion reads the counter; a missing counter is version 1.
func (c *Cache) currentVersion(ctx context.Context, conv string) (int64, error) {
	raw, ok, err := c.kv.Get(ctx, counterKey(conv))
	if err != nil {
		return 0, fmt.Errorf("participant version read: %w", err)
	}
	if !ok {
		return 1, nil
	}
	version, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil || version < 1 {
		return 1, nil
	}
	return version, nil
}

// Get resolves the conversation's membership: local map when its version is
// current, then the versioned shared key. A nil entry means the caller must
// fall back to the source of truth.
func (c *Cache) Get(ctx context.Context, conv string) (*Entry, error) {
	version, err := c.currentVersion(ctx, conv)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	entry, ok := c.local[conv]
	c.mu.RUnlock()
	if ok && entry.Version == version {
		c.countLookup("local_hit")
		return entry, nil
	}

	raw, ok, err := c.kv.Get(ctx, entryKey(conv, version))
	if err != nil {
		return nil, fmt.Errorf("participant entry read: %w", err)
	}
	if !ok {
		c.countLookup("miss")
		return nil, nil
	}

	var loaded Entry
	if err := json.Unmarshal(raw, &loaded); err != nil {
		c.logger.Warn("[ParticipantCache] corrupt entry, ignoring", "conversation", conv, "error", err)
		c.countLookup("miss")
		return nil, nil
	}

	c.mu.Lock()
	c.local[conv] = &loaded
	c.mu.Unlock()
	c.countLookup("kv_hit")
	return &loaded, nil
}

// Set writes the membership under the current version, in the shared store
// and the local map.
func (c *Cache) Set(ctx context.Context, conv string, userIDs []string) error {
	return c.set(ctx, conv, userIDs, false, c.cfg.TTL)
}

// SetNegative records a known-empty membership with the short negative TTL.
// No-op unless negative caching is enabled.
func (c *Cache) SetNegative(ctx context.Context, conv string) error {
	if c.cfg.NegativeTTL <= 0 {
		return nil
	}
	return c.set(ctx, conv, nil, true, c.cfg.NegativeTTL)
}

func (c *Cache) set(ctx context.Context, conv string, userIDs []string, negative bool, ttl time.Duration) error {
	version, err := c.currentVersion(ctx, conv)
	if err != nil {
		return err
	}

	entry := &Entry{
		ConversationID: conv,
		Version:        version,
		UserIDs:        userIDs,
		CachedAt:       time.Now().UnixMilli(),
		Negative:       negative,
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal participant entry: %w", err)
	}
	if err := c.kv.Set(ctx, entryKey(conv, version), raw, ttl); err != nil {
		return fmt.Errorf("participant entry write: %w", err)
	}

	c.mu.Lock()
	c.local[conv] = entry
	c.mu.Unlock()
	return nil
}

// Invalidate bumps the version counter, drops the local entry, and fans the
// new version out to peers. Stale versioned entries become tombstones their
// TTL eventually clears.
func (c *Cache) Invalidate(ctx context.Context, conv string) error {
	version, err := c.kv.Incr(ctx, counterKey(conv))
	if err != nil {
		return fmt.Errorf("participant version bump: %w", err)
	}
	// A missing counter reads as version 1, so the first bump must land past
	// it or entries cached under the default would survive the invalidation.
	if version == 1 {
		version, err = c.kv.Incr(ctx, counterKey(conv))
		if err != nil {
			return fmt.Errorf("participant version bump: %w", err)
		}
	}

	c.mu.Lock()
	delete(c.local, conv)
	c.mu.Unlock()
	c.countInvalidation("local")

	raw, _ := json.Marshal(invalidationMessage{ConversationID: conv, Version: version})
	if err := c.kv.Publish(ctx, c.cfg.Channel, raw); err != nil {
		// Peers fall back to the counter read; their next Get self-heals.
		c.logger.Warn("[ParticipantCache] invalidation publish failed",
			"conversation", conv, "error", err)
	}
	return nil
}

func (c *Cache) countLookup(outcome string) {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.ParticipantLookups.WithLabelValues(outcome).Inc()
	}
}

func (c *Cache) countInvalidation(origin string) {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.ParticipantInvalidations.WithLabelValues(origin).Inc()
	}
}

package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/veilchat/backend/internal/metrics"
)

// KVClient is the minimal Redis surface the distributed provider needs.
// infra.GoRedisAdapter implements it; tests use an in-memory fake.
type KVClient interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Del(ctx context.Context, keys ...string) error
	Publish(ctx context.Context, channel string, message []byte) error
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error)
}

// fanoutMessage is the wire format on the shared invalidation channel.
// Origin lets subscribers drop their own mutations.
type fanoutMessage struct {
	Key    string `json:"key"`
	Origin string `json:"origin"`
}

// RedisProviderConfig configures the distributed provider.
type RedisProviderConfig struct {
	// Namespace prefixes every key: {namespace}:{key}.
	Namespace string
	// Channel is the shared invalidation fan-out channel.
	Channel string
	// InstanceID tags published invalidations; defaults to a fresh UUID.
	InstanceID string

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// RedisProvider stores envelopes as JSON values in a shared key/value store
// and broadcasts every mutation on a pub/sub channel so peer processes can
// drop their local copies.
type RedisProvider struct {
	client KVClient
	cfg    RedisProviderConfig
	logger *slog.Logger

	events *emitter
	unsub  func()
}

// NewRedisProvider wraps a KV client. Call Init to start receiving remote
// invalidations.
func NewRedisProvider(client KVClient, cfg RedisProviderConfig) *RedisProvider {
	if cfg.Namespace == "" {
		cfg.Namespace = "cache"
	}
	if cfg.Channel == "" {
		cfg.Channel = "veil:cache:invalidate"
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.New().String()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &RedisProvider{
		client: client,
		cfg:    cfg,
		logger: cfg.Logger,
		events: newEmitter(),
	}
}

func (p *RedisProvider) key(key string) string {
	return p.cfg.Namespace + ":" + key
}

// Init subscribes to the invalidation channel. Malformed payloads are
// dropped without crashing the subscriber; self-originated messages are
// ignored.
func (p *RedisProvider) Init(ctx context.Context) error {
	unsub, err := p.client.Subscribe(ctx, p.cfg.Channel, p.receive)
	if err != nil {
		return fmt.Errorf("subscribe cache invalidations: %w", err)
	}
	p.unsub = unsub
	p.logger.Info("[CacheProvider] invalidation fan-out attached",
		"channel", p.cfg.Channel, "instance", p.cfg.InstanceID)
	return nil
}

func (p *RedisProvider) receive(data []byte) {
	var msg fanoutMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Key == "" {
		if p.cfg.Metrics != nil {
			p.cfg.Metrics.CacheInvalidations.WithLabelValues("malformed").Inc()
		}
		p.logger.Debug("[CacheProvider] dropped malformed invalidation", "error", err)
		return
	}
	if msg.Origin == p.cfg.InstanceID {
		return
	}
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.CacheInvalidations.WithLabelValues("remote").Inc()
	}
	p.events.emit(Invalidation{Key: msg.Key})
}

// Dispose detaches the subscriber.
func (p *RedisProvider) Dispose(ctx context.Context) error {
	if p.unsub != nil {
		p.unsub()
		p.unsub = nil
	}
	return nil
}

// Get loads and decodes the envelope. A corrupt value is treated as a miss
// and removed best-effort.
func (p *RedisProvider) Get(ctx context.Context, key string) (Envelope, bool, error) {
	raw, ok, err := p.client.Get(ctx, p.key(key))
	if err != nil {
		return Envelope{}, false, fmt.Errorf("cache get %s: %w", key, err)
	}
	if !ok {
		return Envelope{}, false, nil
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		p.logger.Warn("[CacheProvider] corrupt envelope, evicting", "key", key, "error", err)
		_ = p.client.Del(ctx, p.key(key))
		return Envelope{}, false, nil
	}
	return env, true, nil
}

// Set stores the envelope with a server-side TTL when ttl > 0 and fans out
// the invalidation.
func (p *RedisProvider) Set(ctx context.Context, key string, env Envelope, ttl time.Duration) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := p.client.Set(ctx, p.key(key), raw, ttl); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	p.publish(ctx, key)
	return nil
}

// Delete removes the key and fans out the invalidation.
func (p *RedisProvider) Delete(ctx context.Context, key string) error {
	if err := p.client.Del(ctx, p.key(key)); err != nil {
		return fmt.Errorf("cache delete %s: %w", key, err)
	}
	p.publish(ctx, key)
	return nil
}

// publish broadcasts a mutation. Failures degrade to local-only consistency
// and are logged, not returned.
func (p *RedisProvider) publish(ctx context.Context, key string) {
	raw, _ := json.Marshal(fanoutMessage{Key: key, Origin: p.cfg.InstanceID})
	if err := p.client.Publish(ctx, p.cfg.Channel, raw); err != nil {
		p.logger.Warn("[CacheProvider] invalidation publish failed", "key", key, "error", err)
	}
}

// OnInvalidate implements InvalidationSource.
func (p *RedisProvider) OnInvalidate(handler func(Invalidation)) func() {
	return p.events.on(handler)
}

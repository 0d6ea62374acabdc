// Package infra provides the concrete Redis adapter for the pipeline.
//
// It wraps go-redis v9 and implements the minimal interfaces declared by the
// packages that consume Redis: the cache provider's key/value + pub/sub port,
// the participant cache's counter port, and the stream port shared by the
// broker adapter, the dispatcher, and the consumer. Components depend on
// those interfaces, never on go-redis, so tests run against in-memory fakes.
package infra

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/veilchat/backend/internal/storage"
)

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// GoRedisAdapter wraps go-redis v9 behind the pipeline's Redis ports.
type GoRedisAdapter struct {
	rdb *redis.Client
}

// NewGoRedisAdapter connects to Redis and verifies the connection with a
// ping before handing the adapter out.
func NewGoRedisAdapter(opts Options) (*GoRedisAdapter, error) {
	if opts.PoolSize <= 0 {
		opts.PoolSize = 20
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  -1, // blocking stream reads manage their own deadlines
		WriteTimeout: 2 * time.Second,
		PoolSize:     opts.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", opts.Addr, err)
	}

	slog.Info("Redis connected", "addr", opts.Addr, "db", opts.DB)
	return &GoRedisAdapter{rdb: rdb}, nil
}

// Close shuts down the underlying redis client.
func (a *GoRedisAdapter) Close() error {
	return a.rdb.Close()
}

// Ping verifies connectivity, for readiness probes.
func (a *GoRedisAdapter) Ping(ctx context.Context) error {
	return a.rdb.Ping(ctx).Err()
}

// =============================================================================
// Key/value port (cache.KVClient, participant.KVClient)
// =============================================================================

func (a *GoRedisAdapter) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return a.rdb.Set(ctx, key, value, ttl).Err()
}

// Get returns the value and whether the key exists.
func (a *GoRedisAdapter) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := a.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (a *GoRedisAdapter) Del(ctx context.Context, keys ...string) error {
	return a.rdb.Del(ctx, keys...).Err()
}

// Incr increments a counter key and returns the new value.
func (a *GoRedisAdapter) Incr(ctx context.Context, key string) (int64, error) {
	return a.rdb.Incr(ctx, key).Result()
}

func (a *GoRedisAdapter) Publish(ctx context.Context, channel string, message []byte) error {
	return a.rdb.Publish(ctx, channel, message).Err()
}

// Subscribe registers a handler for messages on a Redis Pub/Sub channel.
// Returns an unsubscribe function.
func (a *GoRedisAdapter) Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error) {
	sub := a.rdb.Subscribe(ctx, channel)

	// Wait for subscription confirmation
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", channel, err)
	}

	ch := sub.Channel()
	go func() {
		for msg := range ch {
			handler([]byte(msg.Payload))
		}
	}()

	return func() { sub.Close() }, nil
}

// =============================================================================
// Stream port (storage.StreamClient)
// =============================================================================

// Append adds an entry with XADD, trimming the stream to approximately
// maxLen when maxLen > 0.
func (a *GoRedisAdapter) Append(ctx context.Context, stream string, values map[string]interface{}, maxLen int64) (string, error) {
	args := &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	return a.rdb.XAdd(ctx, args).Result()
}

// CreateGroup issues XGROUP CREATE ... MKSTREAM. The caller decides how to
// treat BUSYGROUP.
func (a *GoRedisAdapter) CreateGroup(ctx context.Context, stream, group, start string) error {
	return a.rdb.XGroupCreateMkStream(ctx, stream, group, start).Err()
}

// ReadGroup issues a blocking XREADGROUP for new entries (">"). An empty
// result after the block timeout is returned as a nil slice, not an error.
func (a *GoRedisAdapter) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]storage.StreamEntry, error) {
	res, err := a.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var entries []storage.StreamEntry
	for _, s := range res {
		for _, msg := range s.Messages {
			entries = append(entries, storage.StreamEntry{ID: msg.ID, Values: msg.Values})
		}
	}
	return entries, nil
}

// Ack acknowledges entries for a consumer group, returning how many the
// broker accepted.
func (a *GoRedisAdapter) Ack(ctx context.Context, stream, group string, ids ...string) (int64, error) {
	return a.rdb.XAck(ctx, stream, group, ids...).Result()
}

// AutoClaim transfers ownership of entries idle for at least minIdle to this
// consumer, scanning from start.
func (a *GoRedisAdapter) AutoClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, start string, count int64) ([]storage.StreamEntry, string, error) {
	msgs, next, err := a.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    start,
		Count:    count,
	}).Result()
	if err != nil {
		return nil, "", err
	}

	entries := make([]storage.StreamEntry, 0, len(msgs))
	for _, msg := range msgs {
		entries = append(entries, storage.StreamEntry{ID: msg.ID, Values: msg.Values})
	}
	return entries, next, nil
}

// PendingCount returns the XPENDING summary count for a group.
func (a *GoRedisAdapter) PendingCount(ctx context.Context, stream, group string) (int64, error) {
	p, err := a.rdb.XPending(ctx, stream, group).Result()
	if err != nil {
		return 0, err
	}
	return p.Count, nil
}

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veilchat/backend/internal/circuitbreaker"
	"github.com/veilchat/backend/internal/core"
	"github.com/veilchat/backend/internal/retry"
)

// payloadField is the entry field carrying the opaque JSON payload; every
// other string field is treated as a header.
const payloadField = "payload"

// RedisStreamConfig configures the broker adapter.
type RedisStreamConfig struct {
	// KeyPrefix namespaces the stream keys: {prefix}:{namespace}:{stream}.
	KeyPrefix string
	// GroupPrefix namespaces group names in cursors built by NewCursor.
	GroupPrefix string
	// MaxLen bounds each stream with an approximate trim on publish.
	MaxLen int64
	// ReadCount is the XREADGROUP batch size.
	ReadCount int64
	// Block is the XREADGROUP block timeout.
	Block time.Duration
	// ConsumerName identifies this process inside consumer groups.
	ConsumerName string

	Breaker *circuitbreaker.CircuitBreaker
	Retry   retry.Policy
	Logger  *slog.Logger
}

// RedisStreamAdapter is the log-broker adapter over Redis Streams consumer
// groups.
type RedisStreamAdapter struct {
	client  StreamClient
	cfg     RedisStreamConfig
	breaker *circuitbreaker.CircuitBreaker
	logger  *slog.Logger

	mu     sync.Mutex
	groups map[string]bool // group bootstraps already performed
	wg     sync.WaitGroup
}

// NewRedisStreamAdapter wraps a stream client. The client's connection is
// owned by the caller and shared with the dispatcher and consumer.
func NewRedisStreamAdapter(client StreamClient, cfg RedisStreamConfig) *RedisStreamAdapter {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "veil"
	}
	if cfg.GroupPrefix == "" {
		cfg.GroupPrefix = "veil-grp"
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = 100_000
	}
	if cfg.ReadCount <= 0 {
		cfg.ReadCount = 128
	}
	if cfg.Block <= 0 {
		cfg.Block = time.Second
	}
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = "stream-" + uuid.New().String()[:8]
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Retry.ShouldRetry == nil {
		cfg.Retry.ShouldRetry = core.IsRetryable
	}

	return &RedisStreamAdapter{
		client:  client,
		cfg:     cfg,
		breaker: cfg.Breaker,
		logger:  cfg.Logger,
		groups:  make(map[string]bool),
	}
}

// StreamKey builds the broker key for a namespace stream.
func (a *RedisStreamAdapter) StreamKey(namespace, stream string) string {
	return a.cfg.KeyPrefix + ":" + namespace + ":" + stream
}

// NewCursor builds a cursor for the adapter's group naming scheme.
func (a *RedisStreamAdapter) NewCursor(namespace, stream string) StreamCursor {
	return StreamCursor{
		ID:        a.cfg.GroupPrefix + ":" + namespace + ":" + stream,
		Stream:    stream,
		Namespace: namespace,
	}
}

// Init is part of the adapter contract; streams are created lazily on first
// publish or subscribe.
func (a *RedisStreamAdapter) Init(ctx context.Context) error {
	return nil
}

// Close waits for subscription loops to finish. The underlying client is
// closed by its owner.
func (a *RedisStreamAdapter) Close() error {
	a.wg.Wait()
	return nil
}

// Publish appends an entry holding the payload plus one field per header,
// trimming the stream to the configured approximate length.
func (a *RedisStreamAdapter) Publish(ctx context.Context, namespace, stream string, payload json.RawMessage, headers map[string]string) (StreamMessage, error) {
	if !json.Valid(payload) {
		return StreamMessage{}, core.E(core.KindValidationFailed, "stream payload must be valid JSON")
	}

	values := make(map[string]interface{}, len(headers)+1)
	for k, v := range headers {
		if k == payloadField {
			return StreamMessage{}, core.Ef(core.KindValidationFailed, "header %q is reserved", payloadField)
		}
		values[k] = v
	}
	values[payloadField] = string(payload)

	key := a.StreamKey(namespace, stream)
	var id string
	err := a.execute(ctx, "publish", func(ctx context.Context) error {
		var err error
		id, err = a.client.Append(ctx, key, values, a.cfg.MaxLen)
		return err
	})
	if err != nil {
		return StreamMessage{}, err
	}

	return StreamMessage{
		ID:             id,
		Namespace:      namespace,
		Stream:         stream,
		Payload:        payload,
		Headers:        headers,
		PublishedAt:    time.Now(),
		Acknowledgment: AckPolicy{DeliveryGuarantee: AtLeastOnce},
	}, nil
}

// Subscribe ensures the consumer group exists and starts a read loop that
// feeds the returned channel until ctx is cancelled. Entries with an
// unparseable payload are still delivered, with ParseErr set, so callers can
// dead-letter and ack them.
func (a *RedisStreamAdapter) Subscribe(ctx context.Context, cursor StreamCursor) (<-chan StreamResult, error) {
	if cursor.ID == "" {
		return nil, core.E(core.KindValidationFailed, "stream subscribe requires a cursor with a group id")
	}

	key := a.StreamKey(cursor.Namespace, cursor.Stream)
	if err := a.ensureGroup(ctx, key, cursor.ID, startPosition(cursor)); err != nil {
		return nil, err
	}

	out := make(chan StreamResult)
	a.wg.Add(1)
	go a.readLoop(ctx, key, cursor, out)
	return out, nil
}

func startPosition(cursor StreamCursor) string {
	if cursor.Position != "" {
		return cursor.Position
	}
	return "$"
}

// ensureGroup performs the idempotent CREATE GROUP ... MKSTREAM bootstrap.
func (a *RedisStreamAdapter) ensureGroup(ctx context.Context, key, group, start string) error {
	a.mu.Lock()
	done := a.groups[key+"/"+group]
	a.mu.Unlock()
	if done {
		return nil
	}

	err := a.execute(ctx, "create-group", func(ctx context.Context) error {
		err := a.client.CreateGroup(ctx, key, group, start)
		if err != nil && strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.groups[key+"/"+group] = true
	a.mu.Unlock()
	return nil
}

func (a *RedisStreamAdapter) readLoop(ctx context.Context, key string, cursor StreamCursor, out chan<- StreamResult) {
	defer a.wg.Done()
	defer close(out)

	for {
		if ctx.Err() != nil {
			return
		}

		if a.breaker != nil && !a.breaker.Allow() {
			select {
			case <-time.After(a.cfg.Block):
			case <-ctx.Done():
				return
			}
			continue
		}

		entries, err := a.client.ReadGroup(ctx, key, cursor.ID, a.cfg.ConsumerName, a.cfg.ReadCount, a.cfg.Block)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if a.breaker != nil {
				a.breaker.RecordFailure()
			}
			a.logger.Warn("[StreamAdapter] read failed", "stream", key, "group", cursor.ID,
				"error", mapRedisStreamError(err))
			select {
			case <-time.After(a.cfg.Block):
			case <-ctx.Done():
				return
			}
			continue
		}
		if a.breaker != nil {
			a.breaker.RecordSuccess()
		}
		if len(entries) == 0 {
			continue
		}

		for _, entry := range entries {
			result := a.parseEntry(cursor, entry)
			select {
			case out <- result:
			case <-ctx.Done():
				return
			}
		}
	}
}

// parseEntry splits an entry into payload and headers. A payload that is not
// valid JSON yields a StorageError carrying the entry id.
func (a *RedisStreamAdapter) parseEntry(cursor StreamCursor, entry StreamEntry) StreamResult {
	result := StreamResult{Entry: entry}

	headers := make(map[string]string)
	var payload string
	for k, v := range entry.Values {
		s, ok := v.(string)
		if !ok {
			s = fmt.Sprintf("%v", v)
		}
		if k == payloadField {
			payload = s
			continue
		}
		headers[k] = s
	}

	if payload == "" || !json.Valid([]byte(payload)) {
		result.ParseErr = core.Ef(core.KindUnknown, "stream entry %s payload is not valid JSON", entry.ID).
			WithMeta("entryId", entry.ID).
			WithMeta("stream", cursor.Stream)
		return result
	}

	result.Message = StreamMessage{
		ID:             entry.ID,
		Namespace:      cursor.Namespace,
		Stream:         cursor.Stream,
		Payload:        json.RawMessage(payload),
		Headers:        headers,
		Acknowledgment: AckPolicy{DeliveryGuarantee: AtLeastOnce},
	}
	return result
}

// Ack advances the consumer group past the given entries.
func (a *RedisStreamAdapter) Ack(ctx context.Context, cursor StreamCursor, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	key := a.StreamKey(cursor.Namespace, cursor.Stream)
	return a.execute(ctx, "ack", func(ctx context.Context) error {
		_, err := a.client.Ack(ctx, key, cursor.ID, ids...)
		return err
	})
}

// execute applies the uniform adapter wrap: breaker gate, error mapping,
// breaker bookkeeping, then retry on transient kinds.
func (a *RedisStreamAdapter) execute(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempt := func(ctx context.Context) error {
		if a.breaker != nil && !a.breaker.Allow() {
			return core.Ef(core.KindTransientAdapter, "stream adapter breaker open (%s)", op)
		}

		err := fn(ctx)
		if err != nil {
			err = mapRedisStreamError(err)
			if a.breaker != nil {
				a.breaker.RecordFailure()
			}
			a.logger.Warn("[StreamAdapter] operation failed", "op", op, "error", err)
			return err
		}
		if a.breaker != nil {
			a.breaker.RecordSuccess()
		}
		return nil
	}
	return retry.Do(ctx, a.cfg.Retry, attempt)
}

// mapRedisStreamError translates broker errors into taxonomy kinds.
func mapRedisStreamError(err error) error {
	if err == nil {
		return nil
	}
	var kindErr *core.Error
	if errors.As(err, &kindErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return core.Wrap(core.KindTimeout, "broker call timed out", err)
	}
	if strings.Contains(err.Error(), "NOGROUP") {
		return core.Wrap(core.KindConsistency, "consumer group missing", err)
	}
	return core.Wrap(core.KindTransientAdapter, "broker call failed", err)
}

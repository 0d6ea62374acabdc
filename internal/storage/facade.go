package storage

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/veilchat/backend/internal/cache"
	"github.com/veilchat/backend/internal/circuitbreaker"
	"github.com/veilchat/backend/internal/core"
	"github.com/veilchat/backend/internal/metrics"
	"github.com/veilchat/backend/internal/retry"
)

// ReadOptions selects the cache policy of a facade read.
type ReadOptions struct {
	// Consistency defaults to strong.
	Consistency ConsistencyMode
	// BypassCache forces a backend read under strong consistency.
	BypassCache bool
	// StalenessBudget overrides the process-wide budget for this call.
	StalenessBudget time.Duration
	// Timeout races the delegate against a deadline.
	Timeout time.Duration
}

// CallOptions applies to mutating operations.
type CallOptions struct {
	Timeout time.Duration
}

func (o ReadOptions) mode() ConsistencyMode {
	if o.Consistency == "" {
		return ConsistencyStrong
	}
	return o.Consistency
}

// FacadeOptions wires the facade's policy knobs.
type FacadeOptions struct {
	// Cache fronts blob and record reads; nil disables caching.
	Cache *cache.Manager
	// Breaker is the process-wide gate checked before every delegate call.
	Breaker *circuitbreaker.CircuitBreaker
	// RetryAttempts bounds the timeout-only retry wrap (default 1: no retry).
	RetryAttempts int
	// StalenessBudget is the default maximum cache-entry age still fresh
	// under strong consistency (default 100ms).
	StalenessBudget time.Duration

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Facade resolves namespaces to typed adapters and applies the uniform
// operation policy: breaker gate, metrics, optional timeout race, retry on
// timeouts, and the read-through cache on blob and record reads.
type Facade struct {
	records map[string]RecordAdapter
	blobs   map[string]BlobAdapter
	streams map[string]StreamAdapter
	opts    FacadeOptions
	logger  *slog.Logger
}

// Registry names the concrete adapters and factories a configuration
// document may bind namespaces to.
type Registry struct {
	Records map[string]RecordAdapter
	Blobs   map[string]BlobAdapter
	Streams map[string]StreamAdapter

	RecordFactories map[string]func(options map[string]interface{}) (RecordAdapter, error)
	BlobFactories   map[string]func(options map[string]interface{}) (BlobAdapter, error)
	StreamFactories map[string]func(options map[string]interface{}) (StreamAdapter, error)
}

// NewFacade builds the namespace maps from a validated configuration
// document and a registry of adapter instances and factories.
func NewFacade(cfg *Config, reg Registry, opts FacadeOptions) (*Facade, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.StalenessBudget <= 0 {
		opts.StalenessBudget = time.Duration(cfg.StalenessBudgetMs()) * time.Millisecond
	}

	f := &Facade{
		records: make(map[string]RecordAdapter),
		blobs:   make(map[string]BlobAdapter),
		streams: make(map[string]StreamAdapter),
		opts:    opts,
		logger:  opts.Logger,
	}

	for i, b := range cfg.RecordAdapters {
		adapter, err := resolveBinding(AdapterRecord, i, b, reg.Records, reg.RecordFactories)
		if err != nil {
			return nil, err
		}
		for _, ns := range b.Namespaces {
			f.records[ns] = adapter
		}
	}
	for i, b := range cfg.BlobAdapters {
		adapter, err := resolveBinding(AdapterBlob, i, b, reg.Blobs, reg.BlobFactories)
		if err != nil {
			return nil, err
		}
		for _, ns := range b.Namespaces {
			f.blobs[ns] = adapter
		}
	}
	for i, b := range cfg.StreamAdapters {
		adapter, err := resolveBinding(AdapterStream, i, b, reg.Streams, reg.StreamFactories)
		if err != nil {
			return nil, err
		}
		for _, ns := range b.Namespaces {
			f.streams[ns] = adapter
		}
	}
	return f, nil
}

func resolveBinding[T any](kind AdapterKind, index int, b AdapterBinding,
	instances map[string]T, factories map[string]func(map[string]interface{}) (T, error)) (T, error) {
	var zero T
	if b.Adapter != "" {
		adapter, ok := instances[b.Adapter]
		if !ok {
			return zero, core.Ef(core.KindValidationFailed,
				"%sAdapters[%d]: unregistered adapter %q", kind, index, b.Adapter)
		}
		return adapter, nil
	}
	factory, ok := factories[b.Factory]
	if !ok {
		return zero, core.Ef(core.KindValidationFailed,
			"%sAdapters[%d]: unregistered factory %q", kind, index, b.Factory)
	}
	return factory(b.Options)
}

// Init initializes every distinct adapter once.
func (f *Facade) Init(ctx context.Context) error {
	type initer interface {
		Init(ctx context.Context) error
	}
	seen := make(map[initer]bool)
	initOne := func(a initer) error {
		if seen[a] {
			return nil
		}
		seen[a] = true
		return a.Init(ctx)
	}

	for _, a := range f.records {
		if err := initOne(a); err != nil {
			return err
		}
	}
	for _, a := range f.blobs {
		if err := initOne(a); err != nil {
			return err
		}
	}
	for _, a := range f.streams {
		if err := initOne(a); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every distinct adapter once.
func (f *Facade) Close() error {
	type closer interface {
		Close() error
	}
	seen := make(map[closer]bool)
	var firstErr error
	closeOne := func(a closer) {
		if seen[a] {
			return
		}
		seen[a] = true
		if err := a.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for _, a := range f.records {
		closeOne(a)
	}
	for _, a := range f.blobs {
		closeOne(a)
	}
	for _, a := range f.streams {
		closeOne(a)
	}
	return firstErr
}

func (f *Facade) recordAdapter(namespace string) (RecordAdapter, error) {
	a, ok := f.records[namespace]
	if !ok {
		return nil, core.Ef(core.KindUnknown, "no record adapter for namespace %q", namespace).
			WithMeta("namespace", namespace)
	}
	return a, nil
}

func (f *Facade) blobAdapter(namespace string) (BlobAdapter, error) {
	a, ok := f.blobs[namespace]
	if !ok {
		return nil, core.Ef(core.KindUnknown, "no blob adapter for namespace %q", namespace).
			WithMeta("namespace", namespace)
	}
	return a, nil
}

func (f *Facade) streamAdapter(namespace string) (StreamAdapter, error) {
	a, ok := f.streams[namespace]
	if !ok {
		return nil, core.Ef(core.KindUnknown, "no stream adapter for namespace %q", namespace).
			WithMeta("namespace", namespace)
	}
	return a, nil
}

// ============================================================================
// RECORD OPERATIONS
// ============================================================================

// GetRecord reads a record under the requested consistency mode.
func (f *Facade) GetRecord(ctx context.Context, ref ObjectReference, opts ReadOptions) (Record, error) {
	adapter, err := f.recordAdapter(ref.Namespace)
	if err != nil {
		return Record{}, err
	}

	var rec Record
	err = f.readThrough(ctx, AdapterRecord, ref.Namespace, recordCacheKey(ref), opts, &rec,
		func(ctx context.Context) (interface{}, error) {
			loaded, err := adapter.Get(ctx, ref)
			if err != nil {
				return nil, err
			}
			rec = loaded
			return loaded, nil
		})
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// UpsertRecord writes through to the backend and invalidates the cache entry.
func (f *Facade) UpsertRecord(ctx context.Context, namespace string, rec Record, upsert UpsertOptions, opts CallOptions) (Record, error) {
	adapter, err := f.recordAdapter(namespace)
	if err != nil {
		return Record{}, err
	}

	var stored Record
	err = f.execute(ctx, "upsert", AdapterRecord, namespace, "", opts.Timeout, func(ctx context.Context) error {
		var err error
		stored, err = adapter.Upsert(ctx, namespace, rec, upsert)
		return err
	})
	if err != nil {
		return Record{}, err
	}
	f.invalidate(ctx, recordCacheKey(ObjectReference{Namespace: namespace, ID: rec.ID}))
	return stored, nil
}

// DeleteRecord deletes from the backend and invalidates the cache entry.
func (f *Facade) DeleteRecord(ctx context.Context, ref ObjectReference, del DeleteOptions, opts CallOptions) error {
	adapter, err := f.recordAdapter(ref.Namespace)
	if err != nil {
		return err
	}

	err = f.execute(ctx, "delete", AdapterRecord, ref.Namespace, "", opts.Timeout, func(ctx context.Context) error {
		return adapter.Delete(ctx, ref, del)
	})
	if err != nil {
		return err
	}
	f.invalidate(ctx, recordCacheKey(ref))
	return nil
}

// QueryRecords pages through a namespace. Query results are never cached.
func (f *Facade) QueryRecords(ctx context.Context, namespace string, q Query, page Page, opts CallOptions) (QueryResult, error) {
	adapter, err := f.recordAdapter(namespace)
	if err != nil {
		return QueryResult{}, err
	}

	var result QueryResult
	err = f.execute(ctx, "query", AdapterRecord, namespace, "", opts.Timeout, func(ctx context.Context) error {
		var err error
		result, err = adapter.Query(ctx, namespace, q, page)
		return err
	})
	if err != nil {
		return QueryResult{}, err
	}
	return result, nil
}

// ============================================================================
// BLOB OPERATIONS
// ============================================================================

// cachedBlob is the cache value for blob reads: payload plus metadata in one
// envelope.
type cachedBlob struct {
	Data []byte         `json:"data"`
	Meta ObjectMetadata `json:"meta"`
}

// GetBlob reads a blob under the requested consistency mode.
func (f *Facade) GetBlob(ctx context.Context, ref ObjectReference, opts ReadOptions) ([]byte, ObjectMetadata, error) {
	adapter, err := f.blobAdapter(ref.Namespace)
	if err != nil {
		return nil, ObjectMetadata{}, err
	}

	var blob cachedBlob
	err = f.readThrough(ctx, AdapterBlob, ref.Namespace, blobCacheKey(ref), opts, &blob,
		func(ctx context.Context) (interface{}, error) {
			data, meta, err := adapter.Get(ctx, ref)
			if err != nil {
				return nil, err
			}
			blob = cachedBlob{Data: data, Meta: meta}
			return blob, nil
		})
	if err != nil {
		return nil, ObjectMetadata{}, err
	}
	if f.opts.Metrics != nil {
		f.opts.Metrics.StoragePayload.
			WithLabelValues("get", string(AdapterBlob), ref.Namespace).
			Observe(float64(len(blob.Data)))
	}
	return blob.Data, blob.Meta, nil
}

// PutBlob writes through to the backend and invalidates the cache entry.
func (f *Facade) PutBlob(ctx context.Context, namespace, id string, data []byte, put PutOptions, opts CallOptions) (ObjectMetadata, error) {
	adapter, err := f.blobAdapter(namespace)
	if err != nil {
		return ObjectMetadata{}, err
	}

	var meta ObjectMetadata
	err = f.execute(ctx, "put", AdapterBlob, namespace, "", opts.Timeout, func(ctx context.Context) error {
		var err error
		meta, err = adapter.Put(ctx, namespace, id, data, put)
		return err
	})
	if err != nil {
		return ObjectMetadata{}, err
	}
	if f.opts.Metrics != nil {
		f.opts.Metrics.StoragePayload.
			WithLabelValues("put", string(AdapterBlob), namespace).
			Observe(float64(len(data)))
	}
	f.invalidate(ctx, blobCacheKey(ObjectReference{Namespace: namespace, ID: id}))
	return meta, nil
}

// DeleteBlob deletes from the backend and invalidates the cache entry.
func (f *Facade) DeleteBlob(ctx context.Context, ref ObjectReference, opts CallOptions) error {
	adapter, err := f.blobAdapter(ref.Namespace)
	if err != nil {
		return err
	}

	err = f.execute(ctx, "delete", AdapterBlob, ref.Namespace, "", opts.Timeout, func(ctx context.Context) error {
		return adapter.Delete(ctx, ref)
	})
	if err != nil {
		return err
	}
	f.invalidate(ctx, blobCacheKey(ref))
	return nil
}

// ============================================================================
// STREAM OPERATIONS
// ============================================================================

// Publish appends a payload to a namespace stream.
func (f *Facade) Publish(ctx context.Context, namespace, stream string, payload json.RawMessage, headers map[string]string, opts CallOptions) (StreamMessage, error) {
	adapter, err := f.streamAdapter(namespace)
	if err != nil {
		return StreamMessage{}, err
	}

	var msg StreamMessage
	err = f.execute(ctx, "publish", AdapterStream, namespace, "", opts.Timeout, func(ctx context.Context) error {
		var err error
		msg, err = adapter.Publish(ctx, namespace, stream, payload, headers)
		return err
	})
	if err != nil {
		return StreamMessage{}, err
	}
	return msg, nil
}

// Subscribe returns the adapter's lazy message sequence. A cursor is
// required; the returned channel closes when ctx is cancelled.
func (f *Facade) Subscribe(ctx context.Context, cursor StreamCursor) (<-chan StreamResult, error) {
	if cursor.ID == "" {
		return nil, core.E(core.KindValidationFailed, "stream subscribe requires a cursor")
	}
	adapter, err := f.streamAdapter(cursor.Namespace)
	if err != nil {
		return nil, err
	}
	return adapter.Subscribe(ctx, cursor)
}

// Ack advances a consumer group past the given entries.
func (f *Facade) Ack(ctx context.Context, cursor StreamCursor, ids ...string) error {
	adapter, err := f.streamAdapter(cursor.Namespace)
	if err != nil {
		return err
	}
	return f.execute(ctx, "ack", AdapterStream, cursor.Namespace, "", 0, func(ctx context.Context) error {
		return adapter.Ack(ctx, cursor, ids...)
	})
}

// ============================================================================
// CACHE ORCHESTRATION
// ============================================================================

func recordCacheKey(ref ObjectReference) string {
	return "record:" + ref.Namespace + ":" + ref.ID
}

func blobCacheKey(ref ObjectReference) string {
	return "blob:" + ref.Namespace + ":" + ref.ID
}

// readThrough applies the consistency-mode matrix: consult the cache, decide
// whether the entry serves the request, otherwise load from the backend and
// repopulate. The loaded value is decoded into out when served from cache.
func (f *Facade) readThrough(ctx context.Context, kind AdapterKind, namespace, key string, opts ReadOptions, out interface{},
	load func(ctx context.Context) (interface{}, error)) error {

	mode := opts.mode()
	budget := opts.StalenessBudget
	if budget <= 0 {
		budget = f.opts.StalenessBudget
	}

	useCache := f.opts.Cache != nil && !(mode == ConsistencyStrong && opts.BypassCache)
	if mode == ConsistencyCacheOnly && f.opts.Cache == nil {
		return core.E(core.KindNotFound, "cache_only read with no cache configured").
			WithMeta("source", "cache")
	}

	if useCache {
		result, err := f.opts.Cache.GetWithBudget(ctx, key, budget)
		if err != nil {
			// A broken cache never fails a strong or eventual read.
			if mode == ConsistencyCacheOnly {
				return err
			}
			f.logger.Warn("[StorageFacade] cache read failed, falling through",
				"namespace", namespace, "key", key, "error", err)
		} else if result.Found {
			serve := mode == ConsistencyEventual || mode == ConsistencyCacheOnly ||
				(mode == ConsistencyStrong && !result.Stale)
			if serve {
				state := "hit"
				if result.Stale {
					state = "stale"
				}
				f.countCacheRead(namespace, state)
				if err := json.Unmarshal(result.Value, out); err != nil {
					return core.Wrap(core.KindConsistency, "cached value is not decodable", err)
				}
				return nil
			}
		} else if mode == ConsistencyCacheOnly {
			f.countCacheRead(namespace, "miss")
			return core.Ef(core.KindNotFound, "key %s not cached", key).WithMeta("source", "cache")
		}
	}

	state := "miss"
	if f.opts.Cache == nil || (mode == ConsistencyStrong && opts.BypassCache) {
		state = "bypass"
	}
	f.countCacheRead(namespace, state)

	var loaded interface{}
	err := f.execute(ctx, "get", kind, namespace, string(mode), opts.Timeout, func(ctx context.Context) error {
		var err error
		loaded, err = load(ctx)
		return err
	})
	if err != nil {
		return err
	}

	if f.opts.Cache != nil {
		raw, err := json.Marshal(loaded)
		if err == nil {
			if err := f.opts.Cache.Set(ctx, key, raw); err != nil {
				f.logger.Warn("[StorageFacade] cache populate failed",
					"namespace", namespace, "key", key, "error", err)
			}
		}
	}
	return nil
}

// invalidate drops a cache entry after a successful write or delete.
func (f *Facade) invalidate(ctx context.Context, key string) {
	if f.opts.Cache == nil {
		return
	}
	if err := f.opts.Cache.Delete(ctx, key); err != nil {
		f.logger.Warn("[StorageFacade] cache invalidation failed", "key", key, "error", err)
	}
}

func (f *Facade) countCacheRead(namespace, state string) {
	if f.opts.Metrics != nil {
		f.opts.Metrics.CacheReadState.WithLabelValues(namespace, state).Inc()
	}
}

// ============================================================================
// OPERATION POLICY
// ============================================================================

// execute applies the facade policy around one delegate call: process-wide
// breaker gate, request counter and latency timer, optional timeout race, and
// retry on timeouts only.
func (f *Facade) execute(ctx context.Context, op string, kind AdapterKind, namespace, consistency string, timeout time.Duration, fn func(ctx context.Context) error) error {
	if f.opts.Breaker != nil && !f.opts.Breaker.Allow() {
		if f.opts.Metrics != nil {
			f.opts.Metrics.RecordStorageError(op, string(kind), namespace, string(core.KindTransientAdapter))
		}
		return core.Wrap(core.KindTransientAdapter, "storage breaker open", circuitbreaker.ErrCircuitOpen)
	}

	start := time.Now()

	policy := retry.Policy{
		Attempts:    f.opts.RetryAttempts,
		ShouldRetry: func(err error) bool { return core.IsKind(err, core.KindTimeout) },
	}
	if policy.Attempts <= 0 {
		policy.Attempts = 1
	}

	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		return f.withTimeout(ctx, timeout, fn)
	})

	elapsed := time.Since(start)
	if f.opts.Metrics != nil {
		f.opts.Metrics.RecordStorageRequest(op, string(kind), namespace, consistency, elapsed.Seconds())
	}

	if err != nil {
		if f.opts.Breaker != nil {
			f.opts.Breaker.RecordFailure()
		}
		if f.opts.Metrics != nil {
			f.opts.Metrics.RecordStorageError(op, string(kind), namespace, string(core.KindOf(err)))
		}
		f.logger.Error("[StorageFacade] operation failed",
			"op", op, "adapter", kind, "namespace", namespace,
			"code", core.KindOf(err), "duration", elapsed, "error", err)
		return err
	}

	if f.opts.Breaker != nil {
		f.opts.Breaker.RecordSuccess()
	}
	f.logger.Info("[StorageFacade] operation complete",
		"op", op, "adapter", kind, "namespace", namespace, "duration", elapsed)
	return nil
}

// withTimeout races the delegate against a deadline. The delegate context is
// cancelled on timeout; drivers that honor cancellation abandon the call.
func (f *Facade) withTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return core.Wrap(core.KindTimeout, "storage operation timed out", ctx.Err())
	}
}

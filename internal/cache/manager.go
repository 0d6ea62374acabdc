package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/veilchat/backend/internal/circuitbreaker"
	"github.com/veilchat/backend/internal/core"
	"github.com/veilchat/backend/internal/metrics"
	"github.com/veilchat/backend/internal/retry"
)

// Options configures a Manager.
type Options struct {
	// TTL is the default entry lifetime (default 60s).
	TTL time.Duration
	// StalenessBudget is the default maximum age still considered fresh
	// (default 100ms).
	StalenessBudget time.Duration
	// Retry, when set, wraps provider calls; failed attempts are counted.
	Retry *retry.Policy
	// Breaker, when set, gates provider calls.
	Breaker *circuitbreaker.CircuitBreaker

	Metrics *metrics.Metrics
	// Namespace and Adapter are metric labels identifying what this cache
	// sits in front of.
	Namespace string
	Adapter   string
	Logger    *slog.Logger
}

// Result is a cache read outcome. Stale means the entry was found but its
// age exceeded the staleness budget.
type Result struct {
	Value json.RawMessage
	Found bool
	Stale bool
}

// Manager fronts a Provider with the execute policy: metrics on every
// operation, breaker fail-fast, per-attempt breaker bookkeeping, counted
// retries, and invalidation fan-in from both local mutations and the
// provider's remote events.
type Manager struct {
	provider Provider
	opts     Options
	logger   *slog.Logger

	events      *emitter
	offProvider func()
}

// NewManager wraps a provider. If the provider is an InvalidationSource its
// remote events are fanned into the manager's subscribers.
func NewManager(provider Provider, opts Options) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = 60 * time.Second
	}
	if opts.StalenessBudget <= 0 {
		opts.StalenessBudget = 100 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Adapter == "" {
		opts.Adapter = "cache"
	}

	m := &Manager{
		provider: provider,
		opts:     opts,
		logger:   opts.Logger,
		events:   newEmitter(),
	}

	if src, ok := provider.(InvalidationSource); ok {
		m.offProvider = src.OnInvalidate(func(ev Invalidation) {
			m.events.emit(ev)
		})
	}
	return m
}

// Init initializes the underlying provider.
func (m *Manager) Init(ctx context.Context) error {
	return m.provider.Init(ctx)
}

// Close unregisters from the provider's events, then disposes the provider.
func (m *Manager) Close(ctx context.Context) error {
	if m.offProvider != nil {
		m.offProvider()
		m.offProvider = nil
	}
	return m.provider.Dispose(ctx)
}

// Get reads a key under the default staleness budget.
func (m *Manager) Get(ctx context.Context, key string) (Result, error) {
	return m.GetWithBudget(ctx, key, 0)
}

// GetWithBudget reads a key; budget <= 0 falls back to the default. A miss
// is not an error: it returns zero-value Result.
func (m *Manager) GetWithBudget(ctx context.Context, key string, budget time.Duration) (Result, error) {
	if budget <= 0 {
		budget = m.opts.StalenessBudget
	}

	var result Result
	err := m.execute(ctx, "get", func(ctx context.Context) error {
		env, ok, err := m.provider.Get(ctx, key)
		if err != nil {
			return err
		}
		if !ok {
			result = Result{}
			return nil
		}
		result = Result{
			Value: env.Value,
			Found: true,
			Stale: env.Age(time.Now()) > budget,
		}
		return nil
	})
	if err != nil {
		m.countOp("get", "error")
		return Result{}, err
	}

	switch {
	case !result.Found:
		m.countOp("get", "miss")
		m.logger.Debug("[CacheManager] miss", "namespace", m.opts.Namespace, "key", key)
	case result.Stale:
		m.countOp("get", "stale")
	default:
		m.countOp("get", "hit")
	}
	return result, nil
}

// Set writes the value stamped with the current time and emits a local
// invalidation. An explicit ttl overrides the default.
func (m *Manager) Set(ctx context.Context, key string, value json.RawMessage, ttlOverride ...time.Duration) error {
	ttl := m.opts.TTL
	if len(ttlOverride) > 0 {
		ttl = ttlOverride[0]
	}

	err := m.execute(ctx, "set", func(ctx context.Context) error {
		return m.provider.Set(ctx, key, NewEnvelope(value), ttl)
	})
	if err != nil {
		m.countOp("set", "error")
		return err
	}
	m.countOp("set", "ok")
	m.invalidateLocal(key)
	return nil
}

// Delete removes the key and emits a local invalidation.
func (m *Manager) Delete(ctx context.Context, key string) error {
	err := m.execute(ctx, "delete", func(ctx context.Context) error {
		return m.provider.Delete(ctx, key)
	})
	if err != nil {
		m.countOp("delete", "error")
		return err
	}
	m.countOp("delete", "ok")
	m.invalidateLocal(key)
	return nil
}

// OnInvalidate subscribes to invalidations from local mutations and remote
// peers. The returned function unsubscribes.
func (m *Manager) OnInvalidate(handler func(key string)) func() {
	return m.events.on(func(ev Invalidation) {
		handler(ev.Key)
	})
}

func (m *Manager) invalidateLocal(key string) {
	if m.opts.Metrics != nil {
		m.opts.Metrics.CacheInvalidations.WithLabelValues("local").Inc()
	}
	m.events.emit(Invalidation{Key: key})
}

// execute applies the operation policy around one provider call.
func (m *Manager) execute(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if m.opts.Breaker != nil && !m.opts.Breaker.Allow() {
		m.countOp(op, "circuit_open")
		m.logger.Warn("[CacheManager] breaker open, failing fast",
			"op", op, "namespace", m.opts.Namespace)
		return core.Wrap(core.KindTransientAdapter, "cache breaker open", circuitbreaker.ErrCircuitOpen)
	}

	start := time.Now()
	defer func() {
		if m.opts.Metrics != nil {
			m.opts.Metrics.CacheDuration.
				WithLabelValues(op, m.opts.Namespace, m.opts.Adapter).
				Observe(time.Since(start).Seconds())
		}
	}()

	attempt := func(ctx context.Context) error {
		if m.opts.Breaker != nil && !m.opts.Breaker.Allow() {
			return core.Wrap(core.KindTransientAdapter, "cache breaker open", circuitbreaker.ErrCircuitOpen)
		}
		err := fn(ctx)
		if m.opts.Breaker != nil {
			if err != nil {
				m.opts.Breaker.RecordFailure()
			} else {
				m.opts.Breaker.RecordSuccess()
			}
		}
		return err
	}

	if m.opts.Retry == nil {
		return attempt(ctx)
	}

	policy := *m.opts.Retry
	prevHook := policy.OnRetry
	policy.OnRetry = func(n int, err error) {
		if m.opts.Metrics != nil {
			m.opts.Metrics.CacheRetries.
				WithLabelValues(m.opts.Namespace, m.opts.Adapter).Inc()
		}
		if prevHook != nil {
			prevHook(n, err)
		}
	}
	return retry.Do(ctx, policy, attempt)
}

func (m *Manager) countOp(op, outcome string) {
	if m.opts.Metrics == nil {
		return
	}
	m.opts.Metrics.CacheOperations.
		WithLabelValues(op, m.opts.Namespace, m.opts.Adapter, outcome).Inc()
}

package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/veilchat/backend/internal/circuitbreaker"
	"github.com/veilchat/backend/internal/metrics"
	"github.com/veilchat/backend/internal/storage"
)

// DispatcherConfig controls the outbox→broker pump.
type DispatcherConfig struct {
	// Stream is the broker stream key events are appended to.
	Stream string
	// BatchSize bounds one tick's lease (default 256).
	BatchSize int
	// MaxAttempts buries a row once its attempt count reaches it (default 10).
	MaxAttempts int
	// MaxLen is the approximate stream trim bound on append.
	MaxLen int64
	// Cadence is the inter-tick sleep of the runner (default 500ms).
	Cadence time.Duration
	// Retention and PurgeEvery drive the sent-row cleanup sweep; zero
	// disables it.
	Retention  time.Duration
	PurgeEvery time.Duration

	// Breaker gates each broker append.
	Breaker *circuitbreaker.CircuitBreaker
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Purger is implemented by stores that support retention sweeps.
type Purger interface {
	PurgeSent(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Dispatcher drains the outbox into the broker stream. One tick leases a
// batch, appends each row, finalizes successes, and requeues or buries
// failures. Singleton per stream; the SKIP LOCKED lease makes concurrent
// dispatchers safe but redundant.
type Dispatcher struct {
	store  Store
	broker storage.StreamClient
	cfg    DispatcherConfig
	logger *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher wires a store to a broker client.
func NewDispatcher(store Store, broker storage.StreamClient, cfg DispatcherConfig) *Dispatcher {
	if cfg.Stream == "" {
		cfg.Stream = "veil:messages:events"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 256
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = 100_000
	}
	if cfg.Cadence <= 0 {
		cfg.Cadence = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		store:  store,
		broker: broker,
		cfg:    cfg,
		logger: cfg.Logger,
	}
}

// Tick runs one drain cycle: lease, publish, finalize.
func (d *Dispatcher) Tick(ctx context.Context) error {
	start := time.Now()
	defer func() {
		if d.cfg.Metrics != nil {
			d.cfg.Metrics.OutboxTickDuration.
				WithLabelValues(d.cfg.Stream).Observe(time.Since(start).Seconds())
		}
	}()

	batch, err := d.store.FetchBatch(ctx, d.cfg.BatchSize)
	if err != nil {
		d.countResult("error", 1)
		return fmt.Errorf("dispatcher fetch: %w", err)
	}
	if len(batch) == 0 {
		d.countResult("empty", 1)
		return nil
	}

	var sent []int64
	var failed []Row
	for _, row := range batch {
		if err := d.publish(ctx, row); err != nil {
			d.logger.Warn("[Dispatcher] publish failed",
				"messageId", row.MessageID, "attempts", row.Attempts, "error", err)
			failed = append(failed, row)
			continue
		}
		sent = append(sent, row.ID)
	}

	if err := d.store.MarkSent(ctx, sent); err != nil {
		// Rows stay picked; a crash-recovery sweep or operator intervention
		// requeues them. The consumer's dedupe absorbs the re-publish.
		return fmt.Errorf("dispatcher mark sent: %w", err)
	}
	d.countResult("published", len(sent))

	var requeue, bury []int64
	for _, row := range failed {
		if row.Attempts >= d.cfg.MaxAttempts {
			bury = append(bury, row.ID)
		} else {
			requeue = append(requeue, row.ID)
		}
	}
	if err := d.store.MarkFailed(ctx, requeue, "publish_failed"); err != nil {
		return fmt.Errorf("dispatcher mark failed: %w", err)
	}
	d.countResult("requeued", len(requeue))

	if err := d.store.Bury(ctx, bury, "max_attempts_exceeded"); err != nil {
		return fmt.Errorf("dispatcher bury: %w", err)
	}
	if len(bury) > 0 {
		d.logger.Error("[Dispatcher] buried poison rows",
			"count", len(bury), "maxAttempts", d.cfg.MaxAttempts)
	}
	d.countResult("buried", len(bury))
	return nil
}

// publish appends one row to the broker stream behind the breaker. Entry
// fields are positional: message_id, conversation_id, payload.
func (d *Dispatcher) publish(ctx context.Context, row Row) error {
	if d.cfg.Breaker != nil && !d.cfg.Breaker.Allow() {
		return fmt.Errorf("broker breaker open: %w", circuitbreaker.ErrCircuitOpen)
	}

	_, err := d.broker.Append(ctx, d.cfg.Stream, map[string]interface{}{
		"message_id":      row.MessageID,
		"conversation_id": row.AggregateID,
		"payload":         string(row.Payload),
	}, d.cfg.MaxLen)

	if d.cfg.Breaker != nil {
		if err != nil {
			d.cfg.Breaker.RecordFailure()
		} else {
			d.cfg.Breaker.RecordSuccess()
		}
	}
	return err
}

// Start launches the tick loop and, when retention is configured, the purge
// loop. Per-tick errors are logged and counted, never fatal.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)

	d.wg.Add(1)
	go d.run(ctx)

	if d.cfg.Retention > 0 && d.cfg.PurgeEvery > 0 {
		if _, ok := d.store.(Purger); ok {
			d.wg.Add(1)
			go d.purgeLoop(ctx)
		}
	}
	d.logger.Info("[Dispatcher] started",
		"stream", d.cfg.Stream, "cadence", d.cfg.Cadence, "batchSize", d.cfg.BatchSize)
}

// Stop cancels the loops and waits for them to finish. The in-flight tick
// completes before Stop returns.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.logger.Info("[Dispatcher] stopped", "stream", d.cfg.Stream)
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.Cadence)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.safeTick(ctx)
		}
	}
}

// safeTick isolates one tick: an error or panic is logged and counted and
// the loop keeps running.
func (d *Dispatcher) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			d.countResult("error", 1)
			d.logger.Error("[Dispatcher] tick panicked", "panic", r)
		}
	}()

	if err := d.Tick(ctx); err != nil && ctx.Err() == nil {
		d.logger.Error("[Dispatcher] tick failed", "error", err)
	}
}

func (d *Dispatcher) purgeLoop(ctx context.Context) {
	defer d.wg.Done()

	purger := d.store.(Purger)
	ticker := time.NewTicker(d.cfg.PurgeEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := purger.PurgeSent(ctx, d.cfg.Retention)
			if err != nil {
				if ctx.Err() == nil {
					d.logger.Warn("[Dispatcher] retention sweep failed", "error", err)
				}
				continue
			}
			if n > 0 {
				if d.cfg.Metrics != nil {
					d.cfg.Metrics.OutboxPurged.Add(float64(n))
				}
				d.logger.Info("[Dispatcher] purged sent rows", "count", n)
			}
		}
	}
}

func (d *Dispatcher) countResult(result string, n int) {
	if d.cfg.Metrics == nil || n == 0 {
		return
	}
	d.cfg.Metrics.OutboxTickResults.WithLabelValues(d.cfg.Stream, result).Add(float64(n))
}

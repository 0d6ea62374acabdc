// Command pipeline runs the delivery backend: HTTP/WebSocket API, storage
// facade, transactional outbox dispatcher, and the broker-stream consumer,
// in one process.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	_ "go.uber.org/automaxprocs"

	"github.com/veilchat/backend/internal/api"
	"github.com/veilchat/backend/internal/cache"
	"github.com/veilchat/backend/internal/circuitbreaker"
	"github.com/veilchat/backend/internal/config"
	"github.com/veilchat/backend/internal/consumer"
	"github.com/veilchat/backend/internal/core"
	"github.com/veilchat/backend/internal/gateway"
	"github.com/veilchat/backend/internal/infra"
	"github.com/veilchat/backend/internal/metrics"
	"github.com/veilchat/backend/internal/middleware"
	"github.com/veilchat/backend/internal/notify"
	"github.com/veilchat/backend/internal/outbox"
	"github.com/veilchat/backend/internal/participant"
	"github.com/veilchat/backend/internal/retry"
	"github.com/veilchat/backend/internal/service"
	"github.com/veilchat/backend/internal/storage"
)

func main() {
	if err := run(); err != nil {
		slog.Error("pipeline exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("[Pipeline] starting", "env", cfg.Env, "addr", cfg.HTTPAddr)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	breakers := circuitbreaker.NewManager(nil)
	breakerFor := func(name string) *circuitbreaker.CircuitBreaker {
		bcfg := circuitbreaker.DefaultConfig(name)
		bcfg.OnStateChange = func(name string, from, to circuitbreaker.State) {
			m.BreakerState.WithLabelValues(name).Set(float64(to))
			m.BreakerTransitions.WithLabelValues(name, to.String()).Inc()
		}
		return breakers.GetOrCreate(name, bcfg)
	}

	// Shared infrastructure.
	redisAdapter, err := infra.NewGoRedisAdapter(infra.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		return err
	}

	db, err := storage.OpenPostgres(cfg.PostgresURL)
	if err != nil {
		redisAdapter.Close()
		return err
	}

	adapterRetry := retry.Policy{
		Attempts:  3,
		BaseDelay: 50 * time.Millisecond,
		MaxDelay:  2 * time.Second,
		Jitter:    true,
	}

	recordAdapter, err := storage.NewPostgresRecordAdapter(db, storage.PostgresRecordConfig{
		Breaker: breakerFor("postgres-records"),
		Retry:   adapterRetry,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	streamAdapter := storage.NewRedisStreamAdapter(redisAdapter, storage.RedisStreamConfig{
		KeyPrefix:    "veil",
		ConsumerName: cfg.ConsumerName,
		Breaker:      breakerFor("redis-stream"),
		Retry:        adapterRetry,
		Logger:       logger,
	})

	storageCfg, err := storage.LoadConfig(cfg.StorageConfigPath)
	if err != nil {
		return err
	}

	facade, err := storage.NewFacade(storageCfg, storage.Registry{
		Records: map[string]storage.RecordAdapter{"postgres": recordAdapter},
		Streams: map[string]storage.StreamAdapter{"redis-stream": streamAdapter},
		BlobFactories: map[string]func(map[string]interface{}) (storage.BlobAdapter, error){
			"gcs": gcsFactory(cfg, breakerFor("gcs-blobs"), adapterRetry, logger),
		},
	}, storage.FacadeOptions{
		Cache:   newCacheManager(storageCfg, redisAdapter, breakerFor("cache"), m, logger),
		Breaker: breakerFor("facade"),
		Metrics: m,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	initCtx, cancelInit := context.WithTimeout(ctx, 30*time.Second)
	defer cancelInit()
	if err := facade.Init(initCtx); err != nil {
		return err
	}

	// Outbox, DLQ, membership, and sequence bootstrap share the record
	// adapter's pool.
	outboxStore := outbox.NewPostgresStore(db, "", logger)
	if err := outboxStore.Init(initCtx); err != nil {
		return err
	}
	dlq := consumer.NewDLQWriter(db, "", breakerFor("dlq"), m, logger)
	if err := dlq.Init(initCtx); err != nil {
		return err
	}
	members := participant.NewPostgresReader(db, logger)
	if err := members.Init(initCtx); err != nil {
		return err
	}

	partCache := participant.NewCache(redisAdapter, participant.Config{
		NegativeTTL: cfg.NegativeCacheTTL,
		Metrics:     m,
		Logger:      logger,
	})
	if err := partCache.Start(ctx); err != nil {
		return err
	}

	hub := gateway.NewWSHub(gateway.WSHubConfig{
		MaxQueue: cfg.WSMaxQueue,
		Policy:   gateway.DropPolicy(cfg.WSDropPolicy),
		Metrics:  m,
		Logger:   logger,
	})

	notifier := newNotifier(cfg, logger)

	cons, err := consumer.New(redisAdapter, hub, dlq, notifier, consumer.Config{
		Stream:       cfg.EventStream,
		Group:        cfg.ConsumerGroup,
		ConsumerName: cfg.ConsumerName,
		Metrics:      m,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	dispatcher := outbox.NewDispatcher(outboxStore, redisAdapter, outbox.DispatcherConfig{
		Stream:      cfg.EventStream,
		BatchSize:   cfg.DispatchBatch,
		MaxAttempts: cfg.OutboxMaxAttempt,
		Cadence:     cfg.DispatchCadence,
		Retention:   cfg.OutboxRetention,
		PurgeEvery:  time.Hour,
		Breaker:     breakerFor("broker-publish"),
		Metrics:     m,
		Logger:      logger,
	})

	messages := service.NewMessageService(db, recordAdapter, outboxStore, facade, logger)
	if err := messages.Init(initCtx); err != nil {
		return err
	}
	conversations := service.NewConversationService(facade, members, partCache, logger)

	authz := middleware.NewAuthz(middleware.AuthzConfig{
		Cache:  partCache,
		Reader: members,
		Limiter: middleware.NewRateLimiter(middleware.RateLimitConfig{
			Limit:   cfg.RateLimit,
			Window:  cfg.RateLimitWindow,
			Metrics: m,
		}),
		Metrics: m,
		Logger:  logger,
	})

	server := api.NewServer(api.ServerOptions{
		Messages:      messages,
		Conversations: conversations,
		Hub:           hub,
		Authz:         authz,
		Breakers:      breakers,
		Registry:      registry,
		Logger:        logger,
	})

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := cons.Start(ctx); err != nil {
		return err
	}
	dispatcher.Start(ctx)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("[Pipeline] listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()
	server.SetReady(true)

	select {
	case <-ctx.Done():
		logger.Info("[Pipeline] shutdown signal received")
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	}

	return shutdown(cfg, logger, server, httpServer, hub, cons, dispatcher,
		partCache, notifier, facade, redisAdapter)
}

// shutdown drains in phases under one hard bound: readiness off, listener
// closed, consumer drained, dispatcher flushed, then pools released.
func shutdown(cfg *config.Config, logger *slog.Logger, server *api.Server,
	httpServer *http.Server, hub *gateway.WSHub, cons *consumer.Consumer,
	dispatcher *outbox.Dispatcher, partCache *participant.Cache,
	notifier notify.Notifier, facade *storage.Facade, redisAdapter *infra.GoRedisAdapter) error {

	deadline, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	server.SetReady(false)

	if err := httpServer.Shutdown(deadline); err != nil {
		logger.Warn("[Pipeline] listener shutdown", "error", err)
	}
	hub.Close()

	cons.Stop()
	dispatcher.Stop()

	partCache.Close()
	if err := notifier.Close(); err != nil {
		logger.Warn("[Pipeline] notifier close", "error", err)
	}
	if err := facade.Close(); err != nil {
		logger.Warn("[Pipeline] facade close", "error", err)
	}
	if err := redisAdapter.Close(); err != nil {
		logger.Warn("[Pipeline] redis close", "error", err)
	}

	logger.Info("[Pipeline] shutdown complete")
	return nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	if cfg.IsProduction() {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// newCacheManager builds the facade's read-through cache from the storage
// config; disabled cache means no manager at all.
func newCacheManager(storageCfg *storage.Config, redisAdapter *infra.GoRedisAdapter,
	breaker *circuitbreaker.CircuitBreaker, m *metrics.Metrics, logger *slog.Logger) *cache.Manager {

	if !storageCfg.Cache.Enabled {
		return nil
	}

	var provider cache.Provider
	switch storageCfg.Cache.Provider {
	case "redis":
		provider = cache.NewRedisProvider(redisAdapter, cache.RedisProviderConfig{
			Namespace: "storage",
			Metrics:   m,
			Logger:    logger,
		})
	default:
		maxItems := storageCfg.Cache.MaxItems
		if maxItems <= 0 {
			maxItems = 4096
		}
		mem, err := cache.NewMemoryProvider(maxItems)
		if err != nil {
			logger.Warn("[Pipeline] memory cache unavailable, running uncached", "error", err)
			return nil
		}
		provider = mem
	}

	ttl := time.Duration(storageCfg.Cache.TTLSeconds) * time.Second
	return cache.NewManager(provider, cache.Options{
		TTL:       ttl,
		Breaker:   breaker,
		Metrics:   m,
		Namespace: "storage",
	})
}

// gcsFactory defers the GCS client dial until the facade actually binds a
// blob namespace. The env bucket overrides the config file's.
func gcsFactory(cfg *config.Config, breaker *circuitbreaker.CircuitBreaker,
	pol retry.Policy, logger *slog.Logger) func(map[string]interface{}) (storage.BlobAdapter, error) {

	return func(options map[string]interface{}) (storage.BlobAdapter, error) {
		bucket, _ := options["bucket"].(string)
		if cfg.GCSBucket != "" {
			bucket = cfg.GCSBucket
		}
		if bucket == "" {
			return nil, core.E(core.KindValidationFailed, "gcs blob binding needs a bucket")
		}
		prefix, _ := options["prefix"].(string)

		dialCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return storage.NewGCSBlobAdapter(dialCtx, storage.GCSBlobConfig{
			Bucket:  bucket,
			Prefix:  prefix,
			Breaker: breaker,
			Retry:   pol,
			Logger:  logger,
		})
	}
}

func newNotifier(cfg *config.Config, logger *slog.Logger) notify.Notifier {
	if cfg.PubSubProject == "" {
		logger.Info("[Pipeline] offline notifications disabled")
		return notify.Noop{}
	}
	n, err := notify.NewPubSubNotifier(cfg.PubSubProject, cfg.PubSubTopic, logger)
	if err != nil {
		logger.Warn("[Pipeline] pubsub unavailable, notifications disabled", "error", err)
		return notify.Noop{}
	}
	return n
}

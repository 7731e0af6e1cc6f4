package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lakeraven/filebot/internal/cache"
	"github.com/lakeraven/filebot/internal/engine"
	"github.com/lakeraven/filebot/internal/events"
	"github.com/lakeraven/filebot/internal/globals"
	"github.com/lakeraven/filebot/internal/globals/memstore"
	"github.com/lakeraven/filebot/internal/globals/pebblestore"
	"github.com/lakeraven/filebot/internal/globals/sqlstore"
	"github.com/lakeraven/filebot/internal/legacy"
	"github.com/lakeraven/filebot/internal/pool"
	"github.com/lakeraven/filebot/internal/router"
	"github.com/lakeraven/filebot/internal/schema"
	"github.com/lakeraven/filebot/internal/xref"
	"github.com/lakeraven/filebot/pkg/config"
	"github.com/lakeraven/filebot/pkg/health"
	"github.com/lakeraven/filebot/pkg/kafka"
	"github.com/lakeraven/filebot/pkg/logger"
	"github.com/lakeraven/filebot/pkg/metrics"
	"github.com/lakeraven/filebot/pkg/middleware"
	"github.com/lakeraven/filebot/pkg/postgres"
	pkgredis "github.com/lakeraven/filebot/pkg/redis"
	"github.com/lakeraven/filebot/pkg/resilience"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("filebot failed", "error", err)
		os.Exit(1)
	}
	slog.Info("filebot stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	slog.Info("starting filebot", "instance", cfg.InstanceID, "backend", cfg.Store.Backend, "port", cfg.Server.Port)

	m := metrics.New(prometheus.DefaultRegisterer)
	if cfg.Metrics.Enabled {
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port, m)
		defer shutdownMetrics(context.Background())
	}

	dial, closeStore, err := openStore(ctx, cfg, m)
	if err != nil {
		return err
	}
	defer closeStore()

	p, err := pool.New(ctx, observed(dial, m), pool.Config{
		Size:            cfg.Pool.Size,
		CheckoutTimeout: cfg.Pool.CheckoutTimeout,
		Fallback:        cfg.Pool.Fallback,
	}, m)
	if err != nil {
		return fmt.Errorf("opening connection pool: %w", err)
	}
	defer p.Close()
	slog.Info("connection pool ready", "size", cfg.Pool.Size, "capabilities", p.Capabilities())

	var redisClient *pkgredis.Client
	if cfg.Redis.Enabled {
		redisClient, err = pkgredis.NewClient(cfg.Redis)
		if err != nil {
			slog.Warn("redis unavailable, shared cache tier disabled", "error", err)
		} else {
			defer redisClient.Close()
			slog.Info("shared cache tier enabled", "addr", cfg.Redis.Addr)
		}
	}

	opts := []engine.Option{
		engine.WithMetrics(m),
		engine.WithInstance(cfg.InstanceID),
		engine.WithLockTimeout(cfg.Locking.DefaultTimeout),
		engine.WithBatch(router.BatchConfig{ParallelThreshold: cfg.Batch.ParallelThreshold, Workers: cfg.Batch.Workers}),
	}
	if cfg.Cache.Enabled {
		copts := []cache.Option{cache.WithMetrics(m), cache.WithAggressive(cfg.Cache.Aggressive)}
		if redisClient != nil {
			copts = append(copts, cache.WithTier(redisClient))
		}
		opts = append(opts,
			engine.WithRecordCache(cache.New[schema.Values]("records", cfg.Cache.MaxSize, cfg.Cache.DefaultTTL, copts...)),
			engine.WithSearchCache(cache.New[[]xref.Match]("searches", cfg.Cache.MaxSize, cfg.Cache.DefaultTTL, copts...)),
			engine.WithSummaryCache(cache.New[engine.Summary]("summaries", cfg.Cache.MaxSize, cfg.Cache.DefaultTTL, copts...)),
		)
		if cfg.Cache.Predictive {
			opts = append(opts, engine.WithPredictiveWarming(cfg.Cache.WarmRate))
		}
	}

	var notifier *events.Notifier
	if cfg.Kafka.Enabled {
		producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.RecordChanges)
		defer producer.Close()
		notifier = events.NewNotifier(producer, cfg.InstanceID, cfg.Kafka.BufferSize, m)
		notifier.Start(ctx)
		defer notifier.Close()
		opts = append(opts, engine.WithNotifier(notifier))
	}

	rt := router.New(router.Config{
		PreferBulk:       cfg.Router.PreferBulk,
		BulkThreshold:    cfg.Router.BulkThreshold,
		MinPatternLength: cfg.Router.MinPatternLength,
	}, m)
	eng := engine.New(schema.DefaultRegistry(), p, xref.NewManager(m), rt, opts...)

	if notifier != nil {
		applier := events.NewApplier(eng, cfg.InstanceID)
		// Every instance must see every change, so each reads in its own group.
		kcfg := cfg.Kafka
		kcfg.ConsumerGroup = cfg.Kafka.ConsumerGroup + "-" + cfg.InstanceID
		consumer := kafka.NewConsumer(kcfg, cfg.Kafka.Topics.RecordChanges, applier.Handle)
		go func() {
			if err := consumer.Run(ctx); err != nil {
				slog.Error("change consumer stopped", "error", err)
			}
		}()
		slog.Info("record change stream enabled", "topic", cfg.Kafka.Topics.RecordChanges)
	}

	checker := health.NewChecker()
	checker.Register("store", health.PingCheck(p.Ping, true))
	checker.Register("pool", health.UtilizationCheck(p.Utilization, 90))
	if redisClient != nil {
		checker.Register("redis", health.PingCheck(redisClient.Ping, false))
	}

	mux := http.NewServeMux()
	legacy.NewHandler(legacy.NewService(eng)).Register(mux)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	var chain http.Handler = mux
	chain = middleware.Timeout(cfg.Server.WriteTimeout)(chain)
	chain = middleware.RateLimit(cfg.Server.RateLimit, cfg.Server.RateBurst, middleware.HeaderOrIP(legacy.HolderHeader))(chain)
	chain = middleware.Metrics(m)(chain)
	chain = middleware.RequestID(chain)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      chain,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("filebot listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving http: %w", err)
	}
	return nil
}

// openStore selects the global store backend.
func openStore(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (globals.Dialer, func(), error) {
	switch cfg.Store.Backend {
	case "pebble":
		db, err := pebblestore.Open(cfg.Store.PebbleDir)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("pebble store opened", "dir", cfg.Store.PebbleDir)
		return db.Dial, func() { db.Close() }, nil
	case "postgres":
		client, err := postgres.New(cfg.Postgres)
		if err != nil {
			return nil, nil, err
		}
		breaker := resilience.NewCircuitBreaker("postgres-globals", resilience.CircuitBreakerConfig{
			OnStateChange: func(name string, to resilience.State) { m.BreakerState(name, int(to)) },
		})
		store := sqlstore.New(client, breaker)
		if err := resilience.WithTimeout(ctx, 30*time.Second, "migrating globals", store.Migrate); err != nil {
			client.Close()
			return nil, nil, err
		}
		slog.Info("postgres store ready", "host", cfg.Postgres.Host, "table", client.Table())
		return store.Dial, func() { client.Close() }, nil
	default:
		slog.Warn("using in-memory store, data is lost on exit")
		return memstore.New().Dial, func() {}, nil
	}
}

// observed reports primitive latencies of every dialled connection.
func observed(dial globals.Dialer, m *metrics.Metrics) globals.Dialer {
	return func(ctx context.Context) (globals.Conn, error) {
		conn, err := dial(ctx)
		if err != nil {
			return nil, err
		}
		if o, ok := conn.(interface{ SetObserver(globals.Observer) }); ok {
			o.SetObserver(m.ObserveAdapter)
		}
		return conn, nil
	}
}

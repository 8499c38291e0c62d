// Package main is the entry point for the Sampark orchestration server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/sampark/internal/config"
	"github.com/pitabwire/sampark/internal/executor"
	"github.com/pitabwire/sampark/internal/observability"
	"github.com/pitabwire/sampark/internal/orchestrator"
	"github.com/pitabwire/sampark/internal/queue"
	"github.com/pitabwire/sampark/internal/registry"
	"github.com/pitabwire/sampark/internal/slot"
	"github.com/pitabwire/sampark/internal/store"
	"github.com/pitabwire/sampark/internal/transport"
	"github.com/pitabwire/sampark/internal/workflows/acknowledge"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "sampark", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Workflow kinds are fixed for the life of the process.
	reg := registry.New()
	if err := acknowledge.Register(reg); err != nil {
		logger.Error("workflow registration failed", zap.Error(err))
		return 1
	}
	reg.Freeze()

	runs, storeHealth, closeStore, err := buildStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("run store initialization failed", zap.Error(err))
		return 1
	}
	defer closeStore()

	coord, err := buildCoordination(ctx, cfg.Coordination, logger)
	if err != nil {
		logger.Error("coordination initialization failed", zap.Error(err))
		return 1
	}
	defer coord.close()

	notifier, closeNotifier, err := buildNotifier(ctx, cfg.Notifications, logger)
	if err != nil {
		logger.Error("notifier initialization failed", zap.Error(err))
		return 1
	}

	exec := executor.New(reg, runs, executor.WithLogger(logger.Named("executor")))
	orch := orchestrator.New(reg, runs, coord.queue, coord.slots, exec,
		orchestrator.WithClassifier(orchestrator.NewStaticClassifier(cfg.Classifier)),
		orchestrator.WithNotifier(notifier),
		orchestrator.WithLogger(logger.Named("orchestrator")),
		orchestrator.WithMetrics(metrics),
		orchestrator.WithAssociationRetries(cfg.Orchestrator.AssociationRetries),
	)

	authenticate, err := transport.NewAuthenticator(cfg.Identity, logger.Named("auth"))
	if err != nil {
		logger.Error("identity initialization failed", zap.Error(err))
		return 1
	}
	if authenticate == nil {
		logger.Warn("identity checks disabled, /v1 is unauthenticated")
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Engine:       orch,
		Logger:       logger.Named("http"),
		Metrics:      metrics,
		Authenticate: authenticate,
		Readiness: observability.ReadinessChecks{
			WorkflowsRegistered: func() bool { return reg.Len() > 0 },
			Store:               storeHealth,
			Coordination:        coord.health,
		},
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Strings("workflows", reg.Codenames()),
		zap.String("store", cfg.Store.Driver),
		zap.String("coordination", cfg.Coordination.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		exitCode = 1
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop taking requests, then let queued triggers finish draining.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.Orchestrator.DrainTimeout)
	defer drainCancel()
	if err := orch.Close(drainCtx); err != nil {
		logger.Warn("queue drain did not finish", zap.Error(err))
	}

	closeNotifier()

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return exitCode
}

// buildStore creates the run store selected by cfg. The returned health
// checker is nil when the store has nothing external to check.
func buildStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.Store, observability.HealthChecker, func(), error) {
	switch cfg.Driver {
	case "memory":
		logger.Info("using in-memory run store")
		return store.NewMemoryStore(), nil, func() {}, nil
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, nil, fmt.Errorf("run store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("run store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("run store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("run store: ping: %w", err)
		}
		if cfg.AutoMigrate {
			if err := store.Migrate(ctx, pool); err != nil {
				pool.Close()
				return nil, nil, nil, fmt.Errorf("run store: %w", err)
			}
		}

		pg := store.NewPgStore(pool)
		return pg, pg, pool.Close, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported run store driver: %q", cfg.Driver)
	}
}

// coordination bundles the slot manager and trigger queue, which must share
// a backend.
type coordination struct {
	queue  queue.TriggerQueue
	slots  slot.Manager
	health observability.HealthChecker
	close  func()
}

func buildCoordination(ctx context.Context, cfg config.CoordinationConfig, logger *zap.Logger) (coordination, error) {
	switch cfg.Driver {
	case "memory":
		logger.Info("using in-process coordination; executions are serialized in this process only")
		return coordination{
			queue: queue.NewMemoryQueue(),
			slots: slot.NewLockTable(),
			close: func() {},
		}, nil
	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return coordination{}, fmt.Errorf("coordination: %s environment variable not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return coordination{}, fmt.Errorf("coordination: ping %s: %w", addr, err)
		}

		q := queue.NewRedisQueue(client, cfg.KeyPrefix)
		return coordination{
			queue:  q,
			slots:  slot.NewRedisLeases(client, cfg.KeyPrefix, cfg.LeaseTTL, logger.Named("slots")),
			health: q,
			close:  func() { _ = client.Close() },
		}, nil
	default:
		return coordination{}, fmt.Errorf("unsupported coordination driver: %q", cfg.Driver)
	}
}

// buildNotifier creates the notification sink. The watermill driver
// publishes on an in-process channel and logs what it consumes, standing in
// for a channel adapter subscribed to the same topic.
func buildNotifier(ctx context.Context, cfg config.NotificationsConfig, logger *zap.Logger) (orchestrator.Notifier, func(), error) {
	switch cfg.Driver {
	case "log":
		return orchestrator.NewLogNotifier(logger.Named("notify")), func() {}, nil
	case "watermill":
		pubsub := gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 256},
			observability.WatermillLogger(logger.Named("watermill")),
		)
		messages, err := pubsub.Subscribe(ctx, cfg.Topic)
		if err != nil {
			_ = pubsub.Close()
			return nil, nil, fmt.Errorf("notifications: subscribe %q: %w", cfg.Topic, err)
		}
		go consumeNotifications(messages, logger.Named("notify"))

		closer := func() {
			if err := pubsub.Close(); err != nil {
				logger.Warn("notification pubsub close failed", zap.Error(err))
			}
		}
		notifier := orchestrator.NewWatermillNotifier(pubsub, cfg.Topic)
		return orchestrator.NewBreakerNotifier(notifier, cfg.BreakerThreshold, cfg.BreakerCooldown), closer, nil
	default:
		return nil, nil, fmt.Errorf("unsupported notifications driver: %q", cfg.Driver)
	}
}

func consumeNotifications(messages <-chan *message.Message, logger *zap.Logger) {
	for msg := range messages {
		ctx := observability.ExtractTraceMetadata(context.Background(), msg.Metadata)
		observability.RequestLogger(ctx, logger).Info("notification delivered",
			zap.String("message_id", msg.UUID),
			zap.String("run_id", msg.Metadata.Get(orchestrator.MetadataRunID)),
			zap.String("kind", msg.Metadata.Get(orchestrator.MetadataKind)),
			zap.ByteString("payload", msg.Payload),
		)
		msg.Ack()
	}
}

package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"github.com/exchange/saga-orchestrator/internal/api"
	"github.com/exchange/saga-orchestrator/internal/config"
	"github.com/exchange/saga-orchestrator/internal/metrics"
	"github.com/exchange/saga-orchestrator/internal/ordersaga"
	"github.com/exchange/saga-orchestrator/internal/repository"
	"github.com/exchange/saga-orchestrator/internal/service"
	"github.com/exchange/saga-orchestrator/internal/transport"
	"github.com/exchange/saga-orchestrator/pkg/audit"
	"github.com/exchange/saga-orchestrator/pkg/health"
	"github.com/exchange/saga-orchestrator/pkg/logger"
	sagaredis "github.com/exchange/saga-orchestrator/pkg/redis"
	"github.com/exchange/saga-orchestrator/pkg/saga"
	"github.com/exchange/saga-orchestrator/pkg/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	l := logger.New(cfg.ServiceName, os.Stdout).SetLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, l); err != nil {
		l.WithError(err).Error("orchestrator stopped with error")
		os.Exit(1)
	}
	l.Info("Shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, l *logger.Logger) error {
	l.Info(fmt.Sprintf("Starting %s...", cfg.ServiceName))

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.TracingEndpoint,
		Enabled:     cfg.TracingEnabled,
		SampleRate:  cfg.TracingSampleRate,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	hz := health.New()

	// 存储
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()
	if st.db != nil {
		hz.Register(health.NewSQLChecker(cfg.StoreDriver, st.db))
	}
	l.Info(fmt.Sprintf("Saga store ready (%s)", cfg.StoreDriver))

	// Redis
	tlsCfg, err := sagaredis.BuildTLSConfig(sagaredis.TLSOptions{
		Enabled:    cfg.RedisTLS,
		CACert:     cfg.RedisCACert,
		Cert:       cfg.RedisCert,
		Key:        cfg.RedisKey,
		ServerName: cfg.RedisServer,
	})
	if err != nil {
		return fmt.Errorf("redis tls: %w", err)
	}
	redisCfg := sagaredis.DefaultConfig
	redisCfg.Addr = cfg.RedisAddr
	redisCfg.Password = cfg.RedisPassword
	redisCfg.DB = cfg.RedisDB
	redisCfg.TLS = tlsCfg
	redisClient, err := sagaredis.NewClient(ctx, &redisCfg)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer redisClient.Close()
	hz.Register(health.NewRedisChecker(redisClient))
	l.Info("Connected to Redis")

	m := metrics.New()
	events := []*saga.Events{m.Events()}

	// 审计
	var journal audit.Journal
	if cfg.AuditEnabled {
		onAuditError := func(err error) { l.WithError(err).Error("audit write failed") }
		switch {
		case st.db != nil:
			dbLogger, err := audit.NewDBLogger(st.db, audit.WithDialect(st.dialect), audit.WithErrorHandler(onAuditError))
			if err != nil {
				return fmt.Errorf("init audit logger: %w", err)
			}
			defer dbLogger.Close()
			journal = dbLogger
		default:
			journal = audit.NewMemoryJournal()
		}
		events = append(events, audit.Events(journal, onAuditError))
	}

	registry, err := saga.NewRegistry(ordersaga.NewDefinition(ordersaga.NewMemoryOrders()))
	if err != nil {
		return fmt.Errorf("register sagas: %w", err)
	}

	manager := saga.NewManager(st.store, registry, transport.NewCommandPublisher(redisClient),
		saga.WithLocker(sagaredis.NewSagaLocker(redisClient, sagaredis.SagaLockerOptions{TTL: cfg.LockTTL, Wait: cfg.LockWait})),
		saga.WithLogger(l),
		saga.WithEvents(saga.CombineEvents(events...)),
		saga.WithCommandTopic(cfg.CommandStream),
	)

	var consumerLoop health.LoopMonitor
	consumer := transport.NewResponseConsumer(redisClient, manager, transport.ResponseConsumerConfig{
		Stream:     cfg.ResponseStream,
		Group:      cfg.ConsumerGroup,
		Consumer:   cfg.ConsumerName,
		MaxRetries: cfg.MaxRetries,
		Logger:     l,
		Monitor:    &consumerLoop,
		Metrics:    m,
	})
	if err := consumer.Setup(ctx); err != nil {
		return fmt.Errorf("setup response stream: %w", err)
	}
	hz.Register(health.NewLoopChecker("response_consumer", &consumerLoop, 45*time.Second))

	server := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: api.NewRouter(api.Config{
			Sagas:   manager,
			Journal: journal,
			Health:  hz,
			Metrics: m.Handler(),
			Logger:  l,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// 超时清理
	var reaper *service.Reaper
	if cfg.ReaperEnabled {
		lister, ok := st.store.(saga.StaleLister)
		if !ok {
			return fmt.Errorf("store %s cannot list stale sagas", cfg.StoreDriver)
		}
		reaper, err = service.NewReaper(lister, manager, service.ReaperConfig{
			Schedule:   cfg.ReaperSchedule,
			StuckAfter: cfg.StuckAfter,
			BatchSize:  cfg.ReaperBatch,
			Logger:     l,
			OnExpired:  func(string) { m.IncExpired() },
		})
		if err != nil {
			return fmt.Errorf("init reaper: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return consumer.Run(gctx)
	})
	if reaper != nil {
		g.Go(func() error {
			return reaper.Run(gctx)
		})
	}
	g.Go(func() error {
		l.Info(fmt.Sprintf("HTTP server listening on :%d", cfg.HTTPPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		l.Info("Shutting down...")
		hz.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	hz.SetReady(true)
	return g.Wait()
}

type storeHandle struct {
	store   saga.Store
	db      *sql.DB
	dialect audit.Dialect
	close   func()
}

func openStore(ctx context.Context, cfg *config.Config) (*storeHandle, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		db, err := sql.Open("postgres", cfg.DSN())
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		store, err := repository.NewPostgresStore(db, cfg.SagaTable)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		if _, err := db.ExecContext(ctx, audit.CreateTableSQL); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ensure audit schema: %w", err)
		}
		return &storeHandle{store: store, db: db, dialect: audit.DialectPostgres, close: func() { _ = db.Close() }}, nil
	case config.DriverSQLite:
		store, err := repository.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return &storeHandle{store: store, db: store.DB(), dialect: audit.DialectSQLite, close: func() { _ = store.Close() }}, nil
	default:
		return &storeHandle{store: saga.NewMemoryStore(), close: func() {}}, nil
	}
}

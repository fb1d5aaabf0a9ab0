// Package main is the entry point for the QMS approval workflow server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/pitabwire/qms/internal/capability"
	"github.com/pitabwire/qms/internal/command"
	"github.com/pitabwire/qms/internal/config"
	"github.com/pitabwire/qms/internal/definition"
	"github.com/pitabwire/qms/internal/observability"
	"github.com/pitabwire/qms/internal/report"
	"github.com/pitabwire/qms/internal/transport"
	"github.com/pitabwire/qms/internal/workflow"
	"github.com/pitabwire/qms/model"
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
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "qms", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 4: Load definitions, validate, build registry.
	defs, err := loadDefinitions(cfg.Definitions.Directories, logger)
	if err != nil {
		logger.Error("definition loading failed", zap.Error(err))
		return 1
	}
	registry := definition.NewRegistry(defs)
	metrics.SetDefinitionsLoaded(float64(registry.Len()))

	// Step 5: Initialize capability resolver and the user directory.
	evaluator, err := capability.NewStaticPolicyEvaluator(cfg.Capability.PolicyFile)
	if err != nil {
		logger.Error("policy load failed", zap.Error(err))
		return 1
	}
	resolver := capability.NewResolver(evaluator, cfg.Capability.CacheTTL)
	resolver.OnLookup(metrics.RecordPermissionCacheLookup)
	authorizer := capability.NewAuthorizer(resolver)

	// Step 6: Connect the shared Redis client when a component needs it.
	var rdb redis.UniversalClient
	if cfg.UsesRedis() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Error("redis connection failed", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
			return 1
		}
	}

	// Step 7: Initialize the record store.
	inner, storeCloser, err := buildRecordStore(ctx, cfg.Store, rdb, logger)
	if err != nil {
		logger.Error("record store initialization failed", zap.Error(err))
		return 1
	}
	if cfg.Store.Driver != config.DriverMemory {
		breaker := workflow.NewBreakerStore(inner,
			cfg.Store.Breaker.FailureThreshold,
			cfg.Store.Breaker.SuccessThreshold,
			cfg.Store.Breaker.Cooldown,
		)
		breaker.OnStateChange(func(s workflow.BreakerState) {
			metrics.SetStoreBreakerState(cfg.Store.Driver, int(s))
			logger.Warn("record store breaker changed state", zap.Stringer("state", s))
		})
		inner = breaker
	}
	store := workflow.NewInstrumentedStore(inner, cfg.Store.Driver, metrics)

	// Step 8: Build the executor with its idempotency store and observers.
	engine := workflow.NewEngine(authorizer)
	execOpts := []command.ExecutorOption{
		command.WithLogger(logger),
		command.WithObserver(command.NewMetricsObserver(metrics)),
	}

	var idempotencyStore command.IdempotencyStore
	if cfg.Idempotency.Enabled {
		idempotencyStore = buildIdempotencyStore(cfg.Idempotency, rdb, logger)
		execOpts = append(execOpts, command.WithIdempotencyStore(idempotencyStore, cfg.Idempotency.TTL))
	}

	var publisher *command.EventPublisher
	if cfg.Events.Enabled {
		publisher = command.NewEventPublisher(rdb, cfg.Events.Channel, logger)
		execOpts = append(execOpts, command.WithObserver(publisher))
		logger.Info("publishing record events", zap.String("channel", publisher.Channel()))
	}

	executor := command.NewExecutor(registry, engine, store, execOpts...)

	// Step 9: Reports and the statistics refresh job.
	reports := report.NewService(registry, store, authorizer,
		report.WithMetrics(metrics),
		report.WithLogger(logger),
	)
	refresher := report.NewRefresher(reports, metrics, logger)
	if err := refresher.Start(ctx, cfg.Reports.RefreshSchedule); err != nil {
		logger.Error("report refresher failed to start", zap.Error(err))
		return 1
	}

	// Step 10: Build HTTP router.
	authenticate, err := transport.NewAuthenticator(cfg.Identity, evaluator)
	if err != nil {
		logger.Error("identity initialization failed", zap.Error(err))
		return 1
	}

	readiness := observability.ReadinessChecks{
		DefinitionsLoaded: func() bool { return registry.Len() > 0 },
		PolicyLoaded:      func() bool { return evaluator.Roles() > 0 },
		RecordStore:       observability.HealthCheckFunc(store.Ping),
	}
	if rdb != nil {
		ping := observability.HealthCheckFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
		if publisher != nil {
			readiness.EventBus = ping
		}
		if cfg.Idempotency.Enabled && cfg.Idempotency.Driver == config.DriverRedis {
			readiness.IdempotencyStore = ping
		}
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Authenticate: authenticate,
		Registry:     registry,
		Executor:     executor,
		Store:        store,
		Reports:      reports,
		Metrics:      metrics,
		Readiness:    readiness,
		Logger:       logger,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 11: Reload definitions and policy on SIGHUP.
	go watchReload(ctx, cfg, registry, evaluator, resolver, metrics, logger)

	// Step 12: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", cfg.Store.Driver),
		zap.Int("definitions", registry.Len()),
		zap.String("checksum", registry.Checksum()),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	refresher.Stop(shutdownCtx)

	if storeCloser != nil {
		storeCloser(shutdownCtx)
	}
	if rdb != nil {
		if err := rdb.Close(); err != nil {
			logger.Error("redis close error", zap.Error(err))
		}
	}

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return exitCode
}

// loadDefinitions reads and validates every definition file under dirs.
// Each validation error is logged before the set is rejected.
func loadDefinitions(dirs []string, logger *zap.Logger) ([]model.RecordTypeDefinition, error) {
	defs, err := definition.NewLoader().LoadAll(dirs)
	if err != nil {
		return nil, err
	}
	if verrs := definition.NewValidator().Validate(defs); len(verrs) > 0 {
		for _, ve := range verrs {
			logger.Error("definition validation error",
				zap.String("path", ve.Path),
				zap.String("code", ve.Code),
				zap.String("error", ve.Message),
			)
		}
		return nil, fmt.Errorf("%d definition validation errors", len(verrs))
	}
	return defs, nil
}

// buildRecordStore creates the record store selected by cfg.Driver. The
// returned closer is nil for stores without resources to release.
func buildRecordStore(
	ctx context.Context,
	cfg config.StoreConfig,
	rdb redis.UniversalClient,
	logger *zap.Logger,
) (workflow.RecordStore, func(context.Context), error) {
	switch cfg.Driver {
	case config.DriverMemory, "":
		logger.Warn("using in-memory record store, records are lost on restart")
		return workflow.NewMemoryRecordStore(), nil, nil

	case config.DriverPostgres:
		poolCfg, err := pgxpool.ParseConfig(cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("record store: parse DSN: %w", err)
		}
		if cfg.MaxConns > 0 {
			poolCfg.MaxConns = cfg.MaxConns
		}

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("record store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("record store: ping: %w", err)
		}

		store := workflow.NewPgRecordStore(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("record store: migrate: %w", err)
		}
		return store, func(context.Context) { pool.Close() }, nil

	case config.DriverRedis:
		return workflow.NewRedisRecordStore(rdb, cfg.KeyPrefix), nil, nil

	case config.DriverMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, nil, fmt.Errorf("record store: connect: %w", err)
		}
		store := workflow.NewMongoRecordStore(client.Database(cfg.MongoDatabase))
		if err := store.Ping(ctx); err != nil {
			_ = client.Disconnect(ctx)
			return nil, nil, fmt.Errorf("record store: ping: %w", err)
		}
		closer := func(ctx context.Context) {
			if err := client.Disconnect(ctx); err != nil {
				logger.Error("mongo disconnect error", zap.Error(err))
			}
		}
		return store, closer, nil

	default:
		return nil, nil, fmt.Errorf("unsupported record store driver: %q", cfg.Driver)
	}
}

// buildIdempotencyStore creates the idempotency store selected by cfg.Driver.
func buildIdempotencyStore(cfg config.IdempotencyConfig, rdb redis.UniversalClient, logger *zap.Logger) command.IdempotencyStore {
	if cfg.Driver == config.DriverRedis {
		return command.NewRedisIdempotencyStore(rdb)
	}
	logger.Info("using in-memory idempotency store")
	return command.NewMemoryIdempotencyStore()
}

// watchReload swaps in freshly loaded definitions and policy each time the
// process receives SIGHUP. A set that fails to load or validate is discarded
// and the running configuration stays in effect.
func watchReload(
	ctx context.Context,
	cfg *config.Config,
	registry *definition.Registry,
	evaluator *capability.StaticPolicyEvaluator,
	resolver *capability.Resolver,
	metrics *observability.Metrics,
	logger *zap.Logger,
) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}

		defs, err := loadDefinitions(cfg.Definitions.Directories, logger)
		if err != nil {
			metrics.RecordDefinitionReload("failure")
			logger.Error("definition reload rejected", zap.Error(err))
			continue
		}
		if err := evaluator.Sync(); err != nil {
			metrics.RecordDefinitionReload("failure")
			logger.Error("policy reload rejected", zap.Error(err))
			continue
		}

		registry.Replace(defs)
		resolver.Invalidate("")
		metrics.RecordDefinitionReload("success")
		metrics.SetDefinitionsLoaded(float64(registry.Len()))
		logger.Info("definitions reloaded",
			zap.Int("definitions", registry.Len()),
			zap.String("checksum", registry.Checksum()),
		)
	}
}

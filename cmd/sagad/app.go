package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/goclaw/sagaflow/config"
	"github.com/goclaw/sagaflow/examples/ordersaga"
	"github.com/goclaw/sagaflow/pkg/api"
	"github.com/goclaw/sagaflow/pkg/api/events"
	"github.com/goclaw/sagaflow/pkg/api/handlers"
	"github.com/goclaw/sagaflow/pkg/compensation"
	"github.com/goclaw/sagaflow/pkg/engine"
	"github.com/goclaw/sagaflow/pkg/errorhandler"
	"github.com/goclaw/sagaflow/pkg/eventbus"
	"github.com/goclaw/sagaflow/pkg/logger"
	"github.com/goclaw/sagaflow/pkg/metrics"
	"github.com/goclaw/sagaflow/pkg/saga"
	"github.com/goclaw/sagaflow/pkg/storage"
	"github.com/goclaw/sagaflow/pkg/storage/badger"
	"github.com/goclaw/sagaflow/pkg/storage/memory"
	redisstore "github.com/goclaw/sagaflow/pkg/storage/redis"
	"github.com/goclaw/sagaflow/pkg/storage/sqlstore"
)

// demoStock seeds the in-memory services behind the bundled order saga.
var demoStock = map[string]int{"book": 100, "lamp": 20, "chair": 10}

// app holds every long lived component of the daemon.
type app struct {
	cfg *config.Config
	log logger.Logger

	store        storage.Store
	registry     *saga.Registry
	metrics      *metrics.Manager
	errors       *errorhandler.Handler
	publisher    *eventbus.Publisher
	amqp         *eventbus.AMQPTransport
	engine       *engine.Engine
	compensation *compensation.Manager
	server       *api.HTTPServer
}

// newApp wires the components described by cfg. On error every component
// opened so far is closed.
func newApp(ctx context.Context, cfg *config.Config, log logger.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			_ = a.close()
		}
	}()

	if a.store, err = openStore(ctx, cfg.Storage, log); err != nil {
		return nil, err
	}
	log.Info("Initialized snapshot storage", "type", cfg.Storage.Type)

	a.metrics = metrics.NewManager(metricsConfig(cfg.Metrics))

	a.registry = saga.NewRegistry()
	services := ordersaga.NewMemoryServices(demoStock)
	if err = ordersaga.Register(a.registry, services.Services(), ordersaga.Config{}, saga.WithLogger(log)); err != nil {
		return nil, fmt.Errorf("registering order saga: %w", err)
	}

	a.errors, err = errorhandler.New(errorHandlerConfig(cfg.ErrorHandler),
		errorhandler.WithLogger(log),
		errorhandler.WithMetrics(a.metrics),
	)
	if err != nil {
		return nil, err
	}

	bus := eventbus.NewMemoryBus()
	router := eventbus.NewSagaSchemaRouter()
	transport := eventbus.MultiTransport{bus}
	if cfg.EventBus.AMQP.Enabled {
		a.amqp, err = eventbus.DialAMQP(eventbus.AMQPConfig{
			URL:      cfg.EventBus.AMQP.URL,
			Exchange: cfg.EventBus.AMQP.Exchange,
			Durable:  cfg.EventBus.AMQP.Durable,
		}, log)
		if err != nil {
			return nil, err
		}
		transport = append(transport, a.amqp)
		log.Info("Publishing lifecycle events to AMQP", "exchange", cfg.EventBus.AMQP.Exchange)
	}
	a.publisher, err = eventbus.NewPublisher(cfg.EventBus.NodeID, transport, eventbus.RetryConfig{
		MaxRetries:     cfg.EventBus.Retry.MaxRetries,
		InitialBackoff: cfg.EventBus.Retry.InitialBackoff,
		MaxBackoff:     cfg.EventBus.Retry.MaxBackoff,
		BackoffFactor:  cfg.EventBus.Retry.BackoffFactor,
	},
		eventbus.WithLogger(log),
		eventbus.WithTelemetry(a.metrics),
		eventbus.WithSchemaRouter(router),
	)
	if err != nil {
		return nil, err
	}

	a.engine, err = engine.New(engineConfig(cfg.Engine), a.store,
		engine.WithLogger(log),
		engine.WithRegistry(a.registry),
		engine.WithErrorHandler(a.errors),
		engine.WithMetrics(a.metrics),
		engine.WithEventPublisher(eventbus.NewSink(a.publisher)),
	)
	if err != nil {
		return nil, err
	}

	a.compensation, err = compensation.NewManager(compensationConfig(cfg.Compensation), a.store, a.registry,
		compensation.WithLogger(log),
		compensation.WithMetrics(a.metrics),
		compensation.WithRunningCheck(a.engine.IsRunning),
	)
	if err != nil {
		return nil, err
	}

	h := &api.Handlers{
		Saga: handlers.NewSagaHandler(a.engine, a.store, log,
			handlers.WithRegistry(a.registry),
			handlers.WithErrorHandler(a.errors),
			handlers.WithCompensationManager(a.compensation),
		),
		Compensation: handlers.NewCompensationHandler(a.compensation),
	}
	if a.metrics.Enabled() {
		h.Metrics = a.metrics
		h.MetricsHandler = a.metrics.Handler()
	}
	healthOpts := []handlers.HealthOption{
		handlers.WithReadinessCheck("storage", a.checkStore),
	}
	if a.amqp != nil {
		healthOpts = append(healthOpts, handlers.WithReadinessCheck("amqp", a.amqp.Check))
	}
	var opts []api.ServerOption
	if cfg.Server.WebSocket.Enabled {
		broadcaster := events.NewBroadcaster()
		h.WebSocket = handlers.NewWebSocketHandler(broadcaster, log, handlers.WebSocketConfig{
			AllowedOrigins: cfg.Server.WebSocket.AllowedOrigins,
			MaxConnections: cfg.Server.WebSocket.MaxConnections,
			PingInterval:   cfg.Server.WebSocket.PingInterval,
			PongTimeout:    cfg.Server.WebSocket.PongTimeout,
		})
		opts = append(opts, api.WithEventStream(events.NewRelay(bus, broadcaster, router, log)))
		healthOpts = append(healthOpts, handlers.WithStreamStats(h.WebSocket))
	}
	h.Health = handlers.NewHealthHandler(a.engine, healthOpts...)
	a.server = api.NewHTTPServer(cfg, log, h, opts...)
	return a, nil
}

// checkStore issues the smallest possible query against the snapshot store.
func (a *app) checkStore(ctx context.Context) error {
	_, err := a.store.Query(ctx, storage.Filter{Page: 1, PageSize: 1})
	return err
}

// start launches the engine sweeps, the compensation sweep and the HTTP
// server. Server failures are sent on the returned channel.
func (a *app) start(ctx context.Context) (<-chan error, error) {
	if err := a.engine.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting engine: %w", err)
	}
	if err := a.compensation.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting compensation manager: %w", err)
	}
	errCh := make(chan error, 1)
	go func() {
		if err := a.server.Start(); err != nil {
			errCh <- err
		}
	}()
	return errCh, nil
}

// shutdown stops accepting requests first, then the background work, then
// closes the transports and the store.
func (a *app) shutdown(ctx context.Context) error {
	var errs []error
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.compensation != nil {
		a.compensation.Stop()
	}
	if a.engine != nil {
		a.engine.Destroy()
	}
	if err := a.close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *app) close() error {
	var errs []error
	if a.amqp != nil {
		if err := a.amqp.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing amqp transport: %w", err))
		}
		a.amqp = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing storage: %w", err))
		}
		a.store = nil
	}
	return errors.Join(errs...)
}

// applyHotReload applies the settings that can change without a restart and
// reports the ones that need one.
func (a *app) applyHotReload(prev, next config.HotReloadableConfig) {
	if !prev.Changed(next) {
		return
	}
	if prev.LogLevel != next.LogLevel {
		a.log.SetLevel(logger.ParseLevel(next.LogLevel))
		a.log.Info("Log level changed", "level", next.LogLevel)
	}
	if prev.NeedsRestart(next) {
		a.log.Warn("Configuration change requires a restart to take effect")
	}
}

func openStore(ctx context.Context, cfg config.StorageConfig, log logger.Logger) (storage.Store, error) {
	switch strings.ToLower(cfg.Type) {
	case "", "memory":
		return memory.NewStore(), nil
	case "badger":
		s, err := badger.Open(badger.Config{
			Path:             cfg.Badger.Path,
			InMemory:         cfg.Badger.InMemory,
			SyncWrites:       cfg.Badger.SyncWrites,
			ValueLogFileSize: cfg.Badger.ValueLogFileSize,
			Logger:           log,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	case "redis":
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.Redis.Address},
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, &storage.StorageUnavailableError{Cause: err}
		}
		return redisstore.New(client, cfg.Redis.KeyPrefix), nil
	case "mysql", "postgres":
		s, err := sqlstore.Open(ctx, sqlstore.Config{
			Dialect:         sqlstore.Dialect(strings.ToLower(cfg.Type)),
			DSN:             cfg.SQL.DSN,
			MaxOpenConns:    cfg.SQL.MaxOpenConns,
			MaxIdleConns:    cfg.SQL.MaxIdleConns,
			ConnMaxLifetime: cfg.SQL.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

func metricsConfig(cfg config.MetricsConfig) metrics.Config {
	mc := metrics.DefaultConfig()
	mc.Enabled = cfg.Enabled
	if cfg.Path != "" {
		mc.Path = cfg.Path
	}
	return mc
}

func engineConfig(cfg config.EngineConfig) engine.Config {
	return engine.Config{
		MaxConcurrentSagas:    cfg.MaxConcurrentSagas,
		ExecutionTimeout:      cfg.ExecutionTimeout,
		StateSaveInterval:     cfg.StateSaveInterval,
		AutoRecovery:          cfg.AutoRecovery,
		RecoveryCheckInterval: cfg.RecoveryCheckInterval,
		MaxRecoveryAttempts:   cfg.MaxRecoveryAttempts,
		RecoveryRate:          cfg.RecoveryRate,
		PerformanceMonitoring: cfg.PerformanceMonitoring,
		Cleanup: engine.CleanupConfig{
			Enabled:       cfg.Cleanup.Enabled,
			Interval:      cfg.Cleanup.Interval,
			RetentionDays: cfg.Cleanup.RetentionDays,
		},
	}
}

func errorHandlerConfig(cfg config.ErrorHandlerConfig) errorhandler.Config {
	ec := errorhandler.Config{
		MaxRetries:            cfg.MaxRetries,
		RetryInterval:         cfg.RetryInterval,
		MaxRetryInterval:      cfg.MaxRetryInterval,
		RetryMultiplier:       cfg.RetryMultiplier,
		Timeout:               cfg.Timeout,
		AutoRecovery:          cfg.AutoRecovery,
		RecoveryCheckInterval: cfg.RecoveryCheckInterval,
		Notification: errorhandler.NotificationConfig{
			Enabled:   cfg.Notification.Enabled,
			Channels:  cfg.Notification.Channels,
			Threshold: cfg.Notification.Threshold,
		},
	}
	if len(cfg.Classification) > 0 {
		ec.Classification = make(map[errorhandler.ErrorType]errorhandler.Strategy, len(cfg.Classification))
		for errorType, strategy := range cfg.Classification {
			ec.Classification[errorhandler.ErrorType(strings.ToUpper(errorType))] = errorhandler.Strategy(strategy)
		}
	}
	if len(cfg.Strategies) > 0 {
		ec.Strategies = make(map[errorhandler.Strategy]errorhandler.StrategyConfig, len(cfg.Strategies))
		for strategy, o := range cfg.Strategies {
			ec.Strategies[errorhandler.Strategy(strategy)] = errorhandler.StrategyConfig{
				MaxRetries:    o.MaxRetries,
				RetryInterval: o.RetryInterval,
			}
		}
	}
	return ec
}

func compensationConfig(cfg config.CompensationConfig) compensation.Config {
	return compensation.Config{
		Strategy:                 compensation.Strategy(cfg.Strategy),
		Delay:                    cfg.Delay,
		BatchSize:                cfg.BatchSize,
		MaxRetries:               cfg.MaxRetries,
		RetryInterval:            cfg.RetryInterval,
		Timeout:                  cfg.Timeout,
		ParallelCompensation:     cfg.ParallelCompensation,
		MaxParallelCompensations: cfg.MaxParallelCompensations,
		CheckInterval:            cfg.CheckInterval,
	}
}

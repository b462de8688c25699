// Package bootstrap wires the process together: configuration, logging,
// telemetry, the event bus, the storage engine, the optional YDB catalog
// and the server, initialized in dependency order and stopped in reverse.
package bootstrap

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lattice-storage/lattice/internal/catalog"
	"github.com/lattice-storage/lattice/internal/config"
	"github.com/lattice-storage/lattice/internal/containerdb"
	"github.com/lattice-storage/lattice/internal/engine"
	"github.com/lattice-storage/lattice/internal/eventbus"
	"github.com/lattice-storage/lattice/internal/logging"
	"github.com/lattice-storage/lattice/internal/models"
	"github.com/lattice-storage/lattice/internal/server"
	"github.com/lattice-storage/lattice/internal/telemetry"
)

// Bootstrap initializes the core system components.
type Bootstrap struct {
	Config    *config.Config
	Logger    logging.Logger
	Telemetry *telemetry.Telemetry
	Bus       eventbus.EventBus
	DB        *containerdb.DB
	Engine    *engine.Engine
	Catalog   catalog.Catalog
	Syncer    *catalog.Syncer
	Server    *server.Server

	zapLogger *zap.Logger
}

// New creates a new bootstrap instance.
func New() *Bootstrap {
	return &Bootstrap{}
}

// Initialize builds all components. Nothing is listening or publishing
// until Start.
func (b *Bootstrap) Initialize(ctx context.Context, configFile string) error {
	cfg, err := b.loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	b.Config = cfg

	logger, err := b.initLogging(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	b.Logger = logger

	logger.Info(ctx, "Configuration loaded successfully",
		zap.String("config_file", configFile),
		zap.String("log_level", cfg.Logging.Level),
		zap.String("log_format", cfg.Logging.Format))

	tel, err := b.initTelemetry(cfg.Telemetry)
	if err != nil {
		logger.Error(ctx, "Failed to initialize telemetry", zap.Error(err))
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	b.Telemetry = tel

	if cfg.Telemetry.Enabled {
		logger.Info(ctx, "Telemetry initialized successfully",
			zap.String("service_name", cfg.Telemetry.ServiceName),
			zap.String("service_version", cfg.Telemetry.ServiceVersion),
			zap.Int("prometheus_port", cfg.Telemetry.PrometheusPort),
			zap.Float64("sample_rate", cfg.Telemetry.SampleRate))
	} else {
		logger.Info(ctx, "Telemetry is disabled")
	}

	bus, err := b.initEventBus(cfg.EventBus)
	if err != nil {
		logger.Error(ctx, "Failed to initialize event bus", zap.Error(err))
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	b.Bus = bus

	if err := b.initStorage(ctx, cfg.Storage); err != nil {
		logger.Error(ctx, "Failed to initialize storage", zap.Error(err))
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	logger.Info(ctx, "Storage engine opened",
		zap.String("path", cfg.Storage.Path),
		zap.Int("groups", len(b.Engine.Names())))

	if err := b.initCatalog(ctx, cfg.Catalog); err != nil {
		logger.Error(ctx, "Failed to initialize catalog", zap.Error(err))
		return fmt.Errorf("failed to initialize catalog: %w", err)
	}

	if err := b.Telemetry.RegisterGroupGauges(func(context.Context) []models.GroupStats {
		return b.Engine.StatsAll()
	}); err != nil {
		return fmt.Errorf("failed to register group gauges: %w", err)
	}

	srv, err := server.New(cfg, b.Engine, logger.Named("server"))
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	b.Server = srv

	return nil
}

// Start starts all initialized components.
func (b *Bootstrap) Start(ctx context.Context) error {
	if b.Logger == nil {
		return fmt.Errorf("bootstrap not initialized")
	}

	b.Logger.Info(ctx, "Starting lattice components")

	if b.Telemetry != nil {
		if err := b.Telemetry.Start(ctx); err != nil {
			b.Logger.Error(ctx, "Failed to start telemetry", zap.Error(err))
			return fmt.Errorf("failed to start telemetry: %w", err)
		}
	}

	if b.Syncer != nil {
		b.Syncer.Start(ctx)
		b.Logger.Info(ctx, "Catalog sync started")
	}

	if b.Server != nil {
		if err := b.Server.Start(ctx); err != nil {
			b.Logger.Error(ctx, "Failed to start server", zap.Error(err))
			return fmt.Errorf("failed to start server: %w", err)
		}
	}

	b.Logger.Info(ctx, "All components started successfully")
	return nil
}

// Stop stops all components in reverse order.
func (b *Bootstrap) Stop(ctx context.Context) error {
	if b.Logger == nil {
		return nil
	}

	b.Logger.Info(ctx, "Stopping lattice components")

	if b.Server != nil {
		if err := b.Server.Stop(ctx); err != nil {
			b.Logger.Error(ctx, "Failed to stop server", zap.Error(err))
			return fmt.Errorf("failed to stop server: %w", err)
		}
	}

	if b.Syncer != nil {
		b.Syncer.Stop()
	}

	if b.Catalog != nil {
		if err := b.Catalog.Close(ctx); err != nil {
			b.Logger.Error(ctx, "Failed to close catalog", zap.Error(err))
		}
	}

	if b.Bus != nil {
		if err := b.Bus.Close(); err != nil {
			b.Logger.Error(ctx, "Failed to close event bus", zap.Error(err))
		}
	}

	if b.DB != nil {
		if err := b.DB.Close(); err != nil {
			b.Logger.Error(ctx, "Failed to close container database", zap.Error(err))
		}
	}

	if b.Telemetry != nil {
		if err := b.Telemetry.Stop(ctx); err != nil {
			b.Logger.Error(ctx, "Failed to stop telemetry", zap.Error(err))
			return fmt.Errorf("failed to stop telemetry: %w", err)
		}
	}

	b.Logger.Info(ctx, "All components stopped successfully")

	// Sync logger last so the shutdown entries are flushed
	if err := b.Logger.Sync(); err != nil {
		// Don't return error for sync failures as they're often benign
		fmt.Printf("Failed to sync logger: %v\n", err)
	}

	return nil
}

// loadConfig loads the configuration from file and environment.
func (b *Bootstrap) loadConfig(configFile string) (*config.Config, error) {
	if configFile != "" {
		return config.LoadFromFile(configFile)
	}
	return config.Load()
}

// initLogging initializes the logging system.
func (b *Bootstrap) initLogging(cfg config.LoggingConfig) (logging.Logger, error) {
	loggingConfig := logging.LoggingConfig{
		Level:      cfg.Level,
		Format:     cfg.Format,
		OutputPath: cfg.OutputPath,
		ErrorPath:  cfg.ErrorPath,
	}

	zapLogger, err := logging.NewZapLogger(loggingConfig)
	if err != nil {
		return nil, err
	}
	b.zapLogger = zapLogger

	if err := logging.InitGlobalLogger(loggingConfig); err != nil {
		return nil, fmt.Errorf("failed to initialize global logger: %w", err)
	}

	return logging.FromZap(zapLogger), nil
}

// initTelemetry initializes the telemetry system.
func (b *Bootstrap) initTelemetry(cfg config.TelemetryConfig) (*telemetry.Telemetry, error) {
	telemetryConfig := telemetry.TelemetryConfig{
		Enabled:        cfg.Enabled,
		ServiceName:    cfg.ServiceName,
		ServiceVersion: cfg.ServiceVersion,
		PrometheusPort: cfg.PrometheusPort,
		JaegerEndpoint: cfg.JaegerEndpoint,
		SampleRate:     cfg.SampleRate,
	}

	tel, err := telemetry.NewTelemetry(telemetryConfig)
	if err != nil {
		return nil, err
	}

	if err := telemetry.InitGlobalTelemetry(telemetryConfig); err != nil {
		return nil, fmt.Errorf("failed to initialize global telemetry: %w", err)
	}

	return tel, nil
}

// initEventBus builds the event bus. A disabled config yields a noop
// bus, so the engine publishes unconditionally.
func (b *Bootstrap) initEventBus(cfg config.EventBusConfig) (eventbus.EventBus, error) {
	busConfig := eventbus.DefaultConfig()
	busConfig.Enabled = cfg.Enabled
	if cfg.URL != "" {
		busConfig.NATS.URL = cfg.URL
	}
	if cfg.Stream != "" {
		busConfig.NATS.StreamName = cfg.Stream
	}

	return eventbus.NewEventBusFromConfig(busConfig, b.zapLogger)
}

// initStorage opens the container database and loads every group into
// the engine.
func (b *Bootstrap) initStorage(ctx context.Context, cfg config.StorageConfig) error {
	db, err := containerdb.New(cfg.Path, b.zapLogger)
	if err != nil {
		return err
	}
	b.DB = db

	eng, err := engine.Open(ctx, db, b.Bus, b.Logger.Named("engine"))
	if err != nil {
		return err
	}
	b.Engine = eng

	return nil
}

// initCatalog connects the optional YDB catalog and prepares the
// background syncer.
func (b *Bootstrap) initCatalog(ctx context.Context, cfg config.CatalogConfig) error {
	catalogConfig := catalog.Config{
		Enabled:          cfg.Enabled,
		ConnectionString: cfg.ConnectionString,
		SyncInterval:     cfg.SyncInterval,
	}
	if err := catalogConfig.Validate(); err != nil {
		return err
	}
	if !catalogConfig.Enabled {
		b.Logger.Info(ctx, "Catalog is disabled")
		return nil
	}

	cat, err := catalog.NewYDBCatalog(ctx, catalogConfig.ConnectionString, b.Logger.Named("catalog"))
	if err != nil {
		return err
	}

	if err := cat.InitializeSchema(ctx); err != nil {
		cat.Close(ctx)
		return err
	}

	b.Catalog = cat
	b.Syncer = catalog.NewSyncer(cat, b.Engine, catalogConfig.SyncInterval, b.Logger.Named("catalog"))

	b.Logger.Info(ctx, "Catalog initialized",
		zap.String("connection", catalogConfig.ConnectionString),
		zap.Duration("sync_interval", catalogConfig.SyncInterval))

	return nil
}

// GetConfig returns the loaded configuration.
func (b *Bootstrap) GetConfig() *config.Config {
	return b.Config
}

// GetLogger returns the initialized logger.
func (b *Bootstrap) GetLogger() logging.Logger {
	return b.Logger
}

// GetTelemetry returns the initialized telemetry.
func (b *Bootstrap) GetTelemetry() *telemetry.Telemetry {
	return b.Telemetry
}

// GetEngine returns the storage engine.
func (b *Bootstrap) GetEngine() *engine.Engine {
	return b.Engine
}

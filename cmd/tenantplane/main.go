package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/devrev/tenantplane/internal/config"
	apperrors "github.com/devrev/tenantplane/internal/errors"
	"github.com/devrev/tenantplane/internal/handler"
	"github.com/devrev/tenantplane/internal/health"
	"github.com/devrev/tenantplane/internal/metrics"
	"github.com/devrev/tenantplane/internal/model"
	"github.com/devrev/tenantplane/internal/schema"
	"github.com/devrev/tenantplane/internal/server"
	"github.com/devrev/tenantplane/internal/service"
	"github.com/devrev/tenantplane/internal/store"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Tenantplane stopped with error", zap.Error(err))
	}
	logger.Info("Tenantplane shutdown complete")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	instanceID := cfg.Server.InstanceID
	if instanceID == "" {
		host, _ := os.Hostname()
		instanceID = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}

	logger.Info("Starting tenantplane",
		zap.String("instance_id", instanceID),
		zap.Int("port", cfg.Server.Port),
		zap.String("database_host", cfg.Database.Host),
		zap.String("database_name", cfg.Database.Database))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(reg)

	adminConn := model.ConnParams{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Database,
	}

	central, err := store.OpenPool(ctx, adminConn, store.PoolSettings{
		MaxConns:        int32(cfg.Database.MaxConnections),
		MinConns:        int32(cfg.Database.MinConnections),
		AcquireTimeout:  cfg.Pool.AcquireTimeout,
		MaxConnLifetime: cfg.Database.ConnMaxLifetime,
		ConnectTimeout:  cfg.Database.ConnectTimeout,
	})
	if err != nil {
		return fmt.Errorf("open central database: %w", err)
	}
	defer central.Close()

	applied, err := schema.NewRunner(central, logger).Run(ctx)
	if err != nil {
		return fmt.Errorf("migrate central database: %w", err)
	}
	logger.Info("Central schema up to date", zap.Int("applied", applied))

	template, err := schema.TenantTemplate()
	if err != nil {
		return fmt.Errorf("load hospital schema template: %w", err)
	}

	var departments []model.DepartmentSeed
	if cfg.Provisioning.DepartmentsFile != "" {
		departments, err = service.LoadDepartmentSeeds(cfg.Provisioning.DepartmentsFile)
		if err != nil {
			return err
		}
		logger.Info("Loaded default departments", zap.Int("count", len(departments)))
	}

	directory := store.NewPostgresDirectoryStore(central, logger)
	transferStore := store.NewPostgresTransferStore(logger)

	var cache *store.TenantCache
	if cfg.Cache.TenantTTL > 0 {
		cache = store.NewTenantCache(cfg.Cache.TenantTTL, cfg.Cache.MaxSize)
		defer cache.Close()
	}

	registry := service.NewPoolRegistry(directory, service.RegistryConfig{
		Defaults: service.ConnDefaults{
			Host:     cfg.TenantDefaults.Host,
			Port:     cfg.TenantDefaults.Port,
			User:     cfg.TenantDefaults.User,
			Password: cfg.TenantDefaults.Password,
		},
		LoadTimeout:        cfg.Pool.LoadTimeout,
		RevalidateInterval: cfg.Pool.RevalidateInterval,
	}, service.PgxOpener(store.PoolSettings{
		MaxConns:        int32(cfg.Pool.MaxConnections),
		MinConns:        int32(cfg.Pool.MinConnections),
		AcquireTimeout:  cfg.Pool.AcquireTimeout,
		MaxConnLifetime: cfg.Pool.ConnMaxLifetime,
		MaxConnIdleTime: cfg.Pool.ConnMaxIdleTime,
		ConnectTimeout:  cfg.Pool.ConnectTimeout,
	}), m, logger)
	defer registry.Close()

	tenants := service.NewTenantService(directory, cache, logger)
	router := service.NewRouter(central, registry, m, logger)

	provisioning := service.NewProvisioningService(
		directory,
		store.NewPostgresClusterAdmin(central, logger),
		store.NewPostgresTenantBootstrapper(),
		template,
		service.PgxOpener(store.PoolSettings{
			MaxConns:       2,
			AcquireTimeout: cfg.Pool.AcquireTimeout,
			ConnectTimeout: cfg.Database.ConnectTimeout,
		}),
		registry,
		tenants,
		service.ProvisioningConfig{
			Timeout:             cfg.Provisioning.Timeout,
			CompensationTimeout: cfg.Provisioning.CompensationTimeout,
			DatabasePrefix:      cfg.Provisioning.DatabasePrefix,
			PasswordBytes:       cfg.Provisioning.PasswordBytes,
			BcryptCost:          cfg.Provisioning.BcryptCost,
			AdminConn:           adminConn,
			DefaultDepartments:  departments,
		},
		m,
		logger,
	)

	transfers := service.NewTransferService(router, tenants, transferStore, m, logger)

	var (
		leases      store.LeaseStore
		leasePing   health.Pinger
		processor   *service.TransferProcessor
		cycleRunner handler.CycleRunner
	)
	if cfg.Redis.Enabled {
		redisStore, err := store.NewRedisLeaseStore(
			cfg.Redis.Host,
			cfg.Redis.Port,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer redisStore.Close()
		leasePing = redisStore
		if cfg.Transfer.LeaderLock {
			leases = redisStore
		}
	}

	if cfg.Transfer.Enabled {
		processor = service.NewTransferProcessor(tenants, registry, transferStore, leases, service.TransferProcessorConfig{
			InstanceID:        instanceID,
			Interval:          cfg.Transfer.Interval,
			BatchSize:         cfg.Transfer.BatchSize,
			LeaseTTL:          cfg.Transfer.LeaseTTL,
			TenantConcurrency: cfg.Transfer.TenantConcurrency,
			MaxErrorLength:    cfg.Transfer.MaxErrorLength,
			DetachedColumns:   cfg.Transfer.DetachedColumns,
		}, m, logger)
		cycleRunner = processor
	}

	errorHandler := apperrors.NewHandler(logger)
	handlers := handler.NewHandlers(provisioning, tenants, transfers, cycleRunner, errorHandler, logger)
	httpServer := server.NewServer(cfg, handlers, errorHandler, m, logger)
	healthServer := health.NewServer(health.NewHealthChecker(central, leasePing, registry, logger), cfg.Server.HealthPort, logger)

	var metricsServer *metrics.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewMetricsServer(cfg.Metrics.Port, cfg.Metrics.Path, reg, logger)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(httpServer.Start)
	g.Go(healthServer.Start)
	if metricsServer != nil {
		g.Go(metricsServer.Start)
	}
	if processor != nil {
		g.Go(func() error { return processor.Start(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		errs := []error{
			httpServer.Shutdown(shutdownCtx),
			healthServer.Shutdown(shutdownCtx),
		}
		if metricsServer != nil {
			errs = append(errs, metricsServer.Shutdown(shutdownCtx))
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

// initLogger builds the zap logger from the logging section
func initLogger(cfg config.LoggingConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var zapConfig zap.Config
	if cfg.Format == "console" {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
	}

	zapConfig.Level = zap.NewAtomicLevelAt(level)
	zapConfig.OutputPaths = []string{"stdout"}
	zapConfig.ErrorOutputPaths = []string{"stderr"}

	logger, err := zapConfig.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}

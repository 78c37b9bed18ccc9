package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/caxtonacollins/Stellar-K8s-sub001/pkg/async"
	"github.com/caxtonacollins/Stellar-K8s-sub001/pkg/audit"
	"github.com/caxtonacollins/Stellar-K8s-sub001/pkg/config"
	"github.com/caxtonacollins/Stellar-K8s-sub001/pkg/nodespec"
	"github.com/caxtonacollins/Stellar-K8s-sub001/pkg/observability"
	"github.com/caxtonacollins/Stellar-K8s-sub001/pkg/orchestrator"
	"github.com/caxtonacollins/Stellar-K8s-sub001/pkg/plugins"
	"github.com/caxtonacollins/Stellar-K8s-sub001/pkg/sandbox"
	"github.com/caxtonacollins/Stellar-K8s-sub001/pkg/store"
	"github.com/caxtonacollins/Stellar-K8s-sub001/pkg/webhook"
)

var version = "dev"

func main() {
	configFile := flag.String("config", "", "Path to a YAML config file (overrides WEBHOOK_CONFIG_FILE)")
	port := flag.String("port", "", "Port to listen on (overrides WEBHOOK_PORT)")
	flag.Parse()

	if *configFile != "" {
		os.Setenv("WEBHOOK_CONFIG_FILE", *configFile)
	}
	if *port != "" {
		os.Setenv("WEBHOOK_PORT", *port)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	async.SetLogger(logger)

	if err := run(cfg, logger); err != nil {
		logger.Fatalf("Webhook exited: %v", err)
	}
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    cfg.Observability.OTelSampleRatio,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	var (
		registry *prometheus.Registry
		metrics  *observability.Metrics
	)
	if cfg.Observability.MetricsEnabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = observability.NewMetrics(registry)
	}
	otelMetrics, err := observability.NewOTelMetrics()
	if err != nil {
		return fmt.Errorf("failed to create OTel metrics: %w", err)
	}
	storeMetrics := store.StoreMetrics{Metrics: metrics, OTel: otelMetrics}

	// Sandbox
	cache := sandbox.NewModuleCache(logger)
	pool := async.NewWorkerPool(ctx, cfg.Sandbox.Workers, "sandbox", cfg.Sandbox.TaskTimeout)
	executor := sandbox.NewExecutor(cache, pool, logger)

	sources := plugins.NewSourceSet(logger)
	opts := orchestrator.Options{
		MaxParallelPlugins: cfg.Plugins.MaxParallel,
		Sources:            sources,
		Builtin:            nodespec.Validate,
		Metrics:            metrics,
		OTel:               otelMetrics,
		Logger:             logger,
	}

	// Registry persistence and node status updates
	var redisClient *redis.Client
	if cfg.Store.RedisURL != "" {
		redisClient, err = store.NewRedisClient(ctx, cfg.Store.RedisURL, store.RedisOptions{
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
			PoolSize: cfg.Store.RedisPoolSize,
		})
		if err != nil {
			return err
		}
		opts.Store = store.NewRedisRegistryStore(redisClient, logger, storeMetrics)
		opts.Patcher = store.NewRedisStatusPatcher(redisClient, cfg.Store.StatusChannel, storeMetrics)
		logger.Infof("Plugin registry persisted to redis, status updates on channel %s", cfg.Store.StatusChannel)
	}

	blobs, blobCheck, err := openBlobStore(ctx, cfg.Store, logger, storeMetrics)
	if err != nil {
		return err
	}
	if blobs != nil {
		opts.Blobs = blobs
		store.NewBlobResolver(blobs, cfg.Store.ResolverCacheSize, cfg.Store.ResolverCacheTTL, logger).Register(sources)
	}

	orch := orchestrator.New(executor, opts)

	if _, err := orch.Restore(ctx); err != nil {
		logger.WithError(err).Warn("Failed to restore persisted plugins")
	}

	var watcher *plugins.Watcher
	if len(cfg.Plugins.Dirs) > 0 {
		watcher, err = loadPluginDirs(ctx, cfg.Plugins, orch, logger)
		if err != nil {
			return err
		}
	}

	// Audit log
	auditLogger, auditDB, retention, err := openAudit(ctx, cfg.Audit, logger, metrics)
	if err != nil {
		return err
	}

	health := observability.NewHealthChecker(auditDB, redisClient)
	health.SetVersion(version)
	if blobCheck != nil {
		health.AddCheck("blobstore", blobCheck, false)
	}

	var auth *webhook.Authenticator
	if cfg.Auth.OIDCIssuer != "" {
		auth, err = webhook.NewOIDCAuthenticator(ctx, cfg.Auth.OIDCIssuer, cfg.Auth.OIDCAudience)
		if err != nil {
			return err
		}
		logger.Infof("Plugin management API requires tokens from %s", cfg.Auth.OIDCIssuer)
	}

	server := webhook.NewServer(orch, webhook.Options{
		Audit:        auditLogger,
		Health:       health,
		Metrics:      metrics,
		Registry:     registry,
		Auth:         auth,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		Logger:       logger,
	})

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := observability.NewShutdownManager(logger, httpServer, cfg.Server.ShutdownTimeout)
	if watcher != nil {
		shutdown.RegisterShutdownFunc("plugin watcher", func(context.Context) error { return watcher.Close() })
	}
	if retention != nil {
		shutdown.RegisterShutdownFunc("audit retention", retention.Stop)
	}
	shutdown.RegisterShutdownFunc("audit log", func(context.Context) error {
		err := auditLogger.Close()
		if auditDB != nil {
			err = errors.Join(err, auditDB.Close())
		}
		return err
	})
	shutdown.RegisterShutdownFunc("sandbox", func(ctx context.Context) error {
		err := pool.Shutdown(cfg.Server.ShutdownTimeout)
		return errors.Join(err, orch.Close(ctx))
	})
	if redisClient != nil {
		shutdown.RegisterShutdownFunc("redis", func(context.Context) error { return redisClient.Close() })
	}
	shutdown.RegisterShutdownFunc("opentelemetry", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, providers, logger)
	})

	go func() {
		defer observability.RecoverPanic(logger, "http server")
		logger.Infof("Starting StellarNode admission webhook %s on %s (%d plugins loaded)",
			version, httpServer.Addr, orch.PluginCount())
		var err error
		if cfg.Server.TLSEnabled() {
			err = httpServer.ListenAndServeTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		} else {
			logger.Warn("TLS is not configured; the API server only calls webhooks over HTTPS")
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("HTTP server failed")
			cancel()
		}
	}()

	return shutdown.WaitForShutdown(ctx)
}

// openBlobStore returns nil when no backend is configured
func openBlobStore(ctx context.Context, cfg config.StoreConfig, logger *logrus.Logger, metrics store.StoreMetrics) (store.BlobStore, observability.CheckFunc, error) {
	switch cfg.BlobBackend {
	case config.BlobBackendFile:
		blobs, err := store.NewFileBlobStore(cfg.BlobDir, logger, metrics)
		if err != nil {
			return nil, nil, err
		}
		logger.Infof("Plugin bytecode stored under %s", cfg.BlobDir)
		return blobs, nil, nil
	case config.BlobBackendS3:
		blobs, err := store.NewS3BlobStore(ctx, store.S3Config{
			Bucket:       cfg.S3Bucket,
			Region:       cfg.S3Region,
			Endpoint:     cfg.S3Endpoint,
			AccessKey:    cfg.S3AccessKey,
			SecretKey:    cfg.S3SecretKey,
			UsePathStyle: cfg.S3UsePathStyle,
			CreateBucket: cfg.S3CreateBucket,
		}, logger, metrics)
		if err != nil {
			return nil, nil, err
		}
		logger.Infof("Plugin bytecode stored in s3://%s", cfg.S3Bucket)
		return blobs, blobs.HealthCheck, nil
	}
	return nil, nil, nil
}

// loadPluginDirs loads every plugin directory and starts hot reload when enabled
func loadPluginDirs(ctx context.Context, cfg config.PluginsConfig, orch *orchestrator.Orchestrator, logger *logrus.Logger) (*plugins.Watcher, error) {
	loader := plugins.NewLoader(cfg.Dirs, logger)
	configs, err := loader.DiscoverPlugins(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to discover plugins: %w", err)
	}
	for _, pc := range configs {
		if err := orch.AddLocalPlugin(ctx, pc); err != nil {
			logger.WithError(err).Errorf("Failed to load plugin %s", pc.Metadata.Name)
		}
	}
	logger.Infof("Loaded %d plugins from %v", orch.PluginCount(), cfg.Dirs)

	if !cfg.Watch {
		return nil, nil
	}
	watcher, err := plugins.NewWatcher(loader, orch, 0, logger)
	if err != nil {
		return nil, err
	}
	go func() {
		defer observability.RecoverPanic(logger, "plugin watcher")
		watcher.Run(ctx)
	}()
	return watcher, nil
}

// openAudit builds the configured audit sinks. The returned db is nil without
// a SQL sink and retention is nil unless one is scheduled.
func openAudit(ctx context.Context, cfg config.AuditConfig, logger *logrus.Logger, metrics *observability.Metrics) (audit.Logger, *sql.DB, *audit.Retention, error) {
	if !cfg.Enabled() {
		return audit.NoOpLogger{}, nil, nil, nil
	}

	var (
		sinks     []audit.Logger
		db        *sql.DB
		retention *audit.Retention
	)

	if cfg.Driver != "" {
		dialect, err := audit.ParseDialect(cfg.Driver)
		if err != nil {
			return nil, nil, nil, err
		}
		db, err = audit.OpenDB(ctx, dialect, cfg.DSN)
		if err != nil {
			return nil, nil, nil, err
		}
		dbLogger, err := audit.NewDBLogger(db, dialect, logger, metrics)
		if err != nil {
			db.Close()
			return nil, nil, nil, err
		}
		retention, err = audit.NewRetention(dbLogger, cfg.Retention, cfg.Schedule, logger)
		if err != nil {
			db.Close()
			return nil, nil, nil, err
		}
		retention.Start()
		sinks = append(sinks, dbLogger)
		logger.Infof("Audit decisions recorded in %s", dialect)
	}

	if cfg.Dir != "" {
		fileLogger, err := audit.NewFileLogger(audit.FileLoggerConfig{BasePath: cfg.Dir}, logger)
		if err != nil {
			if db != nil {
				db.Close()
			}
			return nil, nil, nil, err
		}
		sinks = append(sinks, fileLogger)
		logger.Infof("Audit decisions written to %s", cfg.Dir)
	}

	return audit.NewMultiLogger(sinks...), db, retention, nil
}

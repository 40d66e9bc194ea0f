package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/jonesrussell/north-cloud/asset-gateway/internal/api"
	"github.com/jonesrussell/north-cloud/asset-gateway/internal/cgi"
	"github.com/jonesrussell/north-cloud/asset-gateway/internal/config"
	"github.com/jonesrussell/north-cloud/asset-gateway/internal/dispatcher"
	"github.com/jonesrussell/north-cloud/asset-gateway/internal/downloader"
	"github.com/jonesrussell/north-cloud/asset-gateway/internal/downloads"
	"github.com/jonesrussell/north-cloud/asset-gateway/internal/httpclient"
	"github.com/jonesrussell/north-cloud/asset-gateway/internal/logger"
	"github.com/jonesrussell/north-cloud/asset-gateway/internal/metrics"
	"github.com/jonesrussell/north-cloud/asset-gateway/internal/mounts"
	"github.com/jonesrussell/north-cloud/asset-gateway/internal/profiling"
	"github.com/jonesrussell/north-cloud/asset-gateway/internal/resolver"
	"github.com/jonesrussell/north-cloud/asset-gateway/internal/settings"
)

const progressStoreSize = 1024

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the asset gateway HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func runServe(ctx context.Context, opts *rootOptions) error {
	// Phase 1: config, logger, profiling
	cfg, log, err := loadConfig(opts)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if pprofServer := profiling.StartPprofServer(log); pprofServer != nil {
		defer func() { _ = pprofServer.Close() }()
	}
	profiler, err := profiling.StartPyroscope(cfg.Service.Name, log)
	if err != nil {
		log.Warn("Continuous profiling unavailable", logger.Error(err))
	}
	defer func() { _ = profiler.Stop() }()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Phase 2: runtime settings and metrics
	provider, err := settings.NewFileProvider(cfg.Settings.Path, log)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	if cfg.Settings.Watch {
		if err = provider.Watch(ctx); err != nil {
			return fmt.Errorf("watch settings: %w", err)
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	// Phase 3: mounts, downloads and resolution
	mountRegistry := mounts.NewRegistry(mounts.Config{
		Capacity:      cfg.Mounts.Capacity,
		TTL:           cfg.Mounts.TTL,
		MaxEntryBytes: cfg.Mounts.MaxEntryBytes,
		CloseTimeout:  cfg.Mounts.CloseTimeout,
	}, log, m)

	store, redisClient := setupProgressStore(cfg, log)

	dl, err := newDownloader(cfg, log, m)
	if err != nil {
		return err
	}
	orch, err := downloads.New(downloads.Config{
		ArtifactRoot:  cfg.Downloads.ArtifactRoot,
		MaxConcurrent: cfg.Downloads.MaxConcurrent,
		StaleAfter:    cfg.Downloads.StaleAfter,
		SweepSchedule: cfg.Downloads.SweepSchedule,
	}, mountRegistry, dl, store, log, m)
	if err != nil {
		return fmt.Errorf("create download orchestrator: %w", err)
	}
	orch.Start()

	var executor cgi.Executor
	if cfg.CGI.Binary != "" {
		executor = cgi.NewProcessExecutor(cgi.Config{
			Binary:         cfg.CGI.Binary,
			Timeout:        cfg.CGI.Timeout,
			MaxOutputBytes: cfg.CGI.MaxOutputBytes,
		})
	}
	fetcher := resolver.NewFetcher(provider, resolver.FetcherConfig{}, log, m)
	engine := resolver.NewEngine(provider, executor, fetcher, log, m)
	disp := dispatcher.New(provider, mountRegistry, engine, orch, log, m)

	// Phase 4: HTTP server
	handler := api.NewHandler(api.Deps{
		Dispatcher: disp,
		Mounts:     mountRegistry,
		Downloads:  orch,
		Settings:   provider,
		Gatherer:   registry,
		Logger:     log,
	})
	builder := api.NewServerBuilder(cfg.Service.Name, cfg.Service.Port).
		WithConfig(&api.Config{
			Port:            cfg.Service.Port,
			Debug:           cfg.Service.Debug,
			ReadTimeout:     cfg.Service.ReadTimeout,
			WriteTimeout:    cfg.Service.WriteTimeout,
			IdleTimeout:     cfg.Service.IdleTimeout,
			ShutdownTimeout: cfg.Service.ShutdownTimeout,
			ServiceName:     cfg.Service.Name,
			ServiceVersion:  cfg.Service.Version,
		}).
		WithLogger(log).
		WithHandler(handler).
		WithHealthCheck("document_root", api.DirectoryHealthChecker(func() string {
			return provider.Current().DocumentRoot
		})).
		WithHealthCheck("origins", api.OriginsHealthChecker(fetcher.BreakerStates))
	if redisClient != nil {
		builder.WithHealthCheck("redis", api.RedisHealthChecker(func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}))
	}
	server := builder.Build()

	runErr := server.RunWithGracefulShutdown(ctx)

	// Phase 5: drain
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer cancel()
	if err = orch.Close(shutdownCtx); err != nil {
		log.Warn("Download orchestrator did not drain", logger.Error(err))
	}
	if err = mountRegistry.Close(shutdownCtx); err != nil {
		log.Warn("Mount registry did not drain", logger.Error(err))
	}
	if redisClient != nil {
		if err = redisClient.Close(); err != nil {
			log.Warn("Failed to close Redis client", logger.Error(err))
		}
	}

	if runErr != nil {
		log.Error("Server error", logger.Error(runErr))
		return fmt.Errorf("server error: %w", runErr)
	}
	log.Info("Server exited")
	return nil
}

// setupProgressStore returns the Redis store when enabled and reachable,
// otherwise the in-memory store. Redis being down is not fatal.
func setupProgressStore(cfg *config.Config, log logger.Logger) (downloads.Store, *redis.Client) {
	memory := downloads.NewMemoryStore(progressStoreSize, cfg.Downloads.StaleAfter)
	if !cfg.Redis.Enabled {
		return memory, nil
	}

	client, err := downloads.NewRedisClient(downloads.RedisConfig{
		Address:  cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		log.Warn("Redis not available, download progress kept in memory",
			logger.String("redis_address", cfg.Redis.Address),
			logger.Error(err),
		)
		return memory, nil
	}

	log.Info("Download progress stored in Redis", logger.String("redis_address", cfg.Redis.Address))
	return downloads.NewRedisStore(client, cfg.Downloads.StaleAfter), client
}

func newDownloader(cfg *config.Config, log logger.Logger, m *metrics.Metrics) (*downloader.Downloader, error) {
	allowed, err := httpclient.ParsePrefixes(cfg.Downloads.AllowedNetworks)
	if err != nil {
		return nil, fmt.Errorf("parse allowed networks: %w", err)
	}
	sources := make([]downloader.Source, 0, len(cfg.Downloads.Sources))
	for _, s := range cfg.Downloads.Sources {
		sources = append(sources, downloader.Source{Name: s.Name, URL: s.URL})
	}
	return downloader.New(downloader.Config{
		Root:            cfg.Downloads.ArtifactRoot,
		Sources:         sources,
		MaxBytes:        cfg.Downloads.MaxBytes,
		AttemptRetries:  cfg.Downloads.AttemptRetries,
		RetryDelay:      cfg.Downloads.RetryDelay,
		AttemptTimeout:  cfg.Downloads.AttemptTimeout,
		MaxRedirects:    cfg.Downloads.MaxRedirects,
		AllowedNetworks: allowed,
	}, log, m), nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/hub_downloader/internal/cleanup"
	"github.com/italolelis/hub_downloader/internal/config"
	"github.com/italolelis/hub_downloader/internal/downloader"
	"github.com/italolelis/hub_downloader/internal/downloader/progress"
	"github.com/italolelis/hub_downloader/internal/events"
	"github.com/italolelis/hub_downloader/internal/http/rest"
	"github.com/italolelis/hub_downloader/internal/hub"
	"github.com/italolelis/hub_downloader/internal/logctx"
	"github.com/italolelis/hub_downloader/internal/notifier"
	"github.com/italolelis/hub_downloader/internal/queue"
	"github.com/italolelis/hub_downloader/internal/storage/sqlite"
	"github.com/italolelis/hub_downloader/internal/telemetry"
	"github.com/italolelis/hub_downloader/internal/transfer"
	"golang.org/x/sync/errgroup"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("hub downloader starting...", "log_level", cfg.LogLevel, "version", version)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.TelemetryEnabled,
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
		InstanceID:     telemetry.InstanceID(),
		OTLPEndpoint:   cfg.OTLPEndpoint,
		OTLPInterval:   cfg.OTLPInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(ctx, cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	store := sqlite.NewInstrumentedTaskRepository(database, tel)

	// =========================================================================
	// Start Hub Clients
	router := buildRouter(cfg, tel)
	catalog := hub.NewCachedCatalog(router, cfg.CatalogCacheTTL)

	// =========================================================================
	// Start Queue
	tracker := progress.NewTracker()

	worker := downloader.NewWorker(catalog, router, tracker,
		downloader.WithChunkSize(cfg.ChunkSize),
		downloader.WithFileConcurrency(cfg.FileConcurrency),
		downloader.WithStallTimeout(cfg.StallTimeout),
		downloader.WithVerify(cfg.VerifyChecksums),
		downloader.WithRateLimiter(downloader.NewRateLimiter(cfg.BandwidthLimit, cfg.ChunkSize)),
	)

	eventHub := events.NewHub()

	manager := queue.NewManager(worker, store, buildSink(ctx, eventHub, cfg), tracker,
		queue.WithMaxWorkers(cfg.MaxWorkers),
		queue.WithPlatforms(router),
		queue.WithTelemetry(tel),
		queue.WithCheckpointInterval(cfg.CheckpointInterval),
		queue.WithRetryPolicy(transfer.RetryPolicy{
			MaxAttempts:  cfg.MaxRetries,
			BaseDelay:    cfg.RetryBaseDelay,
			MaxDelay:     cfg.RetryMaxDelay,
			PollInterval: cfg.RetryPollInterval,
		}),
	)

	restored, err := manager.Restore(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore tasks: %w", err)
	}

	// =========================================================================
	// Start API Service
	server := setupServer(ctx, manager, eventHub, tel, cfg)

	logger.Info("waiting for downloads...",
		"max_workers", manager.MaxWorkers(),
		"platforms", router.Platforms(),
		"restored", restored,
		"retention", cfg.KeepHistoryFor.String(),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(sctx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	})

	g.Go(func() error { return manager.Run(gctx) })

	// =========================================================================
	// Start Cleanup
	cleaner := cleanup.NewCleaner(store, cfg.KeepHistoryFor, cfg.CleanupInterval, catalog)
	g.Go(func() error { return cleaner.Run(gctx) })

	return g.Wait()
}

// buildRouter registers one hub client per configured endpoint.
func buildRouter(cfg *config.Config, tel *telemetry.Telemetry) *hub.Router {
	endpoints := map[string]string{
		transfer.PlatformHuggingFace: cfg.HFEndpoint,
		transfer.PlatformHFMirror:    cfg.HFMirrorEndpoint,
	}

	backends := make(map[string]hub.Backend, len(endpoints))

	for platform, endpoint := range endpoints {
		if endpoint == "" {
			continue
		}

		client := hub.NewClient(endpoint, cfg.HFToken,
			hub.WithRevision(cfg.HFRevision),
			hub.WithListTimeout(cfg.CatalogTimeout),
		)
		backends[platform] = hub.NewInstrumentedClient(client, tel, platform)
	}

	return hub.NewRouter(backends)
}

// buildSink fans events out to websocket subscribers, the log and, when configured, Discord.
func buildSink(ctx context.Context, eventHub *events.Hub, cfg *config.Config) events.Sink {
	sinks := events.MultiSink{eventHub, events.LogSink{}}

	if cfg.DiscordWebhookURL != "" {
		logctx.LoggerFromContext(ctx).Info("discord notifications enabled")

		sinks = append(sinks, notifier.NewEventNotifier(notifier.NewDiscordNotifier(cfg.DiscordWebhookURL)))
	}

	return sinks
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, manager *queue.Manager, eventHub *events.Hub, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	tasks := rest.NewTaskHandler(manager, cfg.API.Username, cfg.API.Password, cfg.DefaultDestination)
	stream := rest.NewEventHandler(eventHub, cfg.API.OriginPatterns)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)
	r.Use(telemetry.HTTPLogging)

	r.Handle("/metrics", tel.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.With(tasks.BasicAuth).Get("/events", stream.HandleEvents)
	r.Mount("/", tasks.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

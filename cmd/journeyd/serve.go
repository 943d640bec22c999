package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/dealjourney/internal/apidoc"
	"github.com/pitabwire/dealjourney/internal/bus"
	"github.com/pitabwire/dealjourney/internal/intent"
	"github.com/pitabwire/dealjourney/internal/journey"
	"github.com/pitabwire/dealjourney/internal/observability"
	"github.com/pitabwire/dealjourney/internal/orchestrator"
	"github.com/pitabwire/dealjourney/internal/safety"
	"github.com/pitabwire/dealjourney/internal/transport"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if code := serve(); code != 0 {
				return fmt.Errorf("serve exited with status %d", code)
			}
			return nil
		},
	}
}

func serve() int {
	// Step 1: Load configuration.
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	// Step 2: Initialize telemetry (logger, tracer, metrics).
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

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "journeyd", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 3: Load and validate the embedded API document.
	doc, err := apidoc.Load(ctx)
	if err != nil {
		logger.Error("API document load failed", zap.Error(err))
		return 1
	}

	// Step 4: Open the journey store.
	store, storeCloser, err := buildJourneyStore(ctx, cfg.Journey.Store, logger)
	if err != nil {
		logger.Error("journey store initialization failed", zap.Error(err))
		return 1
	}
	if storeCloser != nil {
		defer storeCloser()
	}
	machine := journey.NewMachine(store, logger, metrics)

	// Step 5: Connect to Redis when a driver needs it.
	rdb, err := buildRedisClient(ctx, cfg)
	if err != nil {
		logger.Error("redis initialization failed", zap.Error(err))
		return 1
	}
	if rdb != nil {
		defer rdb.Close()
	}

	// Step 6: Build the rate limiter.
	limiter, sweeper := buildLimiter(cfg.RateLimit, rdb)

	// Step 7: Build the task/event bus and its dispatcher.
	agents := buildAgentRegistry(cfg.Bus)
	queue := buildTaskQueue(cfg.Bus.Queue, rdb, logger)
	b := bus.New(agents, queue, nil, logger, metrics, bus.Options{
		DeliveryTimeout: cfg.Bus.DeliveryTimeout,
		TaskTTL:         cfg.Bus.TaskTTL,
	})
	dispatcher := bus.NewDispatcher(cfg.Bus.DispatchWorkers, cfg.Bus.DispatchBuffer, logger, metrics)

	// Step 8: Build the responder, safety filter and orchestrator.
	resp := buildResponder(cfg.Responder, logger, metrics)
	orch := orchestrator.New(orchestrator.Deps{
		Limiter:    limiter,
		Classifier: intent.New(nil),
		Machine:    machine,
		Bus:        b,
		Dispatcher: dispatcher,
		Responder:  resp,
		Filter: safety.New(safety.Options{
			MaxDiscountPercent: cfg.Safety.MaxDiscountPercent,
			MaxDiscountAmount:  cfg.Safety.MaxDiscountAmount,
			FallbackMessage:    cfg.Safety.FallbackMessage,
		}),
		Logger:  logger,
		Metrics: metrics,
	}, orchestrator.Options{
		MaxMessageLength: cfg.Chat.MaxMessageLength,
		MaxHistory:       cfg.Chat.MaxHistory,
		ResponderTimeout: cfg.Responder.Timeout,
	})

	// Step 9: Build HTTP router.
	readinessChecks := observability.ReadinessChecks{
		APIDocLoaded: func() bool { return len(doc.OperationIDs()) > 0 },
		JourneyStore: observability.HealthCheckFunc(store.Ping),
	}
	if rdb != nil {
		readinessChecks.Redis = observability.HealthCheckFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
	}

	var authenticate func(http.Handler) http.Handler
	if cfg.Identity.Enabled {
		jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)
		authenticate = transport.JWTAuthenticator(cfg.Identity, jwks, logger)
	} else {
		logger.Warn("identity disabled, operator routes are unauthenticated")
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Metrics:      metrics,
		Gatherer:     prometheus.DefaultGatherer,
		APIDoc:       doc,
		Chat:         orch,
		Machine:      machine,
		Bus:          b,
		Ready:        readinessChecks,
		Authenticate: authenticate,
		RetryAfter:   cfg.RateLimit.Window,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 10: Start background tasks.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	if sweeper != nil {
		go sweeper.Run(bgCtx)
	}

	// Step 11: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("journey_store", cfg.Journey.Store.Driver),
		zap.String("rate_limit", cfg.RateLimit.Driver),
		zap.String("task_queue", cfg.Bus.Queue.Driver),
		zap.Strings("agents", agents.Names()),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Deliver what handlers already queued before the stores close.
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.Error("dispatcher drain incomplete", zap.Error(err))
	}

	bgCancel()

	// Flush telemetry.
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

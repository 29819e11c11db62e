package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws-solutions-library-samples/guidance-for-payment-systems-using-event-driven-architecture-on-aws/internal/config"
	"github.com/aws-solutions-library-samples/guidance-for-payment-systems-using-event-driven-architecture-on-aws/internal/dedup"
	"github.com/aws-solutions-library-samples/guidance-for-payment-systems-using-event-driven-architecture-on-aws/internal/handlers"
	"github.com/aws-solutions-library-samples/guidance-for-payment-systems-using-event-driven-architecture-on-aws/internal/httpserver"
	"github.com/aws-solutions-library-samples/guidance-for-payment-systems-using-event-driven-architecture-on-aws/internal/logging"
	"github.com/aws-solutions-library-samples/guidance-for-payment-systems-using-event-driven-architecture-on-aws/internal/store"
	"github.com/aws-solutions-library-samples/guidance-for-payment-systems-using-event-driven-architecture-on-aws/internal/telemetry"
)

// main boots the service: config → telemetry → store → gate → HTTP server.
func main() {
	// Load runtime config from environment (WINDOW_DURATION_SECONDS, DEDUP_STORE, API_KEYS, ...).
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("service failed", "error", err)
		os.Exit(1)
	}
	logger.Info("service stopped")
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := telemetry.Setup(ctx, cfg.OTLPEndpoint, cfg.OTLPInsecure)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(sctx); err != nil {
			logger.Warn("metrics shutdown failed", "error", err)
		}
	}()

	metrics, err := telemetry.NewMetrics(nil)
	if err != nil {
		return err
	}

	// Connect to the shared dedup store; it is the only synchronization point between instances.
	st, closer, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closer.Close()

	if p, ok := st.(store.Purger); ok {
		go store.RunJanitor(ctx, p, cfg.Retention, cfg.PurgeInterval, logger)
	}

	gate := dedup.New(st,
		dedup.WithKeyExtractor(dedup.NewKeyExtractor(cfg.KeyFields)),
		dedup.WithGrace(cfg.Grace),
		dedup.WithLogger(logger),
		dedup.WithMetrics(metrics),
	)

	router := httpserver.NewRouter(cfg, gate, handlers.DupCheckOptions{
		Window:     cfg.Window,
		Retention:  cfg.Retention,
		FailPolicy: cfg.FailPolicy,
		Logger:     logger,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server started",
			"addr", cfg.HTTPAddr,
			"store", cfg.Store.Backend,
			"window", cfg.Window.String(),
			"grace", cfg.Grace.String(),
			"fail_policy", string(cfg.FailPolicy),
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}

package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/zhouzirui/kvtavern/internal/config"
	"github.com/zhouzirui/kvtavern/internal/handler"
	"github.com/zhouzirui/kvtavern/internal/logging"
	"github.com/zhouzirui/kvtavern/internal/middleware"
	"github.com/zhouzirui/kvtavern/internal/monitoring"
	"github.com/zhouzirui/kvtavern/internal/service/session"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Development: cfg.Log.Development})
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if envErr != nil {
		logger.Warn("failed to load .env file, continuing with system environment variables only", zap.Error(envErr))
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	metrics := monitoring.NewMetrics()

	eng, err := buildEngine(ctx, cfg, metrics, logger)
	if err != nil {
		return err
	}

	tmpl, err := cfg.Session.Template()
	if err != nil {
		return err
	}

	registry := session.NewRegistry(eng, session.Config{
		Template:    tmpl,
		MaxTokens:   cfg.Generation.MaxTokens,
		Temperature: cfg.Generation.Temperature,
		Stop:        cfg.Generation.Stop,
		MaxSessions: cfg.Session.MaxSessions,
	}, session.WithLogger(logger), session.WithMetrics(metrics))
	registry.StartJanitor(ctx, cfg.Session.IdleTimeout, cfg.Session.JanitorInterval)

	opts := handler.Options{Logger: logger, Metrics: metrics}
	if cfg.RateLimit.Enabled {
		opts.RateLimit = &middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}
	}
	router := handler.NewRouter(registry, opts)

	addr, err := cfg.Server.Addr()
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("kvtavern listening",
		zap.String("addr", addr),
		zap.String("backend", cfg.Engine.Backend),
		zap.Int("parallel", cfg.Engine.Parallel),
		zap.String("prompt", tmpl.Name()),
	)
	serveErr := runServer(ctx, srv, cfg.Server.ShutdownTimeout)

	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := registry.Close(closeCtx); err != nil {
		logger.Warn("sessions still draining at exit", zap.Error(err))
	}
	return serveErr
}

func runServer(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

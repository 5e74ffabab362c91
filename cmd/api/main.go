package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/phuslu/log"

	"qrattend/internal/app"
	"qrattend/internal/config"
	"qrattend/internal/logger"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	lg := logger.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	// Set Gin mode based on environment
	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg, lg); err != nil {
		lg.Fatal().Err(err).Msg("http server failed")
	}
}

func runHTTP(cfg config.App, lg *log.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	in, err := app.Open(ctx, cfg, lg)
	if err != nil {
		return err
	}
	defer in.Close()

	svc := in.Services(cfg, lg, version)
	defer svc.Alerter.Close()
	h := in.Handler(cfg, svc, lg)

	// Process-local backends cannot be reached by a separate worker, so the
	// API runs the background jobs itself.
	if cfg.QueueBackend == "memory" {
		go func() { _ = in.DeliveryWorker(cfg, lg).Run(ctx) }()
	}
	if cfg.StoreBackend == "memory" {
		go func() { _ = svc.Sweeper.Run(ctx) }()
	}
	go pruneLimiter(ctx, h.Limiter())

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      h.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		lg.Info().Str("addr", srv.Addr).Str("version", version).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	lg.Info().Msg("shutting down server")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Error().Err(err).Msg("server forced shutdown")
	}
	lg.Info().Msg("server exited")
	return nil
}

func pruneLimiter(ctx context.Context, l interface{ Prune(time.Duration) int }) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Prune(10 * time.Minute)
		}
	}
}

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/phuslu/log"
	"golang.org/x/sync/errgroup"

	"qrattend/internal/app"
	"qrattend/internal/config"
	"qrattend/internal/logger"
)

var version = "dev"

// Worker mails queued credentials and runs the periodic expiry sweep.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	lg := logger.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.StoreBackend == "memory" || cfg.QueueBackend == "memory" {
		lg.Warn().Msg("memory backends are private to this process; the API runs its own jobs in that mode")
	}

	in, err := app.Open(ctx, cfg, lg)
	if err != nil {
		lg.Fatal().Err(err).Msg("opening backends")
	}
	defer in.Close()

	svc := in.Services(cfg, lg, version)
	defer svc.Alerter.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return in.DeliveryWorker(cfg, lg).Run(ctx) })
	g.Go(func() error { return svc.Sweeper.Run(ctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		lg.Error().Err(err).Msg("worker stopped with error")
		return
	}
	lg.Info().Msg("worker stopped")
}

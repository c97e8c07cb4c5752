package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go-eventflow/internal/app"
	"go-eventflow/internal/config"
	"go-eventflow/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		observability.GetLogger().WithError(err).Fatal("Failed to load config")
	}
	observability.InitLogger(cfg.Logging.Level)
	logger := observability.Component("worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		logger.WithError(err).Error("Failed to start worker")
		os.Exit(1)
	}

	logger.Info("Worker started")
	err = a.Serve(ctx,
		a.ProcessJobs,
		a.WatchKafka,
		func(ctx context.Context) error {
			return app.ServeHTTP(ctx, cfg.HTTP.Addr, a.Server(false).Routes(), cfg.Consumer.ShutdownTimeout)
		},
	)
	if err != nil {
		logger.WithError(err).Error("Worker stopped with error")
		os.Exit(1)
	}
}

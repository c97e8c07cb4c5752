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
	// The api binary runs the request-facing consumer unless told otherwise.
	if _, set := os.LookupEnv("CONSUMER_PROFILE"); !set {
		_ = os.Setenv("CONSUMER_PROFILE", "api")
	}

	cfg, err := config.Load()
	if err != nil {
		observability.GetLogger().WithError(err).Fatal("Failed to load config")
	}
	observability.InitLogger(cfg.Logging.Level)
	logger := observability.Component("api-server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		logger.WithError(err).Error("Failed to start api")
		os.Exit(1)
	}

	logger.WithField("addr", cfg.HTTP.Addr).Info("API started")
	err = a.Serve(ctx,
		a.WatchKafka,
		func(ctx context.Context) error {
			return app.ServeHTTP(ctx, cfg.HTTP.Addr, a.Server(true).Routes(), cfg.Consumer.ShutdownTimeout)
		},
	)
	if err != nil {
		logger.WithError(err).Error("API stopped with error")
		os.Exit(1)
	}
}

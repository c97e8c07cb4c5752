package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"go-eventflow/internal/broker"
	"go-eventflow/internal/config"
	"go-eventflow/internal/observability"
	"go-eventflow/internal/processor"
	"go-eventflow/pkg/models"
)

func main() {
	subject := flag.String("subject", "", "event subject, e.g. events.tasks.created")
	data := flag.String("data", "", "JSON event data")
	replay := flag.String("replay", "", "path to a dead-letter record to republish")
	timeout := flag.Duration("timeout", 30*time.Second, "overall timeout")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		observability.GetLogger().WithError(err).Fatal("Failed to load config")
	}
	observability.InitLogger(cfg.Logging.Level)
	logger := observability.Component("publish")

	if *replay == "" && (*subject == "" || *data == "") {
		flag.Usage()
		os.Exit(2)
	}

	env, err := run(cfg, *subject, *data, *replay, *timeout)
	if err != nil {
		logger.WithError(err).Error("Publish failed")
		os.Exit(1)
	}

	logger.WithFields(logrus.Fields{
		"subject":    env.Subject,
		"message_id": env.MessageID,
	}).Info("Published")
}

func run(cfg *config.Config, subject, data, replay string, timeout time.Duration) (models.Envelope, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	mgr := broker.NewManager(broker.Config{
		URL:        cfg.Broker.URL,
		Name:       cfg.Broker.Name + "-cli",
		StreamName: cfg.Broker.StreamName,
		MaxRetries: cfg.Broker.PublishMaxRetries,
	})
	if err := mgr.Connect(ctx); err != nil {
		return models.Envelope{}, err
	}
	defer func() {
		if err := mgr.Shutdown(context.Background()); err != nil {
			observability.Component("publish").WithError(err).Warn("Failed to close broker connection")
		}
	}()

	if replay != "" {
		return replayFile(ctx, mgr, replay)
	}
	return mgr.Publish(ctx, models.Subject(subject), json.RawMessage(data))
}

func replayFile(ctx context.Context, publisher broker.Publisher, path string) (models.Envelope, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return models.Envelope{}, err
	}
	var record models.DeadLetter
	if err := json.Unmarshal(raw, &record); err != nil {
		return models.Envelope{}, err
	}
	return processor.Replay(ctx, publisher, record)
}

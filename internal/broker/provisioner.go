package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/sirupsen/logrus"

	"go-eventflow/config/stream"
	"go-eventflow/internal/observability"
	"go-eventflow/pkg/models"
)

// StreamConfig describes the durable event stream.
type StreamConfig struct {
	Name            string
	DuplicateWindow time.Duration
	MaxAge          time.Duration
}

// Provisioner makes sure the stream and durable consumers exist. It is safe
// to run from several instances at once.
type Provisioner struct {
	js     jetstream.JetStream
	logger *logrus.Entry
}

func NewProvisioner(js jetstream.JetStream) *Provisioner {
	return &Provisioner{
		js:     js,
		logger: observability.Component("provisioner"),
	}
}

// Ensure guarantees the stream and the consumer described by spec.
func (p *Provisioner) Ensure(ctx context.Context, sc StreamConfig, spec stream.ConsumerSpec) (jetstream.Consumer, error) {
	s, err := p.EnsureStream(ctx, sc)
	if err != nil {
		return nil, err
	}
	return p.EnsureConsumer(ctx, s, spec)
}

// EnsureStream looks the stream up, creates it when missing and tolerates a
// concurrent create. Any other lookup failure is returned.
func (p *Provisioner) EnsureStream(ctx context.Context, sc StreamConfig) (jetstream.Stream, error) {
	if sc.Name == "" {
		return nil, fmt.Errorf("stream name cannot be empty")
	}
	logger := p.logger.WithField("stream", sc.Name)

	s, err := p.js.Stream(ctx, sc.Name)
	if err == nil {
		logger.Debug("Stream exists")
		return s, nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return nil, fmt.Errorf("lookup stream %s: %w", sc.Name, err)
	}

	cfg := jetstream.StreamConfig{
		Name:       sc.Name,
		Subjects:   []string{models.SubjectWildcard},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		Duplicates: sc.DuplicateWindow,
		MaxAge:     sc.MaxAge,
	}
	s, err = p.js.CreateStream(ctx, cfg)
	switch {
	case err == nil:
		logger.Info("Stream created")
		return s, nil
	case errors.Is(err, jetstream.ErrStreamNameAlreadyInUse):
		logger.Info("Stream created concurrently, reusing it")
		return p.js.Stream(ctx, sc.Name)
	default:
		return nil, fmt.Errorf("create stream %s: %w", sc.Name, err)
	}
}

// EnsureConsumer does the same for a durable pull consumer.
func (p *Provisioner) EnsureConsumer(ctx context.Context, s jetstream.Stream, spec stream.ConsumerSpec) (jetstream.Consumer, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	logger := p.logger.WithField("consumer", spec.Name)

	c, err := s.Consumer(ctx, spec.Name)
	if err == nil {
		logger.Debug("Consumer exists")
		return c, nil
	}
	if !errors.Is(err, jetstream.ErrConsumerNotFound) {
		return nil, fmt.Errorf("lookup consumer %s: %w", spec.Name, err)
	}

	c, err = s.CreateConsumer(ctx, ConsumerConfig(spec))
	switch {
	case err == nil:
		logger.WithFields(logrus.Fields{
			"max_deliver": spec.MaxDeliver,
			"backoff":     spec.BackOff,
		}).Info("Consumer created")
		return c, nil
	case errors.Is(err, jetstream.ErrConsumerExists):
		logger.Info("Consumer created concurrently, reusing it")
		return s.Consumer(ctx, spec.Name)
	default:
		return nil, fmt.Errorf("create consumer %s: %w", spec.Name, err)
	}
}

// ConsumerConfig maps a consumer profile onto the broker's consumer settings.
func ConsumerConfig(spec stream.ConsumerSpec) jetstream.ConsumerConfig {
	return jetstream.ConsumerConfig{
		Durable:        spec.Name,
		Description:    spec.Description,
		AckPolicy:      jetstream.AckExplicitPolicy,
		DeliverPolicy:  jetstream.DeliverAllPolicy,
		ReplayPolicy:   jetstream.ReplayInstantPolicy,
		MaxDeliver:     spec.MaxDeliver,
		BackOff:        spec.BackOff,
		FilterSubjects: spec.FilterSubjects,
	}
}

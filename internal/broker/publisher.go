package broker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/sirupsen/logrus"

	"go-eventflow/pkg/models"
)

// Publisher publishes envelopes onto the event stream.
type Publisher interface {
	Publish(ctx context.Context, subject models.Subject, payload any) (models.Envelope, error)
	PublishEnvelope(ctx context.Context, env models.Envelope) error
}

var _ Publisher = (*Manager)(nil)

// Publish wraps payload in a fresh envelope and sends it. It never buffers:
// without a connection it fails with ErrNotConnected.
func (m *Manager) Publish(ctx context.Context, subject models.Subject, payload any) (models.Envelope, error) {
	if !subject.Known() {
		return models.Envelope{}, fmt.Errorf("%w: %s", ErrUnknownSubject, subject)
	}
	if _, err := m.JetStream(); err != nil {
		return models.Envelope{}, err
	}

	env, err := models.NewEnvelope(subject, payload)
	if err != nil {
		return models.Envelope{}, fmt.Errorf("build envelope: %w", err)
	}
	if err := m.PublishEnvelope(ctx, env); err != nil {
		return models.Envelope{}, err
	}
	return env, nil
}

// PublishEnvelope sends env as-is. The envelope id doubles as the broker
// dedupe id, so a re-send inside the duplicate window is dropped.
func (m *Manager) PublishEnvelope(ctx context.Context, env models.Envelope) error {
	js, err := m.JetStream()
	if err != nil {
		return err
	}
	if env.MessageID == "" {
		return fmt.Errorf("envelope for %s has no message id", env.Subject)
	}

	data, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	msg := nats.NewMsg(string(env.Subject))
	msg.Data = data

	logger := m.logger.WithFields(logrus.Fields{
		"subject":    env.Subject,
		"message_id": env.MessageID,
	})

	var lastErr error
	for attempt := 0; attempt <= m.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := time.Duration(math.Min(
				float64(m.cfg.BaseBackoff)*math.Pow(2, float64(attempt-1)),
				float64(5*time.Second),
			))
			logger.WithField("attempt", attempt).WithField("backoff", wait).Info("Retrying publish")

			select {
			case <-ctx.Done():
				m.metrics.IncPublishFailed()
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		ack, err := js.PublishMsg(ctx, msg,
			jetstream.WithMsgID(env.MessageID),
			jetstream.WithExpectStream(m.cfg.StreamName),
		)
		if err == nil {
			m.metrics.IncPublished()
			if ack.Duplicate {
				logger.WithField("seq", ack.Sequence).Info("Duplicate publish ignored by stream")
			} else {
				logger.WithField("seq", ack.Sequence).Debug("Event published")
			}
			return nil
		}

		lastErr = err
		if !retryablePublishError(err) {
			break
		}
		logger.WithError(err).WithField("attempt", attempt+1).Warn("Failed to publish event")
	}

	m.metrics.IncPublishFailed()
	return fmt.Errorf("publish %s: %w", env.Subject, lastErr)
}

// Server-side rejections such as an expected-stream mismatch fail fast.
func retryablePublishError(err error) bool {
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, nats.ErrTimeout) ||
		errors.Is(err, nats.ErrNoResponders) ||
		errors.Is(err, jetstream.ErrNoStreamResponse) ||
		errors.Is(err, nats.ErrConnectionReconnecting)
}

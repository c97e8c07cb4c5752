package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"go-eventflow/internal/broker"
	"go-eventflow/internal/observability"
	"go-eventflow/pkg/models"
)

// DeadLetterSink stores records of messages the processor gave up on.
type DeadLetterSink interface {
	Write(ctx context.Context, record models.DeadLetter) error
}

// LogSink writes dead letters to the structured log. It never fails and is
// the fallback when the configured sink is unavailable.
type LogSink struct {
	logger *logrus.Entry
}

func NewLogSink() *LogSink {
	return &LogSink{logger: observability.Component("dead-letter")}
}

func (s *LogSink) Write(_ context.Context, r models.DeadLetter) error {
	s.logger.WithFields(logrus.Fields{
		"subject":        r.Subject,
		"message_id":     r.MessageID,
		"error_type":     r.ErrorType,
		"error":          r.ErrorMessage,
		"delivery_count": r.DeliveryCount,
		"consumer":       r.Consumer,
		"payload":        string(r.Payload),
		"failed_at":      r.FailedAt,
	}).Error("Message dead-lettered")
	return nil
}

// MemorySink keeps dead letters in memory.
type MemorySink struct {
	mu      sync.RWMutex
	records []models.DeadLetter
	Err     error
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Write(_ context.Context, r models.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.records = append(s.records, r)
	return nil
}

func (s *MemorySink) Records() []models.DeadLetter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.DeadLetter, len(s.records))
	copy(out, s.records)
	return out
}

// Replay republishes a dead-lettered message under a fresh id. Records that
// hold a full envelope keep its subject and data; anything else is sent as
// the record's raw payload.
func Replay(ctx context.Context, publisher broker.Publisher, record models.DeadLetter) (models.Envelope, error) {
	subject, data := record.Subject, record.Payload
	if env, err := models.UnmarshalEnvelope(record.Payload); err == nil {
		subject, data = env.Subject, env.Data
	}
	if !subject.Known() {
		return models.Envelope{}, fmt.Errorf("%w: %s", broker.ErrUnknownSubject, subject)
	}
	if len(data) == 0 {
		return models.Envelope{}, errors.New("dead letter has no payload")
	}
	return publisher.Publish(ctx, subject, data)
}

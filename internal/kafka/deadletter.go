package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go-eventflow/internal/processor"
	"go-eventflow/pkg/models"
)

// Dead-letter record headers, readable without decoding the body.
const (
	HeaderSubject       = "subject"
	HeaderErrorType     = "error-type"
	HeaderDeliveryCount = "delivery-count"
	HeaderFailedAt      = "failed-at"
)

// DeadLetterSink appends dead-letter records to a Kafka topic keyed by
// message id.
type DeadLetterSink struct {
	producer ProducerClient
	topic    string
}

var _ processor.DeadLetterSink = (*DeadLetterSink)(nil)

func NewDeadLetterSink(producer ProducerClient, topic string) *DeadLetterSink {
	return &DeadLetterSink{producer: producer, topic: topic}
}

func (s *DeadLetterSink) Write(ctx context.Context, record models.DeadLetter) error {
	value, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	headers := map[string]string{
		models.HeaderMessageID: record.MessageID,
		HeaderSubject:          string(record.Subject),
		HeaderErrorType:        record.ErrorType,
		HeaderDeliveryCount:    strconv.Itoa(record.DeliveryCount),
		HeaderFailedAt:         record.FailedAt.Format(time.RFC3339),
	}
	if err := s.producer.Publish(ctx, s.topic, record.MessageID, value, headers); err != nil {
		return fmt.Errorf("write dead letter to %s: %w", s.topic, err)
	}
	return nil
}

package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go-eventflow/pkg/models"
)

// MockPublisher is a mock implementation of Publisher for testing.
type MockPublisher struct {
	mu                sync.RWMutex
	PublishedMessages []models.Envelope
	PublishFunc       func(ctx context.Context, env models.Envelope) error
	FailCount         int
	failureCounter    int
}

func NewMockPublisher() *MockPublisher {
	return &MockPublisher{
		PublishedMessages: make([]models.Envelope, 0),
	}
}

func (m *MockPublisher) Publish(ctx context.Context, subject models.Subject, payload any) (models.Envelope, error) {
	if !subject.Known() {
		return models.Envelope{}, fmt.Errorf("%w: %s", ErrUnknownSubject, subject)
	}
	env, err := models.NewEnvelope(subject, payload)
	if err != nil {
		return models.Envelope{}, err
	}
	if err := m.PublishEnvelope(ctx, env); err != nil {
		return models.Envelope{}, err
	}
	return env, nil
}

func (m *MockPublisher) PublishEnvelope(ctx context.Context, env models.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PublishFunc != nil {
		if err := m.PublishFunc(ctx, env); err != nil {
			return err
		}
	}

	// Simulate failures for testing retry logic
	if m.FailCount > 0 {
		m.failureCounter++
		if m.failureCounter <= m.FailCount {
			return fmt.Errorf("simulated publish failure %d", m.failureCounter)
		}
	}

	m.PublishedMessages = append(m.PublishedMessages, env)
	return nil
}

func (m *MockPublisher) GetPublishedMessages() []models.Envelope {
	m.mu.RLock()
	defer m.mu.RUnlock()

	messages := make([]models.Envelope, len(m.PublishedMessages))
	copy(messages, m.PublishedMessages)
	return messages
}

// PublishedOn returns the envelopes published on subject.
func (m *MockPublisher) PublishedOn(subject models.Subject) []models.Envelope {
	var out []models.Envelope
	for _, env := range m.GetPublishedMessages() {
		if env.Subject == subject {
			out = append(out, env)
		}
	}
	return out
}

func (m *MockPublisher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.PublishedMessages = make([]models.Envelope, 0)
	m.failureCounter = 0
}

// MockDelivery is an in-memory Delivery that records how it was settled.
type MockDelivery struct {
	mu sync.Mutex

	SubjectValue string
	Payload      []byte
	HeaderValues map[string][]string
	Count        int
	AckErr       error

	Acked       bool
	Naked       bool
	NakDelay    time.Duration
	Heartbeats  int
	Settlements int
}

// NewMockDelivery wraps env with the dedupe header set, as the publisher sends it.
func NewMockDelivery(env models.Envelope, deliveryCount int) *MockDelivery {
	data, _ := json.Marshal(env)
	return &MockDelivery{
		SubjectValue: string(env.Subject),
		Payload:      data,
		HeaderValues: map[string][]string{
			models.HeaderMessageID: {env.MessageID},
		},
		Count: deliveryCount,
	}
}

func (d *MockDelivery) Subject() string              { return d.SubjectValue }
func (d *MockDelivery) Data() []byte                 { return d.Payload }
func (d *MockDelivery) Headers() map[string][]string { return d.HeaderValues }
func (d *MockDelivery) DeliveryCount() int           { return d.Count }

func (d *MockDelivery) Ack() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.AckErr != nil {
		return d.AckErr
	}
	d.Acked = true
	d.Settlements++
	return nil
}

func (d *MockDelivery) Nak() error {
	return d.NakWithDelay(0)
}

func (d *MockDelivery) NakWithDelay(delay time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.AckErr != nil {
		return d.AckErr
	}
	d.Naked = true
	d.NakDelay = delay
	d.Settlements++
	return nil
}

func (d *MockDelivery) InProgress() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Heartbeats++
	return nil
}

// HeartbeatCount returns the number of InProgress calls so far.
func (d *MockDelivery) HeartbeatCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Heartbeats
}

package kafka

import (
	"context"
	"fmt"
	"sync"

	kafka "github.com/segmentio/kafka-go"
)

// MockProducer is a mock implementation of ProducerClient for testing
type MockProducer struct {
	mu                sync.RWMutex
	PublishedMessages []PublishedMessage
	PublishFunc       func(ctx context.Context, topic, key string, value []byte, headers map[string]string) error
	CloseFunc         func() error
	FailCount         int
	failureCounter    int
}

type PublishedMessage struct {
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
}

func NewMockProducer() *MockProducer {
	return &MockProducer{
		PublishedMessages: make([]PublishedMessage, 0),
	}
}

func (m *MockProducer) Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PublishFunc != nil {
		return m.PublishFunc(ctx, topic, key, value, headers)
	}

	// Simulate failures for testing retry logic
	if m.FailCount > 0 {
		m.failureCounter++
		if m.failureCounter <= m.FailCount {
			return fmt.Errorf("simulated publish failure %d", m.failureCounter)
		}
	}

	m.PublishedMessages = append(m.PublishedMessages, PublishedMessage{
		Topic:   topic,
		Key:     key,
		Value:   value,
		Headers: headers,
	})

	return nil
}

func (m *MockProducer) Close() error {
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

func (m *MockProducer) GetPublishedMessages() []PublishedMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()

	messages := make([]PublishedMessage, len(m.PublishedMessages))
	copy(messages, m.PublishedMessages)
	return messages
}

func (m *MockProducer) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.PublishedMessages = make([]PublishedMessage, 0)
	m.failureCounter = 0
}

// MockWriter is a MessageWriter that fails the first FailCount writes.
type MockWriter struct {
	mu        sync.Mutex
	Written   []kafka.Message
	FailCount int
	Err       error
	calls     int
}

func (w *MockWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.calls++
	if w.calls <= w.FailCount {
		if w.Err != nil {
			return w.Err
		}
		return fmt.Errorf("simulated write failure %d", w.calls)
	}
	w.Written = append(w.Written, msgs...)
	return nil
}

func (w *MockWriter) Close() error { return nil }

func (w *MockWriter) Calls() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls
}

// MockReader serves queued messages and records commits. Once the queue is
// empty FetchMessage blocks until ctx is done.
type MockReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []kafka.Message
	CommitErr error
	// FetchErr is returned once, when the queue runs empty.
	FetchErr  error
	fetchErrs int
	closed    bool
}

func NewMockReader(msgs ...kafka.Message) *MockReader {
	return &MockReader{queue: msgs}
}

// Feed appends messages to the queue.
func (r *MockReader) Feed(msgs ...kafka.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queue = append(r.queue, msgs...)
}

// FeedFrom moves everything the producer wrote into the queue.
func (r *MockReader) FeedFrom(p *MockProducer) {
	for i, m := range p.GetPublishedMessages() {
		r.Feed(kafka.Message{Topic: m.Topic, Key: []byte(m.Key), Value: m.Value, Offset: int64(i)})
	}
}

func (r *MockReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.queue) > 0 {
		msg := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return msg, nil
	}
	if err := r.FetchErr; err != nil {
		r.FetchErr = nil
		r.fetchErrs++
		r.mu.Unlock()
		return kafka.Message{}, err
	}
	r.mu.Unlock()

	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *MockReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.CommitErr != nil {
		return r.CommitErr
	}
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *MockReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// FetchErrors counts how often FetchErr was served.
func (r *MockReader) FetchErrors() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fetchErrs
}

func (r *MockReader) Committed() []kafka.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]kafka.Message, len(r.committed))
	copy(out, r.committed)
	return out
}

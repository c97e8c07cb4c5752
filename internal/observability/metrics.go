package observability

import (
	"sync"
	"sync/atomic"
	"time"
)

// MetricsCollector provides hooks for metrics collection.
type MetricsCollector interface {
	IncPublished()
	IncPublishFailed()
	IncReceived()
	IncProcessed()
	IncFailed(errorType string)
	IncRetried()
	IncSentToDLQ()
	IncDeferred()
	IncSkipped()
	ObserveHandlerDuration(subject string, d time.Duration)
}

// InMemoryMetrics is a simple in-memory implementation for tests and local runs.
type InMemoryMetrics struct {
	Published     atomic.Int64
	PublishFailed atomic.Int64
	Received      atomic.Int64
	Processed     atomic.Int64
	Failed        atomic.Int64
	Retried       atomic.Int64
	SentToDLQ     atomic.Int64
	Deferred      atomic.Int64
	Skipped       atomic.Int64

	mu             sync.Mutex
	failedByType   map[string]int64
	handlerLatency map[string]time.Duration
}

func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{
		failedByType:   make(map[string]int64),
		handlerLatency: make(map[string]time.Duration),
	}
}

func (m *InMemoryMetrics) IncPublished() {
	m.Published.Add(1)
}

func (m *InMemoryMetrics) IncPublishFailed() {
	m.PublishFailed.Add(1)
}

func (m *InMemoryMetrics) IncReceived() {
	m.Received.Add(1)
}

func (m *InMemoryMetrics) IncProcessed() {
	m.Processed.Add(1)
}

func (m *InMemoryMetrics) IncFailed(errorType string) {
	m.Failed.Add(1)
	m.mu.Lock()
	m.failedByType[errorType]++
	m.mu.Unlock()
}

func (m *InMemoryMetrics) IncRetried() {
	m.Retried.Add(1)
}

func (m *InMemoryMetrics) IncSentToDLQ() {
	m.SentToDLQ.Add(1)
}

func (m *InMemoryMetrics) IncDeferred() {
	m.Deferred.Add(1)
}

func (m *InMemoryMetrics) IncSkipped() {
	m.Skipped.Add(1)
}

func (m *InMemoryMetrics) ObserveHandlerDuration(subject string, d time.Duration) {
	m.mu.Lock()
	m.handlerLatency[subject] += d
	m.mu.Unlock()
}

func (m *InMemoryMetrics) GetPublished() int64 {
	return m.Published.Load()
}

func (m *InMemoryMetrics) GetPublishFailed() int64 {
	return m.PublishFailed.Load()
}

func (m *InMemoryMetrics) GetReceived() int64 {
	return m.Received.Load()
}

func (m *InMemoryMetrics) GetProcessed() int64 {
	return m.Processed.Load()
}

func (m *InMemoryMetrics) GetFailed() int64 {
	return m.Failed.Load()
}

// GetFailedByType returns the failure count for one error type.
func (m *InMemoryMetrics) GetFailedByType(errorType string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failedByType[errorType]
}

func (m *InMemoryMetrics) GetRetried() int64 {
	return m.Retried.Load()
}

func (m *InMemoryMetrics) GetSentToDLQ() int64 {
	return m.SentToDLQ.Load()
}

func (m *InMemoryMetrics) GetDeferred() int64 {
	return m.Deferred.Load()
}

func (m *InMemoryMetrics) GetSkipped() int64 {
	return m.Skipped.Load()
}

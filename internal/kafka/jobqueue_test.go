package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	kafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-eventflow/internal/observability"
	"go-eventflow/internal/processor"
	"go-eventflow/pkg/models"
)

type importRow struct {
	Title string `json:"title"`
}

func newTestQueue(reader *MockReader, producer *MockProducer, sink processor.DeadLetterSink, metrics observability.MetricsCollector) *JobQueue {
	return NewJobQueue(JobQueueConfig{
		Topic:        "jobs",
		GroupID:      "jobs-workers",
		BatchSize:    10,
		BatchTimeout: 50 * time.Millisecond,
		Reader:       reader,
		DeadLetters:  sink,
		Metrics:      metrics,
	}, producer)
}

// runUntil processes until cond holds, then cancels the queue.
func runUntil(t *testing.T, q *JobQueue, handler BatchHandler, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Process(ctx, handler) }()

	assert.Eventually(t, cond, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("job queue did not stop")
	}
}

func TestJobQueue_AddJobs(t *testing.T) {
	producer := NewMockProducer()
	q := newTestQueue(NewMockReader(), producer, processor.NewMemorySink(), nil)

	jobs, err := q.AddJobs(context.Background(), "tasks.import", []any{importRow{"a"}, importRow{"b"}})
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	published := producer.GetPublishedMessages()
	require.Len(t, published, 2)
	assert.Equal(t, "jobs", published[0].Topic)
	assert.Equal(t, jobs[0].ID, published[0].Key)
	assert.Equal(t, "tasks.import", published[0].Headers["job-type"])

	var job Job
	require.NoError(t, json.Unmarshal(published[1].Value, &job))
	assert.Equal(t, jobs[1].ID, job.ID)
	assert.JSONEq(t, `{"title":"b"}`, string(job.Payload))
}

func TestJobQueue_AddJobStopsOnPublishFailure(t *testing.T) {
	producer := NewMockProducer()
	producer.FailCount = 1
	q := newTestQueue(NewMockReader(), producer, processor.NewMemorySink(), nil)

	jobs, err := q.AddJobs(context.Background(), "tasks.import", []any{importRow{"a"}, importRow{"b"}})
	assert.Error(t, err)
	assert.Empty(t, jobs)
}

func TestJobQueue_ProcessCommitsBatchAndDeadLettersFailures(t *testing.T) {
	producer := NewMockProducer()
	reader := NewMockReader()
	sink := processor.NewMemorySink()
	metrics := observability.NewInMemoryMetrics()
	q := newTestQueue(reader, producer, sink, metrics)

	jobs, err := q.AddJobs(context.Background(), "tasks.import", []any{importRow{"ok"}, importRow{"bad"}, importRow{"ok2"}})
	require.NoError(t, err)
	reader.FeedFrom(producer)
	reader.Feed(kafka.Message{Key: []byte("junk"), Value: []byte("not json"), Offset: 99})

	var mu sync.Mutex
	var seen []string
	handler := func(_ context.Context, batch []Job) []JobResult {
		mu.Lock()
		defer mu.Unlock()
		results := make([]JobResult, 0, len(batch))
		for _, job := range batch {
			seen = append(seen, job.ID)
			var row importRow
			_ = json.Unmarshal(job.Payload, &row)
			var err error
			if row.Title == "bad" {
				err = errors.New("title is required")
			}
			results = append(results, JobResult{JobID: job.ID, Err: err})
		}
		return results
	}

	runUntil(t, q, handler, func() bool { return len(reader.Committed()) == 4 })

	mu.Lock()
	assert.Equal(t, []string{jobs[0].ID, jobs[1].ID, jobs[2].ID}, seen)
	mu.Unlock()

	records := sink.Records()
	require.Len(t, records, 2)
	byID := map[string]models.DeadLetter{}
	for _, r := range records {
		byID[r.MessageID] = r
	}
	assert.Equal(t, string(processor.ErrorPoison), byID["junk"].ErrorType)
	assert.JSONEq(t, `"not json"`, string(byID["junk"].Payload))
	assert.Equal(t, string(processor.ErrorBusinessLogic), byID[jobs[1].ID].ErrorType)
	assert.Equal(t, "tasks.import", byID[jobs[1].ID].Metadata["job_type"])

	assert.Equal(t, int64(2), metrics.GetProcessed())
	assert.Equal(t, int64(2), metrics.GetSentToDLQ())
	assert.Equal(t, int64(4), metrics.GetReceived())
}

func TestJobQueue_FetchErrorKeepsFetchedJobs(t *testing.T) {
	producer := NewMockProducer()
	reader := NewMockReader()
	metrics := observability.NewInMemoryMetrics()
	q := newTestQueue(reader, producer, processor.NewMemorySink(), metrics)
	q.fetchBackoff = 20 * time.Millisecond

	jobs, err := q.AddJobs(context.Background(), "tasks.import", []any{importRow{"a"}, importRow{"b"}})
	require.NoError(t, err)
	reader.FeedFrom(producer)
	reader.FetchErr = errors.New("broker connection reset")

	var mu sync.Mutex
	var seen []string
	handler := func(_ context.Context, batch []Job) []JobResult {
		mu.Lock()
		defer mu.Unlock()
		results := make([]JobResult, 0, len(batch))
		for _, job := range batch {
			seen = append(seen, job.ID)
			results = append(results, JobResult{JobID: job.ID})
		}
		return results
	}

	runUntil(t, q, handler, func() bool { return len(reader.Committed()) == 2 })

	mu.Lock()
	assert.Equal(t, []string{jobs[0].ID, jobs[1].ID}, seen)
	mu.Unlock()
	assert.Equal(t, 1, reader.FetchErrors())
	assert.Equal(t, int64(2), metrics.GetProcessed())
}

func TestJobQueue_FetchErrorBacksOff(t *testing.T) {
	reader := NewMockReader()
	reader.FetchErr = errors.New("broker connection reset")
	q := newTestQueue(reader, NewMockProducer(), processor.NewMemorySink(), nil)
	q.fetchBackoff = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Process(ctx, func(context.Context, []Job) []JobResult { return nil }) }()

	require.Eventually(t, func() bool { return reader.FetchErrors() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("job queue did not stop during backoff")
	}
}

func TestJobQueue_MissingResultAndPanic(t *testing.T) {
	producer := NewMockProducer()
	reader := NewMockReader()
	sink := processor.NewMemorySink()
	q := newTestQueue(reader, producer, sink, nil)

	_, err := q.AddJob(context.Background(), "noop", importRow{"a"})
	require.NoError(t, err)
	reader.FeedFrom(producer)

	runUntil(t, q, func(context.Context, []Job) []JobResult { return nil }, func() bool {
		return len(reader.Committed()) == 1
	})
	require.Len(t, sink.Records(), 1)
	assert.Equal(t, string(processor.ErrorSystem), sink.Records()[0].ErrorType)

	reader.Feed(reader.Committed()[0])
	runUntil(t, q, func(context.Context, []Job) []JobResult { panic("boom") }, func() bool {
		return len(reader.Committed()) == 2
	})
	require.Len(t, sink.Records(), 2)
	assert.Contains(t, sink.Records()[1].ErrorMessage, "panicked")
}

func TestJobQueue_ProcessWithoutReader(t *testing.T) {
	q := NewJobQueue(JobQueueConfig{Topic: "jobs"}, NewMockProducer())
	assert.Error(t, q.Process(context.Background(), nil))
	assert.NoError(t, q.Close())
}

func TestDeadLetterSink_Write(t *testing.T) {
	producer := NewMockProducer()
	sink := NewDeadLetterSink(producer, "events-dlq")

	record := models.DeadLetter{
		Subject:       models.SubjectTaskUpdated,
		MessageID:     "m1",
		Payload:       json.RawMessage(`{"subject":"events.tasks.updated"}`),
		ErrorType:     "POISON",
		ErrorMessage:  "decode envelope",
		DeliveryCount: 1,
		FailedAt:      time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, sink.Write(context.Background(), record))

	published := producer.GetPublishedMessages()
	require.Len(t, published, 1)
	assert.Equal(t, "events-dlq", published[0].Topic)
	assert.Equal(t, "m1", published[0].Key)
	assert.Equal(t, "m1", published[0].Headers[models.HeaderMessageID])
	assert.Equal(t, "POISON", published[0].Headers[HeaderErrorType])
	assert.Equal(t, "1", published[0].Headers[HeaderDeliveryCount])

	var decoded models.DeadLetter
	require.NoError(t, json.Unmarshal(published[0].Value, &decoded))
	assert.Equal(t, record.Subject, decoded.Subject)
	assert.JSONEq(t, string(record.Payload), string(decoded.Payload))

	producer.FailCount = 1
	producer.Reset()
	assert.Error(t, sink.Write(context.Background(), record))
}

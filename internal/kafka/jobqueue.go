package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	kafka "github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"go-eventflow/internal/observability"
	"go-eventflow/internal/processor"
	"go-eventflow/pkg/models"
)

// Job is one unit of background work carried on the jobs topic.
type Job struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

// JobResult reports the outcome of one job. A nil Err is success.
type JobResult struct {
	JobID string
	Err   error
}

// BatchHandler runs a batch of jobs and returns one result per job.
type BatchHandler func(ctx context.Context, jobs []Job) []JobResult

// MessageReader is the part of kafka.Reader the job queue drives.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type JobQueueConfig struct {
	Brokers      []string
	Topic        string
	GroupID      string
	BatchSize    int
	BatchTimeout time.Duration
	Reader       MessageReader
	DeadLetters  processor.DeadLetterSink
	Metrics      observability.MetricsCollector
}

// JobQueue is an at-least-once batch queue: a batch is committed only after
// the handler ran and every failed job was dead-lettered.
type JobQueue struct {
	producer     ProducerClient
	reader       MessageReader
	topic        string
	group        string
	batchSize    int
	batchTimeout time.Duration
	// fetchBackoff is the pause after a failed fetch.
	fetchBackoff time.Duration
	deadLetters  processor.DeadLetterSink
	metrics      observability.MetricsCollector
	logger       *logrus.Entry
}

func NewJobQueue(cfg JobQueueConfig, producer ProducerClient) *JobQueue {
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewInMemoryMetrics()
	}
	if cfg.DeadLetters == nil {
		cfg.DeadLetters = processor.NewLogSink()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = time.Second
	}

	reader := cfg.Reader
	if reader == nil && cfg.GroupID != "" {
		reader = kafka.NewReader(kafka.ReaderConfig{
			Brokers:        cfg.Brokers,
			Topic:          cfg.Topic,
			GroupID:        cfg.GroupID,
			CommitInterval: 0, // Manual commits
			StartOffset:    kafka.FirstOffset,
		})
	}

	return &JobQueue{
		producer:     producer,
		reader:       reader,
		topic:        cfg.Topic,
		group:        cfg.GroupID,
		batchSize:    cfg.BatchSize,
		batchTimeout: cfg.BatchTimeout,
		fetchBackoff: time.Second,
		deadLetters:  cfg.DeadLetters,
		metrics:      cfg.Metrics,
		logger:       observability.Component("job-queue").WithField("topic", cfg.Topic),
	}
}

// AddJob enqueues one job of jobType.
func (q *JobQueue) AddJob(ctx context.Context, jobType string, payload any) (Job, error) {
	job, err := newJob(jobType, payload)
	if err != nil {
		return Job{}, err
	}
	if err := q.enqueue(ctx, job); err != nil {
		return Job{}, err
	}
	return job, nil
}

// AddJobs enqueues one job per payload, stopping at the first failure.
func (q *JobQueue) AddJobs(ctx context.Context, jobType string, payloads []any) ([]Job, error) {
	jobs := make([]Job, 0, len(payloads))
	for _, payload := range payloads {
		job, err := q.AddJob(ctx, jobType, payload)
		if err != nil {
			return jobs, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func newJob(jobType string, payload any) (Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("marshal %s job: %w", jobType, err)
	}
	return Job{
		ID:        models.NewMessageID(),
		Type:      jobType,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (q *JobQueue) enqueue(ctx context.Context, job Job) error {
	value, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	headers := map[string]string{
		models.HeaderMessageID: job.ID,
		"job-type":             job.Type,
	}
	if err := q.producer.Publish(ctx, q.topic, job.ID, value, headers); err != nil {
		return fmt.Errorf("enqueue %s job: %w", job.Type, err)
	}
	return nil
}

// Process pulls batches until ctx is done. Uncommitted messages of an
// interrupted batch are redelivered to the group.
func (q *JobQueue) Process(ctx context.Context, handler BatchHandler) error {
	if q.reader == nil {
		return errors.New("job queue has no reader")
	}
	q.logger.WithField("group", q.group).Info("Starting job queue")

	for {
		msgs, err := q.fetchBatch(ctx)
		// Messages fetched before an error are already past the reader's
		// offset; handle them now instead of waiting for a rebalance.
		if len(msgs) > 0 {
			q.processBatch(ctx, msgs, handler)
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			q.logger.Info("Job queue stopping due to context cancellation")
			return nil
		}
		q.logger.WithError(err).WithField("backoff", q.fetchBackoff).Error("Failed to fetch jobs")
		select {
		case <-ctx.Done():
			q.logger.Info("Job queue stopping due to context cancellation")
			return nil
		case <-time.After(q.fetchBackoff):
		}
	}
}

// fetchBatch collects up to batchSize messages, or what arrived before the
// batch timeout.
func (q *JobQueue) fetchBatch(ctx context.Context) ([]kafka.Message, error) {
	bctx, cancel := context.WithTimeout(ctx, q.batchTimeout)
	defer cancel()

	msgs := make([]kafka.Message, 0, q.batchSize)
	for len(msgs) < q.batchSize {
		msg, err := q.reader.FetchMessage(bctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return msgs, nil
			}
			return msgs, err
		}
		q.metrics.IncReceived()
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (q *JobQueue) processBatch(ctx context.Context, msgs []kafka.Message, handler BatchHandler) {
	jobs := make([]Job, 0, len(msgs))
	byID := make(map[string]kafka.Message, len(msgs))
	for _, msg := range msgs {
		var job Job
		if err := json.Unmarshal(msg.Value, &job); err != nil || job.ID == "" {
			if err == nil {
				err = errors.New("job has no id")
			}
			q.deadLetter(ctx, msg, job, processor.Poison(fmt.Errorf("decode job: %w", err)))
			continue
		}
		jobs = append(jobs, job)
		byID[job.ID] = msg
	}

	if len(jobs) > 0 {
		results := q.run(ctx, jobs, handler)
		for _, job := range jobs {
			err, ok := results[job.ID]
			switch {
			case !ok:
				q.deadLetter(ctx, byID[job.ID], job, processor.System(errors.New("handler returned no result")))
			case err != nil:
				q.deadLetter(ctx, byID[job.ID], job, processor.Classify(err))
			default:
				q.metrics.IncProcessed()
			}
		}
	}

	// The commit must land even when shutdown began mid-batch.
	if err := q.reader.CommitMessages(context.WithoutCancel(ctx), msgs...); err != nil {
		q.logger.WithError(err).Error("Failed to commit job batch")
		return
	}
	q.logger.WithField("batch_size", len(msgs)).Debug("Job batch committed")
}

func (q *JobQueue) run(ctx context.Context, jobs []Job, handler BatchHandler) (results map[string]error) {
	results = make(map[string]error, len(jobs))
	defer func() {
		if r := recover(); r != nil {
			q.logger.WithField("panic", r).Error("Panic in job handler")
			for _, job := range jobs {
				results[job.ID] = processor.System(fmt.Errorf("job handler panicked: %v", r))
			}
		}
	}()
	for _, res := range handler(ctx, jobs) {
		results[res.JobID] = res.Err
	}
	return results
}

func (q *JobQueue) deadLetter(ctx context.Context, msg kafka.Message, job Job, perr *processor.ProcessingError) {
	q.metrics.IncFailed(string(perr.Type))
	q.metrics.IncSentToDLQ()

	messageID := job.ID
	if messageID == "" {
		messageID = string(msg.Key)
	}
	record := models.DeadLetter{
		Subject:       models.Subject(q.topic),
		MessageID:     messageID,
		Payload:       jobPayload(msg.Value),
		ErrorType:     string(perr.Type),
		ErrorMessage:  perr.Message,
		ErrorStack:    perr.Stack(),
		DeliveryCount: 1,
		Consumer:      q.group,
		Metadata: map[string]string{
			"job_type":  job.Type,
			"partition": fmt.Sprint(msg.Partition),
			"offset":    fmt.Sprint(msg.Offset),
		},
		FailedAt: time.Now().UTC(),
	}

	logger := q.logger.WithFields(logrus.Fields{
		"job_id":     messageID,
		"error_type": perr.Type,
		"error":      perr.Message,
	})
	logger.Warn("Job failed, dead-lettering")
	if err := q.deadLetters.Write(context.WithoutCancel(ctx), record); err != nil {
		logger.WithError(err).Error("Failed to write job dead letter")
	}
}

func jobPayload(value []byte) json.RawMessage {
	if json.Valid(value) {
		return value
	}
	quoted, _ := json.Marshal(string(value))
	return quoted
}

// Close releases the reader. The producer is owned by the caller.
func (q *JobQueue) Close() error {
	if q.reader == nil {
		return nil
	}
	if err := q.reader.Close(); err != nil {
		return fmt.Errorf("failed to close job reader: %w", err)
	}
	return nil
}

package ingest

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"go-eventflow/internal/broker"
	"go-eventflow/internal/kafka"
	"go-eventflow/internal/observability"
	"go-eventflow/internal/processor"
	"go-eventflow/internal/store"
	"go-eventflow/pkg/models"
)

// JobTypeImportTasks is the job-queue type handled by TaskImporter.
const JobTypeImportTasks = "tasks.import"

const defaultBatchSize = 100

var (
	ErrMissingColumn = errors.New("ingest: missing required column")
	ErrInvalidRow    = errors.New("ingest: invalid row")
)

var requiredColumns = []string{"folder_id", "title"}

// ImportJob is the job-queue payload of a CSV import.
type ImportJob struct {
	CSV   string       `json:"csv"`
	Actor models.Actor `json:"actor"`
}

type ImportResult struct {
	Imported  int `json:"imported"`
	Published int `json:"published"`
}

// TaskImporter inserts CSV rows as tasks in batches and announces every
// imported task that has an assignee.
type TaskImporter struct {
	store     store.Store
	publisher broker.Publisher
	batchSize int
	now       func() time.Time
	logger    *logrus.Entry
}

func NewTaskImporter(s store.Store, publisher broker.Publisher, batchSize int) *TaskImporter {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &TaskImporter{
		store:     s,
		publisher: publisher,
		batchSize: batchSize,
		now:       time.Now,
		logger:    observability.Component("ingest"),
	}
}

// Import reads a CSV with a header row. Batches flushed before a failing row
// stay imported.
func (i *TaskImporter) Import(ctx context.Context, r io.Reader, actor models.Actor) (ImportResult, error) {
	var result ImportResult
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return result, fmt.Errorf("read header: %w", err)
	}
	columns := make(map[string]int, len(header))
	for idx, name := range header {
		columns[strings.ToLower(strings.TrimSpace(name))] = idx
	}
	for _, name := range requiredColumns {
		if _, ok := columns[name]; !ok {
			return result, fmt.Errorf("%w: %s", ErrMissingColumn, name)
		}
	}

	acc := NewAccumulator[models.Task](i.batchSize, func(ctx context.Context, batch []models.Task) error {
		published, err := i.flush(ctx, batch, actor)
		result.Published += published
		return err
	})

	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return i.finish(acc, result), fmt.Errorf("line %d: %w", line, err)
		}
		task, err := i.taskFrom(record, columns, actor)
		if err != nil {
			return i.finish(acc, result), fmt.Errorf("line %d: %w", line, err)
		}
		if err := acc.Add(ctx, task); err != nil {
			return i.finish(acc, result), err
		}
	}
	if err := acc.Close(ctx); err != nil {
		return i.finish(acc, result), err
	}

	result = i.finish(acc, result)
	i.logger.WithFields(logrus.Fields{
		"imported":  result.Imported,
		"published": result.Published,
	}).Info("Task import finished")
	return result, nil
}

func (i *TaskImporter) finish(acc *Accumulator[models.Task], result ImportResult) ImportResult {
	result.Imported = acc.Flushed()
	return result
}

func (i *TaskImporter) taskFrom(record []string, columns map[string]int, actor models.Actor) (models.Task, error) {
	get := func(name string) string {
		idx, ok := columns[name]
		if !ok || idx >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[idx])
	}

	now := i.now().UTC()
	task := models.Task{
		ID:          get("id"),
		FolderID:    get("folder_id"),
		Title:       get("title"),
		Description: get("description"),
		Status:      models.TaskStatus(get("status")),
		CreatedBy:   actor.AccountID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = models.TaskStatusTodo
	}
	if task.FolderID == "" || task.Title == "" {
		return task, fmt.Errorf("%w: folder_id and title are required", ErrInvalidRow)
	}
	if id := get("assignee_id"); id != "" {
		task.Assignee = &models.AccountProjection{
			ID:    id,
			Name:  get("assignee_name"),
			Email: get("assignee_email"),
		}
	}
	if err := models.Validate(task); err != nil {
		return task, fmt.Errorf("%w: %v", ErrInvalidRow, err)
	}
	return task, nil
}

func (i *TaskImporter) flush(ctx context.Context, batch []models.Task, actor models.Actor) (int, error) {
	if err := i.store.Tasks().InsertMany(ctx, batch); err != nil {
		return 0, fmt.Errorf("insert %d tasks: %w", len(batch), err)
	}

	published := 0
	for _, task := range batch {
		if task.Assignee == nil {
			continue
		}
		_, err := i.publisher.Publish(ctx, models.SubjectTaskCreated, models.TaskEvent{
			Task:    task,
			Request: models.TaskRequest{AssigneeID: task.Assignee.ID},
			Actor:   actor,
		})
		if err != nil {
			return published, fmt.Errorf("announce task %s: %w", task.ID, err)
		}
		published++
	}
	i.logger.WithFields(logrus.Fields{"batch_size": len(batch), "published": published}).Debug("Task batch flushed")
	return published, nil
}

// HandleJobs runs queued imports; one result per job.
func (i *TaskImporter) HandleJobs(ctx context.Context, jobs []kafka.Job) []kafka.JobResult {
	results := make([]kafka.JobResult, 0, len(jobs))
	for _, job := range jobs {
		results = append(results, kafka.JobResult{JobID: job.ID, Err: i.handleJob(ctx, job)})
	}
	return results
}

func (i *TaskImporter) handleJob(ctx context.Context, job kafka.Job) error {
	if job.Type != JobTypeImportTasks {
		return processor.BusinessLogic(fmt.Errorf("unsupported job type %q", job.Type))
	}
	var payload ImportJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return processor.Poison(fmt.Errorf("decode import job: %w", err))
	}
	result, err := i.Import(ctx, strings.NewReader(payload.CSV), payload.Actor)
	if err != nil {
		return err
	}
	i.logger.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"imported": result.Imported,
	}).Info("Import job done")
	return nil
}

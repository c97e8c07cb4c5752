package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-eventflow/internal/broker"
	"go-eventflow/internal/ingest"
	"go-eventflow/internal/kafka"
	"go-eventflow/internal/observability"
	"go-eventflow/internal/store/memory"
	"go-eventflow/pkg/models"
)

type readiness bool

func (r readiness) Connected() bool { return bool(r) }

func do(t *testing.T, h http.Handler, method, path, contentType, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndReadiness(t *testing.T) {
	metrics := observability.NewPrometheusMetrics()
	metrics.IncPublished()

	ready := NewServer(Config{Readiness: readiness(true), Metrics: metrics.Handler()}).Routes()
	assert.Equal(t, http.StatusOK, do(t, ready, http.MethodGet, "/healthz", "", "").Code)
	assert.Equal(t, http.StatusOK, do(t, ready, http.MethodGet, "/readyz", "", "").Code)

	rec := do(t, ready, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "eventflow_messages_published_total 1")

	notReady := NewServer(Config{Readiness: readiness(false)}).Routes()
	assert.Equal(t, http.StatusServiceUnavailable, do(t, notReady, http.MethodGet, "/readyz", "", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, notReady, http.MethodGet, "/metrics", "", "").Code)
}

func TestPublishEvent(t *testing.T) {
	publisher := broker.NewMockPublisher()
	h := NewServer(Config{Publisher: publisher}).Routes()

	rec := do(t, h, http.MethodPost, "/internal/events", "application/json",
		`{"subject":"events.tasks.deleted","data":{"task":{"id":"t1"}}}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp publishResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	published := publisher.GetPublishedMessages()
	require.Len(t, published, 1)
	assert.Equal(t, published[0].MessageID, resp.MessageID)
	assert.JSONEq(t, `{"task":{"id":"t1"}}`, string(published[0].Data))

	rec = do(t, h, http.MethodPost, "/internal/events", "application/json", `{"subject":"events.unknown","data":{}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/internal/events", "application/json", `{"subject":"events.tasks.deleted"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/internal/events", "text/plain", `hello`)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestPublishEvent_NotConnected(t *testing.T) {
	publisher := broker.NewMockPublisher()
	publisher.PublishFunc = func(context.Context, models.Envelope) error { return broker.ErrNotConnected }
	h := NewServer(Config{Publisher: publisher}).Routes()

	rec := do(t, h, http.MethodPost, "/internal/events", "application/json", `{"subject":"events.tasks.deleted","data":{}}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "not connected")
}

func TestReplay(t *testing.T) {
	publisher := broker.NewMockPublisher()
	h := NewServer(Config{Publisher: publisher}).Routes()

	original, err := models.NewEnvelope(models.SubjectTaskUpdated, map[string]string{"k": "v"})
	require.NoError(t, err)
	body, err := original.Marshal()
	require.NoError(t, err)
	record, err := json.Marshal(models.DeadLetter{
		Subject:   original.Subject,
		MessageID: original.MessageID,
		Payload:   body,
		ErrorType: "TRANSIENT",
	})
	require.NoError(t, err)

	rec := do(t, h, http.MethodPost, "/internal/events/replay", "application/json", string(record))
	require.Equal(t, http.StatusAccepted, rec.Code)

	published := publisher.PublishedOn(models.SubjectTaskUpdated)
	require.Len(t, published, 1)
	assert.NotEqual(t, original.MessageID, published[0].MessageID)

	rec = do(t, h, http.MethodPost, "/internal/events/replay", "application/json", `{"subject":"events.tasks.updated"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

const importCSV = "folder_id,title,assignee_id\nf1,Write docs,u2\n"

func TestImportTasks_Inline(t *testing.T) {
	publisher := broker.NewMockPublisher()
	s := memory.New()
	h := NewServer(Config{
		Publisher: publisher,
		Importer:  ingest.NewTaskImporter(s, publisher, 10),
	}).Routes()

	rec := do(t, h, http.MethodPost, "/internal/jobs/import-tasks", "text/csv", importCSV)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/internal/jobs/import-tasks", "text/csv", importCSV, HeaderAccountID, "u1")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp importResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Result)
	assert.Equal(t, 1, resp.Result.Imported)
	assert.Len(t, publisher.PublishedOn(models.SubjectTaskCreated), 1)

	rec = do(t, h, http.MethodPost, "/internal/jobs/import-tasks", "text/csv", "title\nx\n", HeaderAccountID, "u1")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestImportTasks_Queued(t *testing.T) {
	producer := kafka.NewMockProducer()
	jobs := kafka.NewJobQueue(kafka.JobQueueConfig{Topic: "jobs"}, producer)
	h := NewServer(Config{Publisher: broker.NewMockPublisher(), Jobs: jobs}).Routes()

	rec := do(t, h, http.MethodPost, "/internal/jobs/import-tasks", "text/csv", importCSV, HeaderAccountID, "u1")
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp importResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.JobID)

	queued := producer.GetPublishedMessages()
	require.Len(t, queued, 1)
	var job kafka.Job
	require.NoError(t, json.Unmarshal(queued[0].Value, &job))
	assert.Equal(t, ingest.JobTypeImportTasks, job.Type)

	var payload ingest.ImportJob
	require.NoError(t, json.Unmarshal(job.Payload, &payload))
	assert.Equal(t, importCSV, payload.CSV)
	assert.Equal(t, "u1", payload.Actor.AccountID)
}

func TestRoutes_HealthOnlyWithoutPublisher(t *testing.T) {
	h := NewServer(Config{Readiness: readiness(true)}).Routes()

	rec := do(t, h, http.MethodPost, "/internal/events", "application/json", `{}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

package observability

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryMetrics(t *testing.T) {
	m := NewInMemoryMetrics()

	m.IncReceived()
	m.IncFailed("TRANSIENT")
	m.IncFailed("TRANSIENT")
	m.IncFailed("POISON")
	m.IncDeferred()
	m.ObserveHandlerDuration("events.tasks.created", time.Millisecond)

	assert.Equal(t, int64(1), m.GetReceived())
	assert.Equal(t, int64(3), m.GetFailed())
	assert.Equal(t, int64(2), m.GetFailedByType("TRANSIENT"))
	assert.Equal(t, int64(1), m.GetFailedByType("POISON"))
	assert.Equal(t, int64(1), m.GetDeferred())
}

func TestPrometheusMetrics_Handler(t *testing.T) {
	m := NewPrometheusMetrics()
	m.IncPublished()
	m.IncFailed("SYSTEM")
	m.ObserveHandlerDuration("events.sync_model", 20*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "eventflow_messages_published_total 1")
	assert.Contains(t, body, `eventflow_messages_failed_total{error_type="SYSTEM"} 1`)
	assert.Contains(t, body, "eventflow_handler_duration_seconds_bucket")
}

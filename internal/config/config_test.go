package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CONSUMER_PROFILE", "api")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "EVENTS", cfg.Broker.StreamName)
	assert.Equal(t, 2*time.Minute, cfg.Broker.DuplicateWindow)
	assert.Equal(t, 30*time.Second, cfg.Consumer.HandlerTimeout)
	assert.Equal(t, 24*time.Hour, cfg.Scheduler.InvitationWindow())
	assert.Greater(t, cfg.Broker.StreamMaxAge, cfg.Scheduler.MaxDelay)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)

	spec, err := cfg.ConsumerSpec()
	require.NoError(t, err)
	assert.Equal(t, "api-events", spec.Name)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("FETCH_BATCH", "25")
	t.Setenv("PROJECT_INVITATION_EXPIRED_MINUTE", "5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Len(t, cfg.Kafka.Brokers, 2)
	assert.Equal(t, 25, cfg.Consumer.FetchBatch)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.InvitationWindow())
}

func TestValidate(t *testing.T) {
	t.Setenv("CONSUMER_PROFILE", "nope")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("CONSUMER_PROFILE", "worker")
	t.Setenv("PROJECT_INVITATION_EXPIRED_MINUTE", "20000")
	t.Setenv("SCHEDULE_MAX_DELAY", "1h")
	_, err = Load()
	assert.ErrorContains(t, err, "SCHEDULE_MAX_DELAY")
}

func TestValidate_RetentionOutlivesScheduleBound(t *testing.T) {
	t.Setenv("STREAM_MAX_AGE", "1h")
	_, err := Load()
	assert.ErrorContains(t, err, "STREAM_MAX_AGE")

	t.Setenv("STREAM_MAX_AGE", "168h")
	t.Setenv("SCHEDULE_MAX_DELAY", "168h")
	_, err = Load()
	assert.ErrorContains(t, err, "STREAM_MAX_AGE")

	t.Setenv("SCHEDULE_MAX_DELAY", "72h")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 72*time.Hour, cfg.Scheduler.MaxDelay)

	t.Setenv("STREAM_MAX_AGE", "0s")
	t.Setenv("SCHEDULE_MAX_DELAY", "720h")
	_, err = Load()
	assert.NoError(t, err)
}

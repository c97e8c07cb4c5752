package app

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nats-io/nats-server/v2/server"
	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-eventflow/internal/broker"
	"go-eventflow/internal/config"
	"go-eventflow/pkg/models"
)

func runServer(t *testing.T) *server.Server {
	t.Helper()
	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	s := natsserver.RunServer(&opts)
	t.Cleanup(s.Shutdown)
	return s
}

func testConfig(url string) *config.Config {
	return &config.Config{
		Broker: config.BrokerConfig{
			URL:               url,
			Name:              "app-test",
			ConnectTimeout:    5 * time.Second,
			StreamName:        "EVENTS_APP",
			DuplicateWindow:   time.Minute,
			StreamMaxAge:      time.Hour,
			PublishMaxRetries: 1,
		},
		Consumer: config.ConsumerConfig{
			Profile:         "worker",
			FetchBatch:      5,
			FetchMaxWait:    100 * time.Millisecond,
			HandlerTimeout:  5 * time.Second,
			ShutdownTimeout: 200 * time.Millisecond,
			ProcessedTTL:    time.Hour,
		},
		Scheduler: config.SchedulerConfig{
			InvitationExpiredMinute: 10,
			MaxDelay:                30 * time.Minute,
		},
	}
}

func TestServe_ShutdownIsBoundedByTimeout(t *testing.T) {
	s := runServer(t)
	a, err := New(context.Background(), testConfig(s.ClientURL()))
	require.NoError(t, err)

	started := make(chan struct{})
	release := make(chan struct{})
	settled := make(chan error, 1)
	a.process = func(_ context.Context, d broker.Delivery) {
		close(started)
		<-release
		settled <- d.Ack()
	}

	_, err = a.Broker.Publish(context.Background(), models.SubjectTaskCreated, map[string]string{"id": "t1"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- a.Serve(ctx) }()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("message was not delivered")
	}

	cancel()
	begin := time.Now()
	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("shutdown waited for the running handler")
	}
	assert.Less(t, time.Since(begin), 2*time.Second)
	assert.True(t, a.Broker.Closed())
	assert.False(t, a.Broker.Connected())

	close(release)
	assert.ErrorIs(t, <-settled, broker.ErrConnectionClosed)
}

func TestServe_ReturnsTaskFailure(t *testing.T) {
	s := runServer(t)
	a, err := New(context.Background(), testConfig(s.ClientURL()))
	require.NoError(t, err)

	boom := assert.AnError
	err = a.Serve(context.Background(), func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.True(t, a.Broker.Closed())
}

func TestNew_DedupeBackend(t *testing.T) {
	s := runServer(t)
	cfg := testConfig(s.ClientURL())

	local, err := New(context.Background(), cfg)
	require.NoError(t, err)
	assert.NotNil(t, local.localDedupe)
	assert.Nil(t, local.redis)
	local.Shutdown(time.Second)

	mr := miniredis.RunT(t)
	cfg.Redis.URL = "redis://" + mr.Addr()
	shared, err := New(context.Background(), cfg)
	require.NoError(t, err)
	assert.Nil(t, shared.localDedupe)
	assert.NotNil(t, shared.redis)
	shared.Shutdown(time.Second)
}

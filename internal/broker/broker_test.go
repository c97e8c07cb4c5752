package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-eventflow/config/stream"
	"go-eventflow/internal/observability"
	"go-eventflow/pkg/models"
)

const testStream = "EVENTS_TEST"

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

func connect(t *testing.T, s *server.Server) *Manager {
	t.Helper()
	mgr := NewManager(Config{
		URL:            s.ClientURL(),
		ConnectTimeout: 5 * time.Second,
		StreamName:     testStream,
		MaxRetries:     1,
		BaseBackoff:    10 * time.Millisecond,
	})
	require.NoError(t, mgr.Connect(context.Background()))
	t.Cleanup(func() { _ = mgr.Shutdown(context.Background()) })
	return mgr
}

func provision(t *testing.T, mgr *Manager, spec stream.ConsumerSpec) jetstream.Consumer {
	t.Helper()
	js, err := mgr.JetStream()
	require.NoError(t, err)
	c, err := NewProvisioner(js).Ensure(context.Background(), StreamConfig{
		Name:            testStream,
		DuplicateWindow: time.Minute,
		MaxAge:          time.Hour,
	}, spec)
	require.NoError(t, err)
	return c
}

func streamMsgs(t *testing.T, mgr *Manager) uint64 {
	t.Helper()
	js, err := mgr.JetStream()
	require.NoError(t, err)
	s, err := js.Stream(context.Background(), testStream)
	require.NoError(t, err)
	info, err := s.Info(context.Background())
	require.NoError(t, err)
	return info.State.Msgs
}

func TestManager_NotConnected(t *testing.T) {
	mgr := NewManager(Config{URL: "nats://127.0.0.1:1", StreamName: testStream})

	assert.False(t, mgr.Connected())
	_, err := mgr.JetStream()
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = mgr.Publish(context.Background(), models.SubjectTaskCreated, map[string]string{"id": "t1"})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestManager_ConnectIsShared(t *testing.T) {
	s := runServer(t)
	mgr := NewManager(Config{URL: s.ClientURL(), StreamName: testStream})
	defer func() { _ = mgr.Shutdown(context.Background()) }()

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = mgr.Connect(context.Background())
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.True(t, mgr.Connected())
	assert.False(t, mgr.Closed())
}

func TestProvisioner_EnsureIsIdempotent(t *testing.T) {
	s := runServer(t)
	mgr := connect(t, s)

	first := provision(t, mgr, stream.WorkerConsumer)
	second := provision(t, mgr, stream.WorkerConsumer)

	assert.Equal(t, first.CachedInfo().Name, second.CachedInfo().Name)
	cfg := second.CachedInfo().Config
	assert.Equal(t, stream.WorkerConsumer.MaxDeliver, cfg.MaxDeliver)
	assert.Equal(t, stream.WorkerConsumer.BackOff, cfg.BackOff)
	assert.Equal(t, jetstream.AckExplicitPolicy, cfg.AckPolicy)

	js, err := mgr.JetStream()
	require.NoError(t, err)
	st, err := js.Stream(context.Background(), testStream)
	require.NoError(t, err)
	assert.Equal(t, []string{models.SubjectWildcard}, st.CachedInfo().Config.Subjects)
	assert.Equal(t, time.Minute, st.CachedInfo().Config.Duplicates)
}

func TestProvisioner_RejectsInvalidSpec(t *testing.T) {
	s := runServer(t)
	mgr := connect(t, s)
	js, err := mgr.JetStream()
	require.NoError(t, err)

	_, err = NewProvisioner(js).Ensure(context.Background(), StreamConfig{Name: testStream}, stream.ConsumerSpec{
		Name:       "bad",
		MaxDeliver: 2,
		BackOff:    []time.Duration{time.Second, time.Second},
	})
	assert.Error(t, err)
}

func TestPublish_DuplicateMessageIDIsDropped(t *testing.T) {
	s := runServer(t)
	mgr := connect(t, s)
	provision(t, mgr, stream.WorkerConsumer)

	env, err := models.NewEnvelope(models.SubjectTaskCreated, map[string]string{"id": "t1"})
	require.NoError(t, err)

	require.NoError(t, mgr.PublishEnvelope(context.Background(), env))
	require.NoError(t, mgr.PublishEnvelope(context.Background(), env))

	assert.Equal(t, uint64(1), streamMsgs(t, mgr))
}

func TestPublish_ExpectedStreamMismatchFails(t *testing.T) {
	s := runServer(t)
	mgr := connect(t, s)
	provision(t, mgr, stream.WorkerConsumer)

	other := NewManager(Config{URL: s.ClientURL(), StreamName: "OTHER", MaxRetries: 3})
	require.NoError(t, other.Connect(context.Background()))
	defer func() { _ = other.Shutdown(context.Background()) }()

	_, err := other.Publish(context.Background(), models.SubjectTaskCreated, map[string]string{"id": "t1"})
	assert.Error(t, err)
	assert.Equal(t, uint64(0), streamMsgs(t, mgr))
}

func TestPublish_UnknownSubject(t *testing.T) {
	s := runServer(t)
	mgr := connect(t, s)

	_, err := mgr.Publish(context.Background(), "events.unknown.thing", map[string]string{})
	assert.ErrorIs(t, err, ErrUnknownSubject)
}

func TestPullConsumer_DeliversInPublishOrder(t *testing.T) {
	s := runServer(t)
	mgr := connect(t, s)
	source := provision(t, mgr, stream.WorkerConsumer)

	var sent []string
	for i := 0; i < 5; i++ {
		env, err := mgr.Publish(context.Background(), models.SubjectTaskUpdated, map[string]int{"n": i})
		require.NoError(t, err)
		sent = append(sent, env.MessageID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := observability.NewInMemoryMetrics()
	consumer := NewPullConsumer(source, PullConfig{
		Name:    stream.WorkerConsumer.Name,
		Batch:   2,
		MaxWait: 200 * time.Millisecond,
		Closed:  mgr.Closed,
	}, metrics)

	var mu sync.Mutex
	var got []string
	done := make(chan error, 1)
	go func() {
		done <- consumer.Run(ctx, func(_ context.Context, d Delivery) {
			env, err := models.UnmarshalEnvelope(d.Data())
			assert.NoError(t, err)
			assert.Equal(t, 1, d.DeliveryCount())
			assert.NoError(t, d.Ack())

			mu.Lock()
			got = append(got, env.MessageID)
			if len(got) == len(sent) {
				cancel()
			}
			mu.Unlock()
		})
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("consumer did not finish")
	}

	assert.Equal(t, sent, got)
	assert.Equal(t, int64(len(sent)), metrics.GetReceived())
	assert.NoError(t, consumer.Wait(time.Second))
}

func TestPullConsumer_RejectsSecondRun(t *testing.T) {
	s := runServer(t)
	mgr := connect(t, s)
	source := provision(t, mgr, stream.APIConsumer)

	ctx, cancel := context.WithCancel(context.Background())
	consumer := NewPullConsumer(source, PullConfig{MaxWait: 100 * time.Millisecond}, nil)

	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx, func(context.Context, Delivery) {}) }()

	require.Eventually(t, consumer.running.Load, time.Second, 10*time.Millisecond)
	assert.Error(t, consumer.Run(ctx, func(context.Context, Delivery) {}))

	cancel()
	assert.NoError(t, <-done)
	assert.NoError(t, consumer.Wait(time.Second))
}

func TestDelivery_SettlementRefusedAfterShutdown(t *testing.T) {
	s := runServer(t)
	mgr := connect(t, s)
	source := provision(t, mgr, stream.APIConsumer)

	_, err := mgr.Publish(context.Background(), models.SubjectAccountUpdated, map[string]string{"id": "u1"})
	require.NoError(t, err)

	batch, err := source.Fetch(1, jetstream.FetchMaxWait(2*time.Second))
	require.NoError(t, err)
	msg, ok := <-batch.Messages()
	require.True(t, ok)

	d := newDelivery(msg, mgr.Closed)
	assert.Equal(t, string(models.SubjectAccountUpdated), d.Subject())

	require.NoError(t, mgr.Shutdown(context.Background()))

	assert.True(t, errors.Is(d.Ack(), ErrConnectionClosed))
	assert.True(t, errors.Is(d.Nak(), ErrConnectionClosed))
	assert.True(t, errors.Is(d.NakWithDelay(time.Second), ErrConnectionClosed))
	assert.True(t, errors.Is(d.InProgress(), ErrConnectionClosed))

	_, err = mgr.JetStream()
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestDelivery_NakWithDelayRedelivers(t *testing.T) {
	s := runServer(t)
	mgr := connect(t, s)
	source := provision(t, mgr, stream.APIConsumer)

	_, err := mgr.Publish(context.Background(), models.SubjectNotificationCreated, map[string]string{"id": "n1"})
	require.NoError(t, err)

	fetchOne := func() *jsDelivery {
		batch, err := source.Fetch(1, jetstream.FetchMaxWait(3*time.Second))
		require.NoError(t, err)
		msg, ok := <-batch.Messages()
		require.True(t, ok, "no message fetched")
		return newDelivery(msg, mgr.Closed)
	}

	first := fetchOne()
	assert.Equal(t, 1, first.DeliveryCount())
	require.NoError(t, first.NakWithDelay(300*time.Millisecond))

	second := fetchOne()
	assert.Equal(t, 2, second.DeliveryCount())
	assert.NoError(t, second.Ack())
}

func TestPullConsumer_CancelReleasesUnreadBatch(t *testing.T) {
	s := runServer(t)
	mgr := connect(t, s)
	source := provision(t, mgr, stream.APIConsumer)

	var sent []string
	for i := 0; i < 3; i++ {
		env, err := mgr.Publish(context.Background(), models.SubjectAccountUpdated, map[string]int{"n": i})
		require.NoError(t, err)
		sent = append(sent, env.MessageID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	consumer := NewPullConsumer(source, PullConfig{Batch: 3, MaxWait: time.Second, Closed: mgr.Closed}, nil)

	var handled []string
	err := consumer.Run(ctx, func(_ context.Context, d Delivery) {
		env, err := models.UnmarshalEnvelope(d.Data())
		assert.NoError(t, err)
		handled = append(handled, env.MessageID)
		assert.NoError(t, d.Ack())
		cancel()
	})
	require.NoError(t, err)
	require.Equal(t, sent[:1], handled)
	assert.NoError(t, consumer.Wait(time.Second))

	// Released messages may wait out the first backoff step.
	batch, err := source.Fetch(2, jetstream.FetchMaxWait(10*time.Second))
	require.NoError(t, err)
	var redelivered []string
	for msg := range batch.Messages() {
		d := newDelivery(msg, mgr.Closed)
		assert.Equal(t, 2, d.DeliveryCount())
		env, err := models.UnmarshalEnvelope(d.Data())
		require.NoError(t, err)
		redelivered = append(redelivered, env.MessageID)
		assert.NoError(t, d.Ack())
	}
	assert.Equal(t, sent[1:], redelivered)
}

func TestPullConsumer_WaitIsBoundedAndLateAckRefused(t *testing.T) {
	s := runServer(t)
	mgr := connect(t, s)
	source := provision(t, mgr, stream.APIConsumer)

	_, err := mgr.Publish(context.Background(), models.SubjectAccountUpdated, map[string]string{"id": "u1"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	consumer := NewPullConsumer(source, PullConfig{MaxWait: time.Second, Closed: mgr.Closed}, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	settled := make(chan error, 1)
	done := make(chan error, 1)
	go func() {
		done <- consumer.Run(ctx, func(_ context.Context, d Delivery) {
			close(started)
			<-release
			settled <- d.Ack()
		})
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("message was not delivered")
	}
	cancel()

	begin := time.Now()
	assert.ErrorIs(t, consumer.Wait(200*time.Millisecond), ErrDrainTimeout)
	assert.Less(t, time.Since(begin), time.Second)
	assert.Equal(t, int64(1), consumer.Active())

	require.NoError(t, mgr.Shutdown(context.Background()))
	close(release)

	assert.ErrorIs(t, <-settled, ErrConnectionClosed)
	assert.NoError(t, <-done)
	assert.Equal(t, int64(0), consumer.Active())
}

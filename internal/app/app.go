// Package app wires the process: broker connection, stream provisioning,
// storage, caches, the optional kafka side channel and the event processor.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"go-eventflow/config/stream"
	"go-eventflow/internal/api"
	"go-eventflow/internal/broker"
	"go-eventflow/internal/cache"
	"go-eventflow/internal/config"
	"go-eventflow/internal/ingest"
	"go-eventflow/internal/kafka"
	"go-eventflow/internal/observability"
	"go-eventflow/internal/processor"
	"go-eventflow/internal/scheduler"
	"go-eventflow/internal/service"
	"go-eventflow/internal/store"
	"go-eventflow/internal/store/memory"
	"go-eventflow/internal/store/postgres"
)

const kafkaHealthInterval = 30 * time.Second

type App struct {
	Config   *config.Config
	Metrics  *observability.PrometheusMetrics
	Broker   *broker.Manager
	Store    store.Store
	Importer *ingest.TaskImporter
	// Jobs is nil when kafka is disabled.
	Jobs *kafka.JobQueue

	spec     stream.ConsumerSpec
	process  broker.ProcessFunc
	consumer *broker.PullConsumer
	// localDedupe is set when no redis is configured.
	localDedupe *processor.InMemoryDedupeStore
	kafka       *kafka.Client
	producer    *kafka.Producer
	pool        *pgxpool.Pool
	redis       *redis.Client
	logger      *logrus.Entry
}

// New connects every dependency and provisions the stream and the durable
// consumer of cfg's profile. Whatever was opened is closed again on error.
func New(ctx context.Context, cfg *config.Config) (a *App, err error) {
	spec, err := cfg.ConsumerSpec()
	if err != nil {
		return nil, err
	}

	a = &App{
		Config:  cfg,
		Metrics: observability.NewPrometheusMetrics(),
		spec:    spec,
		logger:  observability.Component("app").WithField("consumer", spec.Name),
	}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	a.Broker = broker.NewManager(broker.Config{
		URL:            cfg.Broker.URL,
		Name:           cfg.Broker.Name,
		ConnectTimeout: cfg.Broker.ConnectTimeout,
		StreamName:     cfg.Broker.StreamName,
		MaxRetries:     cfg.Broker.PublishMaxRetries,
		Metrics:        a.Metrics,
	})
	if err = a.Broker.Connect(ctx); err != nil {
		return a, fmt.Errorf("connect broker: %w", err)
	}
	js, err := a.Broker.JetStream()
	if err != nil {
		return a, err
	}
	source, err := broker.NewProvisioner(js).Ensure(ctx, broker.StreamConfig{
		Name:            cfg.Broker.StreamName,
		DuplicateWindow: cfg.Broker.DuplicateWindow,
		MaxAge:          cfg.Broker.StreamMaxAge,
	}, spec)
	if err != nil {
		return a, fmt.Errorf("provision stream: %w", err)
	}

	if err = a.openStore(ctx); err != nil {
		return a, err
	}

	var dedupe processor.DedupeStore
	deps := service.Deps{
		Store:            a.Store,
		Publisher:        a.Broker,
		Scheduler:        scheduler.New(a.Broker, cfg.Scheduler.MaxDelay),
		InvitationWindow: cfg.Scheduler.InvitationWindow(),
	}
	if cfg.Redis.URL != "" {
		if a.redis, err = cache.Open(ctx, cfg.Redis.URL); err != nil {
			return a, err
		}
		c := cache.New(a.redis)
		deps.Sessions = c
		deps.Unread = c
		dedupe = cache.NewProcessedIDs(a.redis, cfg.Consumer.ProcessedTTL)
	} else {
		a.localDedupe = processor.NewInMemoryDedupeStore(cfg.Consumer.ProcessedTTL)
		dedupe = a.localDedupe
	}

	var deadLetters processor.DeadLetterSink = processor.NewLogSink()
	if cfg.Kafka.Enabled {
		if deadLetters, err = a.openKafka(ctx); err != nil {
			return a, err
		}
	}

	a.Importer = ingest.NewTaskImporter(a.Store, a.Broker, 0)
	proc := processor.New(processor.Config{
		Consumer:       spec,
		HandlerTimeout: cfg.Consumer.HandlerTimeout,
		Handler:        service.NewRouter(deps),
		DeadLetters:    deadLetters,
		Dedupe:         dedupe,
		Publisher:      a.Broker,
		Metrics:        a.Metrics,
	})
	a.process = func(ctx context.Context, d broker.Delivery) { proc.Process(ctx, d) }
	a.consumer = broker.NewPullConsumer(source, broker.PullConfig{
		Name:    spec.Name,
		Batch:   cfg.Consumer.FetchBatch,
		MaxWait: cfg.Consumer.FetchMaxWait,
		Closed:  a.Broker.Closed,
	}, a.Metrics)

	a.logger.Info("Application wired")
	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	db := a.Config.Database
	if db.URL == "" {
		a.logger.Warn("DATABASE_URL not set, using in-memory store")
		a.Store = memory.New()
		return nil
	}

	pool, err := postgres.Open(ctx, db.URL, db.MaxConns)
	if err != nil {
		return err
	}
	a.pool = pool
	if db.RunMigrations {
		if err := postgres.Migrate(ctx, pool); err != nil {
			return err
		}
	}
	a.Store = postgres.New(pool)
	return nil
}

func (a *App) openKafka(ctx context.Context) (processor.DeadLetterSink, error) {
	kc := a.Config.Kafka
	a.kafka = kafka.NewClient(kc.Brokers, 3)
	if err := a.kafka.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("kafka health check: %w", err)
	}
	if err := a.kafka.EnsureTopics(ctx, a.kafkaTopics()...); err != nil {
		return nil, err
	}

	a.producer = kafka.NewProducer(kafka.ProducerConfig{
		Brokers:    kc.Brokers,
		Acks:       kc.Acks,
		Retries:    kc.Retries,
		Idempotent: kc.Idempotent,
		Metrics:    a.Metrics,
	})
	sink := kafka.NewDeadLetterSink(a.producer, kc.DLQTopic)

	groupID := kc.JobsGroupID
	if a.spec.Name != stream.WorkerConsumer.Name {
		// Only the worker reads jobs; other profiles just enqueue.
		groupID = ""
	}
	a.Jobs = kafka.NewJobQueue(kafka.JobQueueConfig{
		Brokers:     kc.Brokers,
		Topic:       kc.JobsTopic,
		GroupID:     groupID,
		DeadLetters: sink,
		Metrics:     a.Metrics,
	}, a.producer)
	return sink, nil
}

func (a *App) kafkaTopics() []kafka.TopicSpec {
	kc := a.Config.Kafka
	return []kafka.TopicSpec{
		{Name: kc.DLQTopic, Partitions: kc.Partitions, ReplicationFactor: kc.Replication},
		{Name: kc.JobsTopic, Partitions: kc.Partitions, ReplicationFactor: kc.Replication},
	}
}

// Consume runs the pull loop until ctx is cancelled.
func (a *App) Consume(ctx context.Context) error {
	return a.consumer.Run(ctx, a.process)
}

// Serve runs the pull loop and tasks until ctx is cancelled or one of them
// fails, then shuts down within SHUTDOWN_TIMEOUT. A handler still running when
// the window closes loses its connection and cannot settle; the broker
// redelivers that message.
func (a *App) Serve(ctx context.Context, tasks ...func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	failed := make(chan error, len(tasks)+1)
	run := func(fn func(context.Context) error) {
		g.Go(func() error {
			err := fn(gctx)
			if err != nil {
				failed <- err
			}
			return err
		})
	}
	run(a.Consume)
	for _, task := range tasks {
		run(task)
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-gctx.Done():
	}
	a.logger.Info("Shutting down")
	a.Shutdown(a.Config.Consumer.ShutdownTimeout)

	select {
	case err := <-failed:
		return err
	default:
		return nil
	}
}

// ProcessJobs drains the kafka job queue until ctx is cancelled. It returns
// immediately when kafka is disabled.
func (a *App) ProcessJobs(ctx context.Context) error {
	if a.Jobs == nil || a.spec.Name != stream.WorkerConsumer.Name {
		return nil
	}
	return a.Jobs.Process(ctx, a.Importer.HandleJobs)
}

// WatchKafka health-checks the kafka brokers until ctx is cancelled.
func (a *App) WatchKafka(ctx context.Context) error {
	if a.kafka == nil {
		return nil
	}
	// A broker that came back empty gets its topics again.
	a.kafka.HealthCheckLoop(ctx, kafkaHealthInterval, func() error {
		ensureCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		return a.kafka.EnsureTopics(ensureCtx, a.kafkaTopics()...)
	})
	return nil
}

// Server returns the HTTP surface. Publishing routes are mounted only when
// withPublish is set.
func (a *App) Server(withPublish bool) *api.Server {
	cfg := api.Config{
		Readiness: a.Broker,
		Metrics:   a.Metrics.Handler(),
	}
	if withPublish {
		cfg.Publisher = a.Broker
		cfg.Importer = a.Importer
		if a.Jobs != nil {
			cfg.Jobs = a.Jobs
		}
	}
	return api.NewServer(cfg)
}

// Shutdown waits for in-flight deliveries, then drains the broker and closes
// the rest, all within timeout. It must run after the context given to
// Consume is cancelled.
func (a *App) Shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if a.consumer != nil {
		if err := a.consumer.Wait(timeout); err != nil {
			a.logger.WithError(err).Warn("Shutting down with messages in flight")
		}
	}
	a.close(ctx)
}

func (a *App) close(ctx context.Context) {
	if a.Broker != nil {
		if err := a.Broker.Shutdown(ctx); err != nil {
			a.logger.WithError(err).Warn("Failed to drain broker connection")
		}
	}
	if a.Jobs != nil {
		if err := a.Jobs.Close(); err != nil {
			a.logger.WithError(err).Warn("Failed to close job queue")
		}
	}
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.logger.WithError(err).Warn("Failed to close kafka producer")
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			a.logger.WithError(err).Warn("Failed to close redis client")
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.localDedupe != nil {
		a.localDedupe.Close()
	}
	a.logger.Info("Application stopped")
}

// ServeHTTP runs an http.Server on addr until ctx is cancelled, then shuts
// it down gracefully.
func ServeHTTP(ctx context.Context, addr string, handler http.Handler, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger := observability.Component("http").WithField("addr", addr)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	logger.Info("Shutting down HTTP server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

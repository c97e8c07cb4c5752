package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/sirupsen/logrus"

	"go-eventflow/internal/observability"
)

// ErrDrainTimeout is returned by Wait when in-flight work outlives the window.
var ErrDrainTimeout = errors.New("broker: timeout waiting for in-flight messages")

// ProcessFunc settles one delivery.
type ProcessFunc func(ctx context.Context, d Delivery)

// Fetcher is the part of a durable pull consumer the loop needs.
type Fetcher interface {
	Fetch(batch int, opts ...jetstream.FetchOpt) (jetstream.MessageBatch, error)
}

type PullConfig struct {
	Name    string
	Batch   int
	MaxWait time.Duration
	// Closed guards settlement once the connection is shut down.
	Closed func() bool
}

// PullConsumer runs one sequential pull loop: each message is settled before
// the next one is handed out.
type PullConsumer struct {
	source  Fetcher
	cfg     PullConfig
	logger  *logrus.Entry
	metrics observability.MetricsCollector

	inflight sync.WaitGroup
	active   atomic.Int64
	running  atomic.Bool
	stopped  chan struct{}
}

func NewPullConsumer(source Fetcher, cfg PullConfig, metrics observability.MetricsCollector) *PullConsumer {
	if cfg.Batch <= 0 {
		cfg.Batch = 10
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 5 * time.Second
	}
	if metrics == nil {
		metrics = observability.NewInMemoryMetrics()
	}
	return &PullConsumer{
		source:  source,
		cfg:     cfg,
		logger:  observability.Component("consumer").WithField("consumer", cfg.Name),
		metrics: metrics,
		stopped: make(chan struct{}),
	}
}

// Run pulls until ctx is cancelled. On cancellation it stops fetching, naks
// the unread rest of the current batch without delay and returns.
func (c *PullConsumer) Run(ctx context.Context, process ProcessFunc) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("broker: consumer already running")
	}
	defer close(c.stopped)

	c.logger.WithField("batch", c.cfg.Batch).Info("Starting pull loop")

	for {
		if ctx.Err() != nil {
			c.logger.Info("Pull loop stopping due to context cancellation")
			return nil
		}

		batch, err := c.source.Fetch(c.cfg.Batch, jetstream.FetchMaxWait(c.cfg.MaxWait))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.WithError(err).Error("Failed to fetch messages")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		released := 0
		for msg := range batch.Messages() {
			d := newDelivery(msg, c.cfg.Closed)
			if ctx.Err() != nil {
				if err := d.Nak(); err != nil {
					c.logger.WithError(err).Warn("Failed to release unread message")
				}
				released++
				continue
			}

			c.metrics.IncReceived()
			c.inflight.Add(1)
			c.active.Add(1)
			process(ctx, d)
			c.active.Add(-1)
			c.inflight.Done()
		}
		if released > 0 {
			c.logger.WithField("released", released).Info("Released unread messages of the current batch")
		}

		if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) && ctx.Err() == nil {
			c.logger.WithError(err).Warn("Fetch batch ended with error")
		}
	}
}

// Active returns the number of messages currently being processed.
func (c *PullConsumer) Active() int64 {
	return c.active.Load()
}

// Wait blocks until the pull loop has returned and in-flight messages are
// settled, or timeout elapses.
func (c *PullConsumer) Wait(timeout time.Duration) error {
	c.logger.Info("Waiting for in-flight messages to complete...")

	done := make(chan struct{})
	go func() {
		if c.running.Load() {
			<-c.stopped
		}
		c.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("All in-flight messages completed")
		return nil
	case <-time.After(timeout):
		c.logger.WithField("active", c.Active()).Warn("Timeout waiting for in-flight messages")
		return ErrDrainTimeout
	}
}

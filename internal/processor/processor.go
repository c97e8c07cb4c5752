package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"

	"go-eventflow/config/stream"
	"go-eventflow/internal/broker"
	"go-eventflow/internal/observability"
	"go-eventflow/pkg/models"
)

const (
	defaultMaxRetries     = 5
	defaultHandlerTimeout = 30 * time.Second
	systemRetryDelay      = 5 * time.Second
	systemMaxAttempts     = 2
)

var errMissingHeaders = errors.New("message has no headers")

// Handler reacts to one decoded event. It returns errors only; settling the
// delivery is the processor's job.
type Handler interface {
	Handle(ctx context.Context, evt models.Event) error
}

type HandlerFunc func(ctx context.Context, evt models.Event) error

func (f HandlerFunc) Handle(ctx context.Context, evt models.Event) error { return f(ctx, evt) }

// Outcome is how a delivery was settled.
type Outcome string

const (
	OutcomeAcked        Outcome = "acked"
	OutcomeSkipped      Outcome = "skipped"
	OutcomeRetried      Outcome = "retried"
	OutcomeDeferred     Outcome = "deferred"
	OutcomeDeadLettered Outcome = "dead_lettered"
)

type Config struct {
	Consumer          stream.ConsumerSpec
	HandlerTimeout    time.Duration
	HeartbeatInterval time.Duration
	Handler           Handler
	DeadLetters       DeadLetterSink
	Dedupe            DedupeStore
	// Publisher re-publishes deferred events that reach their last delivery.
	Publisher broker.Publisher
	Metrics   observability.MetricsCollector
}

// Processor decodes, dispatches and settles deliveries.
type Processor struct {
	handler        Handler
	sink           DeadLetterSink
	fallback       DeadLetterSink
	dedupe         DedupeStore
	publisher      broker.Publisher
	metrics        observability.MetricsCollector
	logger         *logrus.Entry
	consumer       stream.ConsumerSpec
	maxRetries     int
	handlerTimeout time.Duration
	heartbeat      time.Duration
	now            func() time.Time
}

func New(cfg Config) *Processor {
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewInMemoryMetrics()
	}
	if cfg.DeadLetters == nil {
		cfg.DeadLetters = NewLogSink()
	}
	if cfg.Dedupe == nil {
		cfg.Dedupe = NewInMemoryDedupeStore(24 * time.Hour)
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = defaultHandlerTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		// Ack wait follows the first backoff step, so beat well inside it.
		cfg.HeartbeatInterval = 10 * time.Second
		if first := cfg.Consumer.Delay(1); first > 0 {
			cfg.HeartbeatInterval = first / 2
		}
	}
	maxRetries := cfg.Consumer.MaxDeliver
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	return &Processor{
		handler:        cfg.Handler,
		sink:           cfg.DeadLetters,
		fallback:       NewLogSink(),
		dedupe:         cfg.Dedupe,
		publisher:      cfg.Publisher,
		metrics:        cfg.Metrics,
		logger:         observability.Component("processor").WithField("consumer", cfg.Consumer.Name),
		consumer:       cfg.Consumer,
		maxRetries:     maxRetries,
		handlerTimeout: cfg.HandlerTimeout,
		heartbeat:      cfg.HeartbeatInterval,
		now:            time.Now,
	}
}

// Process takes one delivery through decode, dispatch and settlement.
func (p *Processor) Process(ctx context.Context, d broker.Delivery) Outcome {
	deliveryCount := d.DeliveryCount()
	if deliveryCount < 1 {
		deliveryCount = 1
	}
	msg := &inflight{
		delivery:      d,
		deliveryCount: deliveryCount,
		subject:       models.Subject(d.Subject()),
	}
	msg.logger = p.logger.WithFields(logrus.Fields{
		"subject":        msg.subject,
		"delivery_count": deliveryCount,
	})

	messageID, err := messageIDFrom(d.Headers())
	if err != nil {
		return p.fail(ctx, msg, Poison(err))
	}
	msg.messageID = messageID
	msg.logger = msg.logger.WithField("message_id", messageID)

	env, err := models.UnmarshalEnvelope(d.Data())
	if err != nil {
		return p.fail(ctx, msg, Poison(fmt.Errorf("decode envelope: %w", err)))
	}
	msg.envelope = env
	msg.subject = env.Subject

	if seen, err := p.dedupe.Exists(ctx, messageID); err != nil {
		msg.logger.WithError(err).Warn("Processed-id lookup failed, dispatching anyway")
	} else if seen {
		msg.logger.Info("Duplicate message detected, skipping")
		return p.skip(msg)
	}

	evt, err := models.DecodeEvent(env)
	if err != nil {
		return p.fail(ctx, msg, Classify(err))
	}
	if evt == nil {
		msg.logger.Debug("No handler for subject, acknowledging")
		return p.skip(msg)
	}

	start := time.Now()
	err = p.dispatch(ctx, msg, evt)
	p.metrics.ObserveHandlerDuration(string(env.Subject), time.Since(start))

	if err == nil {
		return p.succeed(ctx, msg)
	}
	if deferred, ok := AsDeferred(err); ok {
		return p.deferUntil(ctx, msg, deferred.Until)
	}
	return p.fail(ctx, msg, Classify(err))
}

type inflight struct {
	delivery      broker.Delivery
	deliveryCount int
	subject       models.Subject
	messageID     string
	envelope      models.Envelope
	logger        *logrus.Entry
}

// dispatch races the handler against the timeout. The handler context is
// detached from the pull loop, so shutdown does not abort it, and carries
// the deadline so handler I/O stops when the timer wins.
func (p *Processor) dispatch(ctx context.Context, msg *inflight, evt models.Event) error {
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.handlerTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				msg.logger.WithFields(logrus.Fields{
					"panic": r,
					"stack": string(debug.Stack()),
				}).Error("Panic in handler")
				done <- System(fmt.Errorf("handler panicked: %v", r))
			}
		}()
		done <- p.handler.Handle(hctx, evt)
	}()

	ticker := time.NewTicker(p.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case err := <-done:
			return err
		case <-ticker.C:
			if err := msg.delivery.InProgress(); err != nil {
				msg.logger.WithError(err).Debug("Failed to extend ack deadline")
			}
		case <-hctx.Done():
			return Transient(fmt.Errorf("%w after %s", ErrProcessingTimeout, p.handlerTimeout))
		}
	}
}

func (p *Processor) succeed(ctx context.Context, msg *inflight) Outcome {
	if err := msg.delivery.Ack(); err != nil {
		msg.logger.WithError(err).Error("Failed to ack message")
		return OutcomeAcked
	}
	if err := p.dedupe.Add(ctx, msg.messageID); err != nil {
		msg.logger.WithError(err).Warn("Failed to record processed id")
	}
	p.metrics.IncProcessed()
	msg.logger.Debug("Message processed successfully")
	return OutcomeAcked
}

func (p *Processor) skip(msg *inflight) Outcome {
	p.metrics.IncSkipped()
	if err := msg.delivery.Ack(); err != nil {
		msg.logger.WithError(err).Error("Failed to ack message")
	}
	return OutcomeSkipped
}

// deferUntil asks for redelivery at until. A deferral that arrives on the
// last allowed delivery is re-published as a fresh envelope instead, so a
// long delay cannot exhaust the redelivery budget.
func (p *Processor) deferUntil(ctx context.Context, msg *inflight, until time.Time) Outcome {
	p.metrics.IncDeferred()
	remaining := until.Sub(p.now())
	logger := msg.logger.WithFields(logrus.Fields{
		"due_at":    until,
		"remaining": remaining,
	})

	if msg.deliveryCount >= p.consumer.MaxDeliver && p.consumer.MaxDeliver > 0 {
		if p.publisher == nil {
			return p.fail(ctx, msg, System(errors.New("deferral budget exhausted and no publisher to re-schedule")))
		}
		env, err := p.publisher.Publish(ctx, msg.envelope.Subject, msg.envelope.Data)
		if err != nil {
			return p.fail(ctx, msg, Transient(fmt.Errorf("re-schedule deferred event: %w", err)))
		}
		logger.WithField("new_message_id", env.MessageID).Info("Deferral budget exhausted, re-scheduled as a fresh event")
		if err := msg.delivery.Ack(); err != nil {
			logger.WithError(err).Error("Failed to ack message")
		}
		return OutcomeDeferred
	}

	if err := msg.delivery.NakWithDelay(remaining); err != nil {
		logger.WithError(err).Error("Failed to nak deferred message")
	}
	logger.Debug("Event not due yet, deferred")
	return OutcomeDeferred
}

// fail applies the retry/dead-letter decision table.
func (p *Processor) fail(ctx context.Context, msg *inflight, perr *ProcessingError) Outcome {
	p.metrics.IncFailed(string(perr.Type))
	logger := msg.logger.WithFields(logrus.Fields{
		"error_type": perr.Type,
		"error":      perr.Message,
	})

	switch perr.Type {
	case ErrorTransient:
		if msg.deliveryCount < p.maxRetries {
			delay := p.consumer.Delay(msg.deliveryCount)
			logger.WithField("retry_in", delay).Warn("Transient failure, scheduling redelivery")
			return p.retry(msg, delay)
		}
		logger.Warn("Transient failure exhausted retries")
	case ErrorSystem:
		if msg.deliveryCount <= systemMaxAttempts {
			logger.WithField("retry_in", systemRetryDelay).Warn("System failure, scheduling redelivery")
			return p.retry(msg, systemRetryDelay)
		}
		logger.Error("System failure persisted, dead-lettering")
	default:
		logger.Warn("Non-retryable failure, dead-lettering")
	}

	p.deadLetter(ctx, msg, perr)
	if err := msg.delivery.Ack(); err != nil {
		logger.WithError(err).Error("Failed to ack dead-lettered message")
	}
	return OutcomeDeadLettered
}

func (p *Processor) retry(msg *inflight, delay time.Duration) Outcome {
	p.metrics.IncRetried()
	if err := msg.delivery.NakWithDelay(delay); err != nil {
		msg.logger.WithError(err).Error("Failed to nak message")
	}
	return OutcomeRetried
}

func (p *Processor) deadLetter(ctx context.Context, msg *inflight, perr *ProcessingError) {
	p.metrics.IncSentToDLQ()

	subject := msg.subject
	if subject == "" {
		subject = models.Subject(msg.delivery.Subject())
	}
	record := models.DeadLetter{
		Subject:       subject,
		MessageID:     msg.messageID,
		Payload:       rawPayload(msg.delivery.Data()),
		ErrorType:     string(perr.Type),
		ErrorMessage:  perr.Message,
		ErrorStack:    perr.Stack(),
		DeliveryCount: msg.deliveryCount,
		Consumer:      p.consumer.Name,
		Metadata:      perr.Metadata,
		FailedAt:      p.now().UTC(),
	}

	// The record must survive the ack that follows.
	sinkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := p.sink.Write(sinkCtx, record); err != nil {
		msg.logger.WithError(err).Error("Failed to write dead letter, logging it instead")
		_ = p.fallback.Write(sinkCtx, record)
	}
}

func messageIDFrom(headers map[string][]string) (string, error) {
	if len(headers) == 0 {
		return "", errMissingHeaders
	}
	values := headers[models.HeaderMessageID]
	if len(values) == 0 || values[0] == "" {
		return "", fmt.Errorf("missing %s header", models.HeaderMessageID)
	}
	return values[0], nil
}

// rawPayload keeps valid JSON as-is and quotes anything else.
func rawPayload(data []byte) json.RawMessage {
	if json.Valid(data) {
		return json.RawMessage(data)
	}
	quoted, _ := json.Marshal(string(data))
	return quoted
}

// Package scheduler delivers "do this at or after T" events on top of
// nak-with-delay redelivery.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go-eventflow/internal/broker"
	"go-eventflow/internal/processor"
	"go-eventflow/pkg/models"
)

// ErrDelayTooLong rejects schedules beyond the configured maximum delay.
var ErrDelayTooLong = errors.New("scheduler: delay exceeds maximum")

// Due returns nil once at has been reached, else a deferral the processor
// turns into a delayed redelivery.
func Due(now, at time.Time) error {
	if !at.After(now) {
		return nil
	}
	return &processor.DeferredError{Until: at}
}

// Scheduler publishes events that must be acted on later.
type Scheduler struct {
	publisher broker.Publisher
	maxDelay  time.Duration
	now       func() time.Time
}

func New(publisher broker.Publisher, maxDelay time.Duration) *Scheduler {
	return &Scheduler{
		publisher: publisher,
		maxDelay:  maxDelay,
		now:       time.Now,
	}
}

// Schedule publishes payload on subject to be handled at at. The payload
// carries its own due time; at only bounds the delay.
func (s *Scheduler) Schedule(ctx context.Context, subject models.Subject, payload any, at time.Time) (models.Envelope, error) {
	if delay := at.Sub(s.now()); s.maxDelay > 0 && delay > s.maxDelay {
		return models.Envelope{}, fmt.Errorf("%w: %s > %s", ErrDelayTooLong, delay.Round(time.Second), s.maxDelay)
	}
	return s.publisher.Publish(ctx, subject, payload)
}

// Now returns the scheduler clock.
func (s *Scheduler) Now() time.Time {
	return s.now()
}

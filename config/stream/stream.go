package stream

import (
	"fmt"
	"time"

	"go-eventflow/pkg/models"
)

// DefaultStreamName is the durable stream bound to every event subject.
const DefaultStreamName = "EVENTS"

// ConsumerSpec describes one durable pull consumer.
type ConsumerSpec struct {
	Name           string
	MaxDeliver     int
	BackOff        []time.Duration
	FilterSubjects []string
	Description    string
}

// Delay returns the wait before redelivery after attempt k (1-based):
// BackOff[min(k-1, len-1)].
func (s ConsumerSpec) Delay(attempt int) time.Duration {
	if len(s.BackOff) == 0 {
		return 0
	}
	i := attempt - 1
	if i < 0 {
		i = 0
	}
	if i > len(s.BackOff)-1 {
		i = len(s.BackOff) - 1
	}
	return s.BackOff[i]
}

// Validate enforces the broker's consumer rules.
func (s ConsumerSpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("consumer name cannot be empty")
	}
	if s.MaxDeliver <= 0 {
		return fmt.Errorf("consumer %s: maxDeliver must be positive", s.Name)
	}
	if len(s.BackOff) > 0 && s.MaxDeliver <= len(s.BackOff) {
		return fmt.Errorf("consumer %s: maxDeliver (%d) must exceed backoff length (%d)", s.Name, s.MaxDeliver, len(s.BackOff))
	}
	for _, d := range s.BackOff {
		if d <= 0 {
			return fmt.Errorf("consumer %s: backoff durations must be positive", s.Name)
		}
	}
	return nil
}

// Request-facing consumer, run next to the HTTP tier.
var APIConsumer = ConsumerSpec{
	Name:       "api-events",
	MaxDeliver: 4,
	BackOff:    []time.Duration{5 * time.Second, 10 * time.Second, 15 * time.Second},
	FilterSubjects: []string{
		"events.accounts.>",
		"events.notifications.>",
	},
	Description: "request tier: session cache and notification side effects",
}

// Worker consumer. It does the heavier processing and gets more attempts.
var WorkerConsumer = ConsumerSpec{
	Name:       "worker-events",
	MaxDeliver: 6,
	BackOff: []time.Duration{
		5 * time.Second, 10 * time.Second, 10 * time.Second, 10 * time.Second, 10 * time.Second,
	},
	FilterSubjects: []string{
		string(models.SubjectSyncModel),
		"events.folders.>",
		"events.tasks.>",
		"events.scheduled.>",
	},
	Description: "worker tier: projections, notifications, scheduled expirations",
}

// Profile returns the consumer spec registered under name ("api" or "worker").
func Profile(name string) (ConsumerSpec, error) {
	switch name {
	case "api":
		return APIConsumer, nil
	case "worker":
		return WorkerConsumer, nil
	default:
		return ConsumerSpec{}, fmt.Errorf("unknown consumer profile %q", name)
	}
}

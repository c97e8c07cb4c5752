package kafka

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"time"

	kafka "github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"go-eventflow/internal/observability"
)

// TopicSpec describes a topic that must exist before producers start.
type TopicSpec struct {
	Name              string
	Partitions        int
	ReplicationFactor int
}

// Client checks broker health and provisions topics.
type Client struct {
	brokers     []string
	logger      *logrus.Entry
	maxRetries  int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	// check defaults to HealthCheck.
	check func(ctx context.Context) error
}

func NewClient(brokers []string, maxRetries int) *Client {
	c := &Client{
		brokers:     brokers,
		logger:      observability.Component("kafka-client"),
		maxRetries:  maxRetries,
		baseBackoff: 1 * time.Second,
		maxBackoff:  30 * time.Second,
	}
	c.check = c.HealthCheck
	return c
}

// HealthCheck verifies connectivity to Kafka brokers
func (c *Client) HealthCheck(ctx context.Context) error {
	if len(c.brokers) == 0 {
		return errors.New("no kafka brokers configured")
	}
	conn, err := kafka.DialContext(ctx, "tcp", c.brokers[0])
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	defer conn.Close()

	if _, err = conn.Brokers(); err != nil {
		return fmt.Errorf("failed to read broker metadata: %w", err)
	}
	return nil
}

// HealthCheckLoop runs health checks periodically with reconnection logic.
// onReconnect runs once the brokers answer again; a failing callback counts
// as a failed attempt.
func (c *Client) HealthCheckLoop(ctx context.Context, interval time.Duration, onReconnect func() error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Health check loop stopped")
			return
		case <-ticker.C:
			if err := c.check(ctx); err != nil {
				c.logger.WithError(err).Warn("Health check failed, attempting reconnection")
				if err := c.reconnectWithBackoff(ctx, onReconnect); err != nil {
					c.logger.WithError(err).Error("Reconnection failed")
				}
			}
		}
	}
}

func (c *Client) reconnectWithBackoff(ctx context.Context, onReconnect func() error) error {
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		backoff := time.Duration(math.Min(
			float64(c.baseBackoff)*math.Pow(2, float64(attempt)),
			float64(c.maxBackoff),
		))

		c.logger.WithFields(logrus.Fields{
			"attempt": attempt + 1,
			"backoff": backoff,
		}).Info("Attempting reconnection")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		if err := c.check(ctx); err != nil {
			c.logger.WithError(err).Warn("Reconnection attempt failed")
			continue
		}

		if onReconnect != nil {
			if err := onReconnect(); err != nil {
				c.logger.WithError(err).Warn("Reconnect callback failed")
				continue
			}
		}

		c.logger.Info("Reconnection successful")
		return nil
	}

	return fmt.Errorf("failed to reconnect after %d attempts", c.maxRetries)
}

// EnsureTopics creates the missing topics on the controller. A topic created
// concurrently by another instance counts as present.
func (c *Client) EnsureTopics(ctx context.Context, topics ...TopicSpec) error {
	if len(c.brokers) == 0 {
		return errors.New("no kafka brokers configured")
	}
	conn, err := kafka.DialContext(ctx, "tcp", c.brokers[0])
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("failed to find controller: %w", err)
	}
	ctrl, err := kafka.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("failed to connect to controller: %w", err)
	}
	defer ctrl.Close()

	for _, topic := range topics {
		partitions, err := ctrl.ReadPartitions(topic.Name)
		if err == nil && len(partitions) > 0 {
			continue
		}
		if err != nil && !errors.Is(err, kafka.UnknownTopicOrPartition) {
			return fmt.Errorf("failed to look up topic %s: %w", topic.Name, err)
		}

		if err := tolerateTopicExists(ctrl.CreateTopics(topicConfig(topic))); err != nil {
			return fmt.Errorf("failed to create topic %s: %w", topic.Name, err)
		}
		c.logger.WithField("topic", topic.Name).Info("Topic ensured")
	}
	return nil
}

func topicConfig(t TopicSpec) kafka.TopicConfig {
	if t.Partitions <= 0 {
		t.Partitions = 1
	}
	if t.ReplicationFactor <= 0 {
		t.ReplicationFactor = 1
	}
	return kafka.TopicConfig{
		Topic:             t.Name,
		NumPartitions:     t.Partitions,
		ReplicationFactor: t.ReplicationFactor,
	}
}

func tolerateTopicExists(err error) error {
	if errors.Is(err, kafka.TopicAlreadyExists) {
		return nil
	}
	return err
}

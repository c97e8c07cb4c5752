package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"go-eventflow/internal/observability"
)

var (
	ErrNotConnected     = errors.New("broker: not connected")
	ErrUnknownSubject   = errors.New("broker: unknown subject")
	ErrConnectionClosed = errors.New("broker: connection closed")
)

type Config struct {
	URL            string
	Name           string
	ConnectTimeout time.Duration
	StreamName     string
	MaxRetries     int
	BaseBackoff    time.Duration
	Metrics        observability.MetricsCollector
}

// Manager owns the process-wide broker connection. It is built once at
// startup and handed to the publisher, provisioner and consumers.
type Manager struct {
	cfg     Config
	logger  *logrus.Entry
	metrics observability.MetricsCollector

	connectGroup singleflight.Group

	mu     sync.RWMutex
	nc     *nats.Conn
	js     jetstream.JetStream
	closed atomic.Bool
}

func NewManager(cfg Config) *Manager {
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewInMemoryMetrics()
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseBackoff == 0 {
		cfg.BaseBackoff = 100 * time.Millisecond
	}
	if cfg.Name == "" {
		cfg.Name = "go-eventflow"
	}

	return &Manager{
		cfg:     cfg,
		logger:  observability.Component("broker").WithField("url", cfg.URL),
		metrics: cfg.Metrics,
	}
}

// Connect establishes the connection if needed. Concurrent callers share one
// attempt; the attempt retries with exponential backoff up to ConnectTimeout.
func (m *Manager) Connect(ctx context.Context) error {
	if m.Connected() {
		return nil
	}

	_, err, shared := m.connectGroup.Do("connect", func() (interface{}, error) {
		if m.Connected() {
			return nil, nil
		}
		return nil, m.connect(ctx)
	})
	if shared {
		m.logger.Debug("Joined in-flight connect attempt")
	}
	return err
}

func (m *Manager) connect(ctx context.Context) error {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 250 * time.Millisecond
	expBackoff.MaxElapsedTime = m.cfg.ConnectTimeout

	var nc *nats.Conn
	attempt := 0
	operation := func() error {
		attempt++
		var err error
		nc, err = nats.Connect(m.cfg.URL,
			nats.Name(m.cfg.Name),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					m.logger.WithError(err).Warn("Broker connection lost")
				}
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				m.logger.WithField("server", c.ConnectedUrl()).Info("Broker connection restored")
			}),
		)
		if err != nil {
			m.logger.WithError(err).WithField("attempt", attempt).Warn("Broker connect attempt failed")
		}
		return err
	}

	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		return fmt.Errorf("failed to connect to broker after %d attempts: %w", attempt, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return fmt.Errorf("failed to create jetstream context: %w", err)
	}

	m.mu.Lock()
	m.nc = nc
	m.js = js
	m.closed.Store(false)
	m.mu.Unlock()

	m.logger.WithField("attempts", attempt).Info("Connected to broker")
	return nil
}

// Connected reports whether a live connection is held.
func (m *Manager) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nc != nil && m.nc.IsConnected()
}

// Closed reports whether Shutdown ran since the last Connect.
func (m *Manager) Closed() bool {
	return m.closed.Load()
}

// JetStream returns the stream context, ErrNotConnected before Connect.
func (m *Manager) JetStream() (jetstream.JetStream, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.js == nil {
		return nil, ErrNotConnected
	}
	return m.js, nil
}

// Shutdown drains and closes the connection, then clears the handles so a
// later Connect starts fresh. In-flight deliveries refuse acks afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.closed.Store(true)

	m.mu.Lock()
	nc := m.nc
	m.nc = nil
	m.js = nil
	m.mu.Unlock()

	if nc == nil {
		return nil
	}

	m.logger.Info("Draining broker connection")
	if err := nc.Drain(); err != nil {
		nc.Close()
		return fmt.Errorf("failed to drain broker connection: %w", err)
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for !nc.IsClosed() {
		select {
		case <-ctx.Done():
			m.logger.Warn("Timeout draining broker connection, closing")
			nc.Close()
			return ctx.Err()
		case <-ticker.C:
		}
	}

	m.logger.Info("Broker connection closed")
	return nil
}

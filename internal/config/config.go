package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"go-eventflow/config/stream"
)

// retentionMargin keeps a deferred message in the stream for a while after
// its due time.
const retentionMargin = time.Hour

type Config struct {
	Broker    BrokerConfig
	Consumer  ConsumerConfig
	Kafka     KafkaConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Logging   LoggingConfig
	Scheduler SchedulerConfig
	HTTP      HTTPConfig
}

type BrokerConfig struct {
	URL               string        `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	Name              string        `env:"NATS_CLIENT_NAME" envDefault:"go-eventflow"`
	ConnectTimeout    time.Duration `env:"BROKER_CONNECT_TIMEOUT" envDefault:"30s"`
	StreamName        string        `env:"STREAM_NAME" envDefault:"EVENTS"`
	DuplicateWindow   time.Duration `env:"STREAM_DUPLICATE_WINDOW" envDefault:"2m"`
	StreamMaxAge      time.Duration `env:"STREAM_MAX_AGE" envDefault:"336h"`
	PublishMaxRetries int           `env:"PUBLISH_MAX_RETRIES" envDefault:"3"`
}

type ConsumerConfig struct {
	Profile         string        `env:"CONSUMER_PROFILE" envDefault:"worker"`
	FetchBatch      int           `env:"FETCH_BATCH" envDefault:"10"`
	FetchMaxWait    time.Duration `env:"FETCH_MAX_WAIT" envDefault:"5s"`
	HandlerTimeout  time.Duration `env:"HANDLER_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
	ProcessedTTL    time.Duration `env:"PROCESSED_ID_TTL" envDefault:"24h"`
}

type KafkaConfig struct {
	Enabled     bool     `env:"KAFKA_ENABLED" envDefault:"false"`
	Brokers     []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092" envSeparator:","`
	DLQTopic    string   `env:"DLQ_TOPIC" envDefault:"events-dlq"`
	JobsTopic   string   `env:"JOBS_TOPIC" envDefault:"jobs"`
	JobsGroupID string   `env:"JOBS_GROUP_ID" envDefault:"jobs-worker"`
	Partitions  int      `env:"KAFKA_TOPIC_PARTITIONS" envDefault:"3"`
	Replication int      `env:"KAFKA_TOPIC_REPLICATION" envDefault:"1"`
	Acks        int      `env:"KAFKA_PRODUCER_ACKS" envDefault:"-1"`
	Retries     int      `env:"KAFKA_PRODUCER_RETRIES" envDefault:"3"`
	Idempotent  bool     `env:"KAFKA_PRODUCER_IDEMPOTENT" envDefault:"true"`
}

type DatabaseConfig struct {
	URL           string `env:"DATABASE_URL"`
	MaxConns      int32  `env:"DATABASE_MAX_CONNS" envDefault:"10"`
	RunMigrations bool   `env:"DATABASE_MIGRATE" envDefault:"true"`
}

type RedisConfig struct {
	URL string `env:"REDIS_URL"`
}

type LoggingConfig struct {
	Level string `env:"LOG_LEVEL" envDefault:"info"`
}

type SchedulerConfig struct {
	InvitationExpiredMinute int           `env:"PROJECT_INVITATION_EXPIRED_MINUTE" envDefault:"1440"`
	MaxDelay                time.Duration `env:"SCHEDULE_MAX_DELAY" envDefault:"168h"`
}

// InvitationWindow is how long a folder invitation notification stays active.
func (s SchedulerConfig) InvitationWindow() time.Duration {
	return time.Duration(s.InvitationExpiredMinute) * time.Minute
}

type HTTPConfig struct {
	Addr string `env:"HTTP_ADDR" envDefault:":8080"`
}

// Load reads .env files when present, then parses the environment.
func Load() (*Config, error) {
	if err := loadEnvFiles(".env", ".env.local"); err != nil {
		return nil, fmt.Errorf("load env files: %w", err)
	}
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadEnvFiles(files ...string) error {
	existing := make([]string, 0, len(files))
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

// ConsumerSpec resolves the configured consumer profile.
func (c *Config) ConsumerSpec() (stream.ConsumerSpec, error) {
	return stream.Profile(c.Consumer.Profile)
}

func (c *Config) Validate() error {
	spec, err := c.ConsumerSpec()
	if err != nil {
		return err
	}
	if err := spec.Validate(); err != nil {
		return err
	}
	if c.Broker.URL == "" {
		return fmt.Errorf("NATS_URL cannot be empty")
	}
	if c.Broker.StreamName == "" {
		return fmt.Errorf("STREAM_NAME cannot be empty")
	}
	if c.Consumer.FetchBatch <= 0 {
		return fmt.Errorf("FETCH_BATCH must be positive, got %d", c.Consumer.FetchBatch)
	}
	if c.Consumer.HandlerTimeout <= 0 {
		return fmt.Errorf("HANDLER_TIMEOUT must be positive")
	}
	if c.Scheduler.InvitationExpiredMinute <= 0 {
		return fmt.Errorf("PROJECT_INVITATION_EXPIRED_MINUTE must be positive")
	}
	if c.Scheduler.InvitationWindow() > c.Scheduler.MaxDelay {
		return fmt.Errorf("invitation window %s exceeds SCHEDULE_MAX_DELAY %s", c.Scheduler.InvitationWindow(), c.Scheduler.MaxDelay)
	}
	// Deferred messages keep their publish position, so retention must outlive
	// the longest schedule. A zero max age keeps messages forever.
	if c.Broker.StreamMaxAge > 0 && c.Scheduler.MaxDelay+retentionMargin > c.Broker.StreamMaxAge {
		return fmt.Errorf("SCHEDULE_MAX_DELAY %s plus %s margin exceeds STREAM_MAX_AGE %s",
			c.Scheduler.MaxDelay, retentionMargin, c.Broker.StreamMaxAge)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS cannot be empty when kafka is enabled")
	}
	return nil
}

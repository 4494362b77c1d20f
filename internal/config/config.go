package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/kursadbilgin/delivery-router/internal/domain"
)

const (
	BrokerMemory   = "memory"
	BrokerRabbitMQ = "rabbitmq"

	EventSinkNone  = "none"
	EventSinkSQS   = "sqs"
	EventSinkKafka = "kafka"
)

type Config struct {
	DatabaseDSN   string `env:"DATABASE_DSN,required=true"`
	ProvidersFile string `env:"PROVIDERS_FILE,required=true"`
	RedisURL      string `env:"REDIS_URL"`
	Broker        string `env:"BROKER,default=memory"`
	RabbitMQURL   string `env:"RABBITMQ_URL"`
	TemplatesDir  string `env:"TEMPLATES_DIR"`
	APIPort       int    `env:"API_PORT,default=8080"`
	LogLevel      string `env:"LOG_LEVEL,default=info"`
	LogFormat     string `env:"LOG_FORMAT,default=json"`

	WorkersUrgent int `env:"WORKERS_URGENT,default=8"`
	WorkersHigh   int `env:"WORKERS_HIGH,default=6"`
	WorkersNormal int `env:"WORKERS_NORMAL,default=4"`
	WorkersLow    int `env:"WORKERS_LOW,default=2"`

	BreakerThreshold     int           `env:"BREAKER_THRESHOLD,default=5"`
	BreakerTimeout       time.Duration `env:"BREAKER_TIMEOUT,default=5m"`
	DegradedBelow        float64       `env:"DEGRADED_BELOW,default=50"`
	DegradedTopN         int           `env:"DEGRADED_TOP_N,default=3"`
	CapacitySafetyMargin float64       `env:"CAPACITY_SAFETY_MARGIN,default=0.9"`

	SendTimeout         time.Duration `env:"SEND_TIMEOUT,default=15s"`
	HealthCheckInterval time.Duration `env:"HEALTH_CHECK_INTERVAL,default=1m"`
	HealthCheckTimeout  time.Duration `env:"HEALTH_CHECK_TIMEOUT,default=10s"`
	ScanInterval        time.Duration `env:"SCAN_INTERVAL,default=5s"`
	ScanLimit           int           `env:"SCAN_LIMIT,default=100"`
	RequeueAfter        time.Duration `env:"REQUEUE_AFTER,default=5m"`
	StaleAfter          time.Duration `env:"STALE_AFTER,default=10m"`
	NoProviderDelay     time.Duration `env:"NO_PROVIDER_DELAY,default=1m"`
	MaxDeferAge         time.Duration `env:"MAX_DEFER_AGE,default=24h"`
	DefaultMaxRetries   int           `env:"DEFAULT_MAX_RETRIES,default=3"`
	SyncInterval        time.Duration `env:"SYNC_INTERVAL,default=30s"`
	ShutdownTimeout     time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`

	EventSink    string `env:"EVENT_SINK,default=none"`
	SQSQueueURL  string `env:"SQS_QUEUE_URL"`
	AWSRegion    string `env:"AWS_REGION"`
	KafkaBrokers string `env:"KAFKA_BROKERS"`
	KafkaTopic   string `env:"KAFKA_TOPIC,default=delivery-events"`
}

// Load reads the environment, after merging a local .env file when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.Broker = strings.ToLower(strings.TrimSpace(cfg.Broker))
	cfg.EventSink = strings.ToLower(strings.TrimSpace(cfg.EventSink))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects inconsistent settings so the process fails at startup
// instead of on the first message.
func (c *Config) Validate() error {
	switch c.Broker {
	case BrokerMemory:
	case BrokerRabbitMQ:
		if strings.TrimSpace(c.RabbitMQURL) == "" {
			return fmt.Errorf("%w: RABBITMQ_URL is required when BROKER=rabbitmq", domain.ErrConfiguration)
		}
	default:
		return fmt.Errorf("%w: unknown BROKER %q", domain.ErrConfiguration, c.Broker)
	}

	switch c.EventSink {
	case EventSinkNone:
	case EventSinkSQS:
		if strings.TrimSpace(c.SQSQueueURL) == "" {
			return fmt.Errorf("%w: SQS_QUEUE_URL is required when EVENT_SINK=sqs", domain.ErrConfiguration)
		}
	case EventSinkKafka:
		if len(c.KafkaBrokerList()) == 0 {
			return fmt.Errorf("%w: KAFKA_BROKERS is required when EVENT_SINK=kafka", domain.ErrConfiguration)
		}
		if strings.TrimSpace(c.KafkaTopic) == "" {
			return fmt.Errorf("%w: KAFKA_TOPIC is required when EVENT_SINK=kafka", domain.ErrConfiguration)
		}
	default:
		return fmt.Errorf("%w: unknown EVENT_SINK %q", domain.ErrConfiguration, c.EventSink)
	}

	for priority, workers := range c.Workers() {
		if workers < 1 {
			return fmt.Errorf("%w: %s lane needs at least one worker", domain.ErrConfiguration, priority)
		}
	}

	if c.BreakerThreshold < 1 {
		return fmt.Errorf("%w: BREAKER_THRESHOLD must be >= 1", domain.ErrConfiguration)
	}
	if c.DegradedTopN < 1 {
		return fmt.Errorf("%w: DEGRADED_TOP_N must be >= 1", domain.ErrConfiguration)
	}
	if c.CapacitySafetyMargin <= 0 || c.CapacitySafetyMargin > 1 {
		return fmt.Errorf("%w: CAPACITY_SAFETY_MARGIN must be in (0, 1]", domain.ErrConfiguration)
	}
	if c.DegradedBelow < 0 || c.DegradedBelow > 100 {
		return fmt.Errorf("%w: DEGRADED_BELOW must be in [0, 100]", domain.ErrConfiguration)
	}
	if c.DefaultMaxRetries < 0 {
		return fmt.Errorf("%w: DEFAULT_MAX_RETRIES must be >= 0", domain.ErrConfiguration)
	}
	if c.ScanLimit < 1 {
		return fmt.Errorf("%w: SCAN_LIMIT must be >= 1", domain.ErrConfiguration)
	}

	durations := map[string]time.Duration{
		"BREAKER_TIMEOUT":       c.BreakerTimeout,
		"SEND_TIMEOUT":          c.SendTimeout,
		"HEALTH_CHECK_INTERVAL": c.HealthCheckInterval,
		"HEALTH_CHECK_TIMEOUT":  c.HealthCheckTimeout,
		"SCAN_INTERVAL":         c.ScanInterval,
		"REQUEUE_AFTER":         c.RequeueAfter,
		"STALE_AFTER":           c.StaleAfter,
		"NO_PROVIDER_DELAY":     c.NoProviderDelay,
		"MAX_DEFER_AGE":         c.MaxDeferAge,
		"SYNC_INTERVAL":         c.SyncInterval,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive", domain.ErrConfiguration, name)
		}
	}
	if c.StaleAfter <= c.SendTimeout {
		return fmt.Errorf("%w: STALE_AFTER must exceed SEND_TIMEOUT", domain.ErrConfiguration)
	}

	return nil
}

// Workers returns the worker pool size of each lane.
func (c *Config) Workers() map[domain.Priority]int {
	return map[domain.Priority]int{
		domain.PriorityUrgent: c.WorkersUrgent,
		domain.PriorityHigh:   c.WorkersHigh,
		domain.PriorityNormal: c.WorkersNormal,
		domain.PriorityLow:    c.WorkersLow,
	}
}

func (c *Config) KafkaBrokerList() []string {
	var brokers []string
	for _, broker := range strings.Split(c.KafkaBrokers, ",") {
		if trimmed := strings.TrimSpace(broker); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	return brokers
}

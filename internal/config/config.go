package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// Server
	Port         string        `envconfig:"PORT" default:"8080"`
	ReadTimeout  time.Duration `envconfig:"READ_TIMEOUT" default:"30s"`
	WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT" default:"30s"`
	IdleTimeout  time.Duration `envconfig:"IDLE_TIMEOUT" default:"120s"`

	// Database
	PostgresURL string `envconfig:"POSTGRES_URL" required:"true"`

	// Redis
	RedisURL string `envconfig:"REDIS_URL" required:"true"`

	// NATS
	NATSURL string `envconfig:"NATS_URL" required:"true"`

	// Bus destinations (channel -> subject)
	TopicEmail    string `envconfig:"TOPIC_EMAIL" default:"notifications-email"`
	TopicWhatsApp string `envconfig:"TOPIC_WHATSAPP" default:"notifications-whatsapp"`
	DLQEmail      string `envconfig:"DLQ_EMAIL" default:"notifications-email-dlq"`
	DLQWhatsApp   string `envconfig:"DLQ_WHATSAPP" default:"notifications-whatsapp-dlq"`

	// Retry policy (retry controller is the only writer of retry_count)
	MaxRetries     int           `envconfig:"MAX_RETRIES" default:"3"`
	RetryDelay     time.Duration `envconfig:"RETRY_DELAY" default:"5m"`
	RetryBatchSize int           `envconfig:"RETRY_BATCH_SIZE" default:"50"`
	RetryInterval  time.Duration `envconfig:"RETRY_INTERVAL" default:"5m"`

	// Scheduler
	SchedulerInterval  time.Duration `envconfig:"SCHEDULER_INTERVAL" default:"30s"`
	SchedulerBatchSize int           `envconfig:"SCHEDULER_BATCH_SIZE" default:"100"`

	// Providers
	ProviderTimeout  time.Duration `envconfig:"PROVIDER_TIMEOUT" default:"30s"`
	SendGridAPIURL   string        `envconfig:"SENDGRID_API_URL" default:"https://api.sendgrid.com/v3/mail/send"`
	SendGridAPIKey   string        `envconfig:"SENDGRID_API_KEY"`
	WhatsAppAPIURL   string        `envconfig:"WHATSAPP_API_URL" default:"http://localhost:3000"`
	DefaultFromEmail string        `envconfig:"DEFAULT_FROM_EMAIL" default:"no-reply@localhost"`
	DefaultFromName  string        `envconfig:"DEFAULT_FROM_NAME" default:"Notification Gateway"`

	// Worker
	WorkerPoolSize int `envconfig:"WORKER_POOL_SIZE" default:"5"`

	// Rate limiting
	RateLimitRPS   int `envconfig:"RATE_LIMIT_RPS" default:"100"`
	RateLimitBurst int `envconfig:"RATE_LIMIT_BURST" default:"200"`

	// Encryption at rest for credential columns
	EncryptionEnabled bool   `envconfig:"ENCRYPTION_ENABLED" default:"false"`
	EncryptionKey     string `envconfig:"ENCRYPTION_KEY"`

	// Observability
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

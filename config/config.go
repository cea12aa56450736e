package config

import (
	"time"
)

const (
	ProviderGmail   = "gmail"
	ProviderOutlook = "outlook"

	RoleProducer = "producer"
	RoleWorker   = "worker"
)

type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
	Password string `env:"REDIS_PASSWORD"`
	PoolSize int    `env:"REDIS_POOL_SIZE" envDefault:"10"`
}

type StreamConfig struct {
	Stream          string `env:"STREAM_NAME" envDefault:"email_ingestion_stream"`
	Group           string `env:"CONSUMER_GROUP" envDefault:"email_processor_group"`
	DLQStream       string `env:"DLQ_STREAM_NAME" envDefault:"email_ingestion_dlq"`
	MaxStreamLength int64  `env:"MAX_STREAM_LENGTH" envDefault:"10000"`
}

type IMAPConfig struct {
	Provider       string        `env:"IMAP_PROVIDER" envDefault:"gmail"`
	Host           string        `env:"IMAP_HOST"`
	Port           int           `env:"IMAP_PORT" envDefault:"993"`
	Username       string        `env:"IMAP_USERNAME"`
	Mailbox        string        `env:"IMAP_MAILBOX" envDefault:"INBOX"`
	ConnectTimeout time.Duration `env:"IMAP_CONNECT_TIMEOUT" envDefault:"30s"`
	CommandTimeout time.Duration `env:"IMAP_COMMAND_TIMEOUT" envDefault:"60s"`
}

type GoogleOAuthConfig struct {
	ClientID     string `env:"GOOGLE_CLIENT_ID"`
	ClientSecret string `env:"GOOGLE_CLIENT_SECRET"`
	TokenFile    string `env:"GOOGLE_TOKEN_FILE" envDefault:"tokens/gmail_token.json"`
	RedirectPort int    `env:"GOOGLE_REDIRECT_PORT" envDefault:"8080"`
}

type MicrosoftOAuthConfig struct {
	ClientID  string `env:"MS_CLIENT_ID"`
	TenantID  string `env:"MS_TENANT_ID" envDefault:"common"`
	TokenFile string `env:"MS_TOKEN_FILE" envDefault:"tokens/outlook_token.json"`
}

type ProducerConfig struct {
	BatchSize        int           `env:"PRODUCER_BATCH_SIZE" envDefault:"50"`
	PollInterval     time.Duration `env:"POLL_INTERVAL" envDefault:"60s"`
	BodyTextMaxBytes int           `env:"BODY_TEXT_MAX_BYTES" envDefault:"2048"`
	BodyHTMLMaxBytes int           `env:"BODY_HTML_PREVIEW_MAX_BYTES" envDefault:"2048"`
	DryRun           bool          `env:"-"`
}

type WorkerConfig struct {
	Consumer     string        `env:"WORKER_CONSUMER"`
	BatchSize    int           `env:"WORKER_BATCH_SIZE" envDefault:"10"`
	BlockTimeout time.Duration `env:"WORKER_BLOCK_TIMEOUT" envDefault:"5s"`
}

type BackoffConfig struct {
	InitialDelay time.Duration `env:"BACKOFF_INITIAL_DELAY" envDefault:"1s"`
	Multiplier   float64       `env:"BACKOFF_MULTIPLIER" envDefault:"2.0"`
	MaxDelay     time.Duration `env:"BACKOFF_MAX_DELAY" envDefault:"300s"`
	MaxRetries   int           `env:"BACKOFF_MAX_RETRIES" envDefault:"5"`
	StaleAfter   time.Duration `env:"BACKOFF_STALE_AFTER" envDefault:"24h"`
}

type RecoveryConfig struct {
	MinIdle     time.Duration `env:"RECOVERY_MIN_IDLE" envDefault:"5m"`
	MaxClaim    int64         `env:"RECOVERY_MAX_CLAIM" envDefault:"50"`
	MaxDelivery int64         `env:"RECOVERY_MAX_DELIVERY" envDefault:"10"`
	Interval    time.Duration `env:"RECOVERY_INTERVAL" envDefault:"60s"`
}

type BreakerConfig struct {
	FailureThreshold uint32        `env:"BREAKER_FAILURE_THRESHOLD" envDefault:"5"`
	RecoveryTimeout  time.Duration `env:"BREAKER_RECOVERY_TIMEOUT" envDefault:"60s"`
	SuccessThreshold uint32        `env:"BREAKER_SUCCESS_THRESHOLD" envDefault:"3"`
}

type IdempotencyConfig struct {
	SetKey      string        `env:"IDEMPOTENCY_SET_KEY" envDefault:"idempotency:processed_ids"`
	TTL         time.Duration `env:"IDEMPOTENCY_TTL" envDefault:"24h"`
	Partitioned bool          `env:"IDEMPOTENCY_PARTITIONED" envDefault:"true"`
}

// HealthConfig ports default to 0, meaning pick the role default at
// wiring time (producer 8080/9090, worker 8081/9091).
type HealthConfig struct {
	Port           int           `env:"HEALTH_PORT"`
	MetricsPort    int           `env:"METRICS_PORT"`
	UpdateInterval time.Duration `env:"METRICS_UPDATE_INTERVAL" envDefault:"15s"`
}

type ShutdownConfig struct {
	Timeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

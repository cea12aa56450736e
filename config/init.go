package config

import (
	"log"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"

	"github.com/mailriver/mailriver/internal/logger"
	"github.com/mailriver/mailriver/internal/tracing"
)

type Config struct {
	Redis       *RedisConfig
	Stream      *StreamConfig
	IMAP        *IMAPConfig
	Google      *GoogleOAuthConfig
	Microsoft   *MicrosoftOAuthConfig
	Producer    *ProducerConfig
	Worker      *WorkerConfig
	Backoff     *BackoffConfig
	Recovery    *RecoveryConfig
	Breaker     *BreakerConfig
	Idempotency *IdempotencyConfig
	Health      *HealthConfig
	Shutdown    *ShutdownConfig
	Logger      *logger.Config
	Tracing     *tracing.JaegerConfig
}

func InitConfig() (*Config, error) {
	config := &Config{
		Redis:       &RedisConfig{},
		Stream:      &StreamConfig{},
		IMAP:        &IMAPConfig{},
		Google:      &GoogleOAuthConfig{},
		Microsoft:   &MicrosoftOAuthConfig{},
		Producer:    &ProducerConfig{},
		Worker:      &WorkerConfig{},
		Backoff:     &BackoffConfig{},
		Recovery:    &RecoveryConfig{},
		Breaker:     &BreakerConfig{},
		Idempotency: &IdempotencyConfig{},
		Health:      &HealthConfig{},
		Shutdown:    &ShutdownConfig{},
		Logger:      &logger.Config{},
		Tracing:     &tracing.JaegerConfig{},
	}

	err := godotenv.Load()
	if err != nil {
		log.Print("Unable to load .env file")
	}

	err = env.Parse(config)
	if err != nil {
		return nil, errors.Wrap(err, "parse environment")
	}

	if err := config.resolveSecrets(); err != nil {
		return nil, err
	}
	config.ApplyProviderDefaults()

	return config, nil
}

// resolveSecrets dereferences file:/env: references in credential fields.
func (c *Config) resolveSecrets() error {
	var err error
	if c.Redis.Password, err = ResolveSecret(c.Redis.Password); err != nil {
		return errors.Wrap(err, "redis password")
	}
	if c.Google.ClientSecret, err = ResolveSecret(c.Google.ClientSecret); err != nil {
		return errors.Wrap(err, "google client secret")
	}
	return nil
}

// ApplyProviderDefaults fills the IMAP host for the selected provider
// unless one was set explicitly. Called again after CLI flag overrides.
func (c *Config) ApplyProviderDefaults() {
	if c.IMAP.Host == "" {
		switch c.IMAP.Provider {
		case ProviderOutlook:
			c.IMAP.Host = "outlook.office365.com"
		default:
			c.IMAP.Host = "imap.gmail.com"
		}
	}
}

// Validate checks the values a given role cannot run without.
func (c *Config) Validate(role string) error {
	if c.Redis.Addr == "" {
		return errors.New("REDIS_ADDR is required")
	}
	if c.Stream.Stream == "" || c.Stream.Group == "" || c.Stream.DLQStream == "" {
		return errors.New("stream, group and DLQ names must not be empty")
	}
	if c.Stream.MaxStreamLength <= 0 {
		return errors.New("MAX_STREAM_LENGTH must be positive")
	}
	if c.Breaker.FailureThreshold < 1 || c.Breaker.SuccessThreshold < 1 {
		return errors.New("breaker thresholds must be at least 1")
	}
	if c.Backoff.Multiplier <= 1 {
		return errors.New("BACKOFF_MULTIPLIER must be greater than 1")
	}
	if c.Backoff.MaxRetries < 0 {
		return errors.New("BACKOFF_MAX_RETRIES must not be negative")
	}

	switch role {
	case RoleProducer:
		if c.IMAP.Username == "" {
			return errors.New("IMAP_USERNAME is required for the producer")
		}
		if c.IMAP.Port <= 0 || c.IMAP.Port > 65535 {
			return errors.New("IMAP_PORT out of range")
		}
		if c.Producer.BatchSize < 1 {
			return errors.New("PRODUCER_BATCH_SIZE must be at least 1")
		}
		switch c.IMAP.Provider {
		case ProviderGmail:
			if c.Google.ClientID == "" || c.Google.ClientSecret == "" {
				return errors.New("GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET are required for provider gmail")
			}
		case ProviderOutlook:
			if c.Microsoft.ClientID == "" {
				return errors.New("MS_CLIENT_ID is required for provider outlook")
			}
		default:
			return errors.Errorf("unknown provider %q", c.IMAP.Provider)
		}
	case RoleWorker:
		if c.Worker.BatchSize < 1 {
			return errors.New("WORKER_BATCH_SIZE must be at least 1")
		}
		if c.Worker.BlockTimeout <= 0 {
			return errors.New("WORKER_BLOCK_TIMEOUT must be positive")
		}
		if c.Recovery.MaxDelivery < 1 {
			return errors.New("RECOVERY_MAX_DELIVERY must be at least 1")
		}
	}

	return nil
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitConfig_Defaults(t *testing.T) {
	// Act
	cfg, err := InitConfig()

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "email_ingestion_stream", cfg.Stream.Stream)
	assert.Equal(t, "email_processor_group", cfg.Stream.Group)
	assert.Equal(t, "email_ingestion_dlq", cfg.Stream.DLQStream)
	assert.Equal(t, int64(10000), cfg.Stream.MaxStreamLength)
	assert.Equal(t, "imap.gmail.com", cfg.IMAP.Host)
	assert.Equal(t, 993, cfg.IMAP.Port)
	assert.Equal(t, "INBOX", cfg.IMAP.Mailbox)
	assert.Equal(t, 50, cfg.Producer.BatchSize)
	assert.Equal(t, 60*time.Second, cfg.Producer.PollInterval)
	assert.Equal(t, 2048, cfg.Producer.BodyTextMaxBytes)
	assert.Equal(t, 10, cfg.Worker.BatchSize)
	assert.Equal(t, 5*time.Second, cfg.Worker.BlockTimeout)
	assert.Equal(t, time.Second, cfg.Backoff.InitialDelay)
	assert.Equal(t, 2.0, cfg.Backoff.Multiplier)
	assert.Equal(t, 300*time.Second, cfg.Backoff.MaxDelay)
	assert.Equal(t, 5, cfg.Backoff.MaxRetries)
	assert.Equal(t, 5*time.Minute, cfg.Recovery.MinIdle)
	assert.Equal(t, int64(10), cfg.Recovery.MaxDelivery)
	assert.Equal(t, uint32(5), cfg.Breaker.FailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.Breaker.RecoveryTimeout)
	assert.Equal(t, uint32(3), cfg.Breaker.SuccessThreshold)
	assert.Equal(t, 24*time.Hour, cfg.Idempotency.TTL)
	assert.Equal(t, 30*time.Second, cfg.Shutdown.Timeout)
	assert.False(t, cfg.Tracing.Enabled)
}

func TestInitConfig_EnvOverrides(t *testing.T) {
	// Arrange
	os.Setenv("REDIS_ADDR", "redis.internal:6380")
	os.Setenv("STREAM_NAME", "custom_stream")
	os.Setenv("POLL_INTERVAL", "30s")
	os.Setenv("IMAP_PROVIDER", "outlook")
	defer func() {
		os.Unsetenv("REDIS_ADDR")
		os.Unsetenv("STREAM_NAME")
		os.Unsetenv("POLL_INTERVAL")
		os.Unsetenv("IMAP_PROVIDER")
	}()

	// Act
	cfg, err := InitConfig()

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, "custom_stream", cfg.Stream.Stream)
	assert.Equal(t, 30*time.Second, cfg.Producer.PollInterval)
	assert.Equal(t, "outlook.office365.com", cfg.IMAP.Host)
}

func TestInitConfig_ExplicitHostWins(t *testing.T) {
	os.Setenv("IMAP_HOST", "imap.corp.example.com")
	defer os.Unsetenv("IMAP_HOST")

	cfg, err := InitConfig()

	require.NoError(t, err)
	assert.Equal(t, "imap.corp.example.com", cfg.IMAP.Host)
}

func TestResolveSecret(t *testing.T) {
	t.Run("plain value passes through", func(t *testing.T) {
		got, err := ResolveSecret("hunter2")
		require.NoError(t, err)
		assert.Equal(t, "hunter2", got)
	})

	t.Run("file scheme reads and trims", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "secret")
		require.NoError(t, os.WriteFile(path, []byte("  s3cret\n"), 0o600))

		got, err := ResolveSecret("file:" + path)
		require.NoError(t, err)
		assert.Equal(t, "s3cret", got)
	})

	t.Run("file scheme missing file errors", func(t *testing.T) {
		_, err := ResolveSecret("file:/nonexistent/secret")
		assert.Error(t, err)
	})

	t.Run("env scheme reads variable", func(t *testing.T) {
		os.Setenv("TEST_SECRET_REF", "from-env")
		defer os.Unsetenv("TEST_SECRET_REF")

		got, err := ResolveSecret("env:TEST_SECRET_REF")
		require.NoError(t, err)
		assert.Equal(t, "from-env", got)
	})

	t.Run("env scheme unset variable errors", func(t *testing.T) {
		_, err := ResolveSecret("env:TEST_SECRET_REF_MISSING")
		assert.Error(t, err)
	})
}

func TestValidate_Producer(t *testing.T) {
	newValid := func() *Config {
		cfg, err := InitConfig()
		require.NoError(t, err)
		cfg.IMAP.Username = "user@example.com"
		cfg.Google.ClientID = "client-id"
		cfg.Google.ClientSecret = "client-secret"
		return cfg
	}

	t.Run("valid config passes", func(t *testing.T) {
		assert.NoError(t, newValid().Validate(RoleProducer))
	})

	t.Run("missing username rejected", func(t *testing.T) {
		cfg := newValid()
		cfg.IMAP.Username = ""
		assert.Error(t, cfg.Validate(RoleProducer))
	})

	t.Run("gmail without client credentials rejected", func(t *testing.T) {
		cfg := newValid()
		cfg.Google.ClientSecret = ""
		assert.Error(t, cfg.Validate(RoleProducer))
	})

	t.Run("outlook requires ms client id", func(t *testing.T) {
		cfg := newValid()
		cfg.IMAP.Provider = ProviderOutlook
		cfg.Microsoft.ClientID = ""
		assert.Error(t, cfg.Validate(RoleProducer))

		cfg.Microsoft.ClientID = "ms-client"
		assert.NoError(t, cfg.Validate(RoleProducer))
	})

	t.Run("unknown provider rejected", func(t *testing.T) {
		cfg := newValid()
		cfg.IMAP.Provider = "yahoo"
		assert.Error(t, cfg.Validate(RoleProducer))
	})

	t.Run("bad multiplier rejected", func(t *testing.T) {
		cfg := newValid()
		cfg.Backoff.Multiplier = 1.0
		assert.Error(t, cfg.Validate(RoleProducer))
	})
}

func TestValidate_Worker(t *testing.T) {
	cfg, err := InitConfig()
	require.NoError(t, err)

	assert.NoError(t, cfg.Validate(RoleWorker))

	cfg.Worker.BatchSize = 0
	assert.Error(t, cfg.Validate(RoleWorker))
}

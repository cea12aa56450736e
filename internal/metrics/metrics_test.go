package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailriver/mailriver/interfaces"
	"github.com/mailriver/mailriver/internal/logger"
)

func getLogger() logger.Logger {
	appLogger := logger.NewAppLogger(&logger.Config{
		DevMode: true,
	})
	appLogger.InitLogger()
	return appLogger
}

func TestMetrics_CountersRegisterAndCount(t *testing.T) {
	// Arrange
	m := New(prometheus.NewRegistry())

	// Act
	m.EmailsProduced.Add(3)
	m.EmailsProcessed.Inc()
	m.DLQMessages.Inc()
	m.IdempotencyDuplicates.Add(2)

	// Assert
	assert.Equal(t, float64(3), testutil.ToFloat64(m.EmailsProduced))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.EmailsProcessed))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DLQMessages))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.IdempotencyDuplicates))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.EmailsFailed))
}

func TestMetrics_BreakerStateGauge(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.SetBreakerState("imap", 1)
	m.SetBreakerState("redis", 0)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("imap")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("redis")))
}

func TestMetrics_SeparateRegistriesAreIsolated(t *testing.T) {
	first := New(prometheus.NewRegistry())
	second := New(prometheus.NewRegistry())

	first.EmailsProduced.Add(10)

	assert.Equal(t, float64(10), testutil.ToFloat64(first.EmailsProduced))
	assert.Equal(t, float64(0), testutil.ToFloat64(second.EmailsProduced))
}

func TestMetrics_Uptime(t *testing.T) {
	m := New(prometheus.NewRegistry())

	time.Sleep(10 * time.Millisecond)

	assert.Greater(t, m.Uptime(), 0.0)
	assert.Greater(t, testutil.ToFloat64(m.UptimeSeconds), 0.0)
}

type fakeDepthStore struct {
	interfaces.LogStore
	lens map[string]int64
}

func (f *fakeDepthStore) Len(ctx context.Context, stream string) (int64, error) {
	return f.lens[stream], nil
}

func TestUpdater_RefreshSetsDepths(t *testing.T) {
	// Arrange
	m := New(prometheus.NewRegistry())
	store := &fakeDepthStore{lens: map[string]int64{
		"email_ingestion_stream": 42,
		"email_ingestion_dlq":    7,
	}}
	updater := NewUpdater(m, store, nil, "email_ingestion_stream", "email_ingestion_dlq", time.Second, getLogger())

	// Act
	updater.Refresh(context.Background())

	// Assert
	assert.Equal(t, float64(42), testutil.ToFloat64(m.StreamDepth))
	assert.Equal(t, float64(7), testutil.ToFloat64(m.DLQDepth))
	assert.Greater(t, testutil.ToFloat64(m.UptimeSeconds), 0.0)
}

func TestMetrics_HandlerServesRegistry(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.EmailsProduced.Inc()

	require.NotNil(t, m.Handler())
	count, err := testutil.GatherAndCount(m.Registry())
	require.NoError(t, err)
	assert.Greater(t, count, 0)
}

package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailriver/mailriver/config"
	"github.com/mailriver/mailriver/internal/breaker"
	"github.com/mailriver/mailriver/internal/logger"
)

func getLogger() logger.Logger {
	appLogger := logger.NewAppLogger(&logger.Config{
		DevMode: true,
	})
	appLogger.InitLogger()
	return appLogger
}

type stubProvider struct {
	name  string
	stats map[string]interface{}
}

func (p *stubProvider) Name() string                  { return p.name }
func (p *stubProvider) Stats() map[string]interface{} { return p.stats }

func passingCheck(ctx context.Context) error { return nil }

func failingCheck(msg string) CheckFunc {
	return func(ctx context.Context) error { return errors.New(msg) }
}

func newTestServer() (*Server, *Registry, *breaker.Registry) {
	registry := NewRegistry("worker", getLogger())
	breakers := breaker.NewRegistry(&config.BreakerConfig{
		FailureThreshold: 2,
		RecoveryTimeout:  time.Minute,
		SuccessThreshold: 1,
	}, getLogger())
	return NewServer(registry, breakers, 0, getLogger()), registry, breakers
}

func doGet(t *testing.T, s *Server, path string) (int, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w.Code, body
}

func TestServer_HealthAlwaysAlive(t *testing.T) {
	s, registry, _ := newTestServer()
	registry.RegisterCheck("redis", true, failingCheck("connection refused"))

	code, body := doGet(t, s, "/health")

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "alive", body["status"])
	assert.Equal(t, "worker", body["component"])
	assert.GreaterOrEqual(t, body["uptime_seconds"].(float64), 0.0)
}

func TestServer_ReadyWithHealthyChecks(t *testing.T) {
	s, registry, _ := newTestServer()
	registry.RegisterCheck("redis", true, passingCheck)

	code, body := doGet(t, s, "/ready")

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ready", body["status"])
	checks := body["checks"].([]interface{})
	require.Len(t, checks, 1)
	first := checks[0].(map[string]interface{})
	assert.Equal(t, "redis", first["name"])
	assert.Equal(t, "healthy", first["status"])
}

func TestServer_ReadyFailsOnCriticalCheck(t *testing.T) {
	s, registry, _ := newTestServer()
	registry.RegisterCheck("redis", true, failingCheck("connection refused"))

	code, body := doGet(t, s, "/ready")

	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "not_ready", body["status"])
	failing := body["failing"].([]interface{})
	require.Len(t, failing, 1)
	assert.Equal(t, "redis", failing[0])
	first := body["checks"].([]interface{})[0].(map[string]interface{})
	assert.Contains(t, first["error"], "connection refused")
}

func TestServer_ReadyIgnoresNonCriticalFailure(t *testing.T) {
	s, registry, _ := newTestServer()
	registry.RegisterCheck("redis", true, passingCheck)
	registry.RegisterCheck("imap", false, failingCheck("login deferred"))

	code, body := doGet(t, s, "/ready")

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ready", body["status"])
	checks := body["checks"].([]interface{})
	require.Len(t, checks, 2)
	second := checks[1].(map[string]interface{})
	assert.Equal(t, "imap", second["name"])
	assert.Equal(t, "unhealthy", second["status"])
}

func TestServer_StatusReportsBreakersAndStats(t *testing.T) {
	s, registry, breakers := newTestServer()
	registry.RegisterCheck("redis", true, passingCheck)
	registry.RegisterStatsProvider(&stubProvider{
		name:  "worker",
		stats: map[string]interface{}{"processed": 42},
	})
	require.NoError(t, breakers.Get("redis").Execute(func() error { return nil }))

	code, body := doGet(t, s, "/status")

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, Version, body["version"])

	cbs := body["circuit_breakers"].(map[string]interface{})
	redis := cbs["redis"].(map[string]interface{})
	assert.Equal(t, "closed", redis["state"])
	assert.Equal(t, float64(1), redis["successes"])

	stats := body["statistics"].(map[string]interface{})
	worker := stats["worker"].(map[string]interface{})
	assert.Equal(t, float64(42), worker["processed"])
}

func TestServer_StatusReflectsOpenBreaker(t *testing.T) {
	s, _, breakers := newTestServer()
	cb := breakers.Get("redis")
	for i := 0; i < 2; i++ {
		_ = cb.Execute(func() error { return errors.New("connection refused") })
	}

	code, body := doGet(t, s, "/status")

	assert.Equal(t, http.StatusOK, code)
	redis := body["circuit_breakers"].(map[string]interface{})["redis"].(map[string]interface{})
	assert.Equal(t, "open", redis["state"])
}

func TestServer_StatusStays200WhenUnhealthy(t *testing.T) {
	s, registry, _ := newTestServer()
	registry.RegisterCheck("redis", true, failingCheck("connection refused"))

	code, body := doGet(t, s, "/status")

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "unhealthy", body["status"])
	first := body["health_checks"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, float64(1), first["consecutive_failures"])
}

func TestRegistry_ConsecutiveFailuresAccumulate(t *testing.T) {
	registry := NewRegistry("worker", getLogger())
	broken := true
	registry.RegisterCheck("redis", true, func(ctx context.Context) error {
		if broken {
			return errors.New("connection refused")
		}
		return nil
	})

	var last CheckResult
	for i := 0; i < 3; i++ {
		_, results := registry.RunChecks(context.Background())
		last = results[0]
	}
	assert.Equal(t, 3, last.ConsecutiveFailures)
	assert.Equal(t, "unhealthy", last.Status)

	broken = false
	ready, results := registry.RunChecks(context.Background())

	assert.True(t, ready)
	assert.Equal(t, 0, results[0].ConsecutiveFailures)
	assert.Equal(t, "healthy", results[0].Status)
}

func TestRegistry_ChecksRunInRegistrationOrder(t *testing.T) {
	registry := NewRegistry("producer", getLogger())
	registry.RegisterCheck("redis", true, passingCheck)
	registry.RegisterCheck("imap", false, passingCheck)

	_, results := registry.RunChecks(context.Background())

	require.Len(t, results, 2)
	assert.Equal(t, "redis", results[0].Name)
	assert.Equal(t, "imap", results[1].Name)
	assert.False(t, results[1].Critical)
}

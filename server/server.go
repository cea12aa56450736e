package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"

	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/mailriver/mailriver/config"
	"github.com/mailriver/mailriver/internal/breaker"
	"github.com/mailriver/mailriver/internal/logger"
	"github.com/mailriver/mailriver/internal/metrics"
	"github.com/mailriver/mailriver/internal/repository"
	"github.com/mailriver/mailriver/internal/shutdown"
	"github.com/mailriver/mailriver/internal/tracing"
	"github.com/mailriver/mailriver/services/health"
)

const (
	defaultProducerHealthPort  = 8080
	defaultWorkerHealthPort    = 8081
	defaultProducerMetricsPort = 9090
	defaultWorkerMetricsPort   = 9091
)

// core owns the plumbing both roles share: logging, tracing, the redis
// stores, breakers, metrics with their exposition server, the health
// surface, and the shutdown coordinator.
type core struct {
	cfg  *config.Config
	log  logger.Logger
	role string

	tracerCloser io.Closer
	redisClient  *redis.Client
	repos        *repository.Repositories
	breakers     *breaker.Registry
	metrics      *metrics.Metrics
	updater      *metrics.Updater
	coord        *shutdown.Coordinator

	healthRegistry *health.Registry
	healthServer   *health.Server
	metricsServer  *http.Server
}

func newCore(cfg *config.Config, role string) (*core, error) {
	appLogger := logger.NewAppLogger(cfg.Logger)
	appLogger.InitLogger()

	tracer, closer, err := tracing.NewJaegerTracer(cfg.Tracing, appLogger)
	if err != nil {
		return nil, errors.Wrap(err, "initialize jaeger tracer")
	}
	opentracing.SetGlobalTracer(tracer)

	redisClient := repository.NewRedisClient(cfg.Redis)
	repos := repository.InitRepositories(redisClient)

	m := metrics.New(prometheus.NewRegistry())
	breakers := breaker.NewRegistry(cfg.Breaker, appLogger)
	breakers.OnStateChange(func(name string, state breaker.State) {
		m.SetBreakerState(name, float64(state))
	})

	coord := shutdown.NewCoordinator(cfg.Shutdown.Timeout, appLogger)

	healthRegistry := health.NewRegistry(role, appLogger)
	healthServer := health.NewServer(healthRegistry, breakers, healthPort(cfg, role), appLogger)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", m.Handler())
	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", metricsPort(cfg, role)),
		Handler: metricsMux,
	}

	updater := metrics.NewUpdater(m, repos.LogStore, breakers,
		cfg.Stream.Stream, cfg.Stream.DLQStream, cfg.Health.UpdateInterval, appLogger)

	return &core{
		cfg:            cfg,
		log:            appLogger,
		role:           role,
		tracerCloser:   closer,
		redisClient:    redisClient,
		repos:          repos,
		breakers:       breakers,
		metrics:        m,
		updater:        updater,
		coord:          coord,
		healthRegistry: healthRegistry,
		healthServer:   healthServer,
		metricsServer:  metricsServer,
	}, nil
}

func healthPort(cfg *config.Config, role string) int {
	if cfg.Health.Port != 0 {
		return cfg.Health.Port
	}
	if role == config.RoleWorker {
		return defaultWorkerHealthPort
	}
	return defaultProducerHealthPort
}

func metricsPort(cfg *config.Config, role string) int {
	if cfg.Health.MetricsPort != 0 {
		return cfg.Health.MetricsPort
	}
	if role == config.RoleWorker {
		return defaultWorkerMetricsPort
	}
	return defaultProducerMetricsPort
}

// startServers brings up the health and metrics listeners.
func (c *core) startServers() {
	c.healthServer.Start()
	go c.wrapGoroutine("metrics_server", func() {
		c.log.Infof("metrics server listening on %s", c.metricsServer.Addr)
		if err := c.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.log.Errorf("metrics server stopped: %v", err)
		}
	})
}

// registerCommonShutdown wires the teardown both roles share.
// cancelBackground stops the auxiliary goroutines (metrics updater,
// watchdog) as soon as shutdown begins; the main loop drains on its own
// inside the drain band.
func (c *core) registerCommonShutdown(cancelBackground context.CancelFunc) {
	c.coord.Register("background_jobs", shutdown.PriorityStopIntake, func(ctx context.Context) error {
		cancelBackground()
		return nil
	})
	c.coord.Register("health_server", shutdown.PriorityCloseConns, func(ctx context.Context) error {
		return c.healthServer.Stop(ctx)
	})
	c.coord.Register("metrics_server", shutdown.PriorityCloseConns, func(ctx context.Context) error {
		return c.metricsServer.Shutdown(ctx)
	})
	c.coord.Register("redis_client", shutdown.PriorityCloseConns, func(ctx context.Context) error {
		return c.redisClient.Close()
	})
	c.coord.Register("tracer", shutdown.PriorityFinal, func(ctx context.Context) error {
		if c.tracerCloser != nil {
			return c.tracerCloser.Close()
		}
		return nil
	})
}

// wrapGoroutine runs fn with panic recovery reported to jaeger, the
// same way request handlers recover.
func (c *core) wrapGoroutine(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			span := opentracing.GlobalTracer().StartSpan("panic." + name)
			defer span.Finish()
			ext.Error.Set(span, true)
			span.LogKV(
				"event", "panic",
				"process", name,
				"error", fmt.Sprintf("%v", r),
				"stack", string(debug.Stack()),
			)
			c.log.Errorf("panic in %s: %v\n%s", name, r, debug.Stack())
		}
	}()
	fn()
}

package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/opentracing/opentracing-go"

	"github.com/mailriver/mailriver/internal/breaker"
	"github.com/mailriver/mailriver/internal/logger"
	"github.com/mailriver/mailriver/internal/tracing"
)

// Version is reported by /status.
const Version = "1.0.0"

// Server is the liveness/readiness/status HTTP surface. Each role runs
// one on its own port so probe traffic stays off the metrics listener.
type Server struct {
	registry *Registry
	breakers *breaker.Registry
	srv      *http.Server
	log      logger.Logger
}

func NewServer(registry *Registry, breakers *breaker.Registry, port int, log logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(tracing.RecoveryWithJaeger(opentracing.GlobalTracer()))

	s := &Server{
		registry: registry,
		breakers: breakers,
		log:      log,
	}
	router.GET("/health", s.handleHealth)
	router.GET("/ready", s.handleReady)
	router.GET("/status", s.handleStatus)

	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: router,
	}
	return s
}

// Handler exposes the route tree for in-process tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start serves in a background goroutine and returns immediately.
func (s *Server) Start() {
	go func() {
		s.log.Infof("health server listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Errorf("health server stopped: %v", err)
		}
	}()
}

// Stop drains in-flight requests within the context deadline.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// handleHealth is liveness: reaching the handler proves the process is
// alive, so the answer is always 200.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "alive",
		"component":      s.registry.Component(),
		"uptime_seconds": s.registry.Uptime(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleReady(c *gin.Context) {
	ready, results := s.registry.RunChecks(c.Request.Context())
	if ready {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ready",
			"component": s.registry.Component(),
			"checks":    results,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
		return
	}

	failing := make([]string, 0, len(results))
	for _, r := range results {
		if r.Critical && !r.healthy() {
			failing = append(failing, r.Name)
		}
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{
		"status":    "not_ready",
		"component": s.registry.Component(),
		"failing":   failing,
		"checks":    results,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	healthy, results := s.registry.RunChecks(c.Request.Context())
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}

	breakerStats := make(map[string]breaker.Stats)
	if s.breakers != nil {
		for _, b := range s.breakers.All() {
			breakerStats[b.Name()] = b.Stats()
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"component":        s.registry.Component(),
		"status":           status,
		"version":          Version,
		"uptime_seconds":   s.registry.Uptime(),
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
		"health_checks":    results,
		"circuit_breakers": breakerStats,
		"statistics":       s.registry.Statistics(),
	})
}

package health

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/mailriver/mailriver/interfaces"
	"github.com/mailriver/mailriver/internal/logger"
)

const checkTimeout = 5 * time.Second

// CheckFunc probes one dependency. A nil return means healthy.
type CheckFunc func(ctx context.Context) error

// CheckResult is one probe outcome as served on /ready and /status.
type CheckResult struct {
	Name                string  `json:"name"`
	Status              string  `json:"status"`
	Critical            bool    `json:"critical"`
	ResponseTimeMS      float64 `json:"response_time_ms"`
	Error               string  `json:"error,omitempty"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
}

func (r CheckResult) healthy() bool {
	return r.Status == "healthy"
}

// check wraps a probe with its per-dependency failure streak. The
// streak survives across HTTP requests.
type check struct {
	name     string
	critical bool
	fn       CheckFunc

	mu                  sync.Mutex
	consecutiveFailures int
}

func (c *check) run(ctx context.Context) CheckResult {
	probeCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	start := time.Now()
	err := c.fn(probeCtx)
	elapsed := time.Since(start)

	c.mu.Lock()
	defer c.mu.Unlock()

	result := CheckResult{
		Name:           c.name,
		Critical:       c.critical,
		ResponseTimeMS: math.Round(elapsed.Seconds()*1000*100) / 100,
	}
	if err != nil {
		c.consecutiveFailures++
		result.Status = "unhealthy"
		result.Error = err.Error()
	} else {
		c.consecutiveFailures = 0
		result.Status = "healthy"
	}
	result.ConsecutiveFailures = c.consecutiveFailures
	return result
}

// Registry aggregates dependency checks and component stats for the
// health endpoints of one role.
type Registry struct {
	component string
	started   time.Time
	log       logger.Logger

	mu        sync.Mutex
	checks    []*check
	providers []interfaces.StatsProvider
}

func NewRegistry(component string, log logger.Logger) *Registry {
	return &Registry{
		component: component,
		started:   time.Now(),
		log:       log,
	}
}

// RegisterCheck adds a dependency probe. Critical checks gate /ready;
// non-critical ones only show up in the results.
func (r *Registry) RegisterCheck(name string, critical bool, fn CheckFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks = append(r.checks, &check{name: name, critical: critical, fn: fn})
	r.log.Debugf("registered health check %s (critical=%v)", name, critical)
}

// RegisterStatsProvider adds a component whose snapshot is served under
// its name in the /status statistics section.
func (r *Registry) RegisterStatsProvider(p interfaces.StatsProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = append(r.providers, p)
	r.log.Debugf("registered stats provider %s", p.Name())
}

// RunChecks executes every registered probe. The boolean is true when
// all critical checks pass.
func (r *Registry) RunChecks(ctx context.Context) (bool, []CheckResult) {
	r.mu.Lock()
	checks := make([]*check, len(r.checks))
	copy(checks, r.checks)
	r.mu.Unlock()

	ready := true
	results := make([]CheckResult, 0, len(checks))
	for _, c := range checks {
		result := c.run(ctx)
		if c.critical && !result.healthy() {
			ready = false
		}
		results = append(results, result)
	}
	return ready, results
}

// Statistics collects every provider's snapshot keyed by name.
func (r *Registry) Statistics() map[string]interface{} {
	r.mu.Lock()
	providers := make([]interfaces.StatsProvider, len(r.providers))
	copy(providers, r.providers)
	r.mu.Unlock()

	stats := make(map[string]interface{}, len(providers))
	for _, p := range providers {
		stats[p.Name()] = p.Stats()
	}
	return stats
}

func (r *Registry) Component() string {
	return r.component
}

// Uptime reports seconds since the registry was built, which tracks
// process start for practical purposes.
func (r *Registry) Uptime() float64 {
	return math.Round(time.Since(r.started).Seconds()*10) / 10
}

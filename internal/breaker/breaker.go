package breaker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sony/gobreaker"

	"github.com/mailriver/mailriver/config"
	er "github.com/mailriver/mailriver/internal/errors"
	"github.com/mailriver/mailriver/internal/logger"
)

// State is the externally visible breaker state. The numeric values
// feed the state gauge.
type State int

const (
	StateClosed   State = 0
	StateOpen     State = 1
	StateHalfOpen State = 2
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Stats is a point-in-time breaker snapshot for the status endpoint.
type Stats struct {
	Name                string     `json:"name"`
	State               string     `json:"state"`
	Calls               uint64     `json:"calls"`
	Failures            uint64     `json:"failures"`
	Successes           uint64     `json:"successes"`
	Rejections          uint64     `json:"rejections"`
	ConsecutiveFailures uint32     `json:"consecutive_failures"`
	OpenedAt            *time.Time `json:"opened_at,omitempty"`
	LastStateChange     *time.Time `json:"last_state_change,omitempty"`
}

// Breaker guards calls into one external dependency. Consecutive
// failures trip it open; after the recovery timeout the next call probes
// half-open, and enough consecutive successes close it again.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker
	log  logger.Logger

	calls      atomic.Uint64
	failures   atomic.Uint64
	successes  atomic.Uint64
	rejections atomic.Uint64

	mu              sync.Mutex
	openedAt        time.Time
	lastStateChange time.Time

	onStateChange func(name string, state State)
}

func newBreaker(name string, cfg *config.BreakerConfig, log logger.Logger, onStateChange func(string, State)) *Breaker {
	b := &Breaker{
		name:          name,
		log:           log,
		onStateChange: onStateChange,
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.SuccessThreshold,
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.recordStateChange(from, to)
		},
	}
	b.cb = gobreaker.NewCircuitBreaker(settings)
	return b
}

func (b *Breaker) recordStateChange(from, to gobreaker.State) {
	now := time.Now().UTC()
	state := mapState(to)

	b.mu.Lock()
	b.lastStateChange = now
	if state == StateOpen {
		b.openedAt = now
	}
	b.mu.Unlock()

	switch state {
	case StateOpen:
		b.log.Warnf("circuit breaker %s opened (was %s)", b.name, mapState(from))
	case StateClosed:
		b.log.Infof("circuit breaker %s closed (was %s)", b.name, mapState(from))
	default:
		b.log.Infof("circuit breaker %s half-open, probing", b.name)
	}

	if b.onStateChange != nil {
		b.onStateChange(b.name, state)
	}
}

// Execute runs fn under the breaker. When the breaker is open the call
// is rejected without running fn and the error carries KindCircuitOpen.
func (b *Breaker) Execute(fn func() error) error {
	b.calls.Add(1)
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if err == nil {
		b.successes.Add(1)
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		b.rejections.Add(1)
		return er.WithKind(er.KindCircuitOpen, er.ErrCircuitOpen)
	}
	b.failures.Add(1)
	return err
}

func (b *Breaker) Name() string {
	return b.name
}

func (b *Breaker) State() State {
	return mapState(b.cb.State())
}

func (b *Breaker) Stats() Stats {
	counts := b.cb.Counts()

	b.mu.Lock()
	openedAt := b.openedAt
	lastChange := b.lastStateChange
	b.mu.Unlock()

	stats := Stats{
		Name:                b.name,
		State:               b.State().String(),
		Calls:               b.calls.Load(),
		Failures:            b.failures.Load(),
		Successes:           b.successes.Load(),
		Rejections:          b.rejections.Load(),
		ConsecutiveFailures: counts.ConsecutiveFailures,
	}
	if !openedAt.IsZero() {
		stats.OpenedAt = &openedAt
	}
	if !lastChange.IsZero() {
		stats.LastStateChange = &lastChange
	}
	return stats
}

func mapState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Registry hands out one breaker per dependency name, created lazily
// with shared settings.
type Registry struct {
	mu            sync.Mutex
	cfg           *config.BreakerConfig
	log           logger.Logger
	breakers      map[string]*Breaker
	onStateChange func(name string, state State)
}

func NewRegistry(cfg *config.BreakerConfig, log logger.Logger) *Registry {
	return &Registry{
		cfg:      cfg,
		log:      log,
		breakers: make(map[string]*Breaker),
	}
}

// OnStateChange installs a hook invoked on every transition, e.g. to
// move the state gauge. Install before the first Get.
func (r *Registry) OnStateChange(fn func(name string, state State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onStateChange = fn
}

func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := newBreaker(name, r.cfg, r.log, func(name string, state State) {
		r.mu.Lock()
		hook := r.onStateChange
		r.mu.Unlock()
		if hook != nil {
			hook(name, state)
		}
	})
	r.breakers[name] = b
	return b
}

func (r *Registry) All() []*Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	all := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		all = append(all, b)
	}
	return all
}

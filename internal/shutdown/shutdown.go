package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/mailriver/mailriver/internal/logger"
)

type State int32

const (
	StateRunning State = iota
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateShuttingDown:
		return "shutting_down"
	case StateStopped:
		return "stopped"
	default:
		return "running"
	}
}

// Priority bands for shutdown callbacks. Lower runs first: stop taking
// new work before draining, drain before saving state, save state
// before closing the connections the save needs.
const (
	PriorityStopIntake = 0
	PriorityDrain      = 10
	PriorityFlushState = 20
	PriorityCloseConns = 30
	PriorityFinal      = 40
)

type callback struct {
	name     string
	priority int
	fn       func(ctx context.Context) error
}

// Coordinator sequences graceful shutdown. Construct one per process
// and pass it to everything that owns resources or loops.
type Coordinator struct {
	log     logger.Logger
	timeout time.Duration

	mu        sync.Mutex
	callbacks []callback

	state        atomic.Int32
	shuttingDown chan struct{}
	stopped      chan struct{}
	initiateOnce sync.Once
}

func NewCoordinator(timeout time.Duration, log logger.Logger) *Coordinator {
	return &Coordinator{
		log:          log,
		timeout:      timeout,
		shuttingDown: make(chan struct{}),
		stopped:      make(chan struct{}),
	}
}

// Register adds a callback at the given priority. Registration after
// shutdown has begun is ignored, that callback would never run.
func (c *Coordinator) Register(name string, priority int, fn func(ctx context.Context) error) {
	if c.State() != StateRunning {
		c.log.Warnf("ignoring shutdown callback %s registered after shutdown began", name)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = append(c.callbacks, callback{name: name, priority: priority, fn: fn})
}

func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// ShuttingDown returns a channel closed when shutdown begins, for use
// in select loops.
func (c *Coordinator) ShuttingDown() <-chan struct{} {
	return c.shuttingDown
}

// WaitForShutdown blocks until shutdown begins.
func (c *Coordinator) WaitForShutdown() {
	<-c.shuttingDown
}

// Sleep waits d unless shutdown begins first. Returns false when the
// sleep was interrupted.
func (c *Coordinator) Sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-c.shuttingDown:
		return false
	}
}

// Initiate moves the coordinator to ShuttingDown. Safe to call more
// than once; only the first call has any effect.
func (c *Coordinator) Initiate(reason string) {
	c.initiateOnce.Do(func() {
		c.log.Infof("shutdown initiated: %s", reason)
		c.state.Store(int32(StateShuttingDown))
		close(c.shuttingDown)
	})
}

// HandleSignals traps SIGINT/SIGTERM. The first signal initiates
// shutdown; a second one exits immediately.
func (c *Coordinator) HandleSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		c.Initiate(fmt.Sprintf("signal %s", sig))

		sig = <-sigCh
		c.log.Warnf("second signal %s, exiting immediately", sig)
		os.Exit(1)
	}()
}

// Execute runs the registered callbacks sequentially in priority order
// within the total timeout. Callbacks that exceed the remaining budget
// are abandoned; callbacks past the deadline are skipped entirely.
func (c *Coordinator) Execute() error {
	c.state.Store(int32(StateShuttingDown))

	deadline := time.Now().Add(c.timeout)
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	c.mu.Lock()
	callbacks := make([]callback, len(c.callbacks))
	copy(callbacks, c.callbacks)
	c.mu.Unlock()
	sort.SliceStable(callbacks, func(i, j int) bool {
		return callbacks[i].priority < callbacks[j].priority
	})

	var timedOut bool
	for i, cb := range callbacks {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			for _, skipped := range callbacks[i:] {
				c.log.Warnf("shutdown deadline reached, skipping callback %s", skipped.name)
			}
			timedOut = true
			break
		}

		c.log.Infof("running shutdown callback %s (priority %d)", cb.name, cb.priority)
		start := time.Now()
		if finished := c.runOne(ctx, cb, remaining); !finished {
			timedOut = true
			continue
		}
		c.log.Debugf("shutdown callback %s finished in %s", cb.name, time.Since(start))
	}

	c.state.Store(int32(StateStopped))
	close(c.stopped)

	if timedOut {
		return errors.New("shutdown exceeded total timeout")
	}
	return nil
}

func (c *Coordinator) runOne(ctx context.Context, cb callback, budget time.Duration) bool {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- errors.Errorf("panic in shutdown callback: %v", r)
			}
		}()
		done <- cb.fn(ctx)
	}()

	timer := time.NewTimer(budget)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			c.log.Errorf("shutdown callback %s failed: %v", cb.name, err)
		}
		return true
	case <-timer.C:
		c.log.Warnf("shutdown callback %s exceeded remaining budget, abandoning", cb.name)
		return false
	}
}

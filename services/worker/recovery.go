package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mailriver/mailriver/config"
	"github.com/mailriver/mailriver/dto"
	"github.com/mailriver/mailriver/interfaces"
	"github.com/mailriver/mailriver/internal/breaker"
	er "github.com/mailriver/mailriver/internal/errors"
	"github.com/mailriver/mailriver/internal/logger"
	"github.com/mailriver/mailriver/internal/metrics"
	"github.com/mailriver/mailriver/internal/shutdown"
	"github.com/mailriver/mailriver/internal/tracing"
)

// RecoverySweeper re-claims pending entries whose consumer went away
// before acking. Entries past the delivery ceiling are dead lettered
// instead of being claimed again.
type RecoverySweeper struct {
	store    interfaces.LogStore
	dlq      *DLQRouter
	backoff  *BackoffController
	cfg      *config.RecoveryConfig
	stream   string
	group    string
	consumer string
	metrics  *metrics.Metrics
	log      logger.Logger

	totalClaimed atomic.Uint64
	totalExpired atomic.Uint64
}

func NewRecoverySweeper(
	store interfaces.LogStore,
	dlq *DLQRouter,
	backoff *BackoffController,
	cfg *config.RecoveryConfig,
	stream, group, consumer string,
	m *metrics.Metrics,
	log logger.Logger,
) *RecoverySweeper {
	return &RecoverySweeper{
		store:    store,
		dlq:      dlq,
		backoff:  backoff,
		cfg:      cfg,
		stream:   stream,
		group:    group,
		consumer: consumer,
		metrics:  m,
		log:      log,
	}
}

// Sweep claims due orphans and returns them for processing. Entries
// over MaxDelivery are routed to the dead letter queue and acked here;
// entries still inside their scheduled backoff stay pending.
func (s *RecoverySweeper) Sweep(ctx context.Context) ([]interfaces.StreamEntry, error) {
	span, ctx := tracing.StartTracerSpan(ctx, "RecoverySweeper.Sweep")
	defer span.Finish()
	tracing.TagComponentWorker(span)

	pending, err := s.store.PendingRange(ctx, s.stream, s.group, s.cfg.MinIdle, s.cfg.MaxClaim)
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}

	var toClaim []string
	var expired []interfaces.PendingEntry
	for _, entry := range pending {
		switch {
		case entry.DeliveryCount > s.cfg.MaxDelivery:
			expired = append(expired, entry)
		case !s.backoff.Due(entry.EntryID):
			// scheduled backoff has not elapsed yet
		default:
			toClaim = append(toClaim, entry.EntryID)
		}
	}

	for _, entry := range expired {
		if err := s.expire(ctx, entry); err != nil {
			s.log.Errorf("could not dead letter over-delivered entry %s: %v", entry.EntryID, err)
		}
	}

	if len(toClaim) == 0 {
		return nil, nil
	}
	claimed, err := s.store.Claim(ctx, s.stream, s.group, s.consumer, s.cfg.MinIdle, toClaim)
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}
	if len(claimed) > 0 {
		s.totalClaimed.Add(uint64(len(claimed)))
		s.metrics.OrphansClaimed.Add(float64(len(claimed)))
		s.log.Infof("claimed %d orphaned entries for %s", len(claimed), s.consumer)
	}
	return claimed, nil
}

// expire claims the entry to take ownership, dead letters it, and acks
// it so no consumer sees it again.
func (s *RecoverySweeper) expire(ctx context.Context, pending interfaces.PendingEntry) error {
	claimed, err := s.store.Claim(ctx, s.stream, s.group, s.consumer, s.cfg.MinIdle, []string{pending.EntryID})
	if err != nil {
		return err
	}
	if len(claimed) == 0 {
		// deleted or taken by another consumer in the meantime
		return nil
	}

	entry := claimed[0]
	cause := er.Newf(er.KindExcessiveRedelivery, "delivered %d times, ceiling is %d", pending.DeliveryCount, s.cfg.MaxDelivery)
	if _, err := s.dlq.SendToDLQ(ctx, entry.EntryID, entry.Fields[dto.PayloadField], cause, int(pending.DeliveryCount)); err != nil {
		return err
	}
	if _, err := s.store.Ack(ctx, s.stream, s.group, entry.EntryID); err != nil {
		return err
	}

	s.totalExpired.Add(1)
	s.backoff.RecordSuccess(entry.EntryID)
	return nil
}

// Stats reports sweep totals for the status endpoint.
func (s *RecoverySweeper) Stats() map[string]interface{} {
	return map[string]interface{}{
		"total_claimed": s.totalClaimed.Load(),
		"total_expired": s.totalExpired.Load(),
	}
}

const (
	// unhealthyAfter is the consecutive probe failure count at which
	// the watchdog reports the dependency as down.
	unhealthyAfter = 3

	probeTimeout = 5 * time.Second
)

// ConnectionWatchdog probes the state store on an interval so the
// breaker tracks dependency health even while the worker sits idle in
// a blocking read.
type ConnectionWatchdog struct {
	state    interfaces.StateStore
	cb       *breaker.Breaker
	interval time.Duration
	coord    *shutdown.Coordinator
	log      logger.Logger

	mu                  sync.Mutex
	consecutiveFailures int
	lastCheck           time.Time
	lastError           string
}

func NewConnectionWatchdog(state interfaces.StateStore, cb *breaker.Breaker, interval time.Duration, coord *shutdown.Coordinator, log logger.Logger) *ConnectionWatchdog {
	return &ConnectionWatchdog{
		state:    state,
		cb:       cb,
		interval: interval,
		coord:    coord,
		log:      log,
	}
}

// Run probes immediately and then on every interval until shutdown
// begins.
func (wd *ConnectionWatchdog) Run(ctx context.Context) {
	wd.probe(ctx)
	for wd.coord.Sleep(wd.interval) {
		wd.probe(ctx)
	}
}

func (wd *ConnectionWatchdog) probe(ctx context.Context) {
	err := wd.cb.Execute(func() error {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		defer cancel()
		return wd.state.Ping(probeCtx)
	})

	wd.mu.Lock()
	defer wd.mu.Unlock()
	wd.lastCheck = time.Now().UTC()
	if err != nil {
		wd.consecutiveFailures++
		wd.lastError = err.Error()
		wd.log.Warnf("state store probe failed (%d consecutive): %v", wd.consecutiveFailures, err)
		return
	}
	if wd.consecutiveFailures >= unhealthyAfter {
		wd.log.Infof("state store probe recovered after %d failures", wd.consecutiveFailures)
	}
	wd.consecutiveFailures = 0
	wd.lastError = ""
}

// Healthy reports whether the dependency answered a recent probe. A
// watchdog that has not probed yet counts as healthy.
func (wd *ConnectionWatchdog) Healthy() bool {
	wd.mu.Lock()
	defer wd.mu.Unlock()
	return wd.consecutiveFailures < unhealthyAfter
}

func (wd *ConnectionWatchdog) Name() string {
	return "watchdog"
}

// Status reports the probe snapshot for the status endpoint.
func (wd *ConnectionWatchdog) Status() map[string]interface{} {
	wd.mu.Lock()
	defer wd.mu.Unlock()

	status := map[string]interface{}{
		"healthy":              wd.consecutiveFailures < unhealthyAfter,
		"consecutive_failures": wd.consecutiveFailures,
	}
	if !wd.lastCheck.IsZero() {
		status["last_check"] = wd.lastCheck.Format(time.RFC3339)
	}
	if wd.lastError != "" {
		status["last_error"] = wd.lastError
	}
	return status
}

func (wd *ConnectionWatchdog) Stats() map[string]interface{} {
	return wd.Status()
}

package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/mailriver/mailriver/config"
	"github.com/mailriver/mailriver/dto"
	"github.com/mailriver/mailriver/interfaces"
	"github.com/mailriver/mailriver/internal/breaker"
	"github.com/mailriver/mailriver/internal/correlation"
	er "github.com/mailriver/mailriver/internal/errors"
	"github.com/mailriver/mailriver/internal/logger"
	"github.com/mailriver/mailriver/internal/metrics"
	"github.com/mailriver/mailriver/internal/repository"
	"github.com/mailriver/mailriver/internal/shutdown"
	"github.com/mailriver/mailriver/internal/utils"
)

const (
	componentName = "worker"

	// Breaker name, shared with metrics labels and the status endpoint.
	BreakerRedis = "redis"

	// Waits between read attempts after the respective failure.
	breakerOpenWait = 5 * time.Second
	transportWait   = 5 * time.Second
	loopErrWait     = 1 * time.Second

	finalFlushTimeout = 5 * time.Second
)

// Worker consumes the primary stream as one member of the consumer
// group: read a batch, process each entry, ack on success. Failed
// entries stay pending and come back through the recovery sweep after
// their backoff delay; exhausted and poison entries go to the dead
// letter queue.
type Worker struct {
	cfg       *config.Config
	log       logger.Logger
	store     interfaces.LogStore
	state     interfaces.StateStore
	filter    *IdempotencyFilter
	backoff   *BackoffController
	dlq       *DLQRouter
	processor interfaces.EmailProcessor
	sweeper   *RecoverySweeper
	acker     *repository.BatchAcker
	redisCB   *breaker.Breaker
	metrics   *metrics.Metrics
	coord     *shutdown.Coordinator

	consumer string
	stream   string
	group    string

	lastSweep time.Time

	received    atomic.Uint64
	processed   atomic.Uint64
	duplicates  atomic.Uint64
	failures    atomic.Uint64
	deadLetters atomic.Uint64
}

func NewWorker(
	cfg *config.Config,
	log logger.Logger,
	logStore interfaces.LogStore,
	stateStore interfaces.StateStore,
	processor interfaces.EmailProcessor,
	breakers *breaker.Registry,
	m *metrics.Metrics,
	coord *shutdown.Coordinator,
) *Worker {
	consumer := cfg.Worker.Consumer
	if consumer == "" {
		consumer = defaultConsumerName()
	}

	backoff := NewBackoffController(cfg.Backoff)
	dlq := NewDLQRouter(logStore, cfg.Stream.DLQStream, cfg.Stream.MaxStreamLength, m, log)

	w := &Worker{
		cfg:       cfg,
		log:       log,
		store:     logStore,
		state:     stateStore,
		filter:    NewIdempotencyFilter(stateStore, cfg.Idempotency),
		backoff:   backoff,
		dlq:       dlq,
		processor: processor,
		sweeper:   NewRecoverySweeper(logStore, dlq, backoff, cfg.Recovery, cfg.Stream.Stream, cfg.Stream.Group, consumer, m, log),
		acker:     repository.NewBatchAcker(logStore, cfg.Stream.Stream, cfg.Stream.Group, cfg.Worker.BatchSize),
		redisCB:   breakers.Get(BreakerRedis),
		metrics:   m,
		coord:     coord,
		consumer:  consumer,
		stream:    cfg.Stream.Stream,
		group:     cfg.Stream.Group,
	}
	// every ack round trip counts toward the redis breaker, including
	// the auto-flush when the buffer fills inside handleEntry
	w.acker.Guard(w.redisCB.Execute)
	return w
}

func defaultConsumerName() string {
	host, err := os.Hostname()
	if err != nil {
		host = fmt.Sprintf("pid%d", os.Getpid())
	}
	return utils.GenerateConsumerName("worker-" + host)
}

// Preflight verifies the stores and creates the consumer group before
// the loop starts. The group starts at entry 0 so records appended
// before the first worker came up are not skipped.
func (w *Worker) Preflight(ctx context.Context) error {
	if err := w.state.Ping(ctx); err != nil {
		return errors.Wrap(err, "state store ping")
	}
	if err := w.store.EnsureGroup(ctx, w.stream, w.group, "0"); err != nil {
		return errors.Wrap(err, "ensure consumer group")
	}
	return nil
}

// Run executes read/process/ack cycles until shutdown. A clean
// shutdown returns nil.
func (w *Worker) Run(ctx context.Context) error {
	w.metrics.ActiveWorkers.Inc()
	defer w.metrics.ActiveWorkers.Dec()

	w.log.Infof("worker starting: consumer=%s stream=%s group=%s batch=%d block=%s",
		w.consumer, w.stream, w.group, w.cfg.Worker.BatchSize, w.cfg.Worker.BlockTimeout)

	// claim whatever a dead predecessor left behind before taking new work
	w.sweepNow(ctx)

	for w.coord.State() == shutdown.StateRunning {
		if time.Since(w.lastSweep) >= w.cfg.Recovery.Interval {
			w.sweepNow(ctx)
		}

		entries, err := w.readBatch(ctx)
		if err != nil {
			wait := loopErrWait
			switch {
			case er.IsKind(err, er.KindCircuitOpen):
				w.log.Warnf("circuit breaker open, pausing reads: %v", err)
				wait = breakerOpenWait
			case er.IsKind(err, er.KindTransportUnavailable):
				w.log.Errorf("log store unavailable: %v", err)
				wait = transportWait
			default:
				w.log.Errorf("read failed: %v", err)
			}
			if !w.coord.Sleep(wait) {
				break
			}
			continue
		}

		for _, entry := range entries {
			if w.coord.State() != shutdown.StateRunning {
				break
			}
			w.handleEntry(ctx, entry)
		}

		w.flushAcks(ctx)
	}

	w.drainAcks()
	w.log.Infof("worker stopped: received=%d processed=%d duplicates=%d failures=%d dead_letters=%d",
		w.received.Load(), w.processed.Load(), w.duplicates.Load(), w.failures.Load(), w.deadLetters.Load())
	return nil
}

func (w *Worker) readBatch(ctx context.Context) ([]interfaces.StreamEntry, error) {
	var entries []interfaces.StreamEntry
	err := w.redisCB.Execute(func() error {
		var execErr error
		entries, execErr = w.store.ReadGroup(ctx, w.stream, w.group, w.consumer,
			int64(w.cfg.Worker.BatchSize), w.cfg.Worker.BlockTimeout)
		return execErr
	})
	return entries, err
}

// handleEntry runs one entry through the full decision chain:
// decode, dedup, process, then ack / schedule retry / dead letter.
// An entry is acked only once its outcome is durable; every other
// path leaves it pending for redelivery.
func (w *Worker) handleEntry(ctx context.Context, entry interfaces.StreamEntry) {
	w.received.Add(1)

	payload, ok := entry.Fields[dto.PayloadField]
	if !ok || payload == "" {
		w.poison(ctx, entry.EntryID, payload,
			er.WithKind(er.KindInvariantViolation, errors.Wrapf(er.ErrEntryMalformed, "entry %s has no payload field", entry.EntryID)))
		return
	}

	var record dto.MailRecord
	if err := json.Unmarshal([]byte(payload), &record); err != nil {
		w.poison(ctx, entry.EntryID, payload,
			er.WithKind(er.KindInvariantViolation, errors.Wrap(err, "decode payload")))
		return
	}

	// carry the producer's correlation id through processing
	if record.CorrelationID != "" {
		ctx = correlation.WithID(ctx, record.CorrelationID)
	} else {
		ctx = correlation.WithNewID(ctx)
	}
	ctx = correlation.WithComponent(ctx, componentName)
	log := w.log.With(correlation.Fields(ctx)...)

	dup, err := w.isDuplicate(ctx, &record)
	if err != nil {
		log.Errorf("duplicate check for entry %s failed, leaving pending: %v", entry.EntryID, err)
		return
	}
	if dup {
		w.duplicates.Add(1)
		w.metrics.IdempotencyDuplicates.Inc()
		log.Infof("duplicate %s (entry %s), acking without processing", record.IdempotencyKey(), entry.EntryID)
		w.ack(ctx, entry.EntryID)
		return
	}

	start := time.Now()
	result, err := w.process(ctx, &record)
	w.metrics.ProcessingLatency.Observe(time.Since(start).Seconds())

	if err == nil {
		// mark before ack: a crash between the two redelivers the entry
		// and the duplicate check absorbs it
		if markErr := w.markProcessed(ctx, &record); markErr != nil {
			log.Errorf("could not mark %s processed, leaving pending for redelivery: %v", record.IdempotencyKey(), markErr)
			return
		}
		w.backoff.RecordSuccess(entry.EntryID)
		w.processed.Add(1)
		w.metrics.EmailsProcessed.Inc()
		if result != nil && result.Result != nil {
			log.Debugf("processed %s (entry %s) priority=%v", record.IdempotencyKey(), entry.EntryID, result.Result["priority"])
		}
		w.ack(ctx, entry.EntryID)
		return
	}

	w.failures.Add(1)
	w.metrics.EmailsFailed.Inc()

	if er.IsKind(err, er.KindInvariantViolation) {
		log.Warnf("entry %s failed validation, dead lettering: %v", entry.EntryID, err)
		w.poison(ctx, entry.EntryID, payload, err)
		return
	}

	retryCount := w.backoff.RecordFailure(entry.EntryID)
	if !w.backoff.ShouldRetry(entry.EntryID) {
		log.Errorf("entry %s exhausted %d retries, dead lettering: %v", entry.EntryID, w.cfg.Backoff.MaxRetries, err)
		if _, dlqErr := w.dlq.SendToDLQ(ctx, entry.EntryID, payload, err, retryCount); dlqErr != nil {
			log.Errorf("dead letter append for %s failed, leaving pending: %v", entry.EntryID, dlqErr)
			return
		}
		w.deadLetters.Add(1)
		w.backoff.RecordSuccess(entry.EntryID)
		w.ack(ctx, entry.EntryID)
		return
	}

	w.metrics.BackoffRetries.Inc()
	log.Warnf("entry %s failed (attempt %d/%d), retry in %s: %v",
		entry.EntryID, retryCount, w.cfg.Backoff.MaxRetries, w.backoff.Delay(retryCount-1), err)
	// no ack: the entry stays pending and the sweep re-claims it once due
}

// process runs the pluggable handler. A panicking handler is converted
// into a transient failure so one bad record cannot take down the loop.
func (w *Worker) process(ctx context.Context, record *dto.MailRecord) (result *interfaces.ProcessResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Errorf("processor panic on %s: %v\n%s", record.IdempotencyKey(), r, debug.Stack())
			err = er.Newf(er.KindProcessingTransient, "processor panic: %v", r)
		}
	}()
	return w.processor.Process(ctx, record)
}

// poison dead letters an entry that can never process. No retry cycle:
// redelivering it would fail the same way every time. The entry stays
// pending when the dead letter append itself fails so nothing is lost.
func (w *Worker) poison(ctx context.Context, entryID, payload string, cause error) {
	log := w.log.With(correlation.Fields(ctx)...)
	if _, err := w.dlq.SendToDLQ(ctx, entryID, payload, cause, 0); err != nil {
		log.Errorf("dead letter append for poison entry %s failed, leaving pending: %v", entryID, err)
		return
	}
	w.deadLetters.Add(1)
	w.ack(ctx, entryID)
}

func (w *Worker) isDuplicate(ctx context.Context, record *dto.MailRecord) (bool, error) {
	var dup bool
	err := w.redisCB.Execute(func() error {
		var execErr error
		dup, execErr = w.filter.IsDuplicate(ctx, record)
		return execErr
	})
	return dup, err
}

func (w *Worker) markProcessed(ctx context.Context, record *dto.MailRecord) error {
	return w.redisCB.Execute(func() error {
		return w.filter.MarkProcessed(ctx, record)
	})
}

func (w *Worker) ack(ctx context.Context, entryID string) {
	if err := w.acker.Add(ctx, entryID); err != nil {
		w.log.Errorf("ack %s failed, entry will be redelivered: %v", entryID, err)
	}
}

func (w *Worker) flushAcks(ctx context.Context) {
	if w.acker.Stats().Pending == 0 {
		return
	}
	if err := w.acker.Flush(ctx); err != nil {
		w.log.Errorf("ack flush failed, unacked entries will be redelivered: %v", err)
	}
}

// drainAcks flushes the remaining ack buffer on its own deadline, the
// loop context is already done at this point.
func (w *Worker) drainAcks() {
	ctx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
	defer cancel()
	if err := w.acker.Flush(ctx); err != nil {
		w.log.Errorf("final ack flush failed: %v", err)
	}
}

// sweepNow claims due orphans and runs them through the normal entry
// handler.
func (w *Worker) sweepNow(ctx context.Context) {
	w.lastSweep = time.Now()
	sweepCtx := correlation.WithComponent(correlation.WithNewID(ctx), componentName)

	var claimed []interfaces.StreamEntry
	err := w.redisCB.Execute(func() error {
		var execErr error
		claimed, execErr = w.sweeper.Sweep(sweepCtx)
		return execErr
	})
	if err != nil {
		w.log.Errorf("recovery sweep failed: %v", err)
		return
	}

	for _, entry := range claimed {
		if w.coord.State() != shutdown.StateRunning {
			return
		}
		w.handleEntry(sweepCtx, entry)
	}
}

// Backoff exposes the retry-state controller so periodic GC can reap
// stale entries.
func (w *Worker) Backoff() *BackoffController {
	return w.backoff
}

func (w *Worker) Name() string {
	return componentName
}

// Stats feeds the status endpoint.
func (w *Worker) Stats() map[string]interface{} {
	processed := w.processed.Load()
	failed := w.failures.Load()
	var successRate float64
	if processed+failed > 0 {
		successRate = float64(processed) / float64(processed+failed)
	}

	return map[string]interface{}{
		"consumer":      w.consumer,
		"stream":        w.stream,
		"group":         w.group,
		"received":      w.received.Load(),
		"processed":     processed,
		"duplicates":    w.duplicates.Load(),
		"failures":      failed,
		"dead_letters":  w.deadLetters.Load(),
		"success_rate":  successRate,
		"retry_tracked": w.backoff.Tracked(),
		"recovery":      w.sweeper.Stats(),
		"acks":          w.acker.Stats(),
	}
}

package metrics

import (
	"context"
	"time"

	"github.com/mailriver/mailriver/interfaces"
	"github.com/mailriver/mailriver/internal/breaker"
	"github.com/mailriver/mailriver/internal/logger"
)

// Updater refreshes the gauges that mirror external state: stream
// depths, breaker states, uptime.
type Updater struct {
	metrics   *Metrics
	logStore  interfaces.LogStore
	breakers  *breaker.Registry
	stream    string
	dlqStream string
	interval  time.Duration
	log       logger.Logger
}

func NewUpdater(m *Metrics, logStore interfaces.LogStore, breakers *breaker.Registry, stream, dlqStream string, interval time.Duration, log logger.Logger) *Updater {
	return &Updater{
		metrics:   m,
		logStore:  logStore,
		breakers:  breakers,
		stream:    stream,
		dlqStream: dlqStream,
		interval:  interval,
		log:       log,
	}
}

func (u *Updater) Run(ctx context.Context) {
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	u.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			u.Refresh(ctx)
		}
	}
}

func (u *Updater) Refresh(ctx context.Context) {
	u.metrics.Uptime()

	if depth, err := u.logStore.Len(ctx, u.stream); err != nil {
		u.log.Warnf("metrics updater: stream depth poll failed: %v", err)
	} else {
		u.metrics.StreamDepth.Set(float64(depth))
	}

	if depth, err := u.logStore.Len(ctx, u.dlqStream); err != nil {
		u.log.Warnf("metrics updater: dlq depth poll failed: %v", err)
	} else {
		u.metrics.DLQDepth.Set(float64(depth))
	}

	if u.breakers != nil {
		for _, b := range u.breakers.All() {
			u.metrics.SetBreakerState(b.Name(), float64(b.State()))
		}
	}
}

package server

import (
	"context"

	"github.com/pkg/errors"

	"github.com/mailriver/mailriver/config"
	"github.com/mailriver/mailriver/internal/cron"
	"github.com/mailriver/mailriver/internal/shutdown"
	"github.com/mailriver/mailriver/services/worker"
)

// WorkerServer assembles the worker role: one consumer loop in the
// shared group plus the watchdog, periodic retry-state GC, and the
// shared health, metrics and shutdown plumbing.
type WorkerServer struct {
	*core
	worker   *worker.Worker
	watchdog *worker.ConnectionWatchdog
	cron     *cron.CronManager
}

func NewWorkerServer(cfg *config.Config) (*WorkerServer, error) {
	c, err := newCore(cfg, config.RoleWorker)
	if err != nil {
		return nil, err
	}

	processor := worker.NewKeywordProcessor(c.log)
	svc := worker.NewWorker(cfg, c.log, c.repos.LogStore, c.repos.StateStore,
		processor, c.breakers, c.metrics, c.coord)

	watchdog := worker.NewConnectionWatchdog(c.repos.StateStore,
		c.breakers.Get(worker.BreakerRedis), cfg.Health.UpdateInterval, c.coord, c.log)

	return &WorkerServer{
		core:     c,
		worker:   svc,
		watchdog: watchdog,
		cron:     cron.NewCronManager(c.log, svc.Backoff(), cfg.Backoff.StaleAfter),
	}, nil
}

// Run blocks until the loop ends or a signal arrives, then executes the
// shutdown sequence.
func (s *WorkerServer) Run(ctx context.Context) error {
	if err := s.worker.Preflight(ctx); err != nil {
		return err
	}

	s.healthRegistry.RegisterCheck("redis", true, func(ctx context.Context) error {
		return s.repos.StateStore.Ping(ctx)
	})
	s.healthRegistry.RegisterStatsProvider(s.worker)
	s.healthRegistry.RegisterStatsProvider(s.watchdog)

	bgCtx, cancelBg := context.WithCancel(context.Background())
	defer cancelBg()

	var loopErr error
	loopDone := make(chan struct{})

	s.registerCommonShutdown(cancelBg)
	s.coord.Register("worker_drain", shutdown.PriorityDrain, func(ctx context.Context) error {
		select {
		case <-loopDone:
			return nil
		case <-ctx.Done():
			return errors.New("worker loop did not drain in time")
		}
	})
	s.coord.Register("cron", shutdown.PriorityDrain, func(ctx context.Context) error {
		s.cron.Stop()
		return nil
	})
	s.coord.HandleSignals()

	s.startServers()
	go s.wrapGoroutine("metrics_updater", func() { s.updater.Run(bgCtx) })
	go s.wrapGoroutine("watchdog", func() { s.watchdog.Run(bgCtx) })
	s.cron.StartCron()

	go s.wrapGoroutine("worker_loop", func() {
		defer close(loopDone)
		loopErr = s.worker.Run(ctx)
	})

	select {
	case <-loopDone:
		s.coord.Initiate("worker loop ended")
	case <-s.coord.ShuttingDown():
	}

	shutdownErr := s.coord.Execute()

	select {
	case <-loopDone:
		if loopErr != nil {
			return loopErr
		}
	default:
		s.log.Warn("worker loop abandoned at shutdown deadline")
	}
	return shutdownErr
}

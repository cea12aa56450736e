package server

import (
	"context"

	"github.com/pkg/errors"

	"github.com/mailriver/mailriver/config"
	"github.com/mailriver/mailriver/interfaces"
	"github.com/mailriver/mailriver/internal/cron"
	"github.com/mailriver/mailriver/internal/shutdown"
	"github.com/mailriver/mailriver/services/auth"
	"github.com/mailriver/mailriver/services/imapclient"
	"github.com/mailriver/mailriver/services/producer"
)

// ProducerServer assembles the producer role: one poll loop for the
// configured (account, mailbox) plus the shared health, metrics and
// shutdown plumbing.
type ProducerServer struct {
	*core
	producer *producer.Producer
	auth     interfaces.AuthProvider
	cron     *cron.CronManager
}

func NewProducerServer(cfg *config.Config) (*ProducerServer, error) {
	c, err := newCore(cfg, config.RoleProducer)
	if err != nil {
		return nil, err
	}

	authProvider, err := auth.NewProvider(cfg, cfg.IMAP.Username, c.log)
	if err != nil {
		return nil, err
	}
	sessions := func() interfaces.MailSession {
		return imapclient.NewSession(cfg.IMAP, cfg.Producer, authProvider, c.log)
	}

	svc := producer.NewProducer(cfg, c.log, sessions, authProvider,
		c.repos.LogStore, c.repos.StateStore, c.breakers, c.metrics, c.coord)

	return &ProducerServer{
		core:     c,
		producer: svc,
		auth:     authProvider,
		cron:     cron.NewCronManager(c.log, nil, 0),
	}, nil
}

// Run blocks until the loop ends or a signal arrives, then executes the
// shutdown sequence. The returned error keeps its kind so the CLI can
// map auth setup failures to the right exit code.
func (s *ProducerServer) Run(ctx context.Context) error {
	if err := s.producer.Preflight(ctx); err != nil {
		return err
	}

	s.healthRegistry.RegisterCheck("redis", true, func(ctx context.Context) error {
		return s.repos.StateStore.Ping(ctx)
	})
	s.healthRegistry.RegisterCheck("auth", true, func(ctx context.Context) error {
		_, err := s.auth.AccessToken(ctx)
		return err
	})
	s.healthRegistry.RegisterStatsProvider(s.producer)

	bgCtx, cancelBg := context.WithCancel(context.Background())
	defer cancelBg()

	var loopErr error
	loopDone := make(chan struct{})

	s.registerCommonShutdown(cancelBg)
	s.coord.Register("producer_drain", shutdown.PriorityDrain, func(ctx context.Context) error {
		select {
		case <-loopDone:
			return nil
		case <-ctx.Done():
			return errors.New("producer loop did not drain in time")
		}
	})
	s.coord.Register("cron", shutdown.PriorityDrain, func(ctx context.Context) error {
		s.cron.Stop()
		return nil
	})
	s.coord.HandleSignals()

	s.startServers()
	go s.wrapGoroutine("metrics_updater", func() { s.updater.Run(bgCtx) })
	s.cron.StartCron()

	go s.wrapGoroutine("producer_loop", func() {
		defer close(loopDone)
		loopErr = s.producer.Run(ctx)
	})

	select {
	case <-loopDone:
		s.coord.Initiate("producer loop ended")
	case <-s.coord.ShuttingDown():
	}

	shutdownErr := s.coord.Execute()

	select {
	case <-loopDone:
		if loopErr != nil {
			return loopErr
		}
	default:
		s.log.Warn("producer loop abandoned at shutdown deadline")
	}
	return shutdownErr
}

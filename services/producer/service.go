package producer

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"

	"github.com/mailriver/mailriver/config"
	"github.com/mailriver/mailriver/dto"
	"github.com/mailriver/mailriver/interfaces"
	"github.com/mailriver/mailriver/internal/breaker"
	"github.com/mailriver/mailriver/internal/correlation"
	er "github.com/mailriver/mailriver/internal/errors"
	"github.com/mailriver/mailriver/internal/logger"
	"github.com/mailriver/mailriver/internal/metrics"
	"github.com/mailriver/mailriver/internal/models"
	"github.com/mailriver/mailriver/internal/repository"
	"github.com/mailriver/mailriver/internal/shutdown"
	"github.com/mailriver/mailriver/internal/tracing"
)

const (
	componentName = "producer"

	// Breaker names, shared with metrics labels and the status endpoint.
	BreakerIMAP  = "imap"
	BreakerRedis = "redis"

	// How long to wait before the next attempt when a breaker rejected
	// the poll outright.
	breakerOpenWait = 5 * time.Second

	partitionClearTimeout = 30 * time.Second
)

// SessionFactory builds a fresh IMAP session for one connection
// lifetime.
type SessionFactory func() interfaces.MailSession

// Producer runs the poll loop for one (account, mailbox): search new
// UIDs, fetch, build records, append to the primary stream, advance the
// cursor. At-least-once: the cursor advances only after the append
// pipeline is acknowledged.
type Producer struct {
	cfg          *config.Config
	log          logger.Logger
	sessions     SessionFactory
	authProvider interfaces.AuthProvider
	cursor       *CursorManager
	appender     *repository.BatchAppender
	state        interfaces.StateStore
	imapCB       *breaker.Breaker
	redisCB      *breaker.Breaker
	metrics      *metrics.Metrics
	coord        *shutdown.Coordinator

	account string
	mailbox string

	session       interfaces.MailSession
	authRefreshed bool
	bg            sync.WaitGroup

	pollCount     atomic.Uint64
	producedCount atomic.Uint64
}

func NewProducer(
	cfg *config.Config,
	log logger.Logger,
	sessions SessionFactory,
	authProvider interfaces.AuthProvider,
	logStore interfaces.LogStore,
	stateStore interfaces.StateStore,
	breakers *breaker.Registry,
	m *metrics.Metrics,
	coord *shutdown.Coordinator,
) *Producer {
	p := &Producer{
		cfg:          cfg,
		log:          log,
		sessions:     sessions,
		authProvider: authProvider,
		cursor:       NewCursorManager(stateStore, cfg.IMAP.Username, cfg.IMAP.Mailbox, log),
		appender:     repository.NewBatchAppender(logStore, cfg.Stream.Stream, cfg.Stream.MaxStreamLength, cfg.Producer.BatchSize),
		state:        stateStore,
		imapCB:       breakers.Get(BreakerIMAP),
		redisCB:      breakers.Get(BreakerRedis),
		metrics:      m,
		coord:        coord,
		account:      cfg.IMAP.Username,
		mailbox:      cfg.IMAP.Mailbox,
	}
	// every pipeline round trip counts toward the redis breaker,
	// including the auto-flush when a batch fills mid-ingest
	p.appender.Guard(p.redisCB.Execute)
	return p
}

// Preflight verifies the state store and the stored credential before
// the loop starts. A missing or dead token surfaces here so the process
// can exit with the auth setup hint instead of spinning.
func (p *Producer) Preflight(ctx context.Context) error {
	if err := p.state.Ping(ctx); err != nil {
		return errors.Wrap(err, "state store ping")
	}
	if _, err := p.authProvider.AccessToken(ctx); err != nil {
		return err
	}
	return nil
}

// Run executes poll cycles until shutdown. A clean shutdown returns
// nil; an auth setup error aborts the loop.
func (p *Producer) Run(ctx context.Context) error {
	p.log.Infof("producer starting: account=%s mailbox=%s provider=%s stream=%s batch=%d poll=%s dry_run=%v",
		p.account, p.mailbox, p.cfg.IMAP.Provider, p.cfg.Stream.Stream,
		p.cfg.Producer.BatchSize, p.cfg.Producer.PollInterval, p.cfg.Producer.DryRun)

	if cursor, err := p.cursor.Load(ctx); err != nil {
		p.log.Warnf("could not load initial cursor: %v", err)
	} else {
		p.log.Infof("initial cursor: last_uid=%d uidvalidity=%d total_emails=%d",
			cursor.LastUID, cursor.UIDValidity, cursor.TotalEmails)
	}

	for p.coord.State() == shutdown.StateRunning {
		pollCtx := correlation.WithComponent(correlation.WithNewID(ctx), componentName)

		err := p.poll(pollCtx)
		wait := p.cfg.Producer.PollInterval
		switch {
		case err == nil:
		case er.IsKind(err, er.KindAuthSetupRequired):
			p.log.Errorf("credential unusable: %v", err)
			p.shutdownSession()
			return err
		case er.IsKind(err, er.KindCircuitOpen):
			p.log.With(correlation.Fields(pollCtx)...).Warnf("circuit breaker open, skipping poll: %v", err)
			wait = breakerOpenWait
		default:
			p.log.With(correlation.Fields(pollCtx)...).Errorf("poll failed: %v", err)
		}

		if !p.coord.Sleep(wait) {
			break
		}
	}

	p.shutdownSession()
	p.log.Infof("producer stopped: polls=%d produced=%d", p.pollCount.Load(), p.producedCount.Load())
	return nil
}

func (p *Producer) shutdownSession() {
	p.bg.Wait()
	p.dropSession()
}

// poll runs one full cycle: connect and select under the imap breaker,
// reconcile the epoch, search new UIDs, ingest them, commit the cursor.
func (p *Producer) poll(ctx context.Context) error {
	pollNum := p.pollCount.Add(1)
	span, ctx := opentracing.StartSpanFromContext(ctx, "Producer.poll")
	defer span.Finish()
	tracing.TagComponentProducer(span)
	tracing.TagAccount(span, p.account)
	tracing.TagMailbox(span, p.mailbox)

	log := p.log.With(correlation.Fields(ctx)...)
	log.Infof("poll #%d starting", pollNum)

	p.metrics.IMAPPolls.Inc()
	start := time.Now()
	defer func() {
		p.metrics.IMAPPollDuration.Observe(time.Since(start).Seconds())
	}()

	var status *interfaces.FolderStatus
	err := p.imapCB.Execute(func() error {
		var execErr error
		status, execErr = p.connectAndSelect(ctx)
		return execErr
	})
	if err != nil {
		if er.IsKind(err, er.KindImapTransport) {
			p.dropSession()
		}
		if er.IsKind(err, er.KindImapAuth) {
			p.dropSession()
			err = p.forceTokenRefresh(ctx, err)
		}
		tracing.TraceErr(span, err)
		return err
	}
	p.authRefreshed = false

	cursor, err := p.cursor.Load(ctx)
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}

	if cursor.UIDValidity != 0 && cursor.UIDValidity != status.UIDValidity {
		log.Warnf("UIDVALIDITY changed for %s/%s (%d -> %d), mailbox was reset, restarting from UID 0",
			p.account, p.mailbox, cursor.UIDValidity, status.UIDValidity)
		if err := p.cursor.ResetEpoch(ctx, status.UIDValidity); err != nil {
			tracing.TraceErr(span, err)
			return err
		}
		p.clearStalePartition(cursor.UIDValidity)
		cursor.UIDValidity = status.UIDValidity
		cursor.LastUID = 0
	}

	log.Infof("mailbox %s: uidvalidity=%d last_uid=%d exists=%d",
		p.mailbox, status.UIDValidity, cursor.LastUID, status.Exists)

	var uids []uint64
	err = p.imapCB.Execute(func() error {
		var execErr error
		uids, execErr = p.session.SearchUIDRange(ctx, cursor.LastUID)
		return execErr
	})
	if err != nil {
		if er.IsKind(err, er.KindImapTransport) {
			p.dropSession()
		}
		tracing.TraceErr(span, err)
		return err
	}
	if len(uids) > p.cfg.Producer.BatchSize {
		uids = uids[:p.cfg.Producer.BatchSize]
	}

	if len(uids) == 0 {
		log.Debug("no new messages")
		return p.cursor.TouchPoll(ctx)
	}

	if p.cfg.Producer.DryRun {
		log.Infof("dry run: would ingest %d messages (UIDs %d..%d)", len(uids), uids[0], uids[len(uids)-1])
		return p.cursor.TouchPoll(ctx)
	}

	log.Infof("fetching %d new messages", len(uids))
	appended, lastGood, err := p.ingest(ctx, status.UIDValidity, uids)
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}

	if lastGood > cursor.LastUID {
		if err := p.cursor.CommitBatch(ctx, status.UIDValidity, lastGood, appended); err != nil {
			tracing.TraceErr(span, err)
			return err
		}
	} else if err := p.cursor.TouchPoll(ctx); err != nil {
		tracing.TraceErr(span, err)
		return err
	}

	log.Infof("appended %d/%d messages, last_uid=%d", appended, len(uids), lastGood)
	return nil
}

// ingest fetches each UID, buffers one record per message, and flushes
// the whole batch through a single pipeline round trip. The returned
// lastGood is the highest UID the cursor may advance to: a fetch
// failure stops the advance so that UID is retried next cycle, while
// records appended past it are deduplicated downstream.
func (p *Producer) ingest(ctx context.Context, uidValidity uint64, uids []uint64) (int, uint64, error) {
	log := p.log.With(correlation.Fields(ctx)...)
	correlationID := correlation.ID(ctx)

	buffered := 0
	var lastGood uint64
	advance := true

	for _, uid := range uids {
		if p.coord.State() != shutdown.StateRunning {
			log.Warn("shutdown during batch, committing what is buffered")
			break
		}

		var msg *interfaces.FetchedMessage
		err := p.imapCB.Execute(func() error {
			var execErr error
			msg, execErr = p.session.Fetch(ctx, uid)
			return execErr
		})
		if err != nil {
			if er.IsKind(err, er.KindImapTransport) {
				p.dropSession()
				p.appender.Discard()
				return 0, 0, err
			}
			// a fetch-error storm opened the breaker, stop the batch
			if er.IsKind(err, er.KindCircuitOpen) {
				p.appender.Discard()
				return 0, 0, err
			}
			log.Errorf("fetch UID %d failed, will retry next cycle: %v", uid, err)
			advance = false
			continue
		}

		record := p.buildRecord(msg, uidValidity, correlationID)
		payload, err := json.Marshal(record)
		if err != nil {
			log.Errorf("serialize UID %d failed: %v", uid, err)
			advance = false
			continue
		}

		if err := p.appender.Add(ctx, map[string]string{dto.PayloadField: string(payload)}); err != nil {
			p.appender.Discard()
			return 0, 0, err
		}
		buffered++
		if advance {
			lastGood = uid
		}
	}

	if err := p.appender.Flush(ctx); err != nil {
		p.appender.Discard()
		return 0, 0, err
	}

	if buffered > 0 {
		p.metrics.EmailsProduced.Add(float64(buffered))
		p.producedCount.Add(uint64(buffered))
	}
	return buffered, lastGood, nil
}

func (p *Producer) connectAndSelect(ctx context.Context) (*interfaces.FolderStatus, error) {
	if p.session == nil {
		session := p.sessions()
		if err := session.Connect(ctx); err != nil {
			return nil, err
		}
		if err := session.Authenticate(ctx); err != nil {
			return nil, err
		}
		p.session = session
	}
	return p.session.SelectFolder(ctx, p.mailbox)
}

// forceTokenRefresh handles the server rejecting a credential that
// still looks valid locally, e.g. revoked upstream: drop the cached
// access token and refresh right away so the next poll authenticates
// with a fresh one. A failed refresh surfaces in place of the auth
// error, and a rejection of the freshly refreshed token escalates to
// TokenRefreshFailed rather than refreshing again.
func (p *Producer) forceTokenRefresh(ctx context.Context, cause error) error {
	if p.authProvider == nil {
		return cause
	}
	if p.authRefreshed {
		return er.WithKind(er.KindTokenRefreshFailed,
			errors.Wrap(cause, "authentication failed with a freshly refreshed token"))
	}
	p.log.Warnf("IMAP rejected authentication for %s, forcing a token refresh: %v", p.account, cause)
	p.authProvider.Invalidate()
	if _, err := p.authProvider.AccessToken(ctx); err != nil {
		return err
	}
	p.authRefreshed = true
	return cause
}

// dropSession discards the connection so the next poll reconnects.
func (p *Producer) dropSession() {
	if p.session == nil {
		return
	}
	p.session.Logout()
	p.session = nil
}

// clearStalePartition drops the idempotency partition of a previous
// epoch in the background. Correctness does not depend on it, the
// partition only wastes memory once its epoch is gone.
func (p *Producer) clearStalePartition(oldValidity uint64) {
	if !p.cfg.Idempotency.Partitioned {
		return
	}
	key := models.IdempotencyPartition(p.cfg.Idempotency.SetKey, p.account, p.mailbox, oldValidity)

	p.bg.Add(1)
	go func() {
		defer p.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), partitionClearTimeout)
		defer cancel()
		if err := p.state.Delete(ctx, key); err != nil {
			p.log.Warnf("failed to clear stale idempotency partition %s: %v", key, err)
			return
		}
		p.log.Infof("cleared stale idempotency partition %s", key)
	}()
}

func (p *Producer) buildRecord(msg *interfaces.FetchedMessage, uidValidity uint64, correlationID string) *dto.MailRecord {
	return &dto.MailRecord{
		UID:             msg.UID,
		UIDValidity:     uidValidity,
		Mailbox:         p.mailbox,
		Account:         p.account,
		From:            msg.From,
		To:              msg.To,
		Subject:         msg.Subject,
		Date:            msg.Date.UTC().Format(time.RFC3339),
		MessageID:       msg.MessageID,
		Size:            msg.Size,
		Headers:         msg.Headers,
		BodyText:        msg.BodyText,
		BodyHTMLPreview: msg.BodyHTML,
		FetchedAt:       time.Now().UTC().Format(time.RFC3339),
		CorrelationID:   correlationID,
	}
}

func (p *Producer) Name() string {
	return componentName
}

// Stats feeds the status endpoint.
func (p *Producer) Stats() map[string]interface{} {
	return map[string]interface{}{
		"account":    p.account,
		"mailbox":    p.mailbox,
		"stream":     p.cfg.Stream.Stream,
		"poll_count": p.pollCount.Load(),
		"produced":   p.producedCount.Load(),
		"dry_run":    p.cfg.Producer.DryRun,
		"batch":      p.appender.Stats(),
	}
}

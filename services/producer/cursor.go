package producer

import (
	"context"
	"strconv"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"

	"github.com/mailriver/mailriver/interfaces"
	"github.com/mailriver/mailriver/internal/logger"
	"github.com/mailriver/mailriver/internal/models"
	"github.com/mailriver/mailriver/internal/tracing"
)

// CursorManager persists ingest progress for one (account, mailbox).
// The cursor has a single writer; reads may happen from anywhere.
type CursorManager struct {
	store   interfaces.StateStore
	keys    models.CursorKeys
	account string
	mailbox string
	log     logger.Logger
}

func NewCursorManager(store interfaces.StateStore, account, mailbox string, log logger.Logger) *CursorManager {
	return &CursorManager{
		store:   store,
		keys:    models.KeysFor(account, mailbox),
		account: account,
		mailbox: mailbox,
		log:     log,
	}
}

func (m *CursorManager) Load(ctx context.Context) (*models.ProducerCursor, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "CursorManager.Load")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagAccount(span, m.account)
	tracing.TagMailbox(span, m.mailbox)

	cursor := &models.ProducerCursor{}

	var err error
	if cursor.LastUID, err = m.loadUint(ctx, m.keys.LastUID); err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}
	if cursor.UIDValidity, err = m.loadUint(ctx, m.keys.UIDValidity); err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}
	if cursor.TotalEmails, err = m.loadUint(ctx, m.keys.TotalEmails); err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}

	raw, ok, err := m.store.Get(ctx, m.keys.LastPoll)
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}
	if ok {
		if parsed, parseErr := time.Parse(time.RFC3339, raw); parseErr == nil {
			cursor.LastPollAt = parsed
		} else {
			m.log.Warnf("ignoring unparseable last_poll value %q for %s/%s", raw, m.account, m.mailbox)
		}
	}
	return cursor, nil
}

func (m *CursorManager) loadUint(ctx context.Context, key string) (uint64, error) {
	raw, ok, err := m.store.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if !ok || raw == "" {
		return 0, nil
	}
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "corrupt cursor value at %s", key)
	}
	return value, nil
}

// ResetEpoch rewrites the cursor for a new mailbox epoch. The new
// uidvalidity and the zeroed last_uid land in one write, before any
// fetch against the new epoch.
func (m *CursorManager) ResetEpoch(ctx context.Context, uidValidity uint64) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "CursorManager.ResetEpoch")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagAccount(span, m.account)
	tracing.TagMailbox(span, m.mailbox)
	span.SetTag("uidvalidity", uidValidity)

	err := m.store.SetMulti(ctx, map[string]string{
		m.keys.UIDValidity: strconv.FormatUint(uidValidity, 10),
		m.keys.LastUID:     "0",
	})
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	return nil
}

// CommitBatch records batch progress in one atomic write and bumps the
// operational total by the number of appended records.
func (m *CursorManager) CommitBatch(ctx context.Context, uidValidity, lastUID uint64, appended int) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "CursorManager.CommitBatch")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagAccount(span, m.account)
	tracing.TagMailbox(span, m.mailbox)
	span.SetTag("last-uid", lastUID)

	err := m.store.SetMulti(ctx, map[string]string{
		m.keys.LastUID:     strconv.FormatUint(lastUID, 10),
		m.keys.UIDValidity: strconv.FormatUint(uidValidity, 10),
		m.keys.LastPoll:    time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	if appended > 0 {
		if _, err := m.store.IncrBy(ctx, m.keys.TotalEmails, int64(appended)); err != nil {
			tracing.TraceErr(span, err)
			return err
		}
	}
	return nil
}

// TouchPoll updates only the poll timestamp, for cycles that found
// nothing to ingest.
func (m *CursorManager) TouchPoll(ctx context.Context) error {
	return m.store.Set(ctx, m.keys.LastPoll, time.Now().UTC().Format(time.RFC3339))
}

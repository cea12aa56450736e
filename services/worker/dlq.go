package worker

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/mailriver/mailriver/dto"
	"github.com/mailriver/mailriver/interfaces"
	er "github.com/mailriver/mailriver/internal/errors"
	"github.com/mailriver/mailriver/internal/logger"
	"github.com/mailriver/mailriver/internal/metrics"
	"github.com/mailriver/mailriver/internal/tracing"
)

// ErrDLQEntryNotFound is returned when an operator names a dead letter
// entry that no longer exists.
var ErrDLQEntryNotFound = errors.New("dead letter entry not found")

// DLQEntry pairs a dead letter stream entry ID with its decoded
// envelope.
type DLQEntry struct {
	EntryID  string          `json:"entry_id"`
	Envelope dto.DLQEnvelope `json:"envelope"`
}

// DLQRouter appends exhausted and poison entries to the dead letter
// stream and offers the operator surface over it.
type DLQRouter struct {
	store   interfaces.LogStore
	stream  string
	maxLen  int64
	metrics *metrics.Metrics
	log     logger.Logger
}

func NewDLQRouter(store interfaces.LogStore, stream string, maxLen int64, m *metrics.Metrics, log logger.Logger) *DLQRouter {
	return &DLQRouter{
		store:   store,
		stream:  stream,
		maxLen:  maxLen,
		metrics: m,
		log:     log,
	}
}

// SendToDLQ wraps the failed payload in an envelope and appends it to
// the dead letter stream. The payload is stored unmodified.
func (d *DLQRouter) SendToDLQ(ctx context.Context, entryID, payload string, cause error, retryCount int) (string, error) {
	span, ctx := tracing.StartTracerSpan(ctx, "DLQRouter.SendToDLQ")
	defer span.Finish()
	tracing.TagComponentWorker(span)
	tracing.TagEntry(span, entryID)

	envelope := dto.DLQEnvelope{
		OriginalEntryID: entryID,
		Payload:         payload,
		ErrorKind:       string(er.KindOf(cause)),
		ErrorMessage:    cause.Error(),
		RetryCount:      retryCount,
		FailedAt:        time.Now().UTC().Format(time.RFC3339),
	}

	dlqID, err := d.store.Append(ctx, d.stream, envelope.Fields(), d.maxLen)
	if err != nil {
		tracing.TraceErr(span, err)
		return "", errors.Wrapf(err, "dead letter append for entry %s", entryID)
	}

	d.metrics.DLQMessages.Inc()
	d.log.Warnf("entry %s routed to dead letter queue as %s (%s after %d retries)",
		entryID, dlqID, envelope.ErrorKind, retryCount)
	return dlqID, nil
}

// Peek returns up to count of the oldest dead letter entries without
// removing them.
func (d *DLQRouter) Peek(ctx context.Context, count int64) ([]DLQEntry, error) {
	entries, err := d.store.Range(ctx, d.stream, "-", "+", count)
	if err != nil {
		return nil, err
	}

	out := make([]DLQEntry, 0, len(entries))
	for _, entry := range entries {
		out = append(out, DLQEntry{
			EntryID:  entry.EntryID,
			Envelope: dto.DLQEnvelopeFromFields(entry.Fields),
		})
	}
	return out, nil
}

// Reprocess re-appends the original payload of a dead letter entry to
// the target stream and deletes the dead letter entry. Returns the new
// entry ID.
func (d *DLQRouter) Reprocess(ctx context.Context, dlqEntryID, targetStream string) (string, error) {
	span, ctx := tracing.StartTracerSpan(ctx, "DLQRouter.Reprocess")
	defer span.Finish()
	tracing.TagComponentWorker(span)
	tracing.TagEntry(span, dlqEntryID)

	entries, err := d.store.Range(ctx, d.stream, dlqEntryID, dlqEntryID, 1)
	if err != nil {
		tracing.TraceErr(span, err)
		return "", err
	}
	if len(entries) == 0 {
		return "", errors.Wrapf(ErrDLQEntryNotFound, "id %s", dlqEntryID)
	}

	envelope := dto.DLQEnvelopeFromFields(entries[0].Fields)
	if envelope.Payload == "" {
		return "", errors.Wrapf(er.ErrEntryMalformed, "dead letter entry %s has no payload", dlqEntryID)
	}

	newID, err := d.store.Append(ctx, targetStream, map[string]string{dto.PayloadField: envelope.Payload}, d.maxLen)
	if err != nil {
		tracing.TraceErr(span, err)
		return "", err
	}
	if _, err := d.store.Delete(ctx, d.stream, dlqEntryID); err != nil {
		d.log.Warnf("reprocessed %s to %s but could not delete the dead letter entry: %v", dlqEntryID, newID, err)
	}

	d.log.Infof("reprocessed dead letter entry %s into %s as %s", dlqEntryID, targetStream, newID)
	return newID, nil
}

// Clear drops every dead letter entry. Operator use only.
func (d *DLQRouter) Clear(ctx context.Context) (int64, error) {
	length, err := d.store.Len(ctx, d.stream)
	if err != nil {
		return 0, err
	}
	if err := d.store.Purge(ctx, d.stream); err != nil {
		return 0, err
	}
	d.log.Warnf("cleared dead letter queue %s (%d entries dropped)", d.stream, length)
	return length, nil
}

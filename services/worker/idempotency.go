package worker

import (
	"context"

	"github.com/mailriver/mailriver/config"
	"github.com/mailriver/mailriver/dto"
	"github.com/mailriver/mailriver/interfaces"
	"github.com/mailriver/mailriver/internal/models"
)

// IdempotencyFilter answers "was this email already processed" against
// the shared state store, collapsing redeliveries to one side effect.
type IdempotencyFilter struct {
	store interfaces.StateStore
	cfg   *config.IdempotencyConfig
}

func NewIdempotencyFilter(store interfaces.StateStore, cfg *config.IdempotencyConfig) *IdempotencyFilter {
	return &IdempotencyFilter{store: store, cfg: cfg}
}

func (f *IdempotencyFilter) setKey(record *dto.MailRecord) string {
	if f.cfg.Partitioned {
		return models.IdempotencyPartition(f.cfg.SetKey, record.Account, record.Mailbox, record.UIDValidity)
	}
	return f.cfg.SetKey
}

// IsDuplicate checks the record's natural identity against the
// processed set.
func (f *IdempotencyFilter) IsDuplicate(ctx context.Context, record *dto.MailRecord) (bool, error) {
	return f.store.SIsMember(ctx, f.setKey(record), record.IdempotencyKey())
}

// MarkProcessed adds the record's natural identity to the processed
// set, refreshing the set TTL when one is configured.
func (f *IdempotencyFilter) MarkProcessed(ctx context.Context, record *dto.MailRecord) error {
	key := f.setKey(record)
	added, err := f.store.SAdd(ctx, key, record.IdempotencyKey())
	if err != nil {
		return err
	}
	if added && f.cfg.TTL > 0 {
		return f.store.Expire(ctx, key, f.cfg.TTL)
	}
	return nil
}

package interfaces

import (
	"context"
	"time"
)

// StateStore holds producer cursors and the idempotency sets. All
// operations are atomic; SetMulti writes every pair or none.
type StateStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	SetMulti(ctx context.Context, pairs map[string]string) error
	IncrBy(ctx context.Context, key string, n int64) (int64, error)
	Delete(ctx context.Context, keys ...string) error
	SAdd(ctx context.Context, set, member string) (bool, error)
	SIsMember(ctx context.Context, set, member string) (bool, error)
	SCard(ctx context.Context, set string) (uint64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Ping(ctx context.Context) error
}

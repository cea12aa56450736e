package interfaces

import (
	"context"
	"time"
)

// StreamEntry is one entry of a durable ordered log, addressed by a
// server-assigned monotonically increasing ID.
type StreamEntry struct {
	EntryID string
	Fields  map[string]string
}

// PendingEntry describes an entry delivered to a consumer group member
// but not yet acknowledged.
type PendingEntry struct {
	EntryID       string
	Consumer      string
	Idle          time.Duration
	DeliveryCount int64
}

// LogStore is the durable ordered log with consumer-group semantics.
// An entry is delivered to exactly one consumer of a group per read and
// stays pending until acked or claimed.
type LogStore interface {
	Append(ctx context.Context, stream string, fields map[string]string, maxLen int64) (string, error)
	EnsureGroup(ctx context.Context, stream, group, start string) error
	ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]StreamEntry, error)
	Ack(ctx context.Context, stream, group string, entryIDs ...string) (int64, error)
	PendingRange(ctx context.Context, stream, group string, minIdle time.Duration, count int64) ([]PendingEntry, error)
	Claim(ctx context.Context, stream, group, newConsumer string, minIdle time.Duration, entryIDs []string) ([]StreamEntry, error)
	Trim(ctx context.Context, stream string, maxLen int64) error
	Len(ctx context.Context, stream string) (int64, error)
	Range(ctx context.Context, stream, start, stop string, count int64) ([]StreamEntry, error)
	RevRange(ctx context.Context, stream, start, stop string, count int64) ([]StreamEntry, error)
	Delete(ctx context.Context, stream string, entryIDs ...string) (int64, error)
	Purge(ctx context.Context, stream string) error
	Pipeline() LogPipeline
}

// LogPipeline batches appends and acks into one round trip. Exec sends
// the buffered commands; the buffer survives a failed Exec so callers
// can retry.
type LogPipeline interface {
	Append(stream string, fields map[string]string, maxLen int64)
	Ack(stream, group string, entryIDs ...string)
	Size() int
	Exec(ctx context.Context) error
	Discard()
}

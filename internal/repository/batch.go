package repository

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/mailriver/mailriver/interfaces"
	er "github.com/mailriver/mailriver/internal/errors"
)

type pipelineOpKind int

const (
	opAppend pipelineOpKind = iota
	opAck
)

type pipelineOp struct {
	kind   pipelineOpKind
	stream string
	fields map[string]string
	maxLen int64
	group  string
	ids    []string
}

// logPipeline buffers commands client-side and sends them in one round
// trip on Exec. The buffer survives a failed Exec so the caller can
// retry the same batch.
type logPipeline struct {
	client *redis.Client
	ops    []pipelineOp
}

func (p *logPipeline) Append(stream string, fields map[string]string, maxLen int64) {
	p.ops = append(p.ops, pipelineOp{kind: opAppend, stream: stream, fields: fields, maxLen: maxLen})
}

func (p *logPipeline) Ack(stream, group string, entryIDs ...string) {
	p.ops = append(p.ops, pipelineOp{kind: opAck, stream: stream, group: group, ids: entryIDs})
}

func (p *logPipeline) Size() int {
	return len(p.ops)
}

func (p *logPipeline) Exec(ctx context.Context) error {
	if len(p.ops) == 0 {
		return nil
	}

	pipe := p.client.Pipeline()
	for _, op := range p.ops {
		switch op.kind {
		case opAppend:
			args := &redis.XAddArgs{
				Stream: op.stream,
				Values: op.fields,
			}
			if op.maxLen > 0 {
				args.MaxLen = op.maxLen
				args.Approx = true
			}
			pipe.XAdd(ctx, args)
		case opAck:
			pipe.XAck(ctx, op.stream, op.group, op.ids...)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return er.WithKind(er.KindTransportUnavailable, fmt.Errorf("pipeline exec: %w", err))
	}
	p.ops = p.ops[:0]
	return nil
}

func (p *logPipeline) Discard() {
	p.ops = p.ops[:0]
}

// ExecGuard wraps a pipeline flush, typically a circuit breaker
// Execute, so every round trip counts toward the breaker no matter
// whether the flush was explicit or triggered by a full batch.
type ExecGuard func(op func() error) error

// BatchStats is the running view of a batcher.
type BatchStats struct {
	TotalSent    uint64  `json:"total_sent"`
	TotalBatches uint64  `json:"total_batches"`
	AvgBatchSize float64 `json:"avg_batch_size"`
	Pending      int     `json:"pending"`
}

// BatchAppender buffers stream appends and flushes them through one
// pipeline round trip once batchSize is reached.
type BatchAppender struct {
	mu        sync.Mutex
	pipe      interfaces.LogPipeline
	stream    string
	maxLen    int64
	batchSize int
	guard     ExecGuard

	totalSent    uint64
	totalBatches uint64
}

func NewBatchAppender(store interfaces.LogStore, stream string, maxLen int64, batchSize int) *BatchAppender {
	if batchSize < 1 {
		batchSize = 1
	}
	return &BatchAppender{
		pipe:      store.Pipeline(),
		stream:    stream,
		maxLen:    maxLen,
		batchSize: batchSize,
	}
}

// Guard routes every flush through fn. Set once at wiring time,
// before the first Add.
func (b *BatchAppender) Guard(fn ExecGuard) {
	b.guard = fn
}

func (b *BatchAppender) Add(ctx context.Context, fields map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pipe.Append(b.stream, fields, b.maxLen)
	if b.pipe.Size() >= b.batchSize {
		return b.flushLocked(ctx)
	}
	return nil
}

func (b *BatchAppender) Flush(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushLocked(ctx)
}

// Discard drops whatever is buffered. Used when a batch is aborted and
// its entries will be re-fetched rather than retried.
func (b *BatchAppender) Discard() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pipe.Discard()
}

func (b *BatchAppender) flushLocked(ctx context.Context) error {
	size := b.pipe.Size()
	if size == 0 {
		return nil
	}
	if err := execGuarded(ctx, b.pipe, b.guard); err != nil {
		return err
	}
	b.totalSent += uint64(size)
	b.totalBatches++
	return nil
}

func execGuarded(ctx context.Context, pipe interfaces.LogPipeline, guard ExecGuard) error {
	if guard != nil {
		return guard(func() error { return pipe.Exec(ctx) })
	}
	return pipe.Exec(ctx)
}

func (b *BatchAppender) Stats() BatchStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := BatchStats{
		TotalSent:    b.totalSent,
		TotalBatches: b.totalBatches,
		Pending:      b.pipe.Size(),
	}
	if b.totalBatches > 0 {
		stats.AvgBatchSize = float64(b.totalSent) / float64(b.totalBatches)
	}
	return stats
}

// BatchAcker buffers acknowledgements the same way.
type BatchAcker struct {
	mu        sync.Mutex
	pipe      interfaces.LogPipeline
	stream    string
	group     string
	batchSize int
	guard     ExecGuard

	totalSent    uint64
	totalBatches uint64
}

func NewBatchAcker(store interfaces.LogStore, stream, group string, batchSize int) *BatchAcker {
	if batchSize < 1 {
		batchSize = 1
	}
	return &BatchAcker{
		pipe:      store.Pipeline(),
		stream:    stream,
		group:     group,
		batchSize: batchSize,
	}
}

// Guard routes every flush through fn, same as BatchAppender.Guard.
func (b *BatchAcker) Guard(fn ExecGuard) {
	b.guard = fn
}

func (b *BatchAcker) Add(ctx context.Context, entryID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pipe.Ack(b.stream, b.group, entryID)
	if b.pipe.Size() >= b.batchSize {
		return b.flushLocked(ctx)
	}
	return nil
}

func (b *BatchAcker) Flush(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushLocked(ctx)
}

func (b *BatchAcker) flushLocked(ctx context.Context) error {
	size := b.pipe.Size()
	if size == 0 {
		return nil
	}
	if err := execGuarded(ctx, b.pipe, b.guard); err != nil {
		return err
	}
	b.totalSent += uint64(size)
	b.totalBatches++
	return nil
}

func (b *BatchAcker) Stats() BatchStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := BatchStats{
		TotalSent:    b.totalSent,
		TotalBatches: b.totalBatches,
		Pending:      b.pipe.Size(),
	}
	if b.totalBatches > 0 {
		stats.AvgBatchSize = float64(b.totalSent) / float64(b.totalBatches)
	}
	return stats
}

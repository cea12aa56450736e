package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/redis/go-redis/v9"

	"github.com/mailriver/mailriver/interfaces"
	er "github.com/mailriver/mailriver/internal/errors"
	"github.com/mailriver/mailriver/internal/tracing"
)

type logStore struct {
	client *redis.Client
}

func NewLogStore(client *redis.Client) interfaces.LogStore {
	return &logStore{client: client}
}

func (r *logStore) Append(ctx context.Context, stream string, fields map[string]string, maxLen int64) (string, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "logStore.Append")
	defer span.Finish()
	tracing.TagComponentRedisRepository(span)

	args := &redis.XAddArgs{
		Stream: stream,
		Values: fields,
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}

	entryID, err := r.client.XAdd(ctx, args).Result()
	if err != nil {
		tracing.TraceErr(span, err)
		return "", er.WithKind(er.KindTransportUnavailable, fmt.Errorf("xadd %s: %w", stream, err))
	}
	tracing.TagEntry(span, entryID)
	return entryID, nil
}

func (r *logStore) EnsureGroup(ctx context.Context, stream, group, start string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "logStore.EnsureGroup")
	defer span.Finish()
	tracing.TagComponentRedisRepository(span)

	err := r.client.XGroupCreateMkStream(ctx, stream, group, start).Err()
	if err != nil {
		// group already existing is the normal idempotent case
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		tracing.TraceErr(span, err)
		return er.WithKind(er.KindTransportUnavailable, fmt.Errorf("create group %s on %s: %w", group, stream, err))
	}
	return nil
}

func (r *logStore) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]interfaces.StreamEntry, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "logStore.ReadGroup")
	defer span.Finish()
	tracing.TagComponentRedisRepository(span)

	streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		tracing.TraceErr(span, err)
		return nil, er.WithKind(er.KindTransportUnavailable, fmt.Errorf("xreadgroup %s/%s: %w", stream, group, err))
	}

	var entries []interfaces.StreamEntry
	for _, s := range streams {
		for _, msg := range s.Messages {
			entries = append(entries, toStreamEntry(msg))
		}
	}
	return entries, nil
}

func (r *logStore) Ack(ctx context.Context, stream, group string, entryIDs ...string) (int64, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "logStore.Ack")
	defer span.Finish()
	tracing.TagComponentRedisRepository(span)

	if len(entryIDs) == 0 {
		return 0, nil
	}
	acked, err := r.client.XAck(ctx, stream, group, entryIDs...).Result()
	if err != nil {
		tracing.TraceErr(span, err)
		return 0, er.WithKind(er.KindTransportUnavailable, fmt.Errorf("xack %s/%s: %w", stream, group, err))
	}
	return acked, nil
}

func (r *logStore) PendingRange(ctx context.Context, stream, group string, minIdle time.Duration, count int64) ([]interfaces.PendingEntry, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "logStore.PendingRange")
	defer span.Finish()
	tracing.TagComponentRedisRepository(span)

	pending, err := r.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Idle:   minIdle,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		tracing.TraceErr(span, err)
		return nil, er.WithKind(er.KindTransportUnavailable, fmt.Errorf("xpending %s/%s: %w", stream, group, err))
	}

	entries := make([]interfaces.PendingEntry, 0, len(pending))
	for _, p := range pending {
		entries = append(entries, interfaces.PendingEntry{
			EntryID:       p.ID,
			Consumer:      p.Consumer,
			Idle:          p.Idle,
			DeliveryCount: p.RetryCount,
		})
	}
	return entries, nil
}

func (r *logStore) Claim(ctx context.Context, stream, group, newConsumer string, minIdle time.Duration, entryIDs []string) ([]interfaces.StreamEntry, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "logStore.Claim")
	defer span.Finish()
	tracing.TagComponentRedisRepository(span)

	if len(entryIDs) == 0 {
		return nil, nil
	}
	messages, err := r.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: newConsumer,
		MinIdle:  minIdle,
		Messages: entryIDs,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		tracing.TraceErr(span, err)
		return nil, er.WithKind(er.KindTransportUnavailable, fmt.Errorf("xclaim %s/%s: %w", stream, group, err))
	}

	entries := make([]interfaces.StreamEntry, 0, len(messages))
	for _, msg := range messages {
		entries = append(entries, toStreamEntry(msg))
	}
	return entries, nil
}

func (r *logStore) Trim(ctx context.Context, stream string, maxLen int64) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "logStore.Trim")
	defer span.Finish()
	tracing.TagComponentRedisRepository(span)

	if err := r.client.XTrimMaxLenApprox(ctx, stream, maxLen, 0).Err(); err != nil {
		tracing.TraceErr(span, err)
		return er.WithKind(er.KindTransportUnavailable, fmt.Errorf("xtrim %s: %w", stream, err))
	}
	return nil
}

func (r *logStore) Len(ctx context.Context, stream string) (int64, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "logStore.Len")
	defer span.Finish()
	tracing.TagComponentRedisRepository(span)

	length, err := r.client.XLen(ctx, stream).Result()
	if err != nil {
		tracing.TraceErr(span, err)
		return 0, er.WithKind(er.KindTransportUnavailable, fmt.Errorf("xlen %s: %w", stream, err))
	}
	return length, nil
}

func (r *logStore) Range(ctx context.Context, stream, start, stop string, count int64) ([]interfaces.StreamEntry, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "logStore.Range")
	defer span.Finish()
	tracing.TagComponentRedisRepository(span)

	var messages []redis.XMessage
	var err error
	if count > 0 {
		messages, err = r.client.XRangeN(ctx, stream, start, stop, count).Result()
	} else {
		messages, err = r.client.XRange(ctx, stream, start, stop).Result()
	}
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, er.WithKind(er.KindTransportUnavailable, fmt.Errorf("xrange %s: %w", stream, err))
	}

	entries := make([]interfaces.StreamEntry, 0, len(messages))
	for _, msg := range messages {
		entries = append(entries, toStreamEntry(msg))
	}
	return entries, nil
}

func (r *logStore) RevRange(ctx context.Context, stream, start, stop string, count int64) ([]interfaces.StreamEntry, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "logStore.RevRange")
	defer span.Finish()
	tracing.TagComponentRedisRepository(span)

	var messages []redis.XMessage
	var err error
	if count > 0 {
		messages, err = r.client.XRevRangeN(ctx, stream, start, stop, count).Result()
	} else {
		messages, err = r.client.XRevRange(ctx, stream, start, stop).Result()
	}
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, er.WithKind(er.KindTransportUnavailable, fmt.Errorf("xrevrange %s: %w", stream, err))
	}

	entries := make([]interfaces.StreamEntry, 0, len(messages))
	for _, msg := range messages {
		entries = append(entries, toStreamEntry(msg))
	}
	return entries, nil
}

func (r *logStore) Delete(ctx context.Context, stream string, entryIDs ...string) (int64, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "logStore.Delete")
	defer span.Finish()
	tracing.TagComponentRedisRepository(span)

	if len(entryIDs) == 0 {
		return 0, nil
	}
	deleted, err := r.client.XDel(ctx, stream, entryIDs...).Result()
	if err != nil {
		tracing.TraceErr(span, err)
		return 0, er.WithKind(er.KindTransportUnavailable, fmt.Errorf("xdel %s: %w", stream, err))
	}
	return deleted, nil
}

func (r *logStore) Purge(ctx context.Context, stream string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "logStore.Purge")
	defer span.Finish()
	tracing.TagComponentRedisRepository(span)

	if err := r.client.Del(ctx, stream).Err(); err != nil {
		tracing.TraceErr(span, err)
		return er.WithKind(er.KindTransportUnavailable, fmt.Errorf("del %s: %w", stream, err))
	}
	return nil
}

func (r *logStore) Pipeline() interfaces.LogPipeline {
	return &logPipeline{client: r.client}
}

func toStreamEntry(msg redis.XMessage) interfaces.StreamEntry {
	fields := make(map[string]string, len(msg.Values))
	for k, v := range msg.Values {
		if s, ok := v.(string); ok {
			fields[k] = s
		} else {
			fields[k] = fmt.Sprint(v)
		}
	}
	return interfaces.StreamEntry{EntryID: msg.ID, Fields: fields}
}

package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/redis/go-redis/v9"

	"github.com/mailriver/mailriver/interfaces"
	er "github.com/mailriver/mailriver/internal/errors"
	"github.com/mailriver/mailriver/internal/tracing"
)

type stateStore struct {
	client *redis.Client
}

func NewStateStore(client *redis.Client) interfaces.StateStore {
	return &stateStore{client: client}
}

func (r *stateStore) Get(ctx context.Context, key string) (string, bool, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "stateStore.Get")
	defer span.Finish()
	tracing.TagComponentRedisRepository(span)

	value, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", false, nil
		}
		tracing.TraceErr(span, err)
		return "", false, er.WithKind(er.KindTransportUnavailable, fmt.Errorf("get %s: %w", key, err))
	}
	return value, true, nil
}

func (r *stateStore) Set(ctx context.Context, key, value string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "stateStore.Set")
	defer span.Finish()
	tracing.TagComponentRedisRepository(span)

	if err := r.client.Set(ctx, key, value, 0).Err(); err != nil {
		tracing.TraceErr(span, err)
		return er.WithKind(er.KindTransportUnavailable, fmt.Errorf("set %s: %w", key, err))
	}
	return nil
}

// SetMulti writes every pair in one MSET, so readers never observe a
// partial cursor update.
func (r *stateStore) SetMulti(ctx context.Context, pairs map[string]string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "stateStore.SetMulti")
	defer span.Finish()
	tracing.TagComponentRedisRepository(span)

	if len(pairs) == 0 {
		return nil
	}
	flat := make([]interface{}, 0, len(pairs)*2)
	for key, value := range pairs {
		flat = append(flat, key, value)
	}
	if err := r.client.MSet(ctx, flat...).Err(); err != nil {
		tracing.TraceErr(span, err)
		return er.WithKind(er.KindTransportUnavailable, fmt.Errorf("mset: %w", err))
	}
	return nil
}

func (r *stateStore) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "stateStore.IncrBy")
	defer span.Finish()
	tracing.TagComponentRedisRepository(span)

	value, err := r.client.IncrBy(ctx, key, n).Result()
	if err != nil {
		tracing.TraceErr(span, err)
		return 0, er.WithKind(er.KindTransportUnavailable, fmt.Errorf("incrby %s: %w", key, err))
	}
	return value, nil
}

func (r *stateStore) Delete(ctx context.Context, keys ...string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "stateStore.Delete")
	defer span.Finish()
	tracing.TagComponentRedisRepository(span)

	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		tracing.TraceErr(span, err)
		return er.WithKind(er.KindTransportUnavailable, fmt.Errorf("del: %w", err))
	}
	return nil
}

func (r *stateStore) SAdd(ctx context.Context, set, member string) (bool, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "stateStore.SAdd")
	defer span.Finish()
	tracing.TagComponentRedisRepository(span)

	added, err := r.client.SAdd(ctx, set, member).Result()
	if err != nil {
		tracing.TraceErr(span, err)
		return false, er.WithKind(er.KindTransportUnavailable, fmt.Errorf("sadd %s: %w", set, err))
	}
	return added == 1, nil
}

func (r *stateStore) SIsMember(ctx context.Context, set, member string) (bool, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "stateStore.SIsMember")
	defer span.Finish()
	tracing.TagComponentRedisRepository(span)

	isMember, err := r.client.SIsMember(ctx, set, member).Result()
	if err != nil {
		tracing.TraceErr(span, err)
		return false, er.WithKind(er.KindTransportUnavailable, fmt.Errorf("sismember %s: %w", set, err))
	}
	return isMember, nil
}

func (r *stateStore) SCard(ctx context.Context, set string) (uint64, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "stateStore.SCard")
	defer span.Finish()
	tracing.TagComponentRedisRepository(span)

	card, err := r.client.SCard(ctx, set).Result()
	if err != nil {
		tracing.TraceErr(span, err)
		return 0, er.WithKind(er.KindTransportUnavailable, fmt.Errorf("scard %s: %w", set, err))
	}
	return uint64(card), nil
}

func (r *stateStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "stateStore.Expire")
	defer span.Finish()
	tracing.TagComponentRedisRepository(span)

	if err := r.client.Expire(ctx, key, ttl).Err(); err != nil {
		tracing.TraceErr(span, err)
		return er.WithKind(er.KindTransportUnavailable, fmt.Errorf("expire %s: %w", key, err))
	}
	return nil
}

func (r *stateStore) Ping(ctx context.Context) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "stateStore.Ping")
	defer span.Finish()
	tracing.TagComponentRedisRepository(span)

	if err := r.client.Ping(ctx).Err(); err != nil {
		tracing.TraceErr(span, err)
		return er.WithKind(er.KindTransportUnavailable, fmt.Errorf("ping: %w", err))
	}
	return nil
}

package adapter

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"

	"flashsale/internal/pkg/redis"
	"flashsale/internal/service/inventory/domain"
)

const (
	retryFieldAttempts = "attempts"
	retryFieldNextMs   = "next_ms"
)

// RetryRedisAdapter 把每个事件的重试状态保存为一个带 TTL 的 hash。
type RetryRedisAdapter struct {
	rdb  goredis.UniversalClient
	keys KeySpace
	ttl  time.Duration
}

// NewRetryRedisAdapter 创建重试状态存储，ttl 兜底清理被遗忘的状态。
func NewRetryRedisAdapter(client *redis.Client, keys KeySpace, ttl time.Duration) *RetryRedisAdapter {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RetryRedisAdapter{rdb: client.GetClient(), keys: keys, ttl: ttl}
}

func (a *RetryRedisAdapter) Get(ctx context.Context, eventID string) (domain.RetryState, error) {
	fields, err := a.rdb.HGetAll(ctx, a.keys.Retry(eventID)).Result()
	if err != nil {
		return domain.RetryState{}, errors.Wrapf(domain.ErrTransientInfra, "get retry state %s: %v", eventID, err)
	}
	var st domain.RetryState
	if v, ok := fields[retryFieldAttempts]; ok {
		st.Attempts, _ = strconv.Atoi(v)
	}
	if v, ok := fields[retryFieldNextMs]; ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms > 0 {
			st.NextEligibleAt = time.UnixMilli(ms).UTC()
		}
	}
	return st, nil
}

func (a *RetryRedisAdapter) Increment(ctx context.Context, eventID string) (int, error) {
	key := a.keys.Retry(eventID)
	pipe := a.rdb.TxPipeline()
	incr := pipe.HIncrBy(ctx, key, retryFieldAttempts, 1)
	pipe.Expire(ctx, key, a.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, errors.Wrapf(domain.ErrTransientInfra, "increment retry state %s: %v", eventID, err)
	}
	return int(incr.Val()), nil
}

func (a *RetryRedisAdapter) SetNextEligible(ctx context.Context, eventID string, at time.Time) error {
	key := a.keys.Retry(eventID)
	pipe := a.rdb.TxPipeline()
	pipe.HSet(ctx, key, retryFieldNextMs, at.UnixMilli())
	pipe.Expire(ctx, key, a.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(domain.ErrTransientInfra, "set next eligible %s: %v", eventID, err)
	}
	return nil
}

func (a *RetryRedisAdapter) Clear(ctx context.Context, eventID string) error {
	if err := a.rdb.Del(ctx, a.keys.Retry(eventID)).Err(); err != nil {
		return errors.Wrapf(domain.ErrTransientInfra, "clear retry state %s: %v", eventID, err)
	}
	return nil
}

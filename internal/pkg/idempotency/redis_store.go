package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"flashsale/internal/pkg/redis"
)

const (
	acquireScriptName  = "idempotency_acquire"
	markDoneScriptName = "idempotency_mark_done"
	releaseScriptName  = "idempotency_release"
)

// KEYS[1]: 幂等键
// ARGV[1]: token, ARGV[2]: processing TTL (ms), ARGV[3]: 载荷指纹
const acquireScript = `
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
    redis.call('HSET', KEYS[1], 'state', 'PROCESSING', 'token', ARGV[1], 'fp', ARGV[3])
    redis.call('PEXPIRE', KEYS[1], ARGV[2])
    return {'ACQUIRED', ARGV[3], ''}
end
local fp = redis.call('HGET', KEYS[1], 'fp') or ''
local ptr = redis.call('HGET', KEYS[1], 'ptr') or ''
return {state, fp, ptr}
`

// KEYS[1]: 幂等键
// ARGV[1]: token, ARGV[2]: done TTL (ms), ARGV[3]: 结果指针, ARGV[4]: 载荷指纹
const markDoneScript = `
if redis.call('HGET', KEYS[1], 'token') ~= ARGV[1] then
    return 0
end
if redis.call('HGET', KEYS[1], 'state') ~= 'PROCESSING' then
    return 0
end
redis.call('HSET', KEYS[1], 'state', 'DONE', 'ptr', ARGV[3], 'fp', ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1
`

// KEYS[1]: 幂等键
// ARGV[1]: token
const releaseScript = `
if redis.call('HGET', KEYS[1], 'token') == ARGV[1] and redis.call('HGET', KEYS[1], 'state') == 'PROCESSING' then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// RedisStore 是基于 Lua 脚本的 Store 实现，每个键是一个 hash：state/token/fp/ptr。
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore 加载三个脚本并返回存储实例。
func NewRedisStore(client *redis.Client) (*RedisStore, error) {
	scripts := map[string]string{
		acquireScriptName:  acquireScript,
		markDoneScriptName: markDoneScript,
		releaseScriptName:  releaseScript,
	}
	for name, src := range scripts {
		if err := client.LoadScriptFromContent(name, src); err != nil {
			return nil, errors.Wrap(err, "idempotency: load scripts")
		}
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Acquire(ctx context.Context, key, token string, processingTTL time.Duration, fingerprint string) (AcquireOutcome, error) {
	res, err := s.client.RunScript(ctx, acquireScriptName, []string{key}, token, ttlMillis(processingTTL), fingerprint)
	if err != nil {
		return AcquireOutcome{}, errors.Wrapf(ErrStoreUnavailable, "acquire %s: %v", key, err)
	}
	parts, ok := res.([]interface{})
	if !ok || len(parts) != 3 {
		return AcquireOutcome{}, fmt.Errorf("idempotency: unexpected acquire reply %T for key %s", res, key)
	}
	out := AcquireOutcome{
		Status:      AcquireStatus(asString(parts[0])),
		Fingerprint: asString(parts[1]),
		Pointer:     asString(parts[2]),
	}
	switch out.Status {
	case StatusAcquired, StatusProcessing, StatusDone:
		return out, nil
	default:
		return AcquireOutcome{}, fmt.Errorf("idempotency: unknown state %q for key %s", out.Status, key)
	}
}

func (s *RedisStore) MarkDone(ctx context.Context, key, token string, doneTTL time.Duration, pointer, fingerprint string) (bool, error) {
	res, err := s.client.RunScript(ctx, markDoneScriptName, []string{key}, token, ttlMillis(doneTTL), pointer, fingerprint)
	if err != nil {
		return false, errors.Wrapf(ErrStoreUnavailable, "mark done %s: %v", key, err)
	}
	n, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("idempotency: unexpected mark done reply %T for key %s", res, key)
	}
	return n == 1, nil
}

func (s *RedisStore) Release(ctx context.Context, key, token string) error {
	if _, err := s.client.RunScript(ctx, releaseScriptName, []string{key}, token); err != nil {
		return errors.Wrapf(ErrStoreUnavailable, "release %s: %v", key, err)
	}
	return nil
}

func ttlMillis(d time.Duration) int64 {
	ms := d.Milliseconds()
	if ms < 1000 {
		ms = 1000
	}
	return ms
}

func asString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

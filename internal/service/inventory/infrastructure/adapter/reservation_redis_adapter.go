package adapter

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"

	"flashsale/internal/pkg/clock"
	"flashsale/internal/pkg/redis"
	"flashsale/internal/service/inventory/domain"
)

const (
	reserveScriptName = "flashsale_reserve"
	releaseScriptName = "flashsale_release"
)

// KEYS[1]: 库存计数器  KEYS[2]: 买家集合  KEYS[3]: 订单标记  KEYS[4]: outbox 流
// ARGV: userId, qty, ttlSeconds, eventId, orderId, skuId, occurredAt, priceCents, currency, expireAt
const reserveScript = `
if redis.call('EXISTS', KEYS[3]) == 1 then
    return -1
end
if redis.call('SISMEMBER', KEYS[2], ARGV[1]) == 1 then
    return -1
end
local qty = tonumber(ARGV[2])
local stock = tonumber(redis.call('GET', KEYS[1]) or '0')
if stock == nil or stock < qty then
    return 0
end
redis.call('DECRBY', KEYS[1], qty)
redis.call('SADD', KEYS[2], ARGV[1])
redis.call('SET', KEYS[3], ARGV[6] .. '|' .. ARGV[1] .. '|' .. ARGV[2], 'EX', ARGV[3])
redis.call('XADD', KEYS[4], '*',
    'eventId', ARGV[4], 'orderId', ARGV[5], 'userId', ARGV[1], 'skuId', ARGV[6], 'qty', ARGV[2],
    'priceCents', ARGV[8], 'currency', ARGV[9], 'occurredAt', ARGV[7], 'expireAt', ARGV[10])
return 1
`

// KEYS[1]: 库存计数器  KEYS[2]: 订单标记
// ARGV[1]: qty
// 买家集合不回滚：一个买家在一场活动里只有一次机会
const releaseScript = `
if redis.call('DEL', KEYS[2]) == 0 then
    return 0
end
redis.call('INCRBY', KEYS[1], ARGV[1])
return 1
`

// EngineOptions 是预占引擎的可调参数。
type EngineOptions struct {
	ReservationTTL time.Duration // 订单标记的 TTL，兜底回收被放弃的预占
	PaymentTimeout time.Duration // 决定事件中的 expireAt
	Clock          clock.Clock
}

// ReservationRedisAdapter 是 port.ReservationEngine 的 Redis 实现。
type ReservationRedisAdapter struct {
	redisClient *redis.Client
	keys        KeySpace
	opts        EngineOptions
	newEventID  func() string
}

// NewReservationRedisAdapter 创建引擎并加载 Lua 脚本。
func NewReservationRedisAdapter(redisClient *redis.Client, keys KeySpace, opts EngineOptions) (*ReservationRedisAdapter, error) {
	if opts.ReservationTTL <= 0 {
		opts.ReservationTTL = 15 * time.Minute
	}
	if opts.PaymentTimeout <= 0 {
		opts.PaymentTimeout = 5 * time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewSystem()
	}
	if err := redisClient.LoadScriptFromContent(reserveScriptName, reserveScript); err != nil {
		return nil, fmt.Errorf("failed to load reserve script: %w", err)
	}
	if err := redisClient.LoadScriptFromContent(releaseScriptName, releaseScript); err != nil {
		return nil, fmt.Errorf("failed to load release script: %w", err)
	}
	return &ReservationRedisAdapter{
		redisClient: redisClient,
		keys:        keys,
		opts:        opts,
		newEventID:  uuid.NewString,
	}, nil
}

// Reserve 执行原子预占。
func (a *ReservationRedisAdapter) Reserve(ctx context.Context, r domain.Reservation) (domain.ReserveResult, error) {
	if err := r.Validate(); err != nil {
		return domain.ReserveResult{}, err
	}

	now := a.opts.Clock.Now()
	eventID := a.newEventID()
	expireAt := now.Add(a.opts.PaymentTimeout)
	ttlSeconds := int64(a.opts.ReservationTTL / time.Second)
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}

	keys := []string{a.keys.Stock(r.SkuID), a.keys.Buyers(r.SkuID), a.keys.Order(r.OrderID), a.keys.Outbox()}
	args := []interface{}{
		r.UserID,
		r.Qty,
		ttlSeconds,
		eventID,
		r.OrderID,
		r.SkuID,
		now.Format(domain.TimeLayout),
		r.PriceCents,
		r.Currency,
		expireAt.Format(domain.TimeLayout),
	}

	result, err := a.redisClient.RunScript(ctx, reserveScriptName, keys, args...)
	if err != nil {
		return domain.ReserveResult{}, errors.Wrapf(domain.ErrTransientInfra, "reserve sku=%s order=%s: %v", r.SkuID, r.OrderID, err)
	}
	code, ok := result.(int64)
	if !ok {
		return domain.ReserveResult{}, fmt.Errorf("unexpected result type from reserve script: %T", result)
	}

	switch code {
	case 1:
		return domain.ReserveResult{Status: domain.StatusReserved, EventID: eventID, ExpireAt: expireAt}, nil
	case 0:
		return domain.ReserveResult{Status: domain.StatusSoldOut}, nil
	case -1:
		return domain.ReserveResult{Status: domain.StatusDuplicate}, nil
	default:
		return domain.ReserveResult{}, fmt.Errorf("unknown result code from reserve script: %d", code)
	}
}

// Release 回补库存并删除订单标记，返回受影响的预占数（0 或 1）。
func (a *ReservationRedisAdapter) Release(ctx context.Context, orderID, skuID string, qty int) (int64, error) {
	if orderID == "" || skuID == "" || qty <= 0 {
		return 0, errors.Wrapf(domain.ErrInvalidReservation, "release order=%q sku=%q qty=%d", orderID, skuID, qty)
	}
	result, err := a.redisClient.RunScript(ctx, releaseScriptName, []string{a.keys.Stock(skuID), a.keys.Order(orderID)}, qty)
	if err != nil {
		return 0, errors.Wrapf(domain.ErrTransientInfra, "release sku=%s order=%s: %v", skuID, orderID, err)
	}
	n, ok := result.(int64)
	if !ok || (n != 0 && n != 1) {
		return 0, fmt.Errorf("unexpected result from release script: %v (%T)", result, result)
	}
	return n, nil
}

// PrepareStock (管理用) 初始化活动库存并清空买家集合。
func (a *ReservationRedisAdapter) PrepareStock(ctx context.Context, skuID string, stock int64) error {
	if skuID == "" || stock < 0 {
		return errors.Wrapf(domain.ErrInvalidReservation, "prepare sku=%q stock=%d", skuID, stock)
	}
	pipe := a.redisClient.GetClient().TxPipeline()
	pipe.Set(ctx, a.keys.Stock(skuID), stock, 0)
	pipe.Del(ctx, a.keys.Buyers(skuID))
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(domain.ErrTransientInfra, "prepare stock sku=%s: %v", skuID, err)
	}
	return nil
}

// Available 读取剩余库存，未初始化的 SKU 视为 0。
func (a *ReservationRedisAdapter) Available(ctx context.Context, skuID string) (int64, error) {
	raw, err := a.redisClient.GetClient().Get(ctx, a.keys.Stock(skuID)).Result()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(domain.ErrTransientInfra, "read stock sku=%s: %v", skuID, err)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupted stock counter for sku %s: %q", skuID, raw)
	}
	return n, nil
}

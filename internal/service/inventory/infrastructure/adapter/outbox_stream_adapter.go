package adapter

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"

	"flashsale/internal/pkg/redis"
	"flashsale/internal/service/inventory/domain"
	"flashsale/internal/service/inventory/domain/port"
)

// OutboxStreamAdapter 用 Redis Stream 消费组实现 port.OutboxLog。
type OutboxStreamAdapter struct {
	rdb      goredis.UniversalClient
	stream   string
	group    string
	consumer string

	mu          sync.Mutex
	staleCursor string // XAUTOCLAIM 的扫描游标，跨周期推进
}

// NewOutboxStreamAdapter 创建 outbox 日志适配器，consumer 必须在组内唯一。
func NewOutboxStreamAdapter(client *redis.Client, stream, group, consumer string) *OutboxStreamAdapter {
	return &OutboxStreamAdapter{
		rdb:         client.GetClient(),
		stream:      stream,
		group:       group,
		consumer:    consumer,
		staleCursor: "0-0",
	}
}

// Consumer 返回当前消费者名。
func (a *OutboxStreamAdapter) Consumer() string { return a.consumer }

func (a *OutboxStreamAdapter) EnsureGroup(ctx context.Context) error {
	err := a.rdb.XGroupCreateMkStream(ctx, a.stream, a.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return errors.Wrapf(domain.ErrTransientInfra, "create group %s on %s: %v", a.group, a.stream, err)
	}
	return nil
}

func (a *OutboxStreamAdapter) ReadNew(ctx context.Context, count int64, block time.Duration) ([]port.LogRecord, error) {
	streams, err := a.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    a.group,
		Consumer: a.consumer,
		Streams:  []string{a.stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(domain.ErrTransientInfra, "xreadgroup %s: %v", a.stream, err)
	}
	var out []port.LogRecord
	for _, s := range streams {
		out = append(out, toRecords(s.Messages)...)
	}
	return out, nil
}

func (a *OutboxStreamAdapter) ClaimStale(ctx context.Context, minIdle time.Duration, count int64) ([]port.LogRecord, error) {
	a.mu.Lock()
	start := a.staleCursor
	a.mu.Unlock()

	msgs, next, err := a.rdb.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
		Stream:   a.stream,
		Group:    a.group,
		Consumer: a.consumer,
		MinIdle:  minIdle,
		Start:    start,
		Count:    count,
	}).Result()
	if err != nil {
		return nil, errors.Wrapf(domain.ErrTransientInfra, "xautoclaim %s: %v", a.stream, err)
	}

	if next == "" {
		next = "0-0"
	}
	a.mu.Lock()
	a.staleCursor = next
	a.mu.Unlock()
	return toRecords(msgs), nil
}

func (a *OutboxStreamAdapter) ClaimOwnIdle(ctx context.Context, minIdle time.Duration, count int64) ([]port.LogRecord, error) {
	pending, err := a.rdb.XPendingExt(ctx, &goredis.XPendingExtArgs{
		Stream:   a.stream,
		Group:    a.group,
		Idle:     minIdle,
		Start:    "-",
		End:      "+",
		Count:    count,
		Consumer: a.consumer,
	}).Result()
	if err != nil {
		return nil, errors.Wrapf(domain.ErrTransientInfra, "xpending %s: %v", a.stream, err)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
	}
	msgs, err := a.rdb.XClaim(ctx, &goredis.XClaimArgs{
		Stream:   a.stream,
		Group:    a.group,
		Consumer: a.consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, errors.Wrapf(domain.ErrTransientInfra, "xclaim %s: %v", a.stream, err)
	}
	return toRecords(msgs), nil
}

// Ack 在一个事务里确认并删除记录，流不会无限增长。
func (a *OutboxStreamAdapter) Ack(ctx context.Context, id string) error {
	pipe := a.rdb.TxPipeline()
	pipe.XAck(ctx, a.stream, a.group, id)
	pipe.XDel(ctx, a.stream, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(domain.ErrTransientInfra, "ack %s/%s: %v", a.stream, id, err)
	}
	return nil
}

func (a *OutboxStreamAdapter) Stats(ctx context.Context) (port.LogStats, error) {
	length, err := a.rdb.XLen(ctx, a.stream).Result()
	if err != nil {
		return port.LogStats{}, errors.Wrapf(domain.ErrTransientInfra, "xlen %s: %v", a.stream, err)
	}
	pending, err := a.rdb.XPending(ctx, a.stream, a.group).Result()
	if err != nil {
		return port.LogStats{}, errors.Wrapf(domain.ErrTransientInfra, "xpending summary %s: %v", a.stream, err)
	}
	return port.LogStats{Length: length, Pending: pending.Count}, nil
}

func toRecords(msgs []goredis.XMessage) []port.LogRecord {
	out := make([]port.LogRecord, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, port.LogRecord{ID: m.ID, Values: m.Values})
	}
	return out
}

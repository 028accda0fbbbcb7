package adapter

import (
	"context"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flashsale/internal/service/inventory/domain"
)

func TestOutboxStream_ReadAckDelete(t *testing.T) {
	client, _ := newTestRedis(t)
	keys := NewKeySpace("fs")
	ctx := context.Background()

	engine, err := NewReservationRedisAdapter(client, keys, EngineOptions{})
	require.NoError(t, err)
	require.NoError(t, engine.PrepareStock(ctx, "skuA", 2))

	log := NewOutboxStreamAdapter(client, keys.Outbox(), "relay", "relay-1")
	require.NoError(t, log.EnsureGroup(ctx))
	require.NoError(t, log.EnsureGroup(ctx), "existing group is not an error")

	res, err := engine.Reserve(ctx, reservation("skuA", "userA", "orderA"))
	require.NoError(t, err)

	records, err := log.ReadNew(ctx, 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, records, 1)

	entry, err := domain.ParseOutboxEntry(records[0].Values)
	require.NoError(t, err)
	assert.Equal(t, res.EventID, entry.EventID)

	stats, err := log.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Length)
	assert.Equal(t, int64(1), stats.Pending)

	// 已投递给组内消费者的记录不会再出现在 ">" 读取里
	again, err := log.ReadNew(ctx, 10, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, log.Ack(ctx, records[0].ID))
	stats, err = log.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Length)
	assert.Equal(t, int64(0), stats.Pending)
}

func TestOutboxStream_EmptyRead(t *testing.T) {
	client, _ := newTestRedis(t)
	log := NewOutboxStreamAdapter(client, NewKeySpace("fs").Outbox(), "relay", "relay-1")
	require.NoError(t, log.EnsureGroup(context.Background()))

	records, err := log.ReadNew(context.Background(), 10, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Equal(t, "relay-1", log.Consumer())
}

func TestOutboxStream_ReclaimOwnIdleThenStale(t *testing.T) {
	client, mr := newTestRedis(t)
	ctx := context.Background()
	stream := NewKeySpace("fs").Outbox()
	t0 := time.Date(2025, 11, 11, 0, 0, 0, 0, time.UTC)
	mr.SetTime(t0)

	live := NewOutboxStreamAdapter(client, stream, "relay", "live")
	dead := NewOutboxStreamAdapter(client, stream, "relay", "dead")
	require.NoError(t, live.EnsureGroup(ctx))

	rdb := client.GetClient()
	for _, evt := range []string{"evt-1", "evt-2"} {
		require.NoError(t, rdb.XAdd(ctx, &goredis.XAddArgs{Stream: stream, Values: map[string]any{"eventId": evt}}).Err())
	}

	deadRecords, err := dead.ReadNew(ctx, 1, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, deadRecords, 1)
	liveRecords, err := live.ReadNew(ctx, 1, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, liveRecords, 1)

	// 只回收自己名下空闲的记录，不碰其他消费者的
	mr.SetTime(t0.Add(10 * time.Second))
	own, err := live.ClaimOwnIdle(ctx, 5*time.Second, 10)
	require.NoError(t, err)
	require.Len(t, own, 1)
	assert.Equal(t, liveRecords[0].ID, own[0].ID)

	stale, err := live.ClaimStale(ctx, time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, stale, "dead consumer's entry is not stale yet")
	require.NoError(t, live.Ack(ctx, own[0].ID))

	// dead 崩溃后，超过阈值的记录被 XAUTOCLAIM 接管
	mr.SetTime(t0.Add(2 * time.Minute))
	stale, err = live.ClaimStale(ctx, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, deadRecords[0].ID, stale[0].ID)

	again, err := live.ClaimStale(ctx, time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, again, "claiming resets the idle time")

	pending, err := rdb.XPendingExt(ctx, &goredis.XPendingExtArgs{Stream: stream, Group: "relay", Start: "-", End: "+", Count: 10}).Result()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "live", pending[0].Consumer)
	assert.Equal(t, int64(2), pending[0].RetryCount)
}

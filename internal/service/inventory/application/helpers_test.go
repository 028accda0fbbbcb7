package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"flashsale/internal/pkg/idempotency"
	"flashsale/internal/pkg/redis"
	"flashsale/internal/service/inventory/domain"
	"flashsale/internal/service/inventory/domain/port"
)

var testExpiry = time.Date(2025, 11, 11, 0, 5, 0, 0, time.UTC)

func testTracer() trace.Tracer { return noop.NewTracerProvider().Tracer("test") }

func newTestGuard(t *testing.T) (*idempotency.Guard, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store, err := idempotency.NewRedisStore(redis.Wrap(rdb))
	require.NoError(t, err)
	return idempotency.NewGuard(store, "inventory-service"), mr
}

// fakeEngine 模拟引擎语义：订单标记、买家集合、库存。
type fakeEngine struct {
	mu       sync.Mutex
	stock    map[string]int64
	buyers   map[string]map[string]bool
	orders   map[string]bool
	reserves []domain.Reservation
	releases int
	err      error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{stock: map[string]int64{}, buyers: map[string]map[string]bool{}, orders: map[string]bool{}}
}

func (f *fakeEngine) Reserve(_ context.Context, r domain.Reservation) (domain.ReserveResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.ReserveResult{}, f.err
	}
	f.reserves = append(f.reserves, r)
	if f.orders[r.OrderID] || f.buyers[r.SkuID][r.UserID] {
		return domain.ReserveResult{Status: domain.StatusDuplicate}, nil
	}
	if f.stock[r.SkuID] < int64(r.Qty) {
		return domain.ReserveResult{Status: domain.StatusSoldOut}, nil
	}
	f.stock[r.SkuID] -= int64(r.Qty)
	if f.buyers[r.SkuID] == nil {
		f.buyers[r.SkuID] = map[string]bool{}
	}
	f.buyers[r.SkuID][r.UserID] = true
	f.orders[r.OrderID] = true
	return domain.ReserveResult{Status: domain.StatusReserved, EventID: "evt-" + r.OrderID, ExpireAt: testExpiry}, nil
}

func (f *fakeEngine) Release(_ context.Context, orderID, skuID string, qty int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.releases++
	if !f.orders[orderID] {
		return 0, nil
	}
	delete(f.orders, orderID)
	f.stock[skuID] += int64(qty)
	return 1, nil
}

func (f *fakeEngine) PrepareStock(_ context.Context, skuID string, stock int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stock[skuID] = stock
	delete(f.buyers, skuID)
	return nil
}

func (f *fakeEngine) Available(_ context.Context, skuID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stock[skuID], nil
}

func (f *fakeEngine) reserveCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reserves)
}

type fakePricing struct {
	price port.Price
	err   error
}

func (p fakePricing) Quote(context.Context, string) (port.Price, error) {
	return p.price, p.err
}

var errBoom = errors.New("boom")

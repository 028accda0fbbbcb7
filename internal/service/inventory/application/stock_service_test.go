package application

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flashsale/internal/service/inventory/domain"
)

func newTestStockService(t *testing.T, engine *fakeEngine) *StockService {
	t.Helper()
	guard, _ := newTestGuard(t)
	svc, err := NewStockService(engine, guard, "idem:fs", testTracer())
	require.NoError(t, err)
	return svc
}

func releaseEvent(id string) domain.ReleaseRequested {
	return domain.ReleaseRequested{
		EventID:    id,
		OrderID:    "o-1",
		Reason:     "PAYMENT_TIMEOUT",
		Items:      []domain.ReleaseItem{{SkuID: "sku-1", Qty: 1}},
		OccurredAt: time.Now(),
	}
}

func TestHandleReleaseRequested_AppliedOnce(t *testing.T) {
	engine := newFakeEngine()
	engine.stock["sku-1"] = 0
	engine.orders["o-1"] = true
	svc := newTestStockService(t, engine)

	require.NoError(t, svc.HandleReleaseRequested(context.Background(), releaseEvent("evt-1")))
	require.NoError(t, svc.HandleReleaseRequested(context.Background(), releaseEvent("evt-1")))

	assert.Equal(t, 1, engine.releases)
	left, err := svc.Available(context.Background(), "sku-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), left)
}

func TestHandleReleaseRequested_FailureAllowsRedelivery(t *testing.T) {
	engine := newFakeEngine()
	engine.orders["o-1"] = true
	engine.err = domain.ErrTransientInfra
	svc := newTestStockService(t, engine)

	err := svc.HandleReleaseRequested(context.Background(), releaseEvent("evt-1"))
	assert.ErrorIs(t, err, domain.ErrTransientInfra)

	engine.err = nil
	require.NoError(t, svc.HandleReleaseRequested(context.Background(), releaseEvent("evt-1")))
	assert.Equal(t, 1, engine.releases)
}

func TestHandleReleaseRequested_RejectsMalformed(t *testing.T) {
	svc := newTestStockService(t, newFakeEngine())

	evt := releaseEvent("evt-1")
	evt.Items = nil
	assert.ErrorIs(t, svc.HandleReleaseRequested(context.Background(), evt), domain.ErrInvalidReservation)

	evt = releaseEvent("")
	assert.ErrorIs(t, svc.HandleReleaseRequested(context.Background(), evt), domain.ErrInvalidReservation)

	evt = releaseEvent("evt-2")
	evt.Items[0].Qty = 0
	assert.ErrorIs(t, svc.HandleReleaseRequested(context.Background(), evt), domain.ErrInvalidReservation)
}

func TestStockService_SeedAndRelease(t *testing.T) {
	engine := newFakeEngine()
	svc := newTestStockService(t, engine)
	ctx := context.Background()

	require.NoError(t, svc.Seed(ctx, "sku-1", 3))
	left, err := svc.Available(ctx, "sku-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), left)

	n, err := svc.Release(ctx, "missing", "sku-1", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

package idempotency

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reserveArgs struct {
	User string
	Key  string
	Sku  string
	Qty  int
}

func reservePolicy() Policy {
	return Policy{
		EventType:     "flashsale_reserve_api_v1",
		KeyPrefix:     "idem:test",
		OnProcessing:  OnProcessingRetry,
		OnDone:        OnDoneReturnPointer,
		ProcessingTTL: 90 * time.Second,
		DoneTTL:       2 * time.Hour,
	}
}

func reserveKey(a reserveArgs) string { return a.User + ":" + a.Key }
func reserveFp(a reserveArgs) string  { return Fingerprint(a.Sku, strconv.Itoa(a.Qty)) }

func TestWrap_ReturnsStoredPointerOnReplay(t *testing.T) {
	store, _ := newTestStore(t)
	g := NewGuard(store, "flashsale")

	var calls int32
	op := func(ctx context.Context, a reserveArgs) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "RESERVED|o-1|1700000000000|" + a.Sku + "|1", nil
	}
	wrapped, err := Wrap(g, op, reserveKey, reserveFp, reservePolicy())
	require.NoError(t, err)

	args := reserveArgs{User: "u1", Key: "K1", Sku: "sku-1", Qty: 1}
	first, err := wrapped(context.Background(), args)
	require.NoError(t, err)
	second, err := wrapped(context.Background(), args)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestWrap_PayloadMismatch(t *testing.T) {
	store, _ := newTestStore(t)
	g := NewGuard(store, "flashsale")
	wrapped, err := Wrap(g, func(ctx context.Context, a reserveArgs) (string, error) {
		return "ptr", nil
	}, reserveKey, reserveFp, reservePolicy())
	require.NoError(t, err)

	_, err = wrapped(context.Background(), reserveArgs{User: "u1", Key: "K1", Sku: "sku-1", Qty: 1})
	require.NoError(t, err)

	_, err = wrapped(context.Background(), reserveArgs{User: "u1", Key: "K1", Sku: "sku-2", Qty: 1})
	assert.ErrorIs(t, err, ErrPayloadMismatch)
}

func TestWrap_InProgress(t *testing.T) {
	store, _ := newTestStore(t)
	g := NewGuard(store, "flashsale")
	p := reservePolicy()

	args := reserveArgs{User: "u1", Key: "K1", Sku: "sku-1", Qty: 1}
	_, err := store.Acquire(context.Background(), g.Key(p, reserveKey(args)), "someone-else", time.Minute, reserveFp(args))
	require.NoError(t, err)

	wrapped, err := Wrap(g, func(ctx context.Context, a reserveArgs) (string, error) {
		t.Fatal("operation must not run while another execution holds the key")
		return "", nil
	}, reserveKey, reserveFp, p)
	require.NoError(t, err)

	_, err = wrapped(context.Background(), args)
	assert.ErrorIs(t, err, ErrInProgress)
}

func TestWrap_ReleasesKeyOnError(t *testing.T) {
	store, mr := newTestStore(t)
	g := NewGuard(store, "flashsale")
	boom := errors.New("boom")

	var fail atomic.Bool
	fail.Store(true)
	wrapped, err := Wrap(g, func(ctx context.Context, a reserveArgs) (string, error) {
		if fail.Load() {
			return "", boom
		}
		return "ptr", nil
	}, reserveKey, reserveFp, reservePolicy())
	require.NoError(t, err)

	args := reserveArgs{User: "u1", Key: "K1", Sku: "sku-1", Qty: 1}
	_, err = wrapped(context.Background(), args)
	assert.ErrorIs(t, err, boom)
	assert.False(t, mr.Exists(g.Key(reservePolicy(), reserveKey(args))))

	fail.Store(false)
	ptr, err := wrapped(context.Background(), args)
	require.NoError(t, err)
	assert.Equal(t, "ptr", ptr)
}

func TestWrap_ReleasesKeyOnPanic(t *testing.T) {
	store, mr := newTestStore(t)
	g := NewGuard(store, "flashsale")
	wrapped, err := Wrap(g, func(ctx context.Context, a reserveArgs) (string, error) {
		panic("kaboom")
	}, reserveKey, reserveFp, reservePolicy())
	require.NoError(t, err)

	args := reserveArgs{User: "u1", Key: "K1", Sku: "sku-1", Qty: 1}
	assert.Panics(t, func() { _, _ = wrapped(context.Background(), args) })
	assert.False(t, mr.Exists(g.Key(reservePolicy(), reserveKey(args))))
}

func TestWrap_EmptyPointerKeepsProcessing(t *testing.T) {
	store, mr := newTestStore(t)
	g := NewGuard(store, "flashsale")
	wrapped, err := Wrap(g, func(ctx context.Context, a reserveArgs) (string, error) {
		return "", nil
	}, reserveKey, reserveFp, reservePolicy())
	require.NoError(t, err)

	args := reserveArgs{User: "u1", Key: "K1", Sku: "sku-1", Qty: 1}
	_, err = wrapped(context.Background(), args)
	assert.ErrorIs(t, err, ErrMarkDoneFailed)
	assert.Equal(t, "PROCESSING", mr.HGet(g.Key(reservePolicy(), reserveKey(args)), "state"))
}

func TestWrap_EmptyKeyRejected(t *testing.T) {
	store, _ := newTestStore(t)
	g := NewGuard(store, "flashsale")
	wrapped, err := Wrap(g, func(ctx context.Context, a reserveArgs) (string, error) {
		return "ptr", nil
	}, func(reserveArgs) string { return " " }, reserveFp, reservePolicy())
	require.NoError(t, err)

	_, err = wrapped(context.Background(), reserveArgs{})
	assert.ErrorIs(t, err, ErrEmptyKey)
}

func TestWrap_InvalidPolicies(t *testing.T) {
	store, _ := newTestStore(t)
	g := NewGuard(store, "flashsale")
	op := func(ctx context.Context, a reserveArgs) (string, error) { return "ptr", nil }

	p := reservePolicy()
	p.OnDone = OnDoneAck
	_, err := Wrap(g, op, reserveKey, reserveFp, p)
	assert.ErrorIs(t, err, ErrInvalidPolicy)

	p = reservePolicy()
	p.OnProcessing = OnProcessingAck
	_, err = Wrap(g, op, reserveKey, reserveFp, p)
	assert.ErrorIs(t, err, ErrInvalidPolicy)

	p = reservePolicy()
	p.EventType = ""
	_, err = Wrap(g, op, reserveKey, reserveFp, p)
	assert.ErrorIs(t, err, ErrInvalidPolicy)

	_, err = WrapVoid(g, func(ctx context.Context, a reserveArgs) error { return nil }, reserveKey, nil, reservePolicy())
	assert.ErrorIs(t, err, ErrInvalidPolicy)
}

func TestWrapVoid_AckPolicies(t *testing.T) {
	store, _ := newTestStore(t)
	g := NewGuard(store, "flashsale")
	p := Policy{EventType: "inventory_release_requested_v1", OnProcessing: OnProcessingAck, OnDone: OnDoneAck}

	var calls int32
	wrapped, err := WrapVoid(g, func(ctx context.Context, eventID string) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}, func(id string) string { return id }, nil, p)
	require.NoError(t, err)

	require.NoError(t, wrapped(context.Background(), "evt-1"))
	require.NoError(t, wrapped(context.Background(), "evt-1"))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	// 另一个执行者持有 PROCESSING 时同样静默跳过
	_, err = store.Acquire(context.Background(), g.Key(p, "evt-2"), "other", time.Minute, "")
	require.NoError(t, err)
	require.NoError(t, wrapped(context.Background(), "evt-2"))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestWrapVoid_ThrowOnDone(t *testing.T) {
	store, _ := newTestStore(t)
	g := NewGuard(store, "flashsale")
	p := Policy{EventType: "ledger", OnDone: OnDoneThrow}

	wrapped, err := WrapVoid(g, func(ctx context.Context, id string) error { return nil },
		func(id string) string { return id }, nil, p)
	require.NoError(t, err)

	require.NoError(t, wrapped(context.Background(), "evt-1"))
	assert.ErrorIs(t, wrapped(context.Background(), "evt-1"), ErrAlreadyCompleted)
}

type rejectingStore struct {
	Store
}

func (rejectingStore) MarkDone(context.Context, string, string, time.Duration, string, string) (bool, error) {
	return false, nil
}

func TestWrap_MarkDoneRejected(t *testing.T) {
	store, _ := newTestStore(t)
	g := NewGuard(rejectingStore{Store: store}, "flashsale")
	wrapped, err := Wrap(g, func(ctx context.Context, a reserveArgs) (string, error) {
		return "ptr", nil
	}, reserveKey, reserveFp, reservePolicy())
	require.NoError(t, err)

	_, err = wrapped(context.Background(), reserveArgs{User: "u", Key: "k", Sku: "s", Qty: 1})
	assert.ErrorIs(t, err, ErrMarkDoneFailed)
}

func TestGuard_KeyLayout(t *testing.T) {
	g := NewGuard(nil, "  flash sale\tsvc ")
	assert.Equal(t, "idem:test:flash_sale_svc:flashsale_reserve_api_v1:u1:K1", g.Key(reservePolicy(), "u1:K1"))

	g = NewGuard(nil, "")
	assert.Equal(t, "idem:v1:default:evt:x", g.Key(Policy{EventType: "evt"}, "x"))
}

func TestFingerprint(t *testing.T) {
	assert.Equal(t, Fingerprint("sku-1", "1"), Fingerprint("sku-1", "1"))
	assert.NotEqual(t, Fingerprint("sku-1", "1"), Fingerprint("sku-1", "2"))
	assert.Len(t, Fingerprint("a"), 64)
}

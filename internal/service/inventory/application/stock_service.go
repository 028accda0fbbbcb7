package application

import (
	"context"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"flashsale/internal/pkg/idempotency"
	"flashsale/internal/pkg/logger"
	"flashsale/internal/service/inventory/domain"
	"flashsale/internal/service/inventory/domain/port"
	"flashsale/internal/service/inventory/metrics"
)

// ReleaseEventType 是回补事件消费者的幂等事件类型。
const ReleaseEventType = "inventory_release_requested_v1"

const releaseConsumer = "release"

// StockService 负责库存回补与管理操作。
type StockService struct {
	engine port.ReservationEngine
	tracer trace.Tracer

	handleRelease func(ctx context.Context, evt releaseArgs) error
}

type releaseArgs struct {
	event domain.ReleaseRequested
	ran   *bool
}

// NewStockService 创建服务，并用 WrapVoid 组合回补事件的幂等处理。
func NewStockService(engine port.ReservationEngine, guard *idempotency.Guard, keyPrefix string, tracer trace.Tracer) (*StockService, error) {
	s := &StockService{engine: engine, tracer: tracer}
	handle, err := idempotency.WrapVoid(guard, s.applyRelease,
		func(a releaseArgs) string { return a.event.EventID },
		nil,
		idempotency.Policy{
			EventType:    ReleaseEventType,
			KeyPrefix:    keyPrefix,
			OnProcessing: idempotency.OnProcessingRetry,
			OnDone:       idempotency.OnDoneAck,
		})
	if err != nil {
		return nil, err
	}
	s.handleRelease = handle
	return s, nil
}

// Release 直接回补一笔预占（内部接口调用）。
func (s *StockService) Release(ctx context.Context, orderID, skuID string, qty int) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "app.Release", trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.String("sku.id", skuID),
	))
	defer span.End()

	n, err := s.engine.Release(ctx, orderID, skuID, qty)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	logger.Ctx(ctx).Info().Str("order_id", orderID).Str("sku_id", skuID).Int("qty", qty).Int64("affected", n).Msg("release reservation")
	return n, nil
}

// HandleReleaseRequested 处理一条回补事件，同一个 eventId 只生效一次。
func (s *StockService) HandleReleaseRequested(ctx context.Context, evt domain.ReleaseRequested) error {
	ctx, span := s.tracer.Start(ctx, "app.HandleReleaseRequested", trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.String("event.id", evt.EventID), attribute.String("order.id", evt.OrderID)))
	defer span.End()

	if err := validateRelease(evt); err != nil {
		return err
	}
	ran := false
	if err := s.handleRelease(ctx, releaseArgs{event: evt, ran: &ran}); err != nil {
		span.RecordError(err)
		return err
	}
	if !ran {
		metrics.ObserveConsume(releaseConsumer, metrics.ConsumeDuplicate)
		logger.Ctx(ctx).Debug().Str("event_id", evt.EventID).Msg("release event already applied")
		return nil
	}
	metrics.ObserveConsume(releaseConsumer, metrics.ConsumeProcessed)
	return nil
}

func (s *StockService) applyRelease(ctx context.Context, a releaseArgs) error {
	*a.ran = true
	for _, item := range a.event.Items {
		n, err := s.engine.Release(ctx, a.event.OrderID, item.SkuID, item.Qty)
		if err != nil {
			return err
		}
		logger.Ctx(ctx).Info().
			Str("event_id", a.event.EventID).
			Str("order_id", a.event.OrderID).
			Str("sku_id", item.SkuID).
			Str("reason", a.event.Reason).
			Int64("affected", n).
			Msg("release requested applied")
	}
	return nil
}

func validateRelease(evt domain.ReleaseRequested) error {
	if evt.EventID == "" || evt.OrderID == "" {
		return errors.Wrap(domain.ErrInvalidReservation, "release event without eventId or orderId")
	}
	if len(evt.Items) == 0 {
		return errors.Wrapf(domain.ErrInvalidReservation, "release event %s has no items", evt.EventID)
	}
	for _, item := range evt.Items {
		if item.SkuID == "" || item.Qty <= 0 {
			return errors.Wrapf(domain.ErrInvalidReservation, "release event %s: bad item %+v", evt.EventID, item)
		}
	}
	return nil
}

// Seed (管理用) 初始化一个 SKU 的活动库存，同时开启新的一场活动。
func (s *StockService) Seed(ctx context.Context, skuID string, stock int64) error {
	if err := s.engine.PrepareStock(ctx, skuID, stock); err != nil {
		return err
	}
	logger.Ctx(ctx).Info().Str("sku_id", skuID).Int64("stock", stock).Msg("flash-sale stock prepared")
	return nil
}

// Available 返回剩余库存。
func (s *StockService) Available(ctx context.Context, skuID string) (int64, error) {
	return s.engine.Available(ctx, skuID)
}

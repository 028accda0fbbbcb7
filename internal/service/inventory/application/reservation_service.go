package application

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"flashsale/internal/pkg/idempotency"
	"flashsale/internal/pkg/logger"
	"flashsale/internal/service/inventory/domain"
	"flashsale/internal/service/inventory/domain/port"
	"flashsale/internal/service/inventory/metrics"
)

// ReserveEventType 是预占 API 的幂等事件类型。
const ReserveEventType = "flashsale_reserve_api_v1"

// ReserveCommand 是一次来自客户端的预占请求。
type ReserveCommand struct {
	IdempotencyKey string
	UserID         string
	SkuID          string
	Qty            int
}

// GuardConfig 是预占调用点的幂等参数。
type GuardConfig struct {
	KeyPrefix     string
	ProcessingTTL time.Duration
	DoneTTL       time.Duration
}

// ReservationService 编排一次秒杀预占：规则校验、定价、生成订单号、原子预占。
// 整个流程由幂等守卫包裹，客户端重试拿到的永远是第一次的结果。
type ReservationService struct {
	engine     port.ReservationEngine
	pricing    port.PricingService
	policy     *PurchasePolicy
	tracer     trace.Tracer
	newOrderID func() string

	reserve func(ctx context.Context, cmd ReserveCommand) (string, error)
}

// NewReservationService 在构造时组合幂等装饰器，策略不合法会直接返回错误。
func NewReservationService(
	engine port.ReservationEngine,
	pricing port.PricingService,
	policy *PurchasePolicy,
	guard *idempotency.Guard,
	cfg GuardConfig,
	tracer trace.Tracer,
) (*ReservationService, error) {
	s := &ReservationService{
		engine:     engine,
		pricing:    pricing,
		policy:     policy,
		tracer:     tracer,
		newOrderID: func() string { return "o-fs-" + uuid.NewString() },
	}

	reserve, err := idempotency.Wrap(guard, s.doReserve,
		func(cmd ReserveCommand) string { return cmd.UserID + ":" + cmd.IdempotencyKey },
		func(cmd ReserveCommand) string { return idempotency.Fingerprint(cmd.SkuID, strconv.Itoa(cmd.Qty)) },
		idempotency.Policy{
			EventType:     ReserveEventType,
			KeyPrefix:     cfg.KeyPrefix,
			OnProcessing:  idempotency.OnProcessingRetry,
			OnDone:        idempotency.OnDoneReturnPointer,
			ProcessingTTL: cfg.ProcessingTTL,
			DoneTTL:       cfg.DoneTTL,
		})
	if err != nil {
		return nil, err
	}
	s.reserve = reserve
	return s, nil
}

// Reserve 是预占 API 的入口。
func (s *ReservationService) Reserve(ctx context.Context, cmd ReserveCommand) (ReservationView, error) {
	ctx, span := s.tracer.Start(ctx, "app.Reserve", trace.WithAttributes(
		attribute.String("sku.id", cmd.SkuID),
		attribute.String("user.id", cmd.UserID),
		attribute.Int("qty", cmd.Qty),
	))
	defer span.End()

	if err := validateCommand(cmd); err != nil {
		span.RecordError(err)
		return ReservationView{}, err
	}
	if err := s.policy.Check(cmd.SkuID, cmd.UserID, cmd.Qty); err != nil {
		span.RecordError(err)
		return ReservationView{}, err
	}

	ptr, err := s.reserve(ctx, cmd)
	if err != nil {
		metrics.Reservations.WithLabelValues("ERROR").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "reserve failed")
		return ReservationView{}, err
	}

	view, err := decodePointer(ptr)
	if err != nil {
		span.RecordError(err)
		return ReservationView{}, err
	}
	span.SetAttributes(attribute.String("reserve.status", string(view.Status)), attribute.String("order.id", view.OrderID))
	return view, nil
}

// doReserve 只会在拿到幂等键之后执行。
func (s *ReservationService) doReserve(ctx context.Context, cmd ReserveCommand) (string, error) {
	price, err := s.pricing.Quote(ctx, cmd.SkuID)
	if err != nil {
		return "", errors.Wrapf(domain.ErrTransientInfra, "pricing lookup for %s: %v", cmd.SkuID, err)
	}

	orderID := s.newOrderID()
	res, err := s.engine.Reserve(ctx, domain.Reservation{
		SkuID:      cmd.SkuID,
		UserID:     cmd.UserID,
		OrderID:    orderID,
		Qty:        cmd.Qty,
		PriceCents: price.Cents,
		Currency:   price.Currency,
	})
	if err != nil {
		return "", err
	}
	metrics.Reservations.WithLabelValues(string(res.Status)).Inc()

	view := ReservationView{Status: res.Status, SkuID: cmd.SkuID, Qty: cmd.Qty}
	if res.Status == domain.StatusReserved {
		view.OrderID = orderID
		view.ExpiresAt = res.ExpireAt
		logger.Ctx(ctx).Info().
			Str("order_id", orderID).
			Str("event_id", res.EventID).
			Str("sku_id", cmd.SkuID).
			Str("user_id", cmd.UserID).
			Msg("flash-sale reservation granted")
	}
	return encodePointer(view), nil
}

func validateCommand(cmd ReserveCommand) error {
	switch {
	case strings.TrimSpace(cmd.IdempotencyKey) == "":
		return errors.Wrap(domain.ErrInvalidReservation, "idempotency key is required")
	case strings.TrimSpace(cmd.UserID) == "":
		return errors.Wrap(domain.ErrInvalidReservation, "user id is required")
	case strings.TrimSpace(cmd.SkuID) == "":
		return errors.Wrap(domain.ErrInvalidReservation, "sku id is required")
	case cmd.Qty <= 0:
		return errors.Wrapf(domain.ErrInvalidReservation, "qty must be positive, got %d", cmd.Qty)
	}
	return nil
}

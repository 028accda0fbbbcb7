package application

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"flashsale/internal/pkg/idempotency"
	"flashsale/internal/pkg/logger"
	"flashsale/internal/service/inventory/domain"
	"flashsale/internal/service/inventory/domain/port"
	"flashsale/internal/service/inventory/metrics"
)

// LedgerEventType 是流水投影消费者的幂等事件类型。
const LedgerEventType = "flashsale_reserved_ledger_v1"

const ledgerConsumer = "ledger"

// LedgerService 把预占事件投影为数据库流水。
// 第一层去重是幂等守卫，第二层是 event_id 唯一索引。
type LedgerService struct {
	repo   port.LedgerRepository
	tracer trace.Tracer

	project func(ctx context.Context, a ledgerArgs) error
}

type ledgerArgs struct {
	entry    domain.LedgerEntry
	inserted *bool
}

// NewLedgerService 创建投影服务。
func NewLedgerService(repo port.LedgerRepository, guard *idempotency.Guard, keyPrefix string, tracer trace.Tracer) (*LedgerService, error) {
	s := &LedgerService{repo: repo, tracer: tracer}
	project, err := idempotency.WrapVoid(guard, s.save,
		func(a ledgerArgs) string { return a.entry.EventID },
		nil,
		idempotency.Policy{
			EventType:    LedgerEventType,
			KeyPrefix:    keyPrefix,
			OnProcessing: idempotency.OnProcessingRetry,
			OnDone:       idempotency.OnDoneAck,
		})
	if err != nil {
		return nil, err
	}
	s.project = project
	return s, nil
}

// Project 处理一条预占事件。
func (s *LedgerService) Project(ctx context.Context, evt domain.OutboxEntry) error {
	ctx, span := s.tracer.Start(ctx, "app.ProjectLedger", trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.String("event.id", evt.EventID)))
	defer span.End()

	entry, err := toLedgerEntry(evt)
	if err != nil {
		return err
	}

	inserted := false
	if err := s.project(ctx, ledgerArgs{entry: entry, inserted: &inserted}); err != nil {
		span.RecordError(err)
		return err
	}
	if !inserted {
		metrics.ObserveConsume(ledgerConsumer, metrics.ConsumeDuplicate)
		logger.Ctx(ctx).Debug().Str("event_id", evt.EventID).Msg("ledger entry already recorded")
		return nil
	}
	metrics.ObserveConsume(ledgerConsumer, metrics.ConsumeProcessed)
	return nil
}

func (s *LedgerService) save(ctx context.Context, a ledgerArgs) error {
	ok, err := s.repo.Save(ctx, a.entry)
	if err != nil {
		return err
	}
	*a.inserted = ok
	return nil
}

func toLedgerEntry(e domain.OutboxEntry) (domain.LedgerEntry, error) {
	if e.EventID == "" || e.OrderID == "" || e.SkuID == "" || e.Qty <= 0 {
		return domain.LedgerEntry{}, errors.Wrapf(domain.ErrPoisonEntry, "incomplete reserved event %q", e.EventID)
	}
	occurred, err := parseEventTime(e.OccurredAt)
	if err != nil {
		return domain.LedgerEntry{}, errors.Wrapf(domain.ErrPoisonEntry, "event %s occurredAt: %v", e.EventID, err)
	}
	expire, err := parseEventTime(e.ExpireAt)
	if err != nil {
		return domain.LedgerEntry{}, errors.Wrapf(domain.ErrPoisonEntry, "event %s expireAt: %v", e.EventID, err)
	}
	return domain.LedgerEntry{
		EventID:    e.EventID,
		OrderID:    e.OrderID,
		UserID:     e.UserID,
		SkuID:      e.SkuID,
		Qty:        e.Qty,
		PriceCents: e.PriceCents,
		Currency:   e.Currency,
		OccurredAt: occurred,
		ExpireAt:   expire,
	}, nil
}

func parseEventTime(s string) (time.Time, error) {
	if t, err := time.Parse(domain.TimeLayout, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

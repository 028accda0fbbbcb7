package domain

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// TimeLayout 是 outbox 记录与事件中时间字段的格式（ISO-8601，毫秒精度）。
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Outbox 记录在流中的字段名，同时也是发布到 Kafka 的 JSON 字段名。
const (
	FieldEventID    = "eventId"
	FieldOrderID    = "orderId"
	FieldUserID     = "userId"
	FieldSkuID      = "skuId"
	FieldQty        = "qty"
	FieldPriceCents = "priceCents"
	FieldCurrency   = "currency"
	FieldOccurredAt = "occurredAt"
	FieldExpireAt   = "expireAt"
)

// OutboxEntry 由预占脚本追加到流中，relay 负责把它转发到事件总线。
// 主 topic 和 DLQ 使用同一结构，分区键为 SkuID。
type OutboxEntry struct {
	EventID    string `json:"eventId"`
	OrderID    string `json:"orderId"`
	UserID     string `json:"userId"`
	SkuID      string `json:"skuId"`
	Qty        int    `json:"qty"`
	PriceCents int64  `json:"priceCents"`
	Currency   string `json:"currency"`
	OccurredAt string `json:"occurredAt"`
	ExpireAt   string `json:"expireAt"`
}

// ParseOutboxEntry 从流记录的字段表还原 OutboxEntry。
// 缺少关联 id 或数量无法解析时返回 ErrPoisonEntry。
func ParseOutboxEntry(values map[string]interface{}) (OutboxEntry, error) {
	e := OutboxEntry{
		EventID:    field(values, FieldEventID),
		OrderID:    field(values, FieldOrderID),
		UserID:     field(values, FieldUserID),
		SkuID:      field(values, FieldSkuID),
		Currency:   field(values, FieldCurrency),
		OccurredAt: field(values, FieldOccurredAt),
		ExpireAt:   field(values, FieldExpireAt),
	}
	if e.EventID == "" {
		return OutboxEntry{}, errors.Wrap(ErrPoisonEntry, "missing eventId")
	}
	if e.OrderID == "" || e.SkuID == "" {
		return OutboxEntry{}, errors.Wrapf(ErrPoisonEntry, "event %s: missing orderId or skuId", e.EventID)
	}

	qty, err := strconv.Atoi(field(values, FieldQty))
	if err != nil || qty <= 0 {
		return OutboxEntry{}, errors.Wrapf(ErrPoisonEntry, "event %s: bad qty %q", e.EventID, field(values, FieldQty))
	}
	e.Qty = qty

	if raw := field(values, FieldPriceCents); raw != "" {
		price, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return OutboxEntry{}, errors.Wrapf(ErrPoisonEntry, "event %s: bad priceCents %q", e.EventID, raw)
		}
		e.PriceCents = price
	}
	return e, nil
}

func field(values map[string]interface{}, name string) string {
	v, ok := values[name]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case []byte:
		return strings.TrimSpace(string(t))
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

package domain

import "time"

const (
	// TopicFlashSaleReserved 是预占事件的主 topic。
	TopicFlashSaleReserved = "inventory.flashsale-reserved.v2"
	// TopicFlashSaleReservedDLQ 接收重试耗尽的预占事件。
	TopicFlashSaleReservedDLQ = "inventory.flashsale-reserved.dlq.v2"
	// TopicReleaseRequested 由订单/支付侧发布，请求回补库存。
	TopicReleaseRequested = "inventory.release-requested.v1"
)

// ReleaseItem 是一次回补中的单个商品。
type ReleaseItem struct {
	SkuID string `json:"skuId"`
	Qty   int    `json:"qty"`
}

// ReleaseRequested 是上游请求释放预占库存的事件（支付超时、订单取消）。
type ReleaseRequested struct {
	EventID    string        `json:"eventId"`
	OrderID    string        `json:"orderId"`
	Reason     string        `json:"reason"`
	Items      []ReleaseItem `json:"items"`
	OccurredAt time.Time     `json:"occurredAt"`
}

// LedgerEntry 是预占事件在消费侧的投影，按 EventID 去重。
type LedgerEntry struct {
	EventID    string
	OrderID    string
	UserID     string
	SkuID      string
	Qty        int
	PriceCents int64
	Currency   string
	OccurredAt time.Time
	ExpireAt   time.Time
}

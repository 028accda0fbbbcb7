package adapter

import "strings"

const defaultHashTag = "fs"

// KeySpace 生成所有协调存储的键。同一个 hash tag 保证预占脚本涉及的键落在同一个 slot。
type KeySpace struct {
	tag string
}

// NewKeySpace 创建键空间，hashTag 为空时使用默认值。
func NewKeySpace(hashTag string) KeySpace {
	tag := strings.Trim(strings.TrimSpace(hashTag), "{}")
	if tag == "" {
		tag = defaultHashTag
	}
	return KeySpace{tag: tag}
}

func (k KeySpace) slot() string { return "{" + k.tag + "}" }

// Stock 是 SKU 的剩余库存计数器。
func (k KeySpace) Stock(skuID string) string { return "fs:stock:" + k.slot() + ":" + skuID }

// Buyers 是 SKU 的已购买家集合。
func (k KeySpace) Buyers(skuID string) string { return "fs:buyers:" + k.slot() + ":" + skuID }

// Order 是订单预占标记。
func (k KeySpace) Order(orderID string) string { return "fs:order:" + k.slot() + ":" + orderID }

// Outbox 是预占事件的 outbox 流。
func (k KeySpace) Outbox() string { return "fs:outbox:" + k.slot() + ":flashsale-reserved" }

// Retry 是 relay 对单个事件的重试状态。
func (k KeySpace) Retry(eventID string) string { return "fs:retry:" + k.slot() + ":" + eventID }

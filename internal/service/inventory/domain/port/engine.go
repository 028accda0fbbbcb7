package port

import (
	"context"

	"flashsale/internal/service/inventory/domain"
)

// ReservationEngine 是原子预占引擎的出站端口。
type ReservationEngine interface {
	// Reserve 在一次原子操作里完成：检查订单标记、检查买家集合、扣减库存、写入 outbox。
	Reserve(ctx context.Context, r domain.Reservation) (domain.ReserveResult, error)

	// Release 是 Reserve 的补偿操作，订单标记不存在时返回 0。
	Release(ctx context.Context, orderID, skuID string, qty int) (int64, error)

	// PrepareStock (管理用) 设置库存并清空买家集合。
	PrepareStock(ctx context.Context, skuID string, stock int64) error

	// Available 读取当前剩余库存。
	Available(ctx context.Context, skuID string) (int64, error)
}

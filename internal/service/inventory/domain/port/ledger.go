package port

import (
	"context"

	"flashsale/internal/service/inventory/domain"
)

// LedgerRepository 持久化预占流水，按 EventID 去重。
type LedgerRepository interface {
	// Save 写入一条流水，EventID 已存在时返回 false 且不报错。
	Save(ctx context.Context, entry domain.LedgerEntry) (bool, error)
}

package port

import "context"

// Price 是商品目录返回的单价。
type Price struct {
	Cents    int64  `json:"priceCents"`
	Currency string `json:"currency"`
}

// PricingService 是商品定价的出站端口，预占前同步调用。
type PricingService interface {
	Quote(ctx context.Context, skuID string) (Price, error)
}

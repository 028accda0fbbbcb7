package adapter

import (
	"context"
	"net/url"
	"strings"

	"github.com/pkg/errors"

	"flashsale/internal/pkg/httpclient"
	"flashsale/internal/service/inventory/domain/port"
)

// PricingHTTPAdapter 调用商品目录服务查询单价，实现 port.PricingService。
type PricingHTTPAdapter struct {
	client  *httpclient.Client
	baseURL string
}

// NewPricingHTTPAdapter 创建定价适配器，baseURL 形如 http://catalog:8080。
func NewPricingHTTPAdapter(client *httpclient.Client, baseURL string) *PricingHTTPAdapter {
	return &PricingHTTPAdapter{client: client, baseURL: strings.TrimRight(baseURL, "/")}
}

// Quote 请求 GET {baseURL}/api/v1/products/{skuId}/price。
func (a *PricingHTTPAdapter) Quote(ctx context.Context, skuID string) (port.Price, error) {
	var price port.Price
	endpoint := a.baseURL + "/api/v1/products/" + url.PathEscape(skuID) + "/price"
	if err := a.client.GetJSON(ctx, endpoint, nil, &price); err != nil {
		return port.Price{}, errors.Wrapf(err, "quote sku %s", skuID)
	}
	if price.Currency == "" || price.Cents < 0 {
		return port.Price{}, errors.Errorf("invalid price for sku %s: %+v", skuID, price)
	}
	return price, nil
}

// StaticPricing 在未配置目录服务时使用固定价格（压测和本地环境）。
type StaticPricing struct {
	Price port.Price
}

func (s StaticPricing) Quote(context.Context, string) (port.Price, error) {
	return s.Price, nil
}

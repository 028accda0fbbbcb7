package application

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"flashsale/internal/service/inventory/domain"
)

const pointerSep = "|"

// ReservationView 是返回给调用方的预占结果，重复请求拿到的是同一份。
type ReservationView struct {
	Status    domain.ReserveStatus
	OrderID   string
	ExpiresAt time.Time
	SkuID     string
	Qty       int
}

// encodePointer 把结果编码为 STATUS|orderId|expiresAt|skuId|qty，保存在幂等记录里。
func encodePointer(v ReservationView) string {
	expires := ""
	if !v.ExpiresAt.IsZero() {
		expires = v.ExpiresAt.UTC().Format(domain.TimeLayout)
	}
	return strings.Join([]string{string(v.Status), v.OrderID, expires, v.SkuID, strconv.Itoa(v.Qty)}, pointerSep)
}

// decodePointer 中只有 skuId 是调用方给的自由文本，可能含分隔符：
// 取前 3 段和最后 1 段，中间部分整体还原为 skuId。
func decodePointer(ptr string) (ReservationView, error) {
	parts := strings.Split(ptr, pointerSep)
	if len(parts) < 5 {
		return ReservationView{}, errors.Errorf("malformed reservation pointer %q", ptr)
	}
	last := len(parts) - 1
	v := ReservationView{
		Status:  domain.ReserveStatus(parts[0]),
		OrderID: parts[1],
		SkuID:   strings.Join(parts[3:last], pointerSep),
	}
	switch v.Status {
	case domain.StatusReserved, domain.StatusDuplicate, domain.StatusSoldOut:
	default:
		return ReservationView{}, errors.Errorf("unknown status in reservation pointer %q", ptr)
	}
	if parts[2] != "" {
		t, err := time.Parse(domain.TimeLayout, parts[2])
		if err != nil {
			return ReservationView{}, errors.Wrapf(err, "bad expiry in reservation pointer %q", ptr)
		}
		v.ExpiresAt = t.UTC()
	}
	qty, err := strconv.Atoi(parts[last])
	if err != nil {
		return ReservationView{}, errors.Wrapf(err, "bad qty in reservation pointer %q", ptr)
	}
	v.Qty = qty
	return v, nil
}

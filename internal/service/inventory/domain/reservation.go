package domain

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ReserveStatus 是一次预占的业务结果。售罄和重复都不是错误。
type ReserveStatus string

const (
	StatusReserved  ReserveStatus = "RESERVED"
	StatusDuplicate ReserveStatus = "DUPLICATE"
	StatusSoldOut   ReserveStatus = "SOLD_OUT"
)

// Reservation 是一次预占请求的全部输入。
type Reservation struct {
	SkuID      string
	UserID     string
	OrderID    string
	Qty        int
	PriceCents int64
	Currency   string
}

// Validate 校验输入，失败时返回 ErrInvalidReservation。
func (r Reservation) Validate() error {
	switch {
	case strings.TrimSpace(r.SkuID) == "":
		return errors.Wrap(ErrInvalidReservation, "skuId is required")
	case strings.TrimSpace(r.UserID) == "":
		return errors.Wrap(ErrInvalidReservation, "userId is required")
	case strings.TrimSpace(r.OrderID) == "":
		return errors.Wrap(ErrInvalidReservation, "orderId is required")
	case r.Qty <= 0:
		return errors.Wrapf(ErrInvalidReservation, "qty must be positive, got %d", r.Qty)
	case r.PriceCents < 0:
		return errors.Wrapf(ErrInvalidReservation, "priceCents must not be negative, got %d", r.PriceCents)
	case strings.TrimSpace(r.Currency) == "":
		return errors.Wrap(ErrInvalidReservation, "currency is required")
	}
	return nil
}

// ReserveResult 是引擎的返回值。EventID 和 ExpireAt 只在 RESERVED 时有意义。
type ReserveResult struct {
	Status   ReserveStatus
	EventID  string
	ExpireAt time.Time
}

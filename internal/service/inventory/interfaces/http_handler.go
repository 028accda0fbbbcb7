package interfaces

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"flashsale/internal/pkg/idempotency"
	"flashsale/internal/pkg/logger"
	"flashsale/internal/service/inventory/application"
	"flashsale/internal/service/inventory/domain"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerUserID         = "X-User-Id"
)

// Reserver 是预占 API 依赖的应用服务。
type Reserver interface {
	Reserve(ctx context.Context, cmd application.ReserveCommand) (application.ReservationView, error)
}

// StockManager 是内部库存接口依赖的应用服务。
type StockManager interface {
	Release(ctx context.Context, orderID, skuID string, qty int) (int64, error)
	Seed(ctx context.Context, skuID string, stock int64) error
	Available(ctx context.Context, skuID string) (int64, error)
}

// FlashSaleHandler 封装了秒杀服务的 HTTP 处理器
type FlashSaleHandler struct {
	reservations Reserver
	stock        StockManager
	retryAfter   time.Duration
}

// NewFlashSaleHandler 创建处理器。retryAfter 是 409 响应里建议客户端等待的时间。
func NewFlashSaleHandler(reservations Reserver, stock StockManager, retryAfter time.Duration) *FlashSaleHandler {
	if retryAfter <= 0 {
		retryAfter = time.Second
	}
	return &FlashSaleHandler{reservations: reservations, stock: stock, retryAfter: retryAfter}
}

// RegisterRoutes 在 chi 路由上注册所有路由
func (h *FlashSaleHandler) RegisterRoutes(r chi.Router) {
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/api/v1/flashsale/reservations", h.reserve)

	r.Route("/internal/flashsale", func(r chi.Router) {
		r.Post("/release", h.release)
		r.Post("/seed", h.seed)
		r.Get("/stock/{skuId}", h.available)
	})
}

type reserveRequest struct {
	SkuID string `json:"skuId"`
	Qty   int    `json:"qty"`
}

type reserveResponse struct {
	Status               string `json:"status"`
	OrderID              string `json:"orderId,omitempty"`
	ReservationExpiresAt string `json:"reservationExpiresAt,omitempty"`
}

func (h *FlashSaleHandler) reserve(w http.ResponseWriter, r *http.Request) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

	var req reserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Qty == 0 {
		req.Qty = 1 // 默认数量
	}

	view, err := h.reservations.Reserve(ctx, application.ReserveCommand{
		IdempotencyKey: r.Header.Get(headerIdempotencyKey),
		UserID:         r.Header.Get(headerUserID),
		SkuID:          req.SkuID,
		Qty:            req.Qty,
	})
	if err != nil {
		h.fail(ctx, w, err)
		return
	}

	resp := reserveResponse{Status: string(view.Status), OrderID: view.OrderID}
	if !view.ExpiresAt.IsZero() {
		resp.ReservationExpiresAt = view.ExpiresAt.UTC().Format(domain.TimeLayout)
	}
	writeJSON(w, http.StatusOK, resp)
}

type releaseRequest struct {
	OrderID string `json:"orderId"`
	SkuID   string `json:"skuId"`
	Qty     int    `json:"qty"`
}

func (h *FlashSaleHandler) release(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	n, err := h.stock.Release(r.Context(), req.OrderID, req.SkuID, req.Qty)
	if err != nil {
		h.fail(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"orderId": req.OrderID, "released": n})
}

type seedRequest struct {
	SkuID string `json:"skuId"`
	Stock int64  `json:"stock"`
}

func (h *FlashSaleHandler) seed(w http.ResponseWriter, r *http.Request) {
	var req seedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.SkuID == "" || req.Stock < 0 {
		writeError(w, http.StatusBadRequest, "skuId is required and stock must not be negative")
		return
	}
	if err := h.stock.Seed(r.Context(), req.SkuID, req.Stock); err != nil {
		h.fail(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"skuId": req.SkuID, "stock": req.Stock})
}

func (h *FlashSaleHandler) available(w http.ResponseWriter, r *http.Request) {
	skuID := chi.URLParam(r, "skuId")
	n, err := h.stock.Available(r.Context(), skuID)
	if err != nil {
		h.fail(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"skuId": skuID, "available": n})
}

// fail 是错误到状态码的唯一映射点。
func (h *FlashSaleHandler) fail(ctx context.Context, w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusConflict {
		w.Header().Set("Retry-After", strconv.Itoa(int(h.retryAfter.Round(time.Second)/time.Second)))
	}
	if status >= http.StatusInternalServerError {
		// 基础设施细节只进日志，不返回给客户端
		logger.Ctx(ctx).Error().Err(err).Int("status", status).Msg("flash-sale request failed")
		writeError(w, status, http.StatusText(status))
		return
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidReservation),
		errors.Is(err, domain.ErrPolicyRejected),
		errors.Is(err, idempotency.ErrEmptyKey):
		return http.StatusBadRequest
	case errors.Is(err, idempotency.ErrInProgress),
		errors.Is(err, idempotency.ErrAlreadyCompleted):
		return http.StatusConflict
	case errors.Is(err, idempotency.ErrPayloadMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrTransientInfra),
		errors.Is(err, idempotency.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

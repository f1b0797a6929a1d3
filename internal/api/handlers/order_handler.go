package handlers

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"orderbook/internal/engine"
	"orderbook/internal/models"
	"orderbook/internal/service"
	"orderbook/pkg/utils"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// PlacementLimiter ограничивает частоту размещения заявок одним пользователем
type PlacementLimiter interface {
	Allow(key string) (bool, time.Duration)
}

// OrderHandler отвечает за заявки и стакан
//
// Endpoints:
// - POST /api/v1/orders                          - разместить заявку
// - GET /api/v1/orders/{orderId}                 - получить заявку
// - PATCH /api/v1/orders/{orderId}/cancel        - отменить заявку
// - GET /api/v1/products/{productId}/depth       - стакан товара
// - GET /api/v1/products/{productId}/history     - исполненные заявки
// - GET /api/v1/products/{productId}/trades      - последние сделки
// - GET /api/v1/products/{productId}/stats       - сводка по стакану
// - GET /api/v1/users/{userId}/orders            - заявки пользователя
type OrderHandler struct {
	svc     service.OrderBookServiceInterface
	limiter PlacementLimiter
	logger  *zap.Logger
}

// NewOrderHandler создает OrderHandler. limiter может быть nil.
func NewOrderHandler(svc service.OrderBookServiceInterface, limiter PlacementLimiter, logger *zap.Logger) *OrderHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrderHandler{
		svc:     svc,
		limiter: limiter,
		logger:  logger.Named("orders"),
	}
}

// PlaceOrderResponse - результат размещения: заявка после сопоставления и сделки
type PlaceOrderResponse struct {
	Order   *models.Order   `json:"order"`
	Matches []*models.Match `json:"matches"`
}

// PlaceOrderErrorResponse - ошибка посреди сопоставления.
// Order и Matches отражают уже зафиксированные сделки, они остаются в силе.
type PlaceOrderErrorResponse struct {
	ErrorResponse
	Order   *models.Order   `json:"order"`
	Matches []*models.Match `json:"matches"`
}

// CancelOrderRequest тело запроса на отмену
type CancelOrderRequest struct {
	UserID string `json:"user_id"`
}

// PlaceOrder размещает лимитную заявку и сразу сопоставляет ее
// POST /api/v1/orders
//
// Request Body:
//
//	{
//	  "product_id": "wine-42",
//	  "user_id": "u-1",
//	  "side": "bid",
//	  "price": "95.00",
//	  "quantity": 2,
//	  "expires_at": "2025-01-01T00:00:00Z"
//	}
//
// Response:
// - 201 Created: заявка и сделки
// - 400 Bad Request: невалидные параметры
// - 404 Not Found: товар не найден
// - 429 Too Many Requests: превышен лимит размещения
// - 409/500/503 с полями order и matches: сбой после части сделок
func (h *OrderHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req models.PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body", err.Error())
		return
	}

	if h.limiter != nil && req.UserID != "" {
		if ok, retryAfter := h.limiter.Allow(req.UserID); !ok {
			seconds := int(math.Ceil(retryAfter.Seconds()))
			if seconds < 1 {
				seconds = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
			respondWithError(w, http.StatusTooManyRequests, "rate_limited", "Too many orders, slow down", "")
			return
		}
	}

	result, err := h.svc.PlaceOrder(r.Context(), &req)
	if err != nil {
		if result == nil || result.Order == nil {
			h.handleServiceError(w, err)
			return
		}
		status, resp := h.classifyError(err)
		h.logger.Warn("order placed with partial result",
			utils.OrderID(result.Order.ID.String()),
			zap.Int("matches", len(result.Matches)),
			zap.Error(err))
		respondWithJSON(w, status, PlaceOrderErrorResponse{
			ErrorResponse: resp,
			Order:         result.Order,
			Matches:       nonNilMatches(result.Matches),
		})
		return
	}

	respondWithJSON(w, http.StatusCreated, PlaceOrderResponse{Order: result.Order, Matches: nonNilMatches(result.Matches)})
}

// nonNilMatches - в JSON всегда массив, даже пустой
func nonNilMatches(matches []*models.Match) []*models.Match {
	if matches == nil {
		return []*models.Match{}
	}
	return matches
}

// CancelOrder отменяет активную заявку владельца
// PATCH /api/v1/orders/{orderId}/cancel
//
// Request Body: {"user_id": "u-1"}
//
// Response:
// - 200 OK: отмененная заявка
// - 409 Conflict: заявка не найдена, чужая или уже не активна
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := parseOrderID(w, r)
	if !ok {
		return
	}

	var req CancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body", err.Error())
		return
	}

	order, err := h.svc.CancelOrder(r.Context(), orderID, req.UserID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, order)
}

// GetOrder возвращает заявку по ID
// GET /api/v1/orders/{orderId}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := parseOrderID(w, r)
	if !ok {
		return
	}

	order, err := h.svc.GetOrder(r.Context(), orderID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, order)
}

// GetMarketDepth возвращает агрегированный стакан
// GET /api/v1/products/{productId}/depth
func (h *OrderHandler) GetMarketDepth(w http.ResponseWriter, r *http.Request) {
	depth, err := h.svc.GetMarketDepth(r.Context(), mux.Vars(r)["productId"])
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, depth)
}

// GetOrderHistory возвращает исполненные заявки товара
// GET /api/v1/products/{productId}/history?limit=50
func (h *OrderHandler) GetOrderHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	orders, err := h.svc.GetOrderHistory(r.Context(), mux.Vars(r)["productId"], limit)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, orders)
}

// GetRecentTrades возвращает последние сделки товара
// GET /api/v1/products/{productId}/trades?limit=50
func (h *OrderHandler) GetRecentTrades(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	trades, err := h.svc.GetRecentTrades(r.Context(), mux.Vars(r)["productId"], limit)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, trades)
}

// GetProductStats возвращает счетчики заявок и лучшие цены
// GET /api/v1/products/{productId}/stats
func (h *OrderHandler) GetProductStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.GetProductStats(r.Context(), mux.Vars(r)["productId"])
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, stats)
}

// GetUserOrders возвращает заявки пользователя
// GET /api/v1/users/{userId}/orders?status=active
func (h *OrderHandler) GetUserOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.svc.GetUserOrders(r.Context(), mux.Vars(r)["userId"], r.URL.Query().Get("status"))
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, orders)
}

// ============ Helpers ============

func parseOrderID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["orderId"])
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid_id", "Invalid order ID", "ID must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

// parseLimit читает ?limit=; отсутствие параметра - 0 (значение по умолчанию сервиса)
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		respondWithError(w, http.StatusBadRequest, "invalid_limit", "Invalid limit", "limit must be a non-negative integer")
		return 0, false
	}
	return limit, true
}

// handleServiceError отправляет ответ об ошибке сервиса
func (h *OrderHandler) handleServiceError(w http.ResponseWriter, err error) {
	status, resp := h.classifyError(err)
	respondWithJSON(w, status, resp)
}

// classifyError сопоставляет ошибку сервиса HTTP статусу и телу ответа.
// Неизвестные ошибки логируются и скрываются от клиента.
func (h *OrderHandler) classifyError(err error) (int, ErrorResponse) {
	var bandErr *engine.PriceOutOfBandError

	switch {
	case errors.As(err, &bandErr):
		return http.StatusBadRequest, ErrorResponse{Code: "price_out_of_band", Error: bandErr.Error()}

	case engine.IsValidationError(err):
		return http.StatusBadRequest, ErrorResponse{Code: "invalid_order", Error: err.Error()}

	case errors.Is(err, service.ErrProductIDRequired),
		errors.Is(err, service.ErrUserIDRequired),
		errors.Is(err, service.ErrInvalidStatus):
		return http.StatusBadRequest, ErrorResponse{Code: "invalid_request", Error: err.Error()}

	case errors.Is(err, service.ErrOrderNotFound):
		return http.StatusNotFound, ErrorResponse{Code: "order_not_found", Error: "Order not found"}

	case errors.Is(err, engine.ErrProductNotFound):
		return http.StatusNotFound, ErrorResponse{Code: "product_not_found", Error: "Product not found"}

	case errors.Is(err, engine.ErrOrderNotCancellable):
		return http.StatusConflict, ErrorResponse{Code: "order_not_cancellable", Error: "Order not found or cannot be cancelled"}

	case errors.Is(err, engine.ErrTooManyConflicts):
		return http.StatusConflict, ErrorResponse{Code: "concurrent_update", Error: "Order book is busy, retry the request"}

	case errors.Is(err, engine.ErrEngineStopped):
		return http.StatusServiceUnavailable, ErrorResponse{Code: "engine_stopped", Error: "Matching engine is shutting down"}

	default:
		h.logger.Error("order request failed", zap.Error(err))
		return http.StatusInternalServerError, ErrorResponse{Code: "internal_error", Error: "Internal server error"}
	}
}

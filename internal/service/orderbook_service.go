package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"orderbook/internal/engine"
	"orderbook/internal/models"
	"orderbook/internal/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Ошибки сервиса стакана
var (
	ErrProductIDRequired = errors.New("product_id is required")
	ErrUserIDRequired    = errors.New("user_id is required")
	ErrInvalidStatus     = errors.New("invalid order status filter")
	ErrOrderNotFound     = errors.New("order not found")
)

// Лимиты выборок истории
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// ProductStats - сводка по стакану товара
type ProductStats struct {
	ProductID       string           `json:"product_id"`
	Active          int              `json:"active_orders"`
	PartiallyFilled int              `json:"partially_filled_orders"`
	Filled          int              `json:"filled_orders"`
	Cancelled       int              `json:"cancelled_orders"`
	BestBid         *decimal.Decimal `json:"best_bid,omitempty"`
	BestAsk         *decimal.Decimal `json:"best_ask,omitempty"`
	Spread          *decimal.Decimal `json:"spread,omitempty"`
}

// OrderBookService - прикладной слой над движком и хранилищем заявок.
//
// Отвечает за:
// - нормализацию входных данных API перед передачей в движок
// - чтение заявок, истории исполнений и сделок
// - перевод ошибок хранилища в ошибки сервиса
//
// Сопоставление и отмена целиком выполняются движком.
type OrderBookService struct {
	engine MatchingEngineInterface
	orders OrderRepositoryInterface
	logger *zap.Logger
}

// NewOrderBookService создает сервис
func NewOrderBookService(eng MatchingEngineInterface, orders OrderRepositoryInterface, logger *zap.Logger) *OrderBookService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrderBookService{
		engine: eng,
		orders: orders,
		logger: logger.Named("service"),
	}
}

// PlaceOrder нормализует заявку и передает ее движку.
//
// Идентификаторы очищаются от пробелов, сторона приводится к нижнему регистру.
// Остальные проверки выполняет движок.
func (s *OrderBookService) PlaceOrder(ctx context.Context, req *models.PlaceOrderRequest) (*engine.PlaceResult, error) {
	req.ProductID = strings.TrimSpace(req.ProductID)
	req.UserID = strings.TrimSpace(req.UserID)
	req.Side = models.Side(strings.ToLower(strings.TrimSpace(string(req.Side))))
	req.ShippingState = strings.ToUpper(strings.TrimSpace(req.ShippingState))

	if req.ProductID == "" {
		return nil, ErrProductIDRequired
	}
	if req.UserID == "" {
		return nil, ErrUserIDRequired
	}

	return s.engine.PlaceOrder(ctx, req)
}

// CancelOrder отменяет активную заявку пользователя
func (s *OrderBookService) CancelOrder(ctx context.Context, orderID uuid.UUID, userID string) (*models.Order, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	return s.engine.CancelOrder(ctx, orderID, userID)
}

// GetOrder возвращает заявку по ID
func (s *OrderBookService) GetOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return order, nil
}

// GetMarketDepth возвращает агрегированный стакан товара
func (s *OrderBookService) GetMarketDepth(ctx context.Context, productID string) (*models.MarketDepth, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return nil, ErrProductIDRequired
	}
	return s.engine.MarketDepth(ctx, productID)
}

// GetUserOrders возвращает заявки пользователя, новые сверху.
// Пустой status - все статусы.
func (s *OrderBookService) GetUserOrders(ctx context.Context, userID, status string) ([]*models.Order, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	filter := models.OrderStatus(strings.ToLower(strings.TrimSpace(status)))
	if filter != "" && !filter.Valid() {
		return nil, ErrInvalidStatus
	}

	orders, err := s.orders.ListByUser(ctx, userID, filter)
	if err != nil {
		return nil, err
	}
	if orders == nil {
		orders = []*models.Order{}
	}
	return orders, nil
}

// GetOrderHistory возвращает исполненные заявки товара, последние сверху
func (s *OrderBookService) GetOrderHistory(ctx context.Context, productID string, limit int) ([]*models.Order, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return nil, ErrProductIDRequired
	}

	orders, err := s.orders.ListFilledByProduct(ctx, productID, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	if orders == nil {
		orders = []*models.Order{}
	}
	return orders, nil
}

// GetRecentTrades возвращает последние сделки товара
func (s *OrderBookService) GetRecentTrades(ctx context.Context, productID string, limit int) ([]*models.Match, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return nil, ErrProductIDRequired
	}

	matches, err := s.orders.ListMatchesByProduct(ctx, productID, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	if matches == nil {
		matches = []*models.Match{}
	}
	return matches, nil
}

// GetProductStats собирает счетчики заявок по статусам и лучшие цены.
// Запросы выполняются параллельно.
func (s *OrderBookService) GetProductStats(ctx context.Context, productID string) (*ProductStats, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return nil, ErrProductIDRequired
	}

	stats := &ProductStats{ProductID: productID}
	counters := map[models.OrderStatus]*int{
		models.OrderStatusActive:          &stats.Active,
		models.OrderStatusPartiallyFilled: &stats.PartiallyFilled,
		models.OrderStatusFilled:          &stats.Filled,
		models.OrderStatusCancelled:       &stats.Cancelled,
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)

	for status, dst := range counters {
		status, dst := status, dst
		g.Go(func() error {
			n, err := s.orders.CountByStatus(gctx, productID, status)
			if err != nil {
				return fmt.Errorf("count %s orders: %w", status, err)
			}
			mu.Lock()
			*dst = n
			mu.Unlock()
			return nil
		})
	}

	var depth *models.MarketDepth
	g.Go(func() error {
		d, err := s.engine.MarketDepth(gctx, productID)
		if err != nil {
			return fmt.Errorf("load depth: %w", err)
		}
		depth = d
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	if bid, ok := depth.BestBid(); ok {
		stats.BestBid = &bid.Price
	}
	if ask, ok := depth.BestAsk(); ok {
		stats.BestAsk = &ask.Price
	}
	if spread, ok := depth.Spread(); ok {
		stats.Spread = &spread
	}

	return stats, nil
}

// normalizeLimit приводит limit к диапазону [1, MaxHistoryLimit]; 0 → значение по умолчанию
func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}

package service

import (
	"context"

	"orderbook/internal/engine"
	"orderbook/internal/models"
	"orderbook/internal/repository"

	"github.com/google/uuid"
)

// MatchingEngineInterface - операции движка, которые использует сервис
type MatchingEngineInterface interface {
	PlaceOrder(ctx context.Context, req *models.PlaceOrderRequest) (*engine.PlaceResult, error)
	CancelOrder(ctx context.Context, orderID uuid.UUID, userID string) (*models.Order, error)
	MarketDepth(ctx context.Context, productID string) (*models.MarketDepth, error)
}

// OrderRepositoryInterface - чтение заявок и сделок для API
type OrderRepositoryInterface interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error)
	ListByUser(ctx context.Context, userID string, status models.OrderStatus) ([]*models.Order, error)
	ListFilledByProduct(ctx context.Context, productID string, limit int) ([]*models.Order, error)
	ListMatchesByProduct(ctx context.Context, productID string, limit int) ([]*models.Match, error)
	CountByStatus(ctx context.Context, productID string, status models.OrderStatus) (int, error)
}

// Проверяем, что реальные реализации подходят под интерфейсы
var _ MatchingEngineInterface = (*engine.Engine)(nil)
var _ OrderRepositoryInterface = (*repository.OrderRepository)(nil)

// ============ Интерфейсы сервисов для Dependency Injection ============

// OrderBookServiceInterface - интерфейс сервиса для HTTP слоя
type OrderBookServiceInterface interface {
	PlaceOrder(ctx context.Context, req *models.PlaceOrderRequest) (*engine.PlaceResult, error)
	CancelOrder(ctx context.Context, orderID uuid.UUID, userID string) (*models.Order, error)
	GetOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error)
	GetMarketDepth(ctx context.Context, productID string) (*models.MarketDepth, error)
	GetUserOrders(ctx context.Context, userID, status string) ([]*models.Order, error)
	GetOrderHistory(ctx context.Context, productID string, limit int) ([]*models.Order, error)
	GetRecentTrades(ctx context.Context, productID string, limit int) ([]*models.Match, error)
	GetProductStats(ctx context.Context, productID string) (*ProductStats, error)
}

var _ OrderBookServiceInterface = (*OrderBookService)(nil)

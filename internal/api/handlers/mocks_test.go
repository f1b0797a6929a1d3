package handlers

import (
	"context"
	"errors"
	"sync"
	"time"

	"orderbook/internal/engine"
	"orderbook/internal/models"
	"orderbook/internal/service"

	"github.com/google/uuid"
)

// ErrMockDatabase имитирует сбой хранилища
var ErrMockDatabase = errors.New("mock database error")

// ============ Mock OrderBook Service ============

// MockOrderBookService мок для OrderBookServiceInterface
type MockOrderBookService struct {
	mu sync.Mutex

	orders  map[uuid.UUID]*models.Order
	matches []*models.Match
	depth   *models.MarketDepth
	stats   *service.ProductStats
	err     error

	// partial возвращается вместе с err из PlaceOrder
	partial *engine.PlaceResult

	lastPlace  *models.PlaceOrderRequest
	lastUserID string
	lastStatus string
	lastLimit  int
}

// NewMockOrderBookService создает новый мок сервиса стакана
func NewMockOrderBookService() *MockOrderBookService {
	return &MockOrderBookService{
		orders: make(map[uuid.UUID]*models.Order),
	}
}

// SetError задает ошибку для всех операций
func (m *MockOrderBookService) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// SetPartialResult - PlaceOrder вернет result вместе с err
func (m *MockOrderBookService) SetPartialResult(result *engine.PlaceResult, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.partial = result
	m.err = err
}

// AddOrder добавляет заявку в мок
func (m *MockOrderBookService) AddOrder(o *models.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = o
}

func (m *MockOrderBookService) PlaceOrder(ctx context.Context, req *models.PlaceOrderRequest) (*engine.PlaceResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastPlace = req
	if m.err != nil {
		return m.partial, m.err
	}
	order := &models.Order{
		ID:                uuid.New(),
		ProductID:         req.ProductID,
		UserID:            req.UserID,
		Side:              req.Side,
		Price:             req.Price,
		Quantity:          req.Quantity,
		RemainingQuantity: req.Quantity,
		Status:            models.OrderStatusActive,
		CreatedAt:         time.Now(),
	}
	m.orders[order.ID] = order
	return &engine.PlaceResult{Order: order, Matches: m.matches}, nil
}

func (m *MockOrderBookService) CancelOrder(ctx context.Context, orderID uuid.UUID, userID string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastUserID = userID
	if m.err != nil {
		return nil, m.err
	}
	o, ok := m.orders[orderID]
	if !ok || o.UserID != userID || o.Status != models.OrderStatusActive {
		return nil, engine.ErrOrderNotCancellable
	}
	o.Status = models.OrderStatusCancelled
	return o, nil
}

func (m *MockOrderBookService) GetOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	o, ok := m.orders[orderID]
	if !ok {
		return nil, service.ErrOrderNotFound
	}
	return o, nil
}

func (m *MockOrderBookService) GetMarketDepth(ctx context.Context, productID string) (*models.MarketDepth, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	if m.depth != nil {
		return m.depth, nil
	}
	return &models.MarketDepth{ProductID: productID, Bids: []models.DepthLevel{}, Asks: []models.DepthLevel{}}, nil
}

func (m *MockOrderBookService) GetUserOrders(ctx context.Context, userID, status string) ([]*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastUserID = userID
	m.lastStatus = status
	if m.err != nil {
		return nil, m.err
	}
	result := []*models.Order{}
	for _, o := range m.orders {
		if o.UserID == userID {
			result = append(result, o)
		}
	}
	return result, nil
}

func (m *MockOrderBookService) GetOrderHistory(ctx context.Context, productID string, limit int) ([]*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastLimit = limit
	if m.err != nil {
		return nil, m.err
	}
	return []*models.Order{}, nil
}

func (m *MockOrderBookService) GetRecentTrades(ctx context.Context, productID string, limit int) ([]*models.Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastLimit = limit
	if m.err != nil {
		return nil, m.err
	}
	result := []*models.Match{}
	for _, match := range m.matches {
		if match.ProductID == productID {
			result = append(result, match)
		}
	}
	return result, nil
}

func (m *MockOrderBookService) GetProductStats(ctx context.Context, productID string) (*service.ProductStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	if m.stats != nil {
		return m.stats, nil
	}
	return &service.ProductStats{ProductID: productID}, nil
}

var _ service.OrderBookServiceInterface = (*MockOrderBookService)(nil)

// ============ Mock Limiter ============

// MockLimiter пропускает первые allow запросов каждого ключа
type MockLimiter struct {
	allow      int
	retryAfter time.Duration
	seen       map[string]int
}

func NewMockLimiter(allow int, retryAfter time.Duration) *MockLimiter {
	return &MockLimiter{allow: allow, retryAfter: retryAfter, seen: make(map[string]int)}
}

func (l *MockLimiter) Allow(key string) (bool, time.Duration) {
	l.seen[key]++
	if l.seen[key] > l.allow {
		return false, l.retryAfter
	}
	return true, 0
}

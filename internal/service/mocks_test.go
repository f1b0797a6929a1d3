package service

import (
	"context"
	"sync"

	"orderbook/internal/engine"
	"orderbook/internal/models"
	"orderbook/internal/repository"

	"github.com/google/uuid"
)

// ============ Mock MatchingEngine ============

type MockEngine struct {
	placeResult *engine.PlaceResult
	placeErr    error
	cancelErr   error
	depth       *models.MarketDepth
	depthErr    error

	lastPlace        *models.PlaceOrderRequest
	lastCancelID     uuid.UUID
	lastCancelUserID string
	placeCalls       int
}

func (m *MockEngine) PlaceOrder(ctx context.Context, req *models.PlaceOrderRequest) (*engine.PlaceResult, error) {
	m.placeCalls++
	m.lastPlace = req
	if m.placeErr != nil {
		return m.placeResult, m.placeErr
	}
	if m.placeResult != nil {
		return m.placeResult, nil
	}
	return &engine.PlaceResult{
		Order:   &models.Order{ID: uuid.New(), ProductID: req.ProductID, UserID: req.UserID, Status: models.OrderStatusActive},
		Matches: []*models.Match{},
	}, nil
}

func (m *MockEngine) CancelOrder(ctx context.Context, orderID uuid.UUID, userID string) (*models.Order, error) {
	m.lastCancelID = orderID
	m.lastCancelUserID = userID
	if m.cancelErr != nil {
		return nil, m.cancelErr
	}
	return &models.Order{ID: orderID, UserID: userID, Status: models.OrderStatusCancelled}, nil
}

func (m *MockEngine) MarketDepth(ctx context.Context, productID string) (*models.MarketDepth, error) {
	if m.depthErr != nil {
		return nil, m.depthErr
	}
	if m.depth != nil {
		return m.depth, nil
	}
	return &models.MarketDepth{ProductID: productID, Bids: []models.DepthLevel{}, Asks: []models.DepthLevel{}}, nil
}

// ============ Mock OrderRepository ============

type MockOrderRepository struct {
	mu sync.Mutex

	orders  map[uuid.UUID]*models.Order
	matches []*models.Match
	counts  map[models.OrderStatus]int

	findErr  error
	listErr  error
	countErr error

	lastStatus models.OrderStatus
	lastLimit  int
}

func NewMockOrderRepository() *MockOrderRepository {
	return &MockOrderRepository{
		orders: make(map[uuid.UUID]*models.Order),
		counts: make(map[models.OrderStatus]int),
	}
}

func (m *MockOrderRepository) add(o *models.Order) {
	m.orders[o.ID] = o
}

func (m *MockOrderRepository) FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	if m.findErr != nil {
		return nil, m.findErr
	}
	if o, ok := m.orders[id]; ok {
		return o, nil
	}
	return nil, repository.ErrOrderNotFound
}

func (m *MockOrderRepository) ListByUser(ctx context.Context, userID string, status models.OrderStatus) ([]*models.Order, error) {
	m.lastStatus = status
	if m.listErr != nil {
		return nil, m.listErr
	}
	var result []*models.Order
	for _, o := range m.orders {
		if o.UserID == userID && (status == "" || o.Status == status) {
			result = append(result, o)
		}
	}
	return result, nil
}

func (m *MockOrderRepository) ListFilledByProduct(ctx context.Context, productID string, limit int) ([]*models.Order, error) {
	m.lastLimit = limit
	if m.listErr != nil {
		return nil, m.listErr
	}
	var result []*models.Order
	for _, o := range m.orders {
		if o.ProductID == productID && o.Status == models.OrderStatusFilled {
			result = append(result, o)
		}
	}
	return result, nil
}

func (m *MockOrderRepository) ListMatchesByProduct(ctx context.Context, productID string, limit int) ([]*models.Match, error) {
	m.lastLimit = limit
	if m.listErr != nil {
		return nil, m.listErr
	}
	var result []*models.Match
	for _, match := range m.matches {
		if match.ProductID == productID {
			result = append(result, match)
		}
	}
	return result, nil
}

func (m *MockOrderRepository) CountByStatus(ctx context.Context, productID string, status models.OrderStatus) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.countErr != nil {
		return 0, m.countErr
	}
	return m.counts[status], nil
}

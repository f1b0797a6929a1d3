package engine

import (
	"context"
	"sync"
	"time"

	"orderbook/internal/models"
	"orderbook/internal/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ============================================================
// memStore - OrderStore в памяти с проверкой версий
// ============================================================

type memStore struct {
	mu      sync.Mutex
	orders  map[uuid.UUID]*models.Order
	matches []*models.Match

	// Внедрение сбоев
	createErr       error
	findErr         error
	commitErr       error // возвращается начиная с commit номер commitFailAt
	commitFailAt    int   // 0 - не ломать
	conflictsLeft   int   // столько CommitFill подряд вернут ErrVersionConflict
	updateConflicts int   // столько Update подряд вернут ErrVersionConflict

	// afterCommit вызывается после каждой успешной фиксации сделки
	afterCommit func()
	// beforeUpdate вызывается перед каждым Update
	beforeUpdate func()

	commits        int
	commitAttempts int
	conflicts      int
}

func newMemStore() *memStore {
	return &memStore{orders: make(map[uuid.UUID]*models.Order)}
}

func (s *memStore) Create(_ context.Context, order *models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.createErr != nil {
		return s.createErr
	}
	if _, ok := s.orders[order.ID]; ok {
		return repository.ErrOrderExists
	}
	if order.Version == 0 {
		order.Version = 1
	}
	s.orders[order.ID] = order.Clone()
	return nil
}

func (s *memStore) Update(ctx context.Context, order *models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.beforeUpdate != nil {
		s.beforeUpdate()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if s.updateConflicts > 0 {
		s.updateConflicts--
		s.conflicts++
		return repository.ErrVersionConflict
	}

	stored, ok := s.orders[order.ID]
	if !ok || stored.Version != order.Version {
		s.conflicts++
		return repository.ErrVersionConflict
	}

	order.Version++
	s.orders[order.ID] = order.Clone()
	return nil
}

func (s *memStore) FindByID(_ context.Context, id uuid.UUID) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	return o.Clone(), nil
}

// FindActiveOpposite возвращает кандидатов в порядке обхода map:
// сортировка целиком на стороне движка
func (s *memStore) FindActiveOpposite(ctx context.Context, productID string, side models.Side, excludeUserID string) ([]*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if s.findErr != nil {
		return nil, s.findErr
	}

	out := make([]*models.Order, 0)
	for _, o := range s.orders {
		if o.ProductID == productID && o.Side == side.Opposite() && IsOpen(o.Status) &&
			o.RemainingQuantity > 0 && o.UserID != excludeUserID {
			out = append(out, o.Clone())
		}
	}
	return out, nil
}

func (s *memStore) FindOpen(_ context.Context, productID string, side models.Side) ([]*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.findErr != nil {
		return nil, s.findErr
	}

	out := make([]*models.Order, 0)
	for _, o := range s.orders {
		if o.ProductID == productID && o.Side == side && IsOpen(o.Status) && o.RemainingQuantity > 0 {
			out = append(out, o.Clone())
		}
	}
	return out, nil
}

func (s *memStore) CommitFill(ctx context.Context, fill *models.Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.commitAttempts++
	if s.commitFailAt > 0 && s.commitAttempts >= s.commitFailAt {
		return s.commitErr
	}
	if s.conflictsLeft > 0 {
		s.conflictsLeft--
		s.conflicts++
		return repository.ErrVersionConflict
	}

	buy, okBuy := s.orders[fill.Buy.ID]
	sell, okSell := s.orders[fill.Sell.ID]
	if !okBuy || !okSell || buy.Version != fill.Buy.Version || sell.Version != fill.Sell.Version {
		s.conflicts++
		return repository.ErrVersionConflict
	}

	fill.Buy.Version++
	fill.Sell.Version++
	s.orders[fill.Buy.ID] = fill.Buy.Clone()
	s.orders[fill.Sell.ID] = fill.Sell.Clone()
	m := *fill.Match
	s.matches = append(s.matches, &m)
	s.commits++
	if s.afterCommit != nil {
		s.afterCommit()
	}
	return nil
}

// put кладет заявку напрямую, минуя движок
func (s *memStore) put(o *models.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = o.Clone()
}

// get возвращает копию заявки
func (s *memStore) get(id uuid.UUID) *models.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil
	}
	return o.Clone()
}

// all возвращает копии всех заявок
func (s *memStore) all() []*models.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o.Clone())
	}
	return out
}

// allMatches возвращает копию журнала сделок
func (s *memStore) allMatches() []*models.Match {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.Match(nil), s.matches...)
}

// ============================================================
// memProducts - ProductReference в памяти
// ============================================================

type memProducts struct {
	mu       sync.Mutex
	products map[string]*models.ProductRef
	err      error
}

func newMemProducts(refs ...*models.ProductRef) *memProducts {
	p := &memProducts{products: make(map[string]*models.ProductRef)}
	for _, r := range refs {
		p.products[r.ID] = r
	}
	return p
}

func (p *memProducts) GetProductRef(_ context.Context, productID string) (*models.ProductRef, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return nil, p.err
	}
	ref, ok := p.products[productID]
	if !ok {
		return nil, repository.ErrProductNotFound
	}
	c := *ref
	return &c, nil
}

// ============================================================
// recordingNotifier - запоминает события
// ============================================================

type recordingNotifier struct {
	mu     sync.Mutex
	depth  []string
	trades []*models.Match
}

func (n *recordingNotifier) EmitDepthChanged(productID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.depth = append(n.depth, productID)
}

func (n *recordingNotifier) EmitTrade(_ string, match *models.Match) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.trades = append(n.trades, match)
}

func (n *recordingNotifier) counts() (int, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.depth), len(n.trades)
}

// ============================================================
// fakeClock - монотонные часы с шагом 1ms на каждый вызов
// ============================================================

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

// ============================================================
// Хелперы
// ============================================================

func price(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// restingOrder создает открытую заявку для помещения в memStore
func restingOrder(side models.Side, p string, qty int64, user string, created time.Time) *models.Order {
	return &models.Order{
		ID:                uuid.New(),
		ProductID:         "wine-1",
		UserID:            user,
		Side:              side,
		Price:             price(p),
		Quantity:          qty,
		RemainingQuantity: qty,
		Status:            models.OrderStatusActive,
		CreatedAt:         created,
		UpdatedAt:         created,
		Version:           1,
	}
}

func bidRequest(user, p string, qty int64) *models.PlaceOrderRequest {
	return &models.PlaceOrderRequest{
		ProductID: "wine-1",
		UserID:    user,
		Side:      models.SideBid,
		Price:     price(p),
		Quantity:  qty,
	}
}

func askRequest(user, p string, qty int64) *models.PlaceOrderRequest {
	return &models.PlaceOrderRequest{
		ProductID: "wine-1",
		UserID:    user,
		Side:      models.SideAsk,
		Price:     price(p),
		Quantity:  qty,
	}
}

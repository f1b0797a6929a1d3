package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"orderbook/internal/models"
	"orderbook/internal/repository"
	"orderbook/pkg/retry"
	"orderbook/pkg/utils"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Config - параметры движка сопоставления
type Config struct {
	Shards             int           // количество очередей single-writer
	QueueSize          int           // буфер очереди на шард
	MaxConflictRetries int           // попыток на один шаг сопоставления или отмену
	RetryBackoff       time.Duration // начальная задержка между попытками
	PriceBand          PriceBand     // коридор цены относительно base_price
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Shards:             16,
		QueueSize:          256,
		MaxConflictRetries: 5,
		RetryBackoff:       5 * time.Millisecond,
		PriceBand:          DefaultPriceBand(),
	}
}

// PlaceResult - итог размещения заявки
type PlaceResult struct {
	Order   *models.Order   `json:"order"`
	Matches []*models.Match `json:"matches"`
}

// Engine - движок сопоставления заявок с приоритетом цена-время
//
// Архитектура:
// - Валидация и чтение товара выполняются вне очереди
// - Размещение, сопоставление и отмена выполняются в очереди товара (Sequencer)
// - Каждая сделка фиксируется атомарно вместе с обеими заявками (CommitFill)
// - Конфликты версий повторяются с backoff через pkg/retry
// - Чтение глубины стакана идет мимо очереди и может быть слегка устаревшим
type Engine struct {
	store    OrderStore
	products ProductReference
	notifier Notifier
	cfg      Config
	lanes    *Sequencer
	logger   *zap.Logger

	// now - источник времени, подменяется в тестах
	now func() time.Time
}

// New создает движок и запускает очереди товаров
func New(store OrderStore, products ProductReference, notifier Notifier, cfg Config, logger *zap.Logger) *Engine {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxConflictRetries < 1 {
		cfg.MaxConflictRetries = 1
	}
	if cfg.PriceBand.Low.IsZero() && cfg.PriceBand.High.IsZero() {
		cfg.PriceBand = DefaultPriceBand()
	}

	return &Engine{
		store:    store,
		products: products,
		notifier: notifier,
		cfg:      cfg,
		lanes:    NewSequencer(cfg.Shards, cfg.QueueSize),
		logger:   logger.Named("engine"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Close останавливает очереди. Уже принятые задачи завершаются.
func (e *Engine) Close() {
	e.lanes.Stop()
}

// timestamp - текущее время с точностью хранилища (микросекунды)
func (e *Engine) timestamp() time.Time {
	return e.now().UTC().Truncate(time.Microsecond)
}

// ============================================================
// Размещение заявки
// ============================================================

// PlaceOrder валидирует заявку, сохраняет ее и сопоставляет со встречными.
//
// Возвращает итоговое состояние заявки и список сделок в порядке исполнения.
// При ошибке хранилища посреди цикла возвращает частичный результат вместе
// с ошибкой: все сделки в результате уже зафиксированы в хранилище.
func (e *Engine) PlaceOrder(ctx context.Context, req *models.PlaceOrderRequest) (*PlaceResult, error) {
	start := time.Now()
	side := string(req.Side)

	product, err := e.products.GetProductRef(ctx, req.ProductID)
	if err != nil {
		OrdersPlaced.WithLabelValues(side, "error").Inc()
		if errors.Is(err, repository.ErrProductNotFound) {
			return nil, ErrProductNotFound
		}
		return nil, fmt.Errorf("get product %s: %w", req.ProductID, err)
	}

	if err := ValidateOrder(req, product, e.cfg.PriceBand); err != nil {
		OrdersPlaced.WithLabelValues(side, "rejected").Inc()
		e.logger.Debug("order rejected",
			utils.ProductID(req.ProductID),
			utils.UserID(req.UserID),
			utils.Side(side),
			zap.Error(err))
		return nil, err
	}

	// Начатое сопоставление не прерывается отменой запроса: после него стакан не пересечен
	var result *PlaceResult
	err = e.lanes.Submit(ctx, req.ProductID, func(ctx context.Context) error {
		var placeErr error
		result, placeErr = e.placeAndMatch(context.WithoutCancel(ctx), req)
		return placeErr
	})

	PlaceLatency.Observe(float64(time.Since(start).Microseconds()) / 1000)
	if err != nil {
		OrdersPlaced.WithLabelValues(side, "error").Inc()
		e.logger.Error("place order failed",
			utils.ProductID(req.ProductID),
			utils.UserID(req.UserID),
			zap.Error(err))
		return result, err
	}

	OrdersPlaced.WithLabelValues(side, "accepted").Inc()
	e.logger.Debug("order placed",
		utils.ProductID(result.Order.ProductID),
		utils.OrderID(result.Order.ID.String()),
		utils.Side(side),
		utils.Status(string(result.Order.Status)),
		zap.Int("matches", len(result.Matches)))
	return result, nil
}

// placeAndMatch выполняется в очереди товара.
// ctx не отменяется: цикл останавливается только когда пересечений больше нет.
func (e *Engine) placeAndMatch(ctx context.Context, req *models.PlaceOrderRequest) (*PlaceResult, error) {
	now := e.timestamp()

	order := &models.Order{
		ID:                uuid.New(),
		ProductID:         req.ProductID,
		UserID:            req.UserID,
		Side:              req.Side,
		Price:             req.Price,
		Quantity:          req.Quantity,
		FilledQuantity:    0,
		RemainingQuantity: req.Quantity,
		Status:            models.OrderStatusActive,
		CreatedAt:         now,
		ExpiresAt:         req.ExpiresAt,
		UpdatedAt:         now,
		AgeVerified:       req.AgeVerified,
		ShippingState:     req.ShippingState,
		Notes:             req.Notes,
		IsAnonymous:       req.IsAnonymous,
		Version:           1,
	}
	if req.AcceptsAdultSignature != nil {
		order.AcceptsAdultSignature = *req.AcceptsAdultSignature
	}

	if err := e.store.Create(ctx, order); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	result := &PlaceResult{Order: order, Matches: make([]*models.Match, 0)}

	// Заявка уже в стакане - глубина изменилась независимо от исхода сопоставления
	defer e.notifier.EmitDepthChanged(order.ProductID)

	for result.Order.RemainingQuantity > 0 {
		taker, match, err := e.matchStep(ctx, result.Order)
		if err != nil {
			return result, err
		}
		if taker != nil {
			result.Order = taker
		}
		if match == nil {
			break
		}

		result.Matches = append(result.Matches, match)
		MatchesTotal.Inc()
		MatchedQuantity.Add(float64(match.MatchedQuantity))
		e.notifier.EmitTrade(match.ProductID, match)

		e.logger.Debug("match committed",
			utils.ProductID(match.ProductID),
			utils.MatchID(match.ID.String()),
			zap.String("buy_order_id", match.BuyOrderID.String()),
			zap.String("sell_order_id", match.SellOrderID.String()),
			utils.Quantity(match.MatchedQuantity),
			utils.Price(match.MatchedPrice))
	}

	return result, nil
}

// stepResult - итог одного шага сопоставления
type stepResult struct {
	taker *models.Order
	match *models.Match
}

// matchStep выполняет один шаг: выбор лучшего кандидата и фиксацию сделки.
//
// Возвращает актуальное состояние taker и сделку (nil, если кандидатов нет).
// При конфликте версий или устаревшем кандидате taker перечитывается
// и шаг повторяется, но не более MaxConflictRetries раз.
func (e *Engine) matchStep(ctx context.Context, taker *models.Order) (*models.Order, *models.Match, error) {
	current := taker
	attempt := 0

	res, err := retry.DoWithResult(ctx, func() (stepResult, error) {
		attempt++
		if attempt > 1 {
			fresh, err := e.store.FindByID(ctx, current.ID)
			if err != nil {
				return stepResult{}, fmt.Errorf("reload order %s: %w", current.ID, err)
			}
			current = fresh
			if !IsOpen(current.Status) || current.RemainingQuantity <= 0 {
				return stepResult{taker: current}, nil
			}
		}

		now := e.timestamp()
		orders, err := e.store.FindActiveOpposite(ctx, current.ProductID, current.Side, current.UserID)
		if err != nil {
			return stepResult{}, fmt.Errorf("find candidates: %w", err)
		}

		candidates := eligibleCandidates(current, orders, now)
		if len(candidates) == 0 {
			return stepResult{taker: current}, nil
		}

		fill, err := buildFill(current, candidates[0], now)
		if err != nil {
			return stepResult{}, err
		}

		if err := e.store.CommitFill(ctx, fill); err != nil {
			if errors.Is(err, repository.ErrVersionConflict) {
				return stepResult{}, err
			}
			return stepResult{}, fmt.Errorf("commit fill: %w", err)
		}

		updated := fill.Buy
		if current.Side == models.SideAsk {
			updated = fill.Sell
		}
		return stepResult{taker: updated, match: fill.Match}, nil
	}, e.conflictRetryConfig("match"))

	if err != nil {
		if isConflict(err) {
			return current, nil, fmt.Errorf("%w: %w", ErrTooManyConflicts, err)
		}
		return current, nil, err
	}

	return res.taker, res.match, nil
}

// ============================================================
// Отмена заявки
// ============================================================

// CancelOrder отменяет заявку пользователя.
//
// Успешно только если заявка существует, принадлежит userID и находится
// в статусе active. Иначе ErrOrderNotCancellable.
func (e *Engine) CancelOrder(ctx context.Context, orderID uuid.UUID, userID string) (*models.Order, error) {
	order, err := e.store.FindByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			OrdersCancelled.WithLabelValues("rejected").Inc()
			return nil, ErrOrderNotCancellable
		}
		OrdersCancelled.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("find order %s: %w", orderID, err)
	}
	if order.UserID != userID {
		OrdersCancelled.WithLabelValues("rejected").Inc()
		return nil, ErrOrderNotCancellable
	}

	var cancelled *models.Order
	err = e.lanes.Submit(ctx, order.ProductID, func(ctx context.Context) error {
		ctx = context.WithoutCancel(ctx)
		var cancelErr error
		cancelled, cancelErr = retry.DoWithResult(ctx, func() (*models.Order, error) {
			return e.cancelOnce(ctx, orderID, userID)
		}, e.conflictRetryConfig("cancel"))
		return cancelErr
	})

	if err != nil {
		switch {
		case errors.Is(err, ErrOrderNotCancellable):
			OrdersCancelled.WithLabelValues("rejected").Inc()
		case isConflict(err):
			OrdersCancelled.WithLabelValues("error").Inc()
			err = fmt.Errorf("%w: %w", ErrTooManyConflicts, err)
		default:
			OrdersCancelled.WithLabelValues("error").Inc()
		}
		return nil, err
	}

	OrdersCancelled.WithLabelValues("ok").Inc()
	e.notifier.EmitDepthChanged(cancelled.ProductID)

	e.logger.Info("order cancelled",
		utils.OrderID(orderID.String()),
		utils.ProductID(cancelled.ProductID))

	return cancelled, nil
}

// cancelOnce - одна попытка отмены по актуальному состоянию заявки
func (e *Engine) cancelOnce(ctx context.Context, orderID uuid.UUID, userID string) (*models.Order, error) {
	current, err := e.store.FindByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			return nil, ErrOrderNotCancellable
		}
		return nil, fmt.Errorf("find order %s: %w", orderID, err)
	}
	if current.UserID != userID || !IsCancellable(current.Status) {
		return nil, ErrOrderNotCancellable
	}

	next := current.Clone()
	if err := transition(next, models.OrderStatusCancelled); err != nil {
		return nil, ErrOrderNotCancellable
	}
	next.UpdatedAt = e.timestamp()

	if err := e.store.Update(ctx, next); err != nil {
		if errors.Is(err, repository.ErrVersionConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("update order %s: %w", orderID, err)
	}

	return next, nil
}

// ============================================================
// Глубина стакана
// ============================================================

// MarketDepth возвращает агрегированный стакан товара.
// Стороны читаются параллельно; снимок может быть слегка устаревшим.
func (e *Engine) MarketDepth(ctx context.Context, productID string) (*models.MarketDepth, error) {
	var bids, asks []*models.Order

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		bids, err = e.store.FindOpen(gctx, productID, models.SideBid)
		return err
	})
	g.Go(func() error {
		var err error
		asks, err = e.store.FindOpen(gctx, productID, models.SideAsk)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("load depth %s: %w", productID, err)
	}

	now := e.timestamp()
	return &models.MarketDepth{
		ProductID: productID,
		Bids:      AggregateDepth(bids, models.SideBid, now),
		Asks:      AggregateDepth(asks, models.SideAsk, now),
		Timestamp: now,
	}, nil
}

// ============================================================
// Вспомогательные функции
// ============================================================

// isConflict - ошибки, после которых шаг можно безопасно повторить
func isConflict(err error) bool {
	return errors.Is(err, repository.ErrVersionConflict) || errors.Is(err, errStaleCandidate)
}

// conflictRetryConfig - retry только конфликтов, с короткими задержками
func (e *Engine) conflictRetryConfig(operation string) retry.Config {
	backoff := e.cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 5 * time.Millisecond
	}

	cfg := retry.ConflictConfig(e.cfg.MaxConflictRetries, backoff, isConflict)
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		VersionConflicts.WithLabelValues(operation).Inc()
		e.logger.Warn("version conflict, retrying",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
	}
	return cfg
}

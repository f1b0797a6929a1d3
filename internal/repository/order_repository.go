package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"orderbook/internal/models"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Ошибки репозитория заявок
var (
	ErrOrderNotFound   = errors.New("order not found")
	ErrOrderExists     = errors.New("order with this id already exists")
	ErrVersionConflict = errors.New("order was modified concurrently")
)

// pgUniqueViolation - код ошибки PostgreSQL для нарушения уникальности
const pgUniqueViolation = "23505"

// orderColumns - порядок колонок совпадает с scanOrder
const orderColumns = `id, product_id, user_id, side, price, quantity, filled_quantity, remaining_quantity,
		status, average_fill_price, filled_notional, created_at, expires_at, filled_at, updated_at,
		age_verified, shipping_state, accepts_adult_signature, notes, is_anonymous, version`

// OrderRepository - работа с таблицами orders и matches
//
// Все изменения заявок проверяют version (оптимистическая блокировка):
// UPDATE ... SET version = version + 1 WHERE id = $n AND version = $m.
// Если строка не обновлена - ErrVersionConflict.
type OrderRepository struct {
	db *sql.DB
}

// NewOrderRepository создает новый экземпляр репозитория
func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// rowScanner - общий интерфейс *sql.Row и *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanOrder читает заявку в порядке orderColumns
func scanOrder(row rowScanner) (*models.Order, error) {
	order := &models.Order{}
	var shippingState, notes sql.NullString
	var expiresAt, filledAt sql.NullTime

	err := row.Scan(
		&order.ID,
		&order.ProductID,
		&order.UserID,
		&order.Side,
		&order.Price,
		&order.Quantity,
		&order.FilledQuantity,
		&order.RemainingQuantity,
		&order.Status,
		&order.AverageFillPrice,
		&order.FilledNotional,
		&order.CreatedAt,
		&expiresAt,
		&filledAt,
		&order.UpdatedAt,
		&order.AgeVerified,
		&shippingState,
		&order.AcceptsAdultSignature,
		&notes,
		&order.IsAnonymous,
		&order.Version,
	)
	if err != nil {
		return nil, err
	}

	order.ShippingState = shippingState.String
	order.Notes = notes.String
	if expiresAt.Valid {
		t := expiresAt.Time
		order.ExpiresAt = &t
	}
	if filledAt.Valid {
		t := filledAt.Time
		order.FilledAt = &t
	}

	return order, nil
}

// queryOrders выполняет SELECT и собирает список заявок
func (r *OrderRepository) queryOrders(ctx context.Context, query string, args ...interface{}) ([]*models.Order, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := make([]*models.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return orders, nil
}

// nullString - пустая строка хранится как NULL
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Create сохраняет новую заявку
func (r *OrderRepository) Create(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (` + orderColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`

	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	if order.Version == 0 {
		order.Version = 1
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	if order.UpdatedAt.IsZero() {
		order.UpdatedAt = order.CreatedAt
	}

	_, err := r.db.ExecContext(ctx, query,
		order.ID,
		order.ProductID,
		order.UserID,
		order.Side,
		order.Price,
		order.Quantity,
		order.FilledQuantity,
		order.RemainingQuantity,
		order.Status,
		order.AverageFillPrice,
		order.FilledNotional,
		order.CreatedAt,
		order.ExpiresAt,
		order.FilledAt,
		order.UpdatedAt,
		order.AgeVerified,
		nullString(order.ShippingState),
		order.AcceptsAdultSignature,
		nullString(order.Notes),
		order.IsAnonymous,
		order.Version,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation {
			return ErrOrderExists
		}
		return err
	}

	return nil
}

// execer - общий интерфейс *sql.DB и *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// updateOrder записывает изменяемые поля заявки с проверкой версии
func updateOrder(ctx context.Context, ex execer, order *models.Order) error {
	query := `
		UPDATE orders
		SET filled_quantity = $1, remaining_quantity = $2, status = $3, average_fill_price = $4,
			filled_notional = $5, filled_at = $6, updated_at = $7, version = version + 1
		WHERE id = $8 AND version = $9`

	result, err := ex.ExecContext(ctx, query,
		order.FilledQuantity,
		order.RemainingQuantity,
		order.Status,
		order.AverageFillPrice,
		order.FilledNotional,
		order.FilledAt,
		order.UpdatedAt,
		order.ID,
		order.Version,
	)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrVersionConflict
	}

	return nil
}

// Update сохраняет изменения заявки.
// ErrVersionConflict - если заявку изменили после чтения (или ее нет).
func (r *OrderRepository) Update(ctx context.Context, order *models.Order) error {
	if err := updateOrder(ctx, r.db, order); err != nil {
		return err
	}
	order.Version++
	return nil
}

// CommitFill в одной транзакции обновляет обе заявки сделки и добавляет запись matches.
// При конфликте версии любой из заявок транзакция откатывается целиком.
func (r *OrderRepository) CommitFill(ctx context.Context, fill *models.Fill) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Фиксированный порядок блокировок строк: сначала покупка, затем продажа
	if err := updateOrder(ctx, tx, fill.Buy); err != nil {
		return err
	}
	if err := updateOrder(ctx, tx, fill.Sell); err != nil {
		return err
	}

	query := `
		INSERT INTO matches (id, product_id, buy_order_id, sell_order_id, matched_quantity, matched_price, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	m := fill.Match
	if _, err := tx.ExecContext(ctx, query,
		m.ID,
		m.ProductID,
		m.BuyOrderID,
		m.SellOrderID,
		m.MatchedQuantity,
		m.MatchedPrice,
		m.Timestamp,
	); err != nil {
		return fmt.Errorf("insert match: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	fill.Buy.Version++
	fill.Sell.Version++
	return nil
}

// FindByID возвращает заявку по ID
func (r *OrderRepository) FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	order, err := scanOrder(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}

	return order, nil
}

// FindActiveOpposite возвращает открытые заявки, встречные к стороне side,
// с остатком > 0, без заявок excludeUserID. Сортировка цена-время.
func (r *OrderRepository) FindActiveOpposite(ctx context.Context, productID string, side models.Side, excludeUserID string) ([]*models.Order, error) {
	opposite := side.Opposite()

	priceOrder := "DESC"
	if opposite == models.SideAsk {
		priceOrder = "ASC"
	}

	query := `SELECT ` + orderColumns + `
		FROM orders
		WHERE product_id = $1 AND side = $2 AND status IN ($3, $4)
			AND remaining_quantity > 0 AND user_id <> $5
			AND (expires_at IS NULL OR expires_at > $6)
		ORDER BY price ` + priceOrder + `, created_at ASC, id ASC`

	return r.queryOrders(ctx, query,
		productID,
		opposite,
		models.OrderStatusActive,
		models.OrderStatusPartiallyFilled,
		excludeUserID,
		time.Now().UTC(),
	)
}

// FindOpen возвращает открытые заявки товара на стороне side
func (r *OrderRepository) FindOpen(ctx context.Context, productID string, side models.Side) ([]*models.Order, error) {
	query := `SELECT ` + orderColumns + `
		FROM orders
		WHERE product_id = $1 AND side = $2 AND status IN ($3, $4) AND remaining_quantity > 0`

	return r.queryOrders(ctx, query,
		productID,
		side,
		models.OrderStatusActive,
		models.OrderStatusPartiallyFilled,
	)
}

// ListByUser возвращает заявки пользователя, новые первыми.
// Пустой status - все статусы.
func (r *OrderRepository) ListByUser(ctx context.Context, userID string, status models.OrderStatus) ([]*models.Order, error) {
	if status == "" {
		query := `SELECT ` + orderColumns + `
			FROM orders
			WHERE user_id = $1
			ORDER BY created_at DESC`
		return r.queryOrders(ctx, query, userID)
	}

	query := `SELECT ` + orderColumns + `
		FROM orders
		WHERE user_id = $1 AND status = $2
		ORDER BY created_at DESC`
	return r.queryOrders(ctx, query, userID, status)
}

// ListFilledByProduct возвращает исполненные заявки товара, последние первыми
func (r *OrderRepository) ListFilledByProduct(ctx context.Context, productID string, limit int) ([]*models.Order, error) {
	query := `SELECT ` + orderColumns + `
		FROM orders
		WHERE product_id = $1 AND status = $2
		ORDER BY filled_at DESC
		LIMIT $3`

	return r.queryOrders(ctx, query, productID, models.OrderStatusFilled, limit)
}

// ListMatchesByProduct возвращает последние сделки товара
func (r *OrderRepository) ListMatchesByProduct(ctx context.Context, productID string, limit int) ([]*models.Match, error) {
	query := `
		SELECT id, product_id, buy_order_id, sell_order_id, matched_quantity, matched_price, timestamp
		FROM matches
		WHERE product_id = $1
		ORDER BY timestamp DESC
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, productID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	matches := make([]*models.Match, 0)
	for rows.Next() {
		m := &models.Match{}
		err := rows.Scan(
			&m.ID,
			&m.ProductID,
			&m.BuyOrderID,
			&m.SellOrderID,
			&m.MatchedQuantity,
			&m.MatchedPrice,
			&m.Timestamp,
		)
		if err != nil {
			return nil, err
		}
		matches = append(matches, m)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return matches, nil
}

// CountByStatus возвращает количество заявок товара с определенным статусом
func (r *OrderRepository) CountByStatus(ctx context.Context, productID string, status models.OrderStatus) (int, error) {
	query := `SELECT COUNT(*) FROM orders WHERE product_id = $1 AND status = $2`

	var count int
	err := r.db.QueryRowContext(ctx, query, productID, status).Scan(&count)
	if err != nil {
		return 0, err
	}

	return count, nil
}

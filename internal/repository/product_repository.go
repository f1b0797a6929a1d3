package repository

import (
	"context"
	"database/sql"
	"errors"

	"orderbook/internal/models"
)

// Ошибки репозитория товаров
var (
	ErrProductNotFound = errors.New("product not found")
)

// ProductRepository - чтение таблицы products.
// Каталог принадлежит внешнему сервису, здесь только нужные движку поля.
type ProductRepository struct {
	db *sql.DB
}

// NewProductRepository создает новый экземпляр репозитория
func NewProductRepository(db *sql.DB) *ProductRepository {
	return &ProductRepository{db: db}
}

// GetProductRef возвращает базовую цену, остаток и торгуемость товара
func (r *ProductRepository) GetProductRef(ctx context.Context, productID string) (*models.ProductRef, error) {
	query := `
		SELECT id, base_price, inventory_count, status
		FROM products
		WHERE id = $1`

	ref := &models.ProductRef{}
	var status string
	err := r.db.QueryRowContext(ctx, query, productID).Scan(
		&ref.ID,
		&ref.BasePrice,
		&ref.InventoryCount,
		&status,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		return nil, err
	}

	ref.Tradable = models.ProductStatus(status) == models.ProductStatusActive

	return ref, nil
}

// Upsert создает или обновляет справочную запись товара.
// Используется синхронизацией с каталогом и тестовыми данными.
func (r *ProductRepository) Upsert(ctx context.Context, ref *models.ProductRef, status models.ProductStatus) error {
	query := `
		INSERT INTO products (id, base_price, inventory_count, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET base_price = EXCLUDED.base_price,
			inventory_count = EXCLUDED.inventory_count,
			status = EXCLUDED.status`

	_, err := r.db.ExecContext(ctx, query, ref.ID, ref.BasePrice, ref.InventoryCount, status)
	return err
}

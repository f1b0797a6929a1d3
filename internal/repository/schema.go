package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// schema - таблицы и индексы стакана.
// Все выражения идемпотентны: Migrate можно вызывать при каждом старте.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS products (
		id VARCHAR(64) PRIMARY KEY,
		base_price NUMERIC(12,2) NOT NULL CHECK (base_price > 0),
		inventory_count BIGINT NOT NULL DEFAULT 0 CHECK (inventory_count >= 0),
		status VARCHAR(32) NOT NULL DEFAULT 'pending_approval'
	)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id UUID PRIMARY KEY,
		product_id VARCHAR(64) NOT NULL,
		user_id VARCHAR(64) NOT NULL,
		side VARCHAR(4) NOT NULL CHECK (side IN ('bid', 'ask')),
		price NUMERIC(12,2) NOT NULL CHECK (price > 0),
		quantity BIGINT NOT NULL CHECK (quantity > 0),
		filled_quantity BIGINT NOT NULL DEFAULT 0 CHECK (filled_quantity >= 0),
		remaining_quantity BIGINT NOT NULL CHECK (remaining_quantity >= 0),
		status VARCHAR(20) NOT NULL DEFAULT 'active',
		average_fill_price NUMERIC(18,6),
		filled_notional NUMERIC(24,2) NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ,
		filled_at TIMESTAMPTZ,
		updated_at TIMESTAMPTZ NOT NULL,
		age_verified BOOLEAN NOT NULL DEFAULT false,
		shipping_state VARCHAR(8),
		accepts_adult_signature BOOLEAN NOT NULL DEFAULT false,
		notes TEXT,
		is_anonymous BOOLEAN NOT NULL DEFAULT false,
		version BIGINT NOT NULL DEFAULT 1,
		CHECK (remaining_quantity = quantity - filled_quantity)
	)`,
	`ALTER TABLE orders ADD COLUMN IF NOT EXISTS filled_notional NUMERIC(24,2) NOT NULL DEFAULT 0`,
	`CREATE INDEX IF NOT EXISTS idx_orders_book ON orders (product_id, side, price)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_status_created ON orders (status, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_user ON orders (user_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_expires ON orders (expires_at)`,
	`CREATE TABLE IF NOT EXISTS matches (
		id UUID PRIMARY KEY,
		product_id VARCHAR(64) NOT NULL,
		buy_order_id UUID NOT NULL REFERENCES orders(id),
		sell_order_id UUID NOT NULL REFERENCES orders(id),
		matched_quantity BIGINT NOT NULL CHECK (matched_quantity > 0),
		matched_price NUMERIC(12,2) NOT NULL CHECK (matched_price > 0),
		timestamp TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_matches_product_time ON matches (product_id, timestamp DESC)`,
}

// Migrate создает таблицы и индексы, если их еще нет
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration step %d: %w", i+1, err)
		}
	}
	return nil
}

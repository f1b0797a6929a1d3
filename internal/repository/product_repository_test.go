package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"

	"orderbook/internal/models"
)

// ============================================================
// ProductRepository Tests
// ============================================================

func TestProductRepositoryGetProductRef(t *testing.T) {
	columns := []string{"id", "base_price", "inventory_count", "status"}

	tests := []struct {
		name         string
		mockSetup    func(mock sqlmock.Sqlmock)
		expectError  error
		anyError     bool
		wantTradable bool
	}{
		{
			name: "active product is tradable",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`SELECT id, base_price, inventory_count, status FROM products WHERE id = \$1`).
					WithArgs("wine-1").
					WillReturnRows(sqlmock.NewRows(columns).AddRow("wine-1", "100.00", int64(5), "active"))
			},
			wantTradable: true,
		},
		{
			name: "product under review is not tradable",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`FROM products`).
					WithArgs("wine-1").
					WillReturnRows(sqlmock.NewRows(columns).AddRow("wine-1", "100.00", int64(5), "compliance_review"))
			},
			wantTradable: false,
		},
		{
			name: "not found",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`FROM products`).
					WithArgs("wine-1").
					WillReturnRows(sqlmock.NewRows(columns))
			},
			expectError: ErrProductNotFound,
		},
		{
			name: "database error",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`FROM products`).
					WithArgs("wine-1").
					WillReturnError(errors.New("database error"))
			},
			anyError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			if err != nil {
				t.Fatalf("failed to create mock: %v", err)
			}
			defer db.Close()

			tt.mockSetup(mock)

			repo := NewProductRepository(db)
			ref, err := repo.GetProductRef(context.Background(), "wine-1")

			switch {
			case tt.expectError != nil:
				if !errors.Is(err, tt.expectError) {
					t.Errorf("expected error %v, got %v", tt.expectError, err)
				}
			case tt.anyError:
				if err == nil {
					t.Error("expected error, got nil")
				}
			default:
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if !ref.BasePrice.Equal(decimal.NewFromInt(100)) {
					t.Errorf("expected base price 100, got %s", ref.BasePrice)
				}
				if ref.InventoryCount != 5 {
					t.Errorf("expected inventory 5, got %d", ref.InventoryCount)
				}
				if ref.Tradable != tt.wantTradable {
					t.Errorf("expected Tradable=%v, got %v", tt.wantTradable, ref.Tradable)
				}
			}

			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestProductRepositoryUpsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(`INSERT INTO products .+ ON CONFLICT \(id\) DO UPDATE`).
		WithArgs("wine-1", sqlmock.AnyArg(), int64(12), "active").
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo := NewProductRepository(db)
	ref := &models.ProductRef{ID: "wine-1", BasePrice: decimal.NewFromInt(100), InventoryCount: 12}
	if err := repo.Upsert(context.Background(), ref, models.ProductStatusActive); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestMigrate(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		if err != nil {
			t.Fatalf("failed to create mock: %v", err)
		}
		defer db.Close()

		for range schema {
			mock.ExpectExec(`CREATE|ALTER`).WillReturnResult(sqlmock.NewResult(0, 0))
		}

		if err := Migrate(context.Background(), db); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unfulfilled expectations: %v", err)
		}
	})

	t.Run("stops on first failure", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		if err != nil {
			t.Fatalf("failed to create mock: %v", err)
		}
		defer db.Close()

		mock.ExpectExec(`CREATE TABLE IF NOT EXISTS products`).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(`CREATE TABLE IF NOT EXISTS orders`).WillReturnError(errors.New("permission denied"))

		if err := Migrate(context.Background(), db); err == nil {
			t.Error("expected error, got nil")
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unfulfilled expectations: %v", err)
		}
	})
}

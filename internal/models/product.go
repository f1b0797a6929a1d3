package models

import "github.com/shopspring/decimal"

// ProductRef - срез данных товара, который нужен движку для валидации заявки.
// Владелец товара - каталог, движок только читает.
type ProductRef struct {
	ID             string          `json:"id" db:"id"`
	BasePrice      decimal.Decimal `json:"base_price" db:"base_price"`
	InventoryCount int64           `json:"inventory_count" db:"inventory_count"`
	Tradable       bool            `json:"is_tradable"`
}

// ProductStatus - статус товара в каталоге
type ProductStatus string

// Статусы товара в каталоге. Торговать можно только active.
const (
	ProductStatusActive           ProductStatus = "active"
	ProductStatusInactive         ProductStatus = "inactive"
	ProductStatusPendingApproval  ProductStatus = "pending_approval"
	ProductStatusComplianceReview ProductStatus = "compliance_review"
)

package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side - сторона заявки в стакане
type Side string

// Стороны заявки
const (
	SideBid Side = "bid" // покупка
	SideAsk Side = "ask" // продажа
)

// Valid возвращает true для известных сторон
func (s Side) Valid() bool {
	return s == SideBid || s == SideAsk
}

// Opposite возвращает противоположную сторону
func (s Side) Opposite() Side {
	if s == SideBid {
		return SideAsk
	}
	return SideBid
}

// OrderStatus - статус заявки в жизненном цикле
type OrderStatus string

// Статусы заявки
const (
	OrderStatusActive          OrderStatus = "active"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusExpired         OrderStatus = "expired"
)

// Valid проверяет, что статус известен
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusActive, OrderStatusPartiallyFilled, OrderStatusFilled,
		OrderStatusCancelled, OrderStatusExpired:
		return true
	}
	return false
}

// PriceScale - количество знаков после запятой в цене
const PriceScale = 2

// Order представляет лимитную заявку в стакане товара
//
// Инварианты:
// - RemainingQuantity == Quantity - FilledQuantity, оба >= 0
// - FilledQuantity только растет
// - CreatedAt неизменен и является единственным ключом временного приоритета
//
// Поля FilledQuantity, RemainingQuantity, Status, AverageFillPrice,
// FilledNotional и FilledAt изменяет только движок сопоставления.
type Order struct {
	ID        uuid.UUID       `json:"id" db:"id"`
	ProductID string          `json:"product_id" db:"product_id"`
	UserID    string          `json:"user_id" db:"user_id"`
	Side      Side            `json:"side" db:"side"`
	Price     decimal.Decimal `json:"price" db:"price"`

	Quantity          int64 `json:"quantity" db:"quantity"`
	FilledQuantity    int64 `json:"filled_quantity" db:"filled_quantity"`
	RemainingQuantity int64 `json:"remaining_quantity" db:"remaining_quantity"`

	Status           OrderStatus         `json:"status" db:"status"`
	AverageFillPrice decimal.NullDecimal `json:"average_fill_price" db:"average_fill_price"`

	// FilledNotional - точная сумма price*qty по всем исполнениям заявки.
	// AverageFillPrice всегда равен FilledNotional / FilledQuantity.
	FilledNotional decimal.Decimal `json:"-" db:"filled_notional"`

	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	FilledAt  *time.Time `json:"filled_at,omitempty" db:"filled_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`

	// Поля комплаенса передаются внешнему сервису как есть, движок их не читает
	AgeVerified           bool   `json:"age_verified" db:"age_verified"`
	ShippingState         string `json:"shipping_state,omitempty" db:"shipping_state"`
	AcceptsAdultSignature bool   `json:"accepts_adult_signature" db:"accepts_adult_signature"`
	Notes                 string `json:"notes,omitempty" db:"notes"`
	IsAnonymous           bool   `json:"is_anonymous" db:"is_anonymous"`

	// Version - счетчик оптимистической блокировки строки
	Version int64 `json:"version" db:"version"`
}

// IsExpiredAt возвращает true если срок жизни заявки истек к моменту now
func (o *Order) IsExpiredAt(now time.Time) bool {
	return o.ExpiresAt != nil && !o.ExpiresAt.After(now)
}

// Clone возвращает независимую копию заявки
func (o *Order) Clone() *Order {
	c := *o
	if o.ExpiresAt != nil {
		t := *o.ExpiresAt
		c.ExpiresAt = &t
	}
	if o.FilledAt != nil {
		t := *o.FilledAt
		c.FilledAt = &t
	}
	return &c
}

// Match - факт исполнения (сделка) между заявкой на покупку и на продажу.
// Создается только движком и никогда не изменяется.
type Match struct {
	ID              uuid.UUID       `json:"id" db:"id"`
	ProductID       string          `json:"product_id" db:"product_id"`
	BuyOrderID      uuid.UUID       `json:"buy_order_id" db:"buy_order_id"`
	SellOrderID     uuid.UUID       `json:"sell_order_id" db:"sell_order_id"`
	MatchedQuantity int64           `json:"matched_quantity" db:"matched_quantity"`
	MatchedPrice    decimal.Decimal `json:"matched_price" db:"matched_price"`
	Timestamp       time.Time       `json:"timestamp" db:"timestamp"`
}

// Fill - атомарная единица записи одной сделки: обе заявки и сама сделка
type Fill struct {
	Buy   *Order
	Sell  *Order
	Match *Match
}

// PlaceOrderRequest - входные данные для размещения заявки
type PlaceOrderRequest struct {
	ProductID             string          `json:"product_id"`
	UserID                string          `json:"user_id"`
	Side                  Side            `json:"side"`
	Price                 decimal.Decimal `json:"price"`
	Quantity              int64           `json:"quantity"`
	ExpiresAt             *time.Time      `json:"expires_at,omitempty"`
	AgeVerified           bool            `json:"age_verified"`
	ShippingState         string          `json:"shipping_state,omitempty"`
	AcceptsAdultSignature *bool           `json:"accepts_adult_signature,omitempty"`
	Notes                 string          `json:"notes,omitempty"`
	IsAnonymous           bool            `json:"is_anonymous"`
}

package engine

import (
	"orderbook/internal/models"

	"github.com/shopspring/decimal"
)

// PriceBand - допустимый коридор цены относительно базовой цены товара
type PriceBand struct {
	Low  decimal.Decimal // множитель нижней границы
	High decimal.Decimal // множитель верхней границы
}

// DefaultPriceBand - [0.5 × base, 2.0 × base]
func DefaultPriceBand() PriceBand {
	return PriceBand{
		Low:  decimal.RequireFromString("0.5"),
		High: decimal.RequireFromString("2.0"),
	}
}

// Bounds возвращает границы коридора для базовой цены
func (b PriceBand) Bounds(basePrice decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	return basePrice.Mul(b.Low), basePrice.Mul(b.High)
}

// ValidateOrder проверяет заявку до попадания в стакан.
//
// Чистая функция: не обращается к хранилищу и ничего не меняет.
// Порядок проверок: количество, цена, сторона, коридор цены, остаток товара
// для продажи, торгуемость товара.
func ValidateOrder(req *models.PlaceOrderRequest, product *models.ProductRef, band PriceBand) error {
	if req.Quantity <= 0 {
		return ErrInvalidQuantity
	}

	if !req.Price.IsPositive() {
		return ErrInvalidPrice
	}

	// Цена хранится с фиксированной точностью - лишние знаки не округляем молча
	if !req.Price.Equal(req.Price.Round(models.PriceScale)) {
		return ErrInvalidPrice
	}

	if !req.Side.Valid() {
		return ErrInvalidSide
	}

	minPrice, maxPrice := band.Bounds(product.BasePrice)
	if req.Price.LessThan(minPrice) || req.Price.GreaterThan(maxPrice) {
		return &PriceOutOfBandError{Min: minPrice, Max: maxPrice}
	}

	if req.Side == models.SideAsk && req.Quantity > product.InventoryCount {
		return ErrInsufficientInventory
	}

	if !product.Tradable {
		return ErrProductNotTradable
	}

	return nil
}

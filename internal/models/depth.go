package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// DepthLevel - один ценовой уровень стакана
type DepthLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity int64           `json:"quantity"` // сумма остатков
	Orders   int             `json:"orders"`   // количество заявок на уровне
}

// MarketDepth - агрегированный стакан товара.
// Bids отсортированы по убыванию цены, Asks - по возрастанию.
type MarketDepth struct {
	ProductID string       `json:"product_id"`
	Bids      []DepthLevel `json:"bids"`
	Asks      []DepthLevel `json:"asks"`
	Timestamp time.Time    `json:"timestamp"`
}

// BestBid возвращает лучший уровень покупки
func (d *MarketDepth) BestBid() (DepthLevel, bool) {
	if len(d.Bids) == 0 {
		return DepthLevel{}, false
	}
	return d.Bids[0], true
}

// BestAsk возвращает лучший уровень продажи
func (d *MarketDepth) BestAsk() (DepthLevel, bool) {
	if len(d.Asks) == 0 {
		return DepthLevel{}, false
	}
	return d.Asks[0], true
}

// Spread возвращает разницу между лучшей продажей и лучшей покупкой
func (d *MarketDepth) Spread() (decimal.Decimal, bool) {
	bid, okBid := d.BestBid()
	ask, okAsk := d.BestAsk()
	if !okBid || !okAsk {
		return decimal.Zero, false
	}
	return ask.Price.Sub(bid.Price), true
}

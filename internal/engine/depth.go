package engine

import (
	"sort"
	"time"

	"orderbook/internal/models"
)

// AggregateDepth строит ценовую лестницу одной стороны стакана.
//
// Учитываются только открытые заявки стороны side с остатком > 0,
// срок жизни которых не истек к моменту now. Одна строка на цену:
// сумма остатков и количество заявок. Bid - по убыванию цены, Ask - по возрастанию.
func AggregateDepth(orders []*models.Order, side models.Side, now time.Time) []models.DepthLevel {
	index := make(map[string]int)
	levels := make([]models.DepthLevel, 0)

	for _, o := range orders {
		if o.Side != side || !IsOpen(o.Status) || o.RemainingQuantity <= 0 || o.IsExpiredAt(now) {
			continue
		}

		key := o.Price.StringFixed(models.PriceScale)
		i, ok := index[key]
		if !ok {
			index[key] = len(levels)
			levels = append(levels, models.DepthLevel{Price: o.Price})
			i = len(levels) - 1
		}
		levels[i].Quantity += o.RemainingQuantity
		levels[i].Orders++
	}

	sort.Slice(levels, func(i, j int) bool {
		if side == models.SideBid {
			return levels[i].Price.GreaterThan(levels[j].Price)
		}
		return levels[i].Price.LessThan(levels[j].Price)
	})

	return levels
}

package engine

import (
	"bytes"
	"sort"
	"time"

	"orderbook/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// avgPriceScale - точность средней цены исполнения (NUMERIC(18,6) в БД)
const avgPriceScale = 6

// crosses проверяет условие пересечения: bid.price >= ask.price
func crosses(bid, ask *models.Order) bool {
	return bid.Price.GreaterThanOrEqual(ask.Price)
}

// crossesTaker проверяет пересечение кандидата с входящей заявкой
func crossesTaker(taker, candidate *models.Order) bool {
	if taker.Side == models.SideBid {
		return crosses(taker, candidate)
	}
	return crosses(candidate, taker)
}

// eligibleCandidates отбирает встречные заявки, с которыми возможна сделка:
// противоположная сторона, тот же товар, открыта, остаток > 0, не истекла,
// другой пользователь и цена пересекается с taker.
//
// Фильтры хранилища здесь повторяются: решение о сделке принимается только
// по проверенному состоянию.
func eligibleCandidates(taker *models.Order, orders []*models.Order, now time.Time) []*models.Order {
	out := make([]*models.Order, 0, len(orders))
	for _, o := range orders {
		if o.ID == taker.ID ||
			o.ProductID != taker.ProductID ||
			o.Side != taker.Side.Opposite() ||
			o.UserID == taker.UserID ||
			!IsOpen(o.Status) ||
			o.RemainingQuantity <= 0 ||
			o.IsExpiredAt(now) ||
			!crossesTaker(taker, o) {
			continue
		}
		out = append(out, o)
	}

	sortCandidates(out, taker.Side)
	return out
}

// sortCandidates упорядочивает кандидатов по приоритету цена-время.
//
// Для входящей покупки лучшая цена - самая низкая продажа,
// для входящей продажи - самая высокая покупка. При равной цене
// раньше созданная заявка идет первой; ID - только для детерминизма.
func sortCandidates(candidates []*models.Order, takerSide models.Side) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.Price.Equal(b.Price) {
			if takerSide == models.SideBid {
				return a.Price.LessThan(b.Price)
			}
			return a.Price.GreaterThan(b.Price)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return bytes.Compare(a.ID[:], b.ID[:]) < 0
	})
}

// matchPrice - цена сделки равна цене заявки, созданной раньше.
// При равном времени создания берется цена maker (встречной заявки).
func matchPrice(taker, maker *models.Order) decimal.Decimal {
	if taker.CreatedAt.Before(maker.CreatedAt) {
		return taker.Price
	}
	return maker.Price
}

// minQty возвращает меньшее из двух количеств
func minQty(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// applyFill применяет исполнение qty по цене price к заявке.
//
// Пересчитывает остаток, средневзвешенную цену исполнения и статус.
// Заявка изменяется на месте: вызывающий код работает с копией,
// пока сделка не зафиксирована в хранилище.
func applyFill(o *models.Order, qty int64, price decimal.Decimal, now time.Time) error {
	if qty <= 0 || qty > o.RemainingQuantity {
		return ErrOverfill
	}

	next := models.OrderStatusPartiallyFilled
	if o.RemainingQuantity == qty {
		next = models.OrderStatusFilled
	}
	if !CanTransition(o.Status, next) {
		return ErrIllegalTransition
	}

	// Средняя считается от точной суммы, а не от предыдущей округленной средней
	o.FilledNotional = o.FilledNotional.Add(price.Mul(decimal.NewFromInt(qty)))
	o.FilledQuantity += qty
	o.RemainingQuantity = o.Quantity - o.FilledQuantity
	o.AverageFillPrice = decimal.NullDecimal{
		Decimal: o.FilledNotional.DivRound(decimal.NewFromInt(o.FilledQuantity), avgPriceScale),
		Valid:   true,
	}
	o.Status = next
	if next == models.OrderStatusFilled {
		filledAt := now
		o.FilledAt = &filledAt
	}
	o.UpdatedAt = now

	return nil
}

// buildFill готовит атомарную единицу записи для пары taker/maker.
//
// Исходные заявки не изменяются: возвращаются копии с примененным
// исполнением. Перед расчетом повторно проверяется пересечение цен.
func buildFill(taker, maker *models.Order, now time.Time) (*models.Fill, error) {
	if !crossesTaker(taker, maker) || !IsOpen(maker.Status) || maker.RemainingQuantity <= 0 {
		return nil, errStaleCandidate
	}

	qty := minQty(taker.RemainingQuantity, maker.RemainingQuantity)
	price := matchPrice(taker, maker)

	t := taker.Clone()
	m := maker.Clone()
	if err := applyFill(t, qty, price, now); err != nil {
		return nil, err
	}
	if err := applyFill(m, qty, price, now); err != nil {
		return nil, err
	}

	buy, sell := t, m
	if t.Side == models.SideAsk {
		buy, sell = m, t
	}

	return &models.Fill{
		Buy:  buy,
		Sell: sell,
		Match: &models.Match{
			ID:              uuid.New(),
			ProductID:       taker.ProductID,
			BuyOrderID:      buy.ID,
			SellOrderID:     sell.ID,
			MatchedQuantity: qty,
			MatchedPrice:    price,
			Timestamp:       now,
		},
	}, nil
}

package engine

import "orderbook/internal/models"

// ValidTransitions определяет допустимые переходы между статусами заявки.
// Терминальные статусы (filled, cancelled, expired) переходов не имеют.
var ValidTransitions = map[models.OrderStatus][]models.OrderStatus{
	models.OrderStatusActive: {
		models.OrderStatusPartiallyFilled,
		models.OrderStatusFilled,
		models.OrderStatusCancelled,
		models.OrderStatusExpired,
	},
	models.OrderStatusPartiallyFilled: {
		models.OrderStatusPartiallyFilled, // очередное частичное исполнение
		models.OrderStatusFilled,
		models.OrderStatusCancelled,
		models.OrderStatusExpired,
	},
	models.OrderStatusFilled:    {},
	models.OrderStatusCancelled: {},
	models.OrderStatusExpired:   {},
}

// CanTransition проверяет допустимость перехода
func CanTransition(from, to models.OrderStatus) bool {
	allowed, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal возвращает true если из статуса нет выхода
func IsTerminal(s models.OrderStatus) bool {
	allowed, ok := ValidTransitions[s]
	return ok && len(allowed) == 0
}

// IsOpen возвращает true если заявка стоит в стакане и может исполняться
func IsOpen(s models.OrderStatus) bool {
	return s == models.OrderStatusActive || s == models.OrderStatusPartiallyFilled
}

// IsCancellable - отменить можно только заявку без исполнений.
// Частично исполненные заявки не отменяются: у контрагентов уже есть сделки.
func IsCancellable(s models.OrderStatus) bool {
	return s == models.OrderStatusActive
}

// StatusInfo возвращает описание статуса для UI
func StatusInfo(s models.OrderStatus) string {
	switch s {
	case models.OrderStatusActive:
		return "Order is resting in the book"
	case models.OrderStatusPartiallyFilled:
		return "Order is partially filled"
	case models.OrderStatusFilled:
		return "Order is fully filled"
	case models.OrderStatusCancelled:
		return "Order was cancelled by the owner"
	case models.OrderStatusExpired:
		return "Order expired"
	default:
		return "Unknown status"
	}
}

// transition переводит заявку в новый статус через таблицу переходов
func transition(o *models.Order, to models.OrderStatus) error {
	if !CanTransition(o.Status, to) {
		return ErrIllegalTransition
	}
	o.Status = to
	return nil
}

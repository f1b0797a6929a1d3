package engine

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Ошибки валидации: заявка отклонена до любых изменений состояния
var (
	ErrInvalidQuantity       = errors.New("order quantity must be positive")
	ErrInvalidPrice          = errors.New("order price must be positive with at most 2 decimal places")
	ErrInvalidSide           = errors.New("order side must be bid or ask")
	ErrPriceOutOfBand        = errors.New("order price is outside the allowed band")
	ErrInsufficientInventory = errors.New("insufficient inventory for ask order")
	ErrProductNotTradable    = errors.New("product is not tradable")
)

// Ошибка поиска товара
var ErrProductNotFound = errors.New("product not found")

// Конфликты и состояние движка
var (
	ErrOrderNotCancellable = errors.New("order not found or cannot be cancelled")
	ErrTooManyConflicts    = errors.New("order update conflicted too many times")
	ErrIllegalTransition   = errors.New("illegal order status transition")
	ErrOverfill            = errors.New("fill exceeds remaining quantity")
	ErrEngineStopped       = errors.New("matching engine stopped")
)

// errStaleCandidate - кандидат перестал пересекаться с заявкой между чтением и записью
var errStaleCandidate = errors.New("candidate no longer crosses")

// PriceOutOfBandError сообщает допустимый диапазон цены для ответа пользователю
type PriceOutOfBandError struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

func (e *PriceOutOfBandError) Error() string {
	return fmt.Sprintf("order price must be between $%s and $%s",
		e.Min.StringFixed(2), e.Max.StringFixed(2))
}

// Is позволяет проверять ошибку через errors.Is(err, ErrPriceOutOfBand)
func (e *PriceOutOfBandError) Is(target error) bool {
	return target == ErrPriceOutOfBand
}

// IsValidationError возвращает true для ошибок, после которых заявку
// можно безопасно отправить повторно с исправленными данными
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrInvalidPrice) ||
		errors.Is(err, ErrInvalidSide) ||
		errors.Is(err, ErrPriceOutOfBand) ||
		errors.Is(err, ErrInsufficientInventory) ||
		errors.Is(err, ErrProductNotTradable)
}

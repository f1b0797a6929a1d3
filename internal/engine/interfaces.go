package engine

import (
	"context"

	"orderbook/internal/models"
	"orderbook/internal/repository"

	"github.com/google/uuid"
)

// OrderStore - контракт долговременного хранилища заявок
//
// Реализуется repository.OrderRepository (PostgreSQL).
// Все записи проверяют Version (оптимистическая блокировка) и при
// несовпадении возвращают repository.ErrVersionConflict. После успешной
// записи Version переданных заявок увеличивается на 1.
type OrderStore interface {
	// Create сохраняет новую заявку
	Create(ctx context.Context, order *models.Order) error

	// Update сохраняет изменения заявки с проверкой версии
	Update(ctx context.Context, order *models.Order) error

	// FindByID возвращает заявку или repository.ErrOrderNotFound
	FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error)

	// FindActiveOpposite возвращает открытые заявки товара на стороне,
	// противоположной side, с остатком > 0, исключая заявки excludeUserID
	FindActiveOpposite(ctx context.Context, productID string, side models.Side, excludeUserID string) ([]*models.Order, error)

	// FindOpen возвращает все открытые заявки товара на стороне side
	FindOpen(ctx context.Context, productID string, side models.Side) ([]*models.Order, error)

	// CommitFill атомарно сохраняет обе заявки сделки и запись о сделке.
	// Либо фиксируется все, либо ничего.
	CommitFill(ctx context.Context, fill *models.Fill) error
}

// ProductReference - доступ на чтение к каталогу товаров
type ProductReference interface {
	// GetProductRef возвращает repository.ErrProductNotFound если товара нет
	GetProductRef(ctx context.Context, productID string) (*models.ProductRef, error)
}

// Notifier получает события движка для дальнейшей рассылки.
//
// Вызовы fire-and-forget: реализация не должна блокировать движок.
// Реализации: websocket.Notifier, messaging.KafkaNotifier.
type Notifier interface {
	EmitDepthChanged(productID string)
	EmitTrade(productID string, match *models.Match)
}

// NopNotifier ничего не делает
type NopNotifier struct{}

func (NopNotifier) EmitDepthChanged(string)         {}
func (NopNotifier) EmitTrade(string, *models.Match) {}

// MultiNotifier рассылает события во все вложенные Notifier по порядку
type MultiNotifier []Notifier

func (m MultiNotifier) EmitDepthChanged(productID string) {
	for _, n := range m {
		n.EmitDepthChanged(productID)
	}
}

func (m MultiNotifier) EmitTrade(productID string, match *models.Match) {
	for _, n := range m {
		n.EmitTrade(productID, match)
	}
}

// Проверяем, что реальные адаптеры реализуют контракты
var _ OrderStore = (*repository.OrderRepository)(nil)
var _ ProductReference = (*repository.ProductRepository)(nil)

package websocket

import (
	"time"

	"orderbook/internal/models"
)

// MessageType определяет тип исходящего WebSocket сообщения
type MessageType string

// Типы исходящих сообщений
const (
	// MessageTypeOrderBookUpdate - полный стакан товара после изменения
	MessageTypeOrderBookUpdate MessageType = "order_book_update"

	// MessageTypeTradeExecuted - зафиксированная сделка
	MessageTypeTradeExecuted MessageType = "trade_executed"

	// MessageTypeSubscribed / MessageTypeUnsubscribed - подтверждения подписки
	MessageTypeSubscribed   MessageType = "subscribed"
	MessageTypeUnsubscribed MessageType = "unsubscribed"

	// MessageTypeError - ошибка обработки входящего сообщения
	MessageTypeError MessageType = "error"
)

// Действия клиента
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// maxSubscriptions - ограничение подписок одного соединения
const maxSubscriptions = 50

// ClientMessage - входящее сообщение клиента:
//
//	{"action":"subscribe","product_id":"wine-1"}
type ClientMessage struct {
	Action    string `json:"action"`
	ProductID string `json:"product_id"`
}

// BaseMessage - общие поля исходящих сообщений
type BaseMessage struct {
	Type      MessageType `json:"type"`
	ProductID string      `json:"product_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// OrderBookUpdateMessage - стакан товара
type OrderBookUpdateMessage struct {
	BaseMessage
	Data *models.MarketDepth `json:"data"`
}

// TradeExecutedMessage - сделка по товару
type TradeExecutedMessage struct {
	BaseMessage
	Data *models.Match `json:"data"`
}

// ErrorMessage - ответ на некорректное сообщение клиента
type ErrorMessage struct {
	BaseMessage
	Error string `json:"error"`
}

// NewOrderBookUpdate создает сообщение со стаканом
func NewOrderBookUpdate(depth *models.MarketDepth) *OrderBookUpdateMessage {
	return &OrderBookUpdateMessage{
		BaseMessage: BaseMessage{
			Type:      MessageTypeOrderBookUpdate,
			ProductID: depth.ProductID,
			Timestamp: time.Now().UTC(),
		},
		Data: depth,
	}
}

// NewTradeExecuted создает сообщение о сделке
func NewTradeExecuted(match *models.Match) *TradeExecutedMessage {
	return &TradeExecutedMessage{
		BaseMessage: BaseMessage{
			Type:      MessageTypeTradeExecuted,
			ProductID: match.ProductID,
			Timestamp: time.Now().UTC(),
		},
		Data: match,
	}
}

func newAck(t MessageType, productID string) *BaseMessage {
	return &BaseMessage{Type: t, ProductID: productID, Timestamp: time.Now().UTC()}
}

func newError(text string) *ErrorMessage {
	return &ErrorMessage{
		BaseMessage: BaseMessage{Type: MessageTypeError, Timestamp: time.Now().UTC()},
		Error:       text,
	}
}

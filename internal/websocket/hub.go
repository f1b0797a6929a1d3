package websocket

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"orderbook/internal/engine"
	"orderbook/internal/models"
	"orderbook/pkg/utils"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DepthSource - источник стакана для order_book_update
type DepthSource interface {
	MarketDepth(ctx context.Context, productID string) (*models.MarketDepth, error)
}

// HubConfig - параметры Hub
type HubConfig struct {
	AllowedOrigins  []string      // пусто или "*" - любой Origin
	BroadcastBuffer int           // буфер очереди рассылки
	DepthTimeout    time.Duration // таймаут чтения стакана
}

// DefaultHubConfig возвращает конфигурацию по умолчанию
func DefaultHubConfig() HubConfig {
	return HubConfig{
		BroadcastBuffer: 1024,
		DepthTimeout:    2 * time.Second,
	}
}

type roomMessage struct {
	productID string
	data      []byte
}

type subscription struct {
	client    *Client
	productID string
	subscribe bool
	errText   string // непустой - команда отклонена, клиенту уходит ошибка
}

// Hub управляет WebSocket соединениями и комнатами товаров.
//
// Клиент получает сообщения только по товарам, на которые подписан.
// Hub реализует engine.Notifier: EmitTrade рассылает сделку сразу,
// EmitDepthChanged ставит товар в очередь на пересчет стакана.
// Методы Emit* не блокируют: при переполнении очереди событие
// отбрасывается и учитывается в DroppedMessages.
//
// Использование:
//
//	hub := NewHub(cfg, logger)
//	hub.SetDepthSource(eng)
//	go hub.Run()
//	defer hub.Stop()
type Hub struct {
	cfg      HubConfig
	upgrader *websocket.Upgrader
	logger   *zap.Logger

	// состояние ниже меняется только в Run; mu - для чтения счетчиков
	clients map[*Client]struct{}
	rooms   map[string]map[*Client]struct{}
	mu      sync.RWMutex

	register      chan *Client
	unregister    chan *Client
	subscriptions chan subscription
	broadcast     chan roomMessage
	depthRequests chan string

	depth DepthSource

	stop     chan struct{}
	stopOnce sync.Once
	dropped  atomic.Int64
}

// NewHub создает Hub
func NewHub(cfg HubConfig, logger *zap.Logger) *Hub {
	if cfg.BroadcastBuffer <= 0 {
		cfg.BroadcastBuffer = DefaultHubConfig().BroadcastBuffer
	}
	if cfg.DepthTimeout <= 0 {
		cfg.DepthTimeout = DefaultHubConfig().DepthTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Hub{
		cfg:           cfg,
		upgrader:      newUpgrader(NewOriginChecker(cfg.AllowedOrigins)),
		logger:        logger.Named("websocket"),
		clients:       make(map[*Client]struct{}),
		rooms:         make(map[string]map[*Client]struct{}),
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		subscriptions: make(chan subscription),
		broadcast:     make(chan roomMessage, cfg.BroadcastBuffer),
		depthRequests: make(chan string, cfg.BroadcastBuffer),
		stop:          make(chan struct{}),
	}
}

// SetDepthSource задает источник стакана. Вызывается до Run.
func (h *Hub) SetDepthSource(src DepthSource) {
	h.depth = src
}

// Run запускает главный цикл Hub. Возвращается после Stop.
func (h *Hub) Run() {
	go h.depthLoop()

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("client connected", zap.Int("clients", total))

		case client := <-h.unregister:
			h.removeClient(client)

		case sub := <-h.subscriptions:
			h.applySubscription(sub)

		case msg := <-h.broadcast:
			h.deliver(msg)

		case <-h.stop:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
			}
			h.clients = make(map[*Client]struct{})
			h.rooms = make(map[string]map[*Client]struct{})
			h.mu.Unlock()
			return
		}
	}
}

// Stop останавливает Hub и закрывает все соединения. Повторный вызов безопасен.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// removeClient удаляет клиента из всех комнат; вызывается только из Run
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	for productID := range client.subs {
		h.leaveRoomLocked(client, productID)
	}
	delete(h.clients, client)
	close(client.send)
	h.logger.Debug("client disconnected", zap.Int("clients", len(h.clients)))
}

func (h *Hub) leaveRoomLocked(client *Client, productID string) {
	room := h.rooms[productID]
	delete(room, client)
	if len(room) == 0 {
		delete(h.rooms, productID)
	}
	delete(client.subs, productID)
}

// applySubscription меняет подписку клиента; вызывается только из Run
func (h *Hub) applySubscription(sub subscription) {
	h.mu.Lock()
	if _, ok := h.clients[sub.client]; !ok {
		h.mu.Unlock()
		return
	}

	var reply interface{}
	if sub.errText != "" {
		reply = newError(sub.errText)
	} else if sub.subscribe {
		switch {
		case len(sub.client.subs) >= maxSubscriptions:
			reply = newError("too many subscriptions")
		default:
			room, ok := h.rooms[sub.productID]
			if !ok {
				room = make(map[*Client]struct{})
				h.rooms[sub.productID] = room
			}
			room[sub.client] = struct{}{}
			sub.client.subs[sub.productID] = struct{}{}
			reply = newAck(MessageTypeSubscribed, sub.productID)
		}
	} else {
		h.leaveRoomLocked(sub.client, sub.productID)
		reply = newAck(MessageTypeUnsubscribed, sub.productID)
	}
	h.mu.Unlock()

	h.sendTo(sub.client, reply)

	// новый подписчик получает текущий стакан
	if _, isErr := reply.(*ErrorMessage); sub.subscribe && !isErr {
		h.EmitDepthChanged(sub.productID)
	}
}

// deliver рассылает сообщение подписчикам комнаты; вызывается только из Run
func (h *Hub) deliver(msg roomMessage) {
	h.mu.RLock()
	room := h.rooms[msg.productID]
	clients := make([]*Client, 0, len(room))
	for client := range room {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	var slow []*Client
	for _, client := range clients {
		select {
		case client.send <- msg.data:
		default:
			slow = append(slow, client)
		}
	}

	// клиенты, не успевающие читать, отключаются
	for _, client := range slow {
		h.removeClient(client)
	}
	if len(slow) > 0 {
		h.logger.Warn("removed slow clients",
			utils.ProductID(msg.productID),
			zap.Int("count", len(slow)))
	}
}

// sendTo отправляет служебное сообщение одному клиенту без блокировки;
// вызывается только из Run
func (h *Hub) sendTo(client *Client, message interface{}) {
	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("marshal message failed", zap.Error(err))
		return
	}
	select {
	case client.send <- data:
	default:
	}
}

// ============================================================
// engine.Notifier
// ============================================================

// EmitTrade рассылает сделку подписчикам товара
func (h *Hub) EmitTrade(productID string, match *models.Match) {
	h.publish(productID, NewTradeExecuted(match))
}

// EmitDepthChanged ставит товар в очередь на рассылку стакана
func (h *Hub) EmitDepthChanged(productID string) {
	select {
	case h.depthRequests <- productID:
	default:
		h.drop()
	}
}

// publish сериализует сообщение и ставит его в очередь рассылки
func (h *Hub) publish(productID string, message interface{}) {
	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("marshal message failed", utils.ProductID(productID), zap.Error(err))
		return
	}

	select {
	case h.broadcast <- roomMessage{productID: productID, data: data}:
	default:
		h.drop()
	}
}

func (h *Hub) drop() {
	h.dropped.Add(1)
	engine.NotificationsDropped.WithLabelValues("websocket").Inc()
}

// depthLoop обрабатывает запросы на пересчет стакана.
//
// Накопившиеся запросы по одному товару схлопываются в одну рассылку.
// Товары без подписчиков пропускаются.
func (h *Hub) depthLoop() {
	for {
		select {
		case <-h.stop:
			return
		case productID := <-h.depthRequests:
			pending := map[string]struct{}{productID: {}}
		drain:
			for {
				select {
				case id := <-h.depthRequests:
					pending[id] = struct{}{}
				default:
					break drain
				}
			}

			for id := range pending {
				if h.RoomSize(id) == 0 {
					continue
				}
				h.refreshDepth(id)
			}
		}
	}
}

func (h *Hub) refreshDepth(productID string) {
	if h.depth == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.DepthTimeout)
	defer cancel()

	depth, err := h.depth.MarketDepth(ctx, productID)
	if err != nil {
		h.logger.Warn("load market depth failed", utils.ProductID(productID), zap.Error(err))
		return
	}
	h.publish(productID, NewOrderBookUpdate(depth))
}

// ============================================================
// Счетчики
// ============================================================

// ClientCount возвращает количество подключенных клиентов
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RoomSize возвращает количество подписчиков товара
func (h *Hub) RoomSize(productID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[productID])
}

// DroppedMessages возвращает количество отброшенных событий
func (h *Hub) DroppedMessages() int64 {
	return h.dropped.Load()
}

var _ engine.Notifier = (*Hub)(nil)

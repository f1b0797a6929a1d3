package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"orderbook/internal/models"

	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDepth - DepthSource для тестов
type fakeDepth struct {
	mu    sync.Mutex
	calls map[string]int
	err   error
}

func newFakeDepth() *fakeDepth {
	return &fakeDepth{calls: make(map[string]int)}
}

func (f *fakeDepth) MarketDepth(_ context.Context, productID string) (*models.MarketDepth, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[productID]++
	if f.err != nil {
		return nil, f.err
	}
	return &models.MarketDepth{
		ProductID: productID,
		Bids:      []models.DepthLevel{{Price: decimal.RequireFromString("95"), Quantity: 2, Orders: 1}},
		Asks:      []models.DepthLevel{},
		Timestamp: time.Now().UTC(),
	}, nil
}

func startHub(t *testing.T, depth DepthSource) (*Hub, string) {
	t.Helper()

	hub := NewHub(DefaultHubConfig(), nil)
	hub.SetDepthSource(depth)
	go hub.Run()

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(func() {
		hub.Stop()
		srv.Close()
	})

	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *gorillaws.Conn {
	t.Helper()
	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err, "dial failed")
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readMessage читает следующее сообщение с ожидаемым типом, пропуская прочие
func readMessage(t *testing.T, conn *gorillaws.Conn, want MessageType) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", want)
		var msg map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &msg), "invalid JSON %s", data)
		if msg["type"] == string(want) {
			return msg
		}
	}
}

func subscribe(t *testing.T, conn *gorillaws.Conn, productID string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(ClientMessage{Action: ActionSubscribe, ProductID: productID}))
	ack := readMessage(t, conn, MessageTypeSubscribed)
	require.Equal(t, productID, ack["product_id"], "unexpected ack: %v", ack)
}


// ============================================================
// Unit Tests
// ============================================================

func TestNewHub(t *testing.T) {
	hub := NewHub(HubConfig{}, nil)

	assert.Equal(t, 0, hub.ClientCount())
	assert.Zero(t, hub.DroppedMessages())
	assert.Equal(t, DefaultHubConfig().BroadcastBuffer, hub.cfg.BroadcastBuffer, "default buffer not applied")
}

func TestOriginChecker_Check(t *testing.T) {
	checker := NewOriginChecker([]string{"http://localhost:3000", " https://example.com "})

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:3000", true},
		{"https://example.com", true},
		{"http://evil.com", false},
		{"http://localhost:8080", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, checker.Check(tt.origin), "Check(%q)", tt.origin)
	}
}

func TestOriginChecker_AllowAll(t *testing.T) {
	for _, origins := range [][]string{nil, {"*"}, {"", " "}} {
		checker := NewOriginChecker(origins)
		assert.True(t, checker.Check("https://anything.example.org"), "origins %q must allow all", origins)
	}
}

func TestHub_EmitDoesNotBlock(t *testing.T) {
	hub := NewHub(HubConfig{BroadcastBuffer: 2}, nil)

	match := &models.Match{ID: uuid.New(), ProductID: "wine-1"}
	for i := 0; i < 5; i++ {
		hub.EmitTrade("wine-1", match)
		hub.EmitDepthChanged("wine-1")
	}

	// Run не запущен: в буферах по 2 места, остальное отброшено
	assert.EqualValues(t, 6, hub.DroppedMessages())
}

func TestHub_Stop(t *testing.T) {
	hub := NewHub(DefaultHubConfig(), nil)

	done := make(chan struct{})
	go func() {
		hub.Run()
		close(done)
	}()

	hub.Stop()
	hub.Stop()

	assert.Eventually(t, func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond, "Hub.Run() did not exit after Stop()")
}

// ============================================================
// Тесты через реальное соединение
// ============================================================

func TestHub_SubscribeReceivesDepthAndTrades(t *testing.T) {
	depth := newFakeDepth()
	hub, url := startHub(t, depth)

	conn := dial(t, url)
	subscribe(t, conn, "wine-1")

	// при подписке приходит текущий стакан
	update := readMessage(t, conn, MessageTypeOrderBookUpdate)
	assert.Equal(t, "wine-1", update["product_id"])
	data, ok := update["data"].(map[string]interface{})
	require.True(t, ok)
	bids, ok := data["bids"].([]interface{})
	require.True(t, ok)
	require.Len(t, bids, 1)
	assert.Equal(t, "95", bids[0].(map[string]interface{})["price"])
	assert.Equal(t, 1, hub.RoomSize("wine-1"))

	match := &models.Match{
		ID:              uuid.New(),
		ProductID:       "wine-1",
		BuyOrderID:      uuid.New(),
		SellOrderID:     uuid.New(),
		MatchedQuantity: 2,
		MatchedPrice:    decimal.RequireFromString("92.50"),
		Timestamp:       time.Now().UTC(),
	}
	hub.EmitTrade("wine-1", match)

	trade := readMessage(t, conn, MessageTypeTradeExecuted)
	tradeData, ok := trade["data"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, match.ID.String(), tradeData["id"])
	assert.Equal(t, "92.5", tradeData["matched_price"])
}

func TestHub_TradeRoutedToRoom(t *testing.T) {
	hub, url := startHub(t, newFakeDepth())

	wine1 := dial(t, url)
	wine2 := dial(t, url)
	subscribe(t, wine1, "wine-1")
	subscribe(t, wine2, "wine-2")
	readMessage(t, wine1, MessageTypeOrderBookUpdate)
	readMessage(t, wine2, MessageTypeOrderBookUpdate)

	hub.EmitTrade("wine-2", &models.Match{ID: uuid.New(), ProductID: "wine-2"})
	readMessage(t, wine2, MessageTypeTradeExecuted)

	// wine-1 не должен получить сделку по wine-2
	wine1.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, data, err := wine1.ReadMessage()
	assert.Error(t, err, "unexpected message for wine-1 subscriber: %s", data)
}

func TestHub_Unsubscribe(t *testing.T) {
	hub, url := startHub(t, newFakeDepth())

	conn := dial(t, url)
	subscribe(t, conn, "wine-1")

	require.NoError(t, conn.WriteJSON(ClientMessage{Action: ActionUnsubscribe, ProductID: "wine-1"}))
	readMessage(t, conn, MessageTypeUnsubscribed)

	assert.Equal(t, 0, hub.RoomSize("wine-1"))
}

func TestHub_InvalidCommands(t *testing.T) {
	_, url := startHub(t, newFakeDepth())
	conn := dial(t, url)

	tests := []struct {
		name    string
		payload string
		wantErr string
	}{
		{"not json", "hello", "invalid message"},
		{"missing product", `{"action":"subscribe"}`, "product_id is required"},
		{"unknown action", `{"action":"buy","product_id":"wine-1"}`, "unknown action: buy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, conn.WriteMessage(gorillaws.TextMessage, []byte(tt.payload)))
			msg := readMessage(t, conn, MessageTypeError)
			assert.Equal(t, tt.wantErr, msg["error"])
		})
	}
}

func TestHub_DisconnectLeavesRooms(t *testing.T) {
	hub, url := startHub(t, newFakeDepth())

	conn := dial(t, url)
	subscribe(t, conn, "wine-1")
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 0, hub.RoomSize("wine-1"), "room must be empty after disconnect")
}

func TestHub_DepthErrorSkipsUpdate(t *testing.T) {
	depth := newFakeDepth()
	depth.err = errors.New("db down")
	hub, url := startHub(t, depth)

	conn := dial(t, url)
	subscribe(t, conn, "wine-1")

	hub.EmitTrade("wine-1", &models.Match{ID: uuid.New(), ProductID: "wine-1"})

	// стакан не загрузился, но сделка доставлена
	readMessage(t, conn, MessageTypeTradeExecuted)
}

func TestHub_DepthSkippedWithoutSubscribers(t *testing.T) {
	depth := newFakeDepth()
	hub, _ := startHub(t, depth)

	hub.EmitDepthChanged("wine-9")
	time.Sleep(50 * time.Millisecond)

	depth.mu.Lock()
	defer depth.mu.Unlock()
	assert.Zero(t, depth.calls["wine-9"], "depth must not be loaded for a product without subscribers")
}

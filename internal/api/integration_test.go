//go:build integration

// Интеграционные тесты полного цикла: HTTP → сервис → движок → Postgres → WebSocket.
// Запуск: go test -tags=integration ./internal/api/...
package api_test

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"orderbook/internal/api"
	"orderbook/internal/api/handlers"
	"orderbook/internal/engine"
	"orderbook/internal/models"
	"orderbook/internal/repository"
	"orderbook/internal/service"
	"orderbook/internal/websocket"

	gorillaws "github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type testServer struct {
	db       *sql.DB
	server   *httptest.Server
	products *repository.ProductRepository
	orders   *repository.OrderRepository
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// setupTestDB подключается к тестовой базе; без базы тест пропускается
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		getEnv("TEST_DB_HOST", "localhost"),
		getEnv("TEST_DB_PORT", "5432"),
		getEnv("TEST_DB_USER", "postgres"),
		getEnv("TEST_DB_PASSWORD", "postgres"),
		getEnv("TEST_DB_NAME", "orderbook_test"),
		getEnv("TEST_DB_SSLMODE", "disable"),
	)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Skipf("Skipping integration test: cannot open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		t.Skipf("Skipping integration test: cannot ping database: %v", err)
	}

	ctx := context.Background()
	require.NoError(t, repository.Migrate(ctx, db))
	_, err = db.ExecContext(ctx, `TRUNCATE matches, orders, products`)
	require.NoError(t, err)

	t.Cleanup(func() { db.Close() })
	return db
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	db := setupTestDB(t)

	orders := repository.NewOrderRepository(db)
	products := repository.NewProductRepository(db)

	hub := websocket.NewHub(websocket.DefaultHubConfig(), nil)
	eng := engine.New(orders, products, hub, engine.DefaultConfig(), nil)
	hub.SetDepthSource(eng)
	go hub.Run()

	router := api.SetupRoutes(&api.Dependencies{
		OrderService: service.NewOrderBookService(eng, orders, nil),
		WebSocket:    http.HandlerFunc(hub.ServeWS),
		DB:           db,
	})
	server := httptest.NewServer(router)

	t.Cleanup(func() {
		server.Close()
		eng.Close()
		hub.Stop()
	})

	return &testServer{db: db, server: server, products: products, orders: orders}
}

func (ts *testServer) seedProduct(t *testing.T, id, basePrice string, inventory int64) {
	t.Helper()
	err := ts.products.Upsert(context.Background(), &models.ProductRef{
		ID:             id,
		BasePrice:      decimal.RequireFromString(basePrice),
		InventoryCount: inventory,
	}, models.ProductStatusActive)
	require.NoError(t, err)
}

func (ts *testServer) place(t *testing.T, productID, userID string, side models.Side, price string, qty int64) (int, handlers.PlaceOrderResponse) {
	t.Helper()
	body := fmt.Sprintf(`{"product_id":%q,"user_id":%q,"side":%q,"price":%q,"quantity":%d}`,
		productID, userID, side, price, qty)

	resp, err := http.Post(ts.server.URL+"/api/v1/orders", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out handlers.PlaceOrderResponse
	if resp.StatusCode == http.StatusCreated {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp.StatusCode, out
}

func TestPlaceAndMatch_Integration(t *testing.T) {
	ts := setupTestServer(t)
	ts.seedProduct(t, "wine-1", "100.00", 10)

	status, ask := ts.place(t, "wine-1", "seller", models.SideAsk, "92.00", 3)
	require.Equal(t, http.StatusCreated, status)
	assert.Empty(t, ask.Matches)

	status, bid := ts.place(t, "wine-1", "buyer", models.SideBid, "95.00", 5)
	require.Equal(t, http.StatusCreated, status)
	require.Len(t, bid.Matches, 1)

	match := bid.Matches[0]
	assert.Equal(t, int64(3), match.MatchedQuantity)
	// цена более ранней заявки
	assert.True(t, match.MatchedPrice.Equal(decimal.RequireFromString("92.00")))
	assert.Equal(t, models.OrderStatusPartiallyFilled, bid.Order.Status)
	assert.Equal(t, int64(2), bid.Order.RemainingQuantity)

	stored, err := ts.orders.FindByID(context.Background(), ask.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFilled, stored.Status)
	assert.NotNil(t, stored.FilledAt)

	// стакан: остаток покупки на 95
	resp, err := http.Get(ts.server.URL + "/api/v1/products/wine-1/depth")
	require.NoError(t, err)
	defer resp.Body.Close()
	var depth models.MarketDepth
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&depth))
	require.Len(t, depth.Bids, 1)
	assert.Equal(t, int64(2), depth.Bids[0].Quantity)
	assert.Empty(t, depth.Asks)
}

func TestValidationErrors_Integration(t *testing.T) {
	ts := setupTestServer(t)
	ts.seedProduct(t, "wine-1", "100.00", 1)

	tests := []struct {
		name       string
		productID  string
		side       models.Side
		price      string
		qty        int64
		wantStatus int
	}{
		{"price above band", "wine-1", models.SideBid, "250.00", 1, http.StatusBadRequest},
		{"too many decimals", "wine-1", models.SideBid, "99.999", 1, http.StatusBadRequest},
		{"ask above inventory", "wine-1", models.SideAsk, "100.00", 5, http.StatusBadRequest},
		{"unknown product", "wine-404", models.SideBid, "100.00", 1, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := ts.place(t, tt.productID, "u1", tt.side, tt.price, tt.qty)
			assert.Equal(t, tt.wantStatus, status)
		})
	}
}

func TestCancel_Integration(t *testing.T) {
	ts := setupTestServer(t)
	ts.seedProduct(t, "wine-1", "100.00", 10)

	_, placed := ts.place(t, "wine-1", "alice", models.SideBid, "90.00", 1)

	cancel := func(userID string) int {
		req, err := http.NewRequest(http.MethodPatch,
			ts.server.URL+"/api/v1/orders/"+placed.Order.ID.String()+"/cancel",
			strings.NewReader(fmt.Sprintf(`{"user_id":%q}`, userID)))
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusConflict, cancel("mallory"))
	assert.Equal(t, http.StatusOK, cancel("alice"))
	assert.Equal(t, http.StatusConflict, cancel("alice"))
}

// Параллельные покупки против одной продажи не должны исполнить больше остатка
func TestConcurrentPlacement_NoOverfill_Integration(t *testing.T) {
	ts := setupTestServer(t)
	ts.seedProduct(t, "wine-1", "100.00", 10)

	status, ask := ts.place(t, "wine-1", "seller", models.SideAsk, "100.00", 5)
	require.Equal(t, http.StatusCreated, status)

	const buyers = 20
	var wg sync.WaitGroup
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ts.place(t, "wine-1", fmt.Sprintf("buyer-%d", i), models.SideBid, "100.00", 1)
		}(i)
	}
	wg.Wait()

	var matched int64
	err := ts.db.QueryRow(`SELECT COALESCE(SUM(matched_quantity), 0) FROM matches WHERE sell_order_id = $1`, ask.Order.ID).Scan(&matched)
	require.NoError(t, err)
	assert.Equal(t, int64(5), matched)

	stored, err := ts.orders.FindByID(context.Background(), ask.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), stored.FilledQuantity)
	assert.Equal(t, models.OrderStatusFilled, stored.Status)
}

func TestWebSocketTradeStream_Integration(t *testing.T) {
	ts := setupTestServer(t)
	ts.seedProduct(t, "wine-1", "100.00", 10)

	url := "ws" + strings.TrimPrefix(ts.server.URL, "http") + "/ws/stream"
	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "subscribe", "product_id": "wine-1"}))

	ts.place(t, "wine-1", "seller", models.SideAsk, "99.00", 1)
	ts.place(t, "wine-1", "buyer", models.SideBid, "99.00", 1)

	deadline := time.Now().Add(5 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "trade_executed not received")

		var msg struct {
			Type websocket.MessageType `json:"type"`
			Data *models.Match         `json:"data"`
		}
		require.NoError(t, json.Unmarshal(data, &msg))
		if msg.Type == websocket.MessageTypeTradeExecuted {
			require.NotNil(t, msg.Data)
			assert.Equal(t, int64(1), msg.Data.MatchedQuantity)
			return
		}
	}
}

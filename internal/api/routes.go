package api

import (
	"context"
	"net/http"
	"time"

	"orderbook/internal/api/handlers"
	"orderbook/internal/api/middleware"
	"orderbook/internal/service"
	"orderbook/pkg/crypto"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// healthTimeout - сколько ждем ответа БД в /health
const healthTimeout = 2 * time.Second

// Pinger проверяет доступность хранилища (реализуется *sql.DB)
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Dependencies содержит все зависимости для API handlers
type Dependencies struct {
	OrderService   service.OrderBookServiceInterface
	Limiter        handlers.PlacementLimiter
	WebSocket      http.Handler
	DB             Pinger
	MetricsCreds   *crypto.Credentials
	AllowedOrigins []string
	Logger         *zap.Logger
}

// SetupRoutes настраивает все HTTP маршруты приложения
//
// Структура маршрутов:
//
// /api/v1/
//
//	├── /orders/
//	│   ├── POST / - разместить заявку
//	│   ├── GET /{orderId} - получить заявку
//	│   └── PATCH /{orderId}/cancel - отменить заявку
//	├── /products/{productId}/
//	│   ├── GET /depth - стакан
//	│   ├── GET /history - исполненные заявки
//	│   ├── GET /trades - последние сделки
//	│   └── GET /stats - сводка
//	└── /users/{userId}/
//	    └── GET /orders - заявки пользователя
//
// /ws/stream - WebSocket подписки на стаканы товаров
// /metrics   - Prometheus (basic auth, если заданы учетные данные)
// /health    - проверка живости и доступности БД
//
// Middleware применяется в следующем порядке:
// 1. Recovery
// 2. Logging
// 3. CORS
func SetupRoutes(deps *Dependencies) *mux.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := mux.NewRouter()

	router.Use(middleware.Recovery(logger))
	router.Use(middleware.Logging(logger.Named("http")))
	router.Use(middleware.CORS(deps.AllowedOrigins))

	if deps.OrderService != nil {
		orderHandler := handlers.NewOrderHandler(deps.OrderService, deps.Limiter, logger)

		api := router.PathPrefix("/api/v1").Subrouter()

		api.HandleFunc("/orders", orderHandler.PlaceOrder).Methods("POST")
		api.HandleFunc("/orders/{orderId}", orderHandler.GetOrder).Methods("GET")
		api.HandleFunc("/orders/{orderId}/cancel", orderHandler.CancelOrder).Methods("PATCH")

		api.HandleFunc("/products/{productId}/depth", orderHandler.GetMarketDepth).Methods("GET")
		api.HandleFunc("/products/{productId}/history", orderHandler.GetOrderHistory).Methods("GET")
		api.HandleFunc("/products/{productId}/trades", orderHandler.GetRecentTrades).Methods("GET")
		api.HandleFunc("/products/{productId}/stats", orderHandler.GetProductStats).Methods("GET")

		api.HandleFunc("/users/{userId}/orders", orderHandler.GetUserOrders).Methods("GET")
	}

	if deps.WebSocket != nil {
		router.Handle("/ws/stream", deps.WebSocket)
	}

	router.Handle("/metrics", middleware.MetricsAuth(deps.MetricsCreds)(promhttp.Handler())).Methods("GET")

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if deps.DB != nil {
			ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
			defer cancel()
			if err := deps.DB.PingContext(ctx); err != nil {
				logger.Warn("health check failed", zap.Error(err))
				http.Error(w, "database unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}).Methods("GET")

	return router
}

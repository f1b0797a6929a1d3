package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============================================================
// Prometheus метрики движка сопоставления
// ============================================================

// ============ Заявки ============

// OrdersPlaced - заявки по стороне и результату (accepted, rejected, error)
var OrdersPlaced = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "orderbook",
		Subsystem: "engine",
		Name:      "orders_placed_total",
		Help:      "Total number of order placement attempts by side and result",
	},
	[]string{"side", "result"},
)

// OrdersCancelled - отмены по результату (ok, rejected, error)
var OrdersCancelled = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "orderbook",
		Subsystem: "engine",
		Name:      "orders_cancelled_total",
		Help:      "Total number of cancellation attempts by result",
	},
	[]string{"result"},
)

// ============ Сделки ============

// MatchesTotal - количество зафиксированных сделок
var MatchesTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "orderbook",
		Subsystem: "engine",
		Name:      "matches_total",
		Help:      "Total number of committed matches",
	},
)

// MatchedQuantity - суммарный исполненный объем в штуках
var MatchedQuantity = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "orderbook",
		Subsystem: "engine",
		Name:      "matched_quantity_total",
		Help:      "Total quantity of units matched",
	},
)

// PlaceLatency - время place-and-match от входа в очередь до ответа (мс)
var PlaceLatency = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "orderbook",
		Subsystem: "engine",
		Name:      "place_latency_ms",
		Help:      "Time to place and match an order in milliseconds",
		Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
	},
)

// ============ Конкурентность ============

// VersionConflicts - конфликты оптимистической блокировки по операции
var VersionConflicts = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "orderbook",
		Subsystem: "engine",
		Name:      "version_conflicts_total",
		Help:      "Total number of optimistic concurrency conflicts by operation",
	},
	[]string{"operation"},
)

// LaneQueueLength - задачи, ожидающие в очереди шарда
var LaneQueueLength = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "orderbook",
		Subsystem: "engine",
		Name:      "lane_queue_length",
		Help:      "Number of tasks waiting in a product lane shard",
	},
	[]string{"shard"},
)

// ============ Рассылка ============

// NotificationsDropped - события, отброшенные из-за переполнения буфера
var NotificationsDropped = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "orderbook",
		Subsystem: "notify",
		Name:      "dropped_total",
		Help:      "Total number of notifications dropped because a buffer was full",
	},
	[]string{"sink"},
)

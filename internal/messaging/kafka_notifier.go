package messaging

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"orderbook/internal/engine"
	"orderbook/internal/models"
	"orderbook/pkg/retry"
	"orderbook/pkg/utils"

	jsoniter "github.com/json-iterator/go"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Типы событий в топике
const (
	EventTradeExecuted = "trade_executed"
	EventDepthChanged  = "depth_changed"
)

// ErrNotifierClosed - запись после Close
var ErrNotifierClosed = errors.New("kafka notifier is closed")

// Event - сообщение в топике. Ключ сообщения - product_id,
// поэтому события одного товара попадают в одну партицию по порядку.
type Event struct {
	Type      string        `json:"type"`
	ProductID string        `json:"product_id"`
	Timestamp time.Time     `json:"timestamp"`
	Match     *models.Match `json:"match,omitempty"`
}

// messageWriter - часть kafka.Writer, нужная notifier
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config - параметры публикации событий
type Config struct {
	Brokers      []string
	Topic        string
	BufferSize   int           // очередь событий до отправки
	BatchSize    int           // максимум сообщений за одну запись
	WriteTimeout time.Duration // таймаут одной записи
	MaxAttempts  int           // попыток записи пачки
	RetryBackoff time.Duration // задержка перед повтором записи
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Topic:        "orderbook.events",
		BufferSize:   4096,
		BatchSize:    100,
		WriteTimeout: 5 * time.Second,
		MaxAttempts:  3,
		RetryBackoff: 100 * time.Millisecond,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Topic == "" {
		c.Topic = d.Topic
	}
	if c.BufferSize <= 0 {
		c.BufferSize = d.BufferSize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = d.RetryBackoff
	}
}

// KafkaNotifier публикует события движка в Kafka.
//
// Emit* кладут событие в буфер и сразу возвращаются. Фоновая горутина
// отправляет события пачками. При переполнении буфера событие
// отбрасывается и учитывается в метрике.
type KafkaNotifier struct {
	cfg    Config
	writer messageWriter
	logger *zap.Logger

	events chan kafka.Message
	done   chan struct{}

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
	failed  atomic.Int64
}

// NewKafkaNotifier создает notifier поверх kafka.Writer
func NewKafkaNotifier(cfg Config, logger *zap.Logger) *KafkaNotifier {
	cfg.applyDefaults()

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchSize:    cfg.BatchSize,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
	}

	return newKafkaNotifier(cfg, w, logger)
}

func newKafkaNotifier(cfg Config, w messageWriter, logger *zap.Logger) *KafkaNotifier {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	n := &KafkaNotifier{
		cfg:    cfg,
		writer: w,
		logger: logger.Named("kafka"),
		events: make(chan kafka.Message, cfg.BufferSize),
		done:   make(chan struct{}),
	}
	go n.run()
	return n
}

// EmitTrade публикует сделку
func (n *KafkaNotifier) EmitTrade(productID string, match *models.Match) {
	n.enqueue(Event{
		Type:      EventTradeExecuted,
		ProductID: productID,
		Timestamp: match.Timestamp,
		Match:     match,
	})
}

// EmitDepthChanged публикует факт изменения стакана
func (n *KafkaNotifier) EmitDepthChanged(productID string) {
	n.enqueue(Event{
		Type:      EventDepthChanged,
		ProductID: productID,
		Timestamp: time.Now().UTC(),
	})
}

func (n *KafkaNotifier) enqueue(ev Event) {
	value, err := json.Marshal(ev)
	if err != nil {
		n.logger.Error("marshal event failed", utils.ProductID(ev.ProductID), zap.Error(err))
		return
	}
	msg := kafka.Message{Key: []byte(ev.ProductID), Value: value}

	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		n.drop()
		return
	}

	select {
	case n.events <- msg:
	default:
		n.drop()
	}
}

func (n *KafkaNotifier) drop() {
	n.dropped.Add(1)
	engine.NotificationsDropped.WithLabelValues("kafka").Inc()
}

// run отправляет события пачками до закрытия канала
func (n *KafkaNotifier) run() {
	defer close(n.done)

	batch := make([]kafka.Message, 0, n.cfg.BatchSize)
	for msg := range n.events {
		batch = append(batch[:0], msg)

	fill:
		for len(batch) < n.cfg.BatchSize {
			select {
			case next, ok := <-n.events:
				if !ok {
					break fill
				}
				batch = append(batch, next)
			default:
				break fill
			}
		}

		n.write(batch)
	}
}

// write отправляет пачку с повторами; неотправленные события теряются
func (n *KafkaNotifier) write(batch []kafka.Message) {
	cfg := retry.DefaultConfig()
	cfg.MaxRetries = n.cfg.MaxAttempts
	cfg.InitialDelay = n.cfg.RetryBackoff
	cfg.RetryIf = retry.RetryIfNotContext
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		n.logger.Warn("kafka write failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
	}

	err := retry.Do(context.Background(), func() error {
		ctx, cancel := context.WithTimeout(context.Background(), n.cfg.WriteTimeout)
		defer cancel()
		return n.writer.WriteMessages(ctx, batch...)
	}, cfg)

	if err != nil {
		n.failed.Add(int64(len(batch)))
		engine.NotificationsDropped.WithLabelValues("kafka").Add(float64(len(batch)))
		n.logger.Error("kafka write failed, events lost",
			zap.Int("events", len(batch)),
			zap.Error(err))
	}
}

// Close дожидается отправки буфера и закрывает writer
func (n *KafkaNotifier) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrNotifierClosed
	}
	n.closed = true
	close(n.events)
	n.mu.Unlock()

	<-n.done
	return n.writer.Close()
}

// Dropped - события, отброшенные из-за переполнения буфера
func (n *KafkaNotifier) Dropped() int64 {
	return n.dropped.Load()
}

// Failed - события, которые не удалось записать
func (n *KafkaNotifier) Failed() int64 {
	return n.failed.Load()
}

var _ engine.Notifier = (*KafkaNotifier)(nil)

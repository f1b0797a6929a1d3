package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"orderbook/internal/api"
	"orderbook/internal/config"
	"orderbook/internal/engine"
	"orderbook/internal/messaging"
	"orderbook/internal/repository"
	"orderbook/internal/service"
	"orderbook/internal/websocket"
	"orderbook/pkg/crypto"
	"orderbook/pkg/ratelimit"
	"orderbook/pkg/retry"
	"orderbook/pkg/utils"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

func main() {
	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := utils.InitLogger(utils.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	defer func() { _ = logger.Sync() }()

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Инициализация базы данных
	db, err := initDatabase(rootCtx, cfg, logger.Logger)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	logger.Info("connected to database", zap.String("dsn", cfg.Database.DSNWithoutPassword()))

	if cfg.Database.AutoMigrate {
		if err := repository.Migrate(rootCtx, db); err != nil {
			logger.Fatal("failed to migrate schema", zap.Error(err))
		}
	}

	// Инициализация репозиториев
	orderRepo := repository.NewOrderRepository(db)
	productRepo := repository.NewProductRepository(db)

	// Получатели событий движка
	hubCfg := websocket.DefaultHubConfig()
	hubCfg.AllowedOrigins = cfg.WebSocket.AllowedOrigins
	hubCfg.BroadcastBuffer = cfg.WebSocket.BroadcastBuffer
	hubCfg.DepthTimeout = cfg.WebSocket.DepthTimeout
	hub := websocket.NewHub(hubCfg, logger.Logger)

	notifiers := engine.MultiNotifier{hub}

	var kafkaNotifier *messaging.KafkaNotifier
	if cfg.Kafka.Enabled {
		kafkaNotifier = messaging.NewKafkaNotifier(messaging.Config{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			BufferSize:   cfg.Kafka.BufferSize,
			BatchSize:    cfg.Kafka.BatchSize,
			WriteTimeout: cfg.Kafka.WriteTimeout,
			MaxAttempts:  cfg.Kafka.MaxAttempts,
		}, logger.Logger)
		notifiers = append(notifiers, kafkaNotifier)
		logger.Info("kafka event stream enabled",
			zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	// Движок сопоставления
	matchingEngine := engine.New(orderRepo, productRepo, notifiers, engine.Config{
		Shards:             cfg.Engine.Shards,
		QueueSize:          cfg.Engine.QueueSize,
		MaxConflictRetries: cfg.Engine.MaxConflictRetries,
		RetryBackoff:       cfg.Engine.RetryBackoff,
		PriceBand: engine.PriceBand{
			Low:  cfg.Engine.PriceBandLow,
			High: cfg.Engine.PriceBandHigh,
		},
	}, logger.Logger)

	hub.SetDepthSource(matchingEngine)
	go hub.Run()

	// Лимит размещения заявок на пользователя
	limiter := ratelimit.NewKeyedLimiter(cfg.RateLimit.OrdersPerSecond, cfg.RateLimit.Burst, cfg.RateLimit.IdleTTL)
	go limiter.RunCleanup(rootCtx, cfg.RateLimit.CleanupInterval)

	orderService := service.NewOrderBookService(matchingEngine, orderRepo, logger.Logger)

	metricsCreds, err := metricsCredentials(cfg.Metrics)
	if err != nil {
		logger.Fatal("invalid metrics credentials", zap.Error(err))
	}
	if metricsCreds == nil {
		logger.Warn("METRICS_PASSWORD_HASH is not set, /metrics is not protected")
	}

	// Настройка HTTP роутера
	router := api.SetupRoutes(&api.Dependencies{
		OrderService:   orderService,
		Limiter:        limiter,
		WebSocket:      http.HandlerFunc(hub.ServeWS),
		DB:             db,
		MetricsCreds:   metricsCreds,
		AllowedOrigins: cfg.WebSocket.AllowedOrigins,
		Logger:         logger.Logger,
	})

	// HTTP сервер
	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", zap.String("addr", server.Addr), zap.Bool("https", cfg.Server.UseHTTPS))
		var err error
		if cfg.Server.UseHTTPS {
			err = server.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Graceful shutdown
	select {
	case <-rootCtx.Done():
		logger.Info("shutting down server")
	case err := <-serverErr:
		logger.Error("server failed", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Сначала перестаем принимать запросы, потом дорабатываем очереди движка
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	matchingEngine.Close()
	hub.Stop()

	if kafkaNotifier != nil {
		if err := kafkaNotifier.Close(); err != nil {
			logger.Error("failed to close kafka notifier", zap.Error(err))
		}
	}

	logger.Info("server exited")
}

// initDatabase создает подключение к базе данных.
// Пинг повторяется с backoff: при старте в compose база поднимается дольше сервиса.
func initDatabase(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*sql.DB, error) {
	db, err := sql.Open(cfg.Database.Driver, cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Настройка пула соединений
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	retryCfg := retry.StartupConfig()
	retryCfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.Warn("database not ready",
			zap.Int("attempt", attempt), zap.Duration("retry_in", delay), zap.Error(err))
	}

	err = retry.Do(ctx, func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return db.PingContext(pingCtx)
	}, retryCfg)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// metricsCredentials возвращает nil, если хеш пароля не задан
func metricsCredentials(cfg config.MetricsConfig) (*crypto.Credentials, error) {
	if cfg.PasswordHash == "" {
		return nil, nil
	}
	return crypto.NewCredentials(cfg.Username, cfg.PasswordHash)
}

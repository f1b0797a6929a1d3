package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config содержит всю конфигурацию приложения
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Engine    EngineConfig
	Kafka     KafkaConfig
	WebSocket WebSocketConfig
	RateLimit RateLimitConfig
	Metrics   MetricsConfig
	Logging   LoggingConfig
}

// ServerConfig - настройки HTTP сервера
type ServerConfig struct {
	Port            int
	Host            string
	UseHTTPS        bool
	CertFile        string
	KeyFile         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig - настройки подключения к БД
type DatabaseConfig struct {
	Driver          string
	Host            string
	Port            int
	Name            string
	User            string
	Password        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	AutoMigrate     bool
}

// EngineConfig - настройки движка сопоставления
type EngineConfig struct {
	Shards             int             // очередей single-writer
	QueueSize          int             // буфер очереди шарда
	MaxConflictRetries int             // повторов при конфликте версий
	RetryBackoff       time.Duration   // начальная задержка повтора
	PriceBandLow       decimal.Decimal // нижняя граница цены, множитель base_price
	PriceBandHigh      decimal.Decimal // верхняя граница цены, множитель base_price
}

// KafkaConfig - публикация событий стакана
type KafkaConfig struct {
	Enabled      bool
	Brokers      []string
	Topic        string
	BufferSize   int
	BatchSize    int
	WriteTimeout time.Duration
	MaxAttempts  int
}

// WebSocketConfig - настройки /ws/stream
type WebSocketConfig struct {
	AllowedOrigins  []string
	BroadcastBuffer int
	DepthTimeout    time.Duration
}

// RateLimitConfig - лимит размещения заявок на пользователя
type RateLimitConfig struct {
	OrdersPerSecond float64
	Burst           float64
	IdleTTL         time.Duration
	CleanupInterval time.Duration
}

// MetricsConfig - доступ к /metrics.
// Пустой PasswordHash - без аутентификации.
type MetricsConfig struct {
	Username     string
	PasswordHash string
}

// LoggingConfig - настройки логирования
type LoggingConfig struct {
	Level  string
	Format string
	Output string
}

// Load загружает конфигурацию из переменных окружения.
//
// Перед чтением подгружается .env (путь можно переопределить ENV_FILE).
// Уже заданные переменные окружения файл не перезаписывает.
func Load() (*Config, error) {
	if err := loadDotEnv(getEnv("ENV_FILE", ".env")); err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnvAsInt("SERVER_PORT", 8080),
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			UseHTTPS:        getEnvAsBool("USE_HTTPS", false),
			CertFile:        getEnv("CERT_FILE", ""),
			KeyFile:         getEnv("KEY_FILE", ""),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		Database: DatabaseConfig{
			Driver:          getEnv("DB_DRIVER", "postgres"),
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvAsInt("DB_PORT", 5432),
			Name:            getEnv("DB_NAME", "orderbook"),
			User:            getEnv("DB_USER", "orderbook"),
			Password:        getEnv("DB_PASSWORD", ""),
			SSLMode:         getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
			AutoMigrate:     getEnvAsBool("DB_AUTO_MIGRATE", true),
		},
		Engine: EngineConfig{
			Shards:             getEnvAsInt("ENGINE_SHARDS", 16),
			QueueSize:          getEnvAsInt("ENGINE_QUEUE_SIZE", 256),
			MaxConflictRetries: getEnvAsInt("ENGINE_MAX_CONFLICT_RETRIES", 5),
			RetryBackoff:       getEnvAsDuration("ENGINE_RETRY_BACKOFF", 5*time.Millisecond),
			PriceBandLow:       getEnvAsDecimal("PRICE_BAND_LOW", decimal.RequireFromString("0.5")),
			PriceBandHigh:      getEnvAsDecimal("PRICE_BAND_HIGH", decimal.RequireFromString("2.0")),
		},
		Kafka: KafkaConfig{
			Enabled:      getEnvAsBool("KAFKA_ENABLED", false),
			Brokers:      getEnvAsSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
			Topic:        getEnv("KAFKA_TOPIC", "orderbook.events"),
			BufferSize:   getEnvAsInt("KAFKA_BUFFER_SIZE", 4096),
			BatchSize:    getEnvAsInt("KAFKA_BATCH_SIZE", 100),
			WriteTimeout: getEnvAsDuration("KAFKA_WRITE_TIMEOUT", 5*time.Second),
			MaxAttempts:  getEnvAsInt("KAFKA_MAX_ATTEMPTS", 3),
		},
		WebSocket: WebSocketConfig{
			AllowedOrigins:  getEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000", "http://localhost:5173"}),
			BroadcastBuffer: getEnvAsInt("WS_BROADCAST_BUFFER", 1024),
			DepthTimeout:    getEnvAsDuration("WS_DEPTH_TIMEOUT", 2*time.Second),
		},
		RateLimit: RateLimitConfig{
			OrdersPerSecond: getEnvAsFloat("RATE_LIMIT_ORDERS_PER_SEC", 5),
			Burst:           getEnvAsFloat("RATE_LIMIT_BURST", 10),
			IdleTTL:         getEnvAsDuration("RATE_LIMIT_IDLE_TTL", 10*time.Minute),
			CleanupInterval: getEnvAsDuration("RATE_LIMIT_CLEANUP_INTERVAL", time.Minute),
		},
		Metrics: MetricsConfig{
			Username:     getEnv("METRICS_USERNAME", "metrics"),
			PasswordHash: getEnv("METRICS_PASSWORD_HASH", ""),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
			Output: getEnv("LOG_OUTPUT", "stdout"),
		},
	}

	if err := cfg.validateRanges(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadDotEnv подгружает файл окружения; отсутствие файла не ошибка
func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// validateRanges проверяет числовые диапазоны параметров
func (c *Config) validateRanges() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Server.UseHTTPS && (c.Server.CertFile == "" || c.Server.KeyFile == "") {
		return fmt.Errorf("CERT_FILE and KEY_FILE are required when USE_HTTPS is enabled")
	}

	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("DB_PORT must be between 1 and 65535, got %d", c.Database.Port)
	}

	if c.Database.MaxOpenConns < 1 {
		return fmt.Errorf("DB_MAX_OPEN_CONNS must be positive, got %d", c.Database.MaxOpenConns)
	}

	// Движок
	if c.Engine.Shards < 1 || c.Engine.Shards > 1024 {
		return fmt.Errorf("ENGINE_SHARDS must be between 1 and 1024, got %d", c.Engine.Shards)
	}

	if c.Engine.QueueSize < 1 {
		return fmt.Errorf("ENGINE_QUEUE_SIZE must be positive, got %d", c.Engine.QueueSize)
	}

	if c.Engine.MaxConflictRetries < 1 || c.Engine.MaxConflictRetries > 20 {
		return fmt.Errorf("ENGINE_MAX_CONFLICT_RETRIES must be between 1 and 20, got %d", c.Engine.MaxConflictRetries)
	}

	if c.Engine.RetryBackoff <= 0 {
		return fmt.Errorf("ENGINE_RETRY_BACKOFF must be positive, got %v", c.Engine.RetryBackoff)
	}

	if !c.Engine.PriceBandLow.IsPositive() || c.Engine.PriceBandLow.GreaterThan(c.Engine.PriceBandHigh) {
		return fmt.Errorf("PRICE_BAND_LOW must be positive and not above PRICE_BAND_HIGH, got %s..%s",
			c.Engine.PriceBandLow, c.Engine.PriceBandHigh)
	}

	// Kafka проверяется только если включена
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("KAFKA_BROKERS is required when KAFKA_ENABLED is set")
		}
		if c.Kafka.MaxAttempts < 1 {
			return fmt.Errorf("KAFKA_MAX_ATTEMPTS must be positive, got %d", c.Kafka.MaxAttempts)
		}
	}

	if c.RateLimit.OrdersPerSecond <= 0 {
		return fmt.Errorf("RATE_LIMIT_ORDERS_PER_SEC must be positive, got %v", c.RateLimit.OrdersPerSecond)
	}

	if c.RateLimit.Burst < c.RateLimit.OrdersPerSecond {
		return fmt.Errorf("RATE_LIMIT_BURST must be at least RATE_LIMIT_ORDERS_PER_SEC, got %v", c.RateLimit.Burst)
	}

	if c.Metrics.PasswordHash != "" && c.Metrics.Username == "" {
		return fmt.Errorf("METRICS_USERNAME is required when METRICS_PASSWORD_HASH is set")
	}

	return nil
}

// DSN возвращает строку подключения к базе данных
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// DSNWithoutPassword возвращает строку подключения без пароля (для логирования)
func (d DatabaseConfig) DSNWithoutPassword() string {
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Name, d.SSLMode)
}

// Addr возвращает адрес для http.Server
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Вспомогательные функции для чтения переменных окружения

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := decimal.NewFromString(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsSlice читает список через запятую, пустые элементы отбрасываются
func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var result []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			result = append(result, part)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}

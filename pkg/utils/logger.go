package utils

import (
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// logger.go - настройка структурированного логирования на базе zap.
//
// Логгер создается один раз в main и передается компонентам явно.
// Поля предметной области (товар, заявка, пользователь) строятся
// конструкторами ниже, чтобы ключи в логах были одинаковыми везде.

// LogConfig - параметры логгера
type LogConfig struct {
	Level       string // debug, info, warn, error
	Format      string // json, text
	Output      string // stdout, stderr или путь к файлу
	Development bool
}

// Logger - обертка над zap, владеет выходом логов процесса
type Logger struct {
	*zap.Logger
}

// InitLogger создает логгер по конфигурации.
//
// Пустые поля заменяются значениями по умолчанию: info, json, stdout.
// Если файл вывода не открывается, используется stdout.
func InitLogger(cfg LogConfig) *Logger {
	level := parseLevel(cfg.Level)

	var encCfg zapcore.EncoderConfig
	if cfg.Development {
		encCfg = zap.NewDevelopmentEncoderConfig()
	} else {
		encCfg = zap.NewProductionEncoderConfig()
	}
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeDuration = zapcore.MillisDurationEncoder

	var encoder zapcore.Encoder
	if strings.ToLower(cfg.Format) == "text" {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.LowercaseLevelEncoder
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, openOutput(cfg.Output), zap.NewAtomicLevelAt(level))

	opts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)}
	if cfg.Development {
		opts = append(opts, zap.Development())
	}

	return &Logger{Logger: zap.New(core, opts...)}
}

// parseLevel переводит строку уровня в zapcore.Level, неизвестное значение → info
func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

func openOutput(output string) zapcore.WriteSyncer {
	switch output {
	case "", "stdout":
		return zapcore.Lock(os.Stdout)
	case "stderr":
		return zapcore.Lock(os.Stderr)
	}

	f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return zapcore.Lock(os.Stdout)
	}
	return zapcore.AddSync(f)
}

// ============================================================
// Поля предметной области
// ============================================================

func ProductID(id string) zap.Field { return zap.String("product_id", id) }

func OrderID(id string) zap.Field { return zap.String("order_id", id) }

func MatchID(id string) zap.Field { return zap.String("match_id", id) }

func UserID(id string) zap.Field { return zap.String("user_id", id) }

func Side(side string) zap.Field { return zap.String("side", side) }

func Status(status string) zap.Field { return zap.String("status", status) }

// Price пишет цену строкой, чтобы не терять точность
func Price(p decimal.Decimal) zap.Field { return zap.String("price", p.String()) }

func Quantity(q int64) zap.Field { return zap.Int64("quantity", q) }

func RequestID(id string) zap.Field { return zap.String("request_id", id) }

func Latency(d time.Duration) zap.Field { return zap.Duration("latency", d) }

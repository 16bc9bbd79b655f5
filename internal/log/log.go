package log

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelError Level = "ERROR"
)

var (
	mu       sync.Mutex
	sugar    *zap.SugaredLogger
	minLevel = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// initLogger builds the shared zap logger lazily. Output goes to stderr in
// console encoding; level changes go through the atomic level so SetLevel
// keeps working after initialization.
func initLogger() *zap.SugaredLogger {
	mu.Lock()
	defer mu.Unlock()
	if sugar != nil {
		return sugar
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder

	cfg := zap.Config{
		Level:            minLevel,
		Encoding:         "console",
		EncoderConfig:    encCfg,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	l, err := cfg.Build(zap.WithCaller(false))
	if err != nil {
		// Build only fails on an invalid config; fall back to a no-op
		// logger rather than panicking inside logging.
		l = zap.NewNop()
	}
	sugar = l.Sugar()
	return sugar
}

func SetLevel(l Level) {
	switch l {
	case LevelDebug:
		minLevel.SetLevel(zapcore.DebugLevel)
	case LevelInfo:
		minLevel.SetLevel(zapcore.InfoLevel)
	case LevelError:
		minLevel.SetLevel(zapcore.ErrorLevel)
	}
}

func Debug(msg string, kv ...any) {
	initLogger().Debugw(msg, kv...)
}

func Info(msg string, kv ...any) {
	initLogger().Infow(msg, kv...)
}

// Error logs msg with err prepended into the key-value list.
func Error(msg string, err error, kv ...any) {
	extended := append([]any{"err", err}, kv...)
	initLogger().Errorw(msg, extended...)
}

// Sync flushes buffered log entries. Safe to call at shutdown.
func Sync() {
	mu.Lock()
	defer mu.Unlock()
	if sugar != nil {
		_ = sugar.Sync()
	}
}

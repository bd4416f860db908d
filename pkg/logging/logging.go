package logging

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LevelEnvVar configures the log level ("debug", "info", "warn", "error").
// Unset or unparsable values fall back to info.
const LevelEnvVar = "RWPROXY_LOG_LEVEL"

var (
	mu     sync.RWMutex
	logger = zap.NewNop()
)

// Init builds the process logger from the environment. Safe to call more
// than once; the last call wins.
func Init() {
	level := zapcore.InfoLevel
	if v := os.Getenv(LevelEnvVar); v != "" {
		if parsed, err := zapcore.ParseLevel(v); err == nil {
			level = parsed
		}
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	l, err := cfg.Build()
	if err != nil {
		return
	}

	mu.Lock()
	logger = l
	mu.Unlock()
}

// SetLogger replaces the process logger. Intended for tests.
func SetLogger(l *zap.Logger) {
	mu.Lock()
	logger = l
	mu.Unlock()
}

func get() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

func Debug(msg string, fields ...zap.Field) {
	get().Debug(msg, fields...)
}

func Info(msg string, fields ...zap.Field) {
	get().Info(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	get().Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	get().Error(msg, fields...)
}

// Sync flushes any buffered log entries.
func Sync() {
	_ = get().Sync()
}

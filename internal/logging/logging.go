// Package logging provides structured logging with zap.
package logging

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu           sync.RWMutex
	globalLogger *zap.Logger
	globalLevel  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Config holds logging configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	OutputPath string // stdout, stderr, or file path
}

// Init initializes the global logger.
func Init(cfg Config) error {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var config zap.Config
	if cfg.Format == "console" {
		config = zap.NewDevelopmentConfig()
	} else {
		config = zap.NewProductionConfig()
	}

	globalLevel.SetLevel(level)
	config.Level = globalLevel
	if cfg.OutputPath != "" {
		config.OutputPaths = []string{cfg.OutputPath}
	}

	logger, err := config.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return err
	}

	mu.Lock()
	globalLogger = logger
	mu.Unlock()
	return nil
}

// Replace swaps the global logger, for tests that capture output.
func Replace(logger *zap.Logger) {
	mu.Lock()
	globalLogger = logger
	mu.Unlock()
}

// Sync flushes any buffered log entries.
func Sync() error {
	return L().Sync()
}

// SetLevel changes the global log level at runtime.
func SetLevel(level string) {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return
	}
	globalLevel.SetLevel(l)
}

// L returns the global logger, creating a production logger on first use.
func L() *zap.Logger {
	mu.RLock()
	logger := globalLogger
	mu.RUnlock()
	if logger != nil {
		return logger
	}

	mu.Lock()
	defer mu.Unlock()
	if globalLogger == nil {
		config := zap.NewProductionConfig()
		config.Level = globalLevel
		l, err := config.Build()
		if err != nil {
			l = zap.NewNop()
		}
		globalLogger = l
	}
	return globalLogger
}

// S returns the global sugared logger.
func S() *zap.SugaredLogger {
	return L().Sugar()
}

// Named returns a child of the global logger for one component.
func Named(name string) *zap.Logger {
	return L().Named(name)
}

// Debug logs a debug message.
func Debug(msg string, fields ...zap.Field) {
	L().WithOptions(zap.AddCallerSkip(1)).Debug(msg, fields...)
}

// Info logs an info message.
func Info(msg string, fields ...zap.Field) {
	L().WithOptions(zap.AddCallerSkip(1)).Info(msg, fields...)
}

// Warn logs a warning message.
func Warn(msg string, fields ...zap.Field) {
	L().WithOptions(zap.AddCallerSkip(1)).Warn(msg, fields...)
}

// Error logs an error message.
func Error(msg string, fields ...zap.Field) {
	L().WithOptions(zap.AddCallerSkip(1)).Error(msg, fields...)
}

// Fatal logs a fatal message and exits.
func Fatal(msg string, fields ...zap.Field) {
	L().WithOptions(zap.AddCallerSkip(1)).Fatal(msg, fields...)
}

// Field helpers for common fields.
func String(key, val string) zap.Field {
	return zap.String(key, val)
}

func Int(key string, val int) zap.Field {
	return zap.Int(key, val)
}

func Int64(key string, val int64) zap.Field {
	return zap.Int64(key, val)
}

func Err(err error) zap.Field {
	return zap.Error(err)
}

func Duration(key string, val time.Duration) zap.Field {
	return zap.Duration(key, val)
}

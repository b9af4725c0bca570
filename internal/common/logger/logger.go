// Package logger wraps zap for the executor's structured logging needs.
package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggingConfig controls log level and encoding.
type LoggingConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
}

// Logger wraps a zap.Logger, adding a component-scoped WithFields helper.
type Logger struct {
	z *zap.Logger
}

// NewLogger builds a Logger from the given config.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var zcfg zap.Config
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	z, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return &Logger{z: z}, nil
}

// WithFields returns a child logger carrying the given structured fields on
// every subsequent entry.
func (l *Logger) WithFields(fields ...zap.Field) *Logger {
	return &Logger{z: l.z.With(fields...)}
}

// WithComponent tags the logger with a "component" field, the convention used
// throughout this codebase to identify which subsystem emitted a log line.
func (l *Logger) WithComponent(name string) *Logger {
	return l.WithFields(zap.String("component", name))
}

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.z.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.z.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.z.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.z.Error(msg, fields...) }

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error {
	return l.z.Sync()
}

var defaultLogger *Logger

// SetDefault installs the package-level default logger.
func SetDefault(l *Logger) {
	defaultLogger = l
}

// L returns the package-level default logger, falling back to a bare
// production logger if SetDefault was never called (e.g. in tests).
func L() *Logger {
	if defaultLogger != nil {
		return defaultLogger
	}
	l, _ := NewLogger(LoggingConfig{Level: "info", Format: "json"})
	if l == nil {
		z, _ := zap.NewProduction()
		l = &Logger{z: z}
	}
	return l
}

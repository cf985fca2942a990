// Package logger is the zap-backed logger shared by the service and CLI.
package logger

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"
)

type LoggerOptions struct {
	Key  string
	Data interface{}
}

var (
	mu     sync.RWMutex
	Logger = zap.NewNop()
	level  = zap.NewAtomicLevelAt(zap.InfoLevel)
)

// Init replaces the global logger. json selects the production encoder,
// otherwise a colored console encoder is used. Output goes to stderr.
func Init(lvl string, json bool) error {
	parsed, err := zapcore.ParseLevel(strings.ToLower(lvl))
	if err != nil {
		return fmt.Errorf("parse log level %q: %w", lvl, err)
	}
	level.SetLevel(parsed)

	var cfg zap.Config
	if json {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.Level = level
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	l, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	Set(l)
	return nil
}

// Set installs l as the global logger and routes the default slog logger
// through it.
func Set(l *zap.Logger) {
	mu.Lock()
	Logger = l
	mu.Unlock()
	zap.ReplaceGlobals(l)
	slog.SetDefault(Slog())
}

// SetLevel changes the level of loggers built by Init without rebuilding them.
func SetLevel(lvl string) error {
	parsed, err := zapcore.ParseLevel(strings.ToLower(lvl))
	if err != nil {
		return fmt.Errorf("parse log level %q: %w", lvl, err)
	}
	level.SetLevel(parsed)
	return nil
}

// Slog returns an slog.Logger writing to the current zap core.
func Slog() *slog.Logger {
	return slog.New(zapslog.NewHandler(current().Core(), zapslog.WithCaller(false)))
}

// Sync flushes buffered entries.
func Sync() {
	_ = current().Sync()
}

func current() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return Logger
}

func fields(payload []LoggerOptions) []zapcore.Field {
	zapFields := make([]zapcore.Field, 0, len(payload))
	for _, data := range payload {
		zapFields = append(zapFields, zap.Any(data.Key, data.Data))
	}
	return zapFields
}

// This logs debug level messages.
func Debug(msg string, payload ...LoggerOptions) {
	current().Debug(msg, fields(payload)...)
}

// This logs info level messages.
func Info(msg string, payload ...LoggerOptions) {
	current().Info(msg, fields(payload)...)
}

// This logs warning messages.
func Warning(msg string, payload ...LoggerOptions) {
	current().Warn(msg, fields(payload)...)
}

// This logs error messages.
// describe the incident in msg and pass the error through logger options
// with key error
func Error(msg string, payload ...LoggerOptions) {
	current().Error(msg, fields(payload)...)
}

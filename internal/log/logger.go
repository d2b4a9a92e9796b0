// Package log provides structured logging for sbtrace using zap.
package log

import (
	"strconv"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with sbtrace-specific helpers.
type Logger struct {
	*zap.Logger
}

var (
	// L is the global logger instance. It is a no-op until Init runs.
	L    = NewNop()
	once sync.Once
)

// Init initializes the global logger with the given configuration.
// Safe to call multiple times; only the first call takes effect.
func Init(debug bool) {
	once.Do(func() {
		L = New(debug)
	})
}

// New creates a new Logger instance writing to stderr.
func New(debug bool) *Logger {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// The host process must keep running without logs.
		logger = zap.NewNop()
	}

	return &Logger{Logger: logger.Named("sbtrace")}
}

// NewNop creates a no-op logger for testing.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// Strategy logs which installation strategy was chosen.
func (l *Logger) Strategy(mode, attempt string) {
	l.Debug("strategy",
		zap.String("mode", mode),
		zap.String("attempt", attempt),
	)
}

// Resolved logs the outcome of target resolution.
func (l *Logger) Resolved(symbol string, addr uint64, source string) {
	l.Debug("resolved",
		Fn(symbol),
		Addr(addr),
		zap.String("src", source),
	)
}

// Installed logs a live hook.
func (l *Logger) Installed(attempt string, addr, original uint64) {
	l.Debug("installed",
		zap.String("attempt", attempt),
		Addr(addr),
		Ptr("original", original),
	)
}

// Failed logs a hook that was skipped or could not be installed.
func (l *Logger) Failed(attempt, status string, err error) {
	l.Warn("hook not installed",
		zap.String("attempt", attempt),
		zap.String("status", status),
		zap.Error(err),
	)
}

// WithCategory returns a logger with the category field preset.
func (l *Logger) WithCategory(category string) *Logger {
	return &Logger{Logger: l.Logger.With(zap.String("cat", category))}
}

// Hex formats a uint64 as hex string for logging.
func Hex(addr uint64) string {
	return "0x" + strconv.FormatUint(addr, 16)
}

// Field helpers for common patterns.

// Addr creates an address field.
func Addr(addr uint64) zap.Field {
	return zap.String("addr", Hex(addr))
}

// Size creates a size field.
func Size(size uint64) zap.Field {
	return zap.Uint64("size", size)
}

// Ptr creates a pointer field.
func Ptr(name string, ptr uint64) zap.Field {
	return zap.String(name, Hex(ptr))
}

// Fn creates a function name field.
func Fn(name string) zap.Field {
	return zap.String("fn", name)
}

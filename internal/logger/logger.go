// Package logger provides structured logging for the storage engine
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger wraps zerolog with engine-specific functionality
type Logger struct {
	zlog zerolog.Logger
}

// Config holds logger configuration
type Config struct {
	Level      string // debug, info, warn, error
	Pretty     bool   // pretty-print for development
	Output     io.Writer
	WithCaller bool
}

// NewLogger creates a new structured logger
func NewLogger(cfg Config) *Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	zlog := zerolog.New(output).
		With().
		Timestamp().
		Str("service", "graphcore").
		Logger()

	if cfg.WithCaller {
		zlog = zlog.With().Caller().Logger()
	}

	return &Logger{zlog: zlog}
}

// GetZerolog returns the underlying zerolog logger
func (l *Logger) GetZerolog() *zerolog.Logger {
	return &l.zlog
}

// Info logs an info message
func (l *Logger) Info(msg string) *zerolog.Event {
	return l.zlog.Info().Str("msg", msg)
}

// Debug logs a debug message
func (l *Logger) Debug(msg string) *zerolog.Event {
	return l.zlog.Debug().Str("msg", msg)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string) *zerolog.Event {
	return l.zlog.Warn().Str("msg", msg)
}

// Error logs an error message
func (l *Logger) Error(msg string) *zerolog.Event {
	return l.zlog.Error().Str("msg", msg)
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(msg string) *zerolog.Event {
	return l.zlog.Fatal().Str("msg", msg)
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	ctx := l.zlog.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &Logger{zlog: ctx.Logger()}
}

// EngineLogger returns a logger scoped to one storage-engine component
// (pagealloc, flush, vacuum, mvcc, session).
func (l *Logger) EngineLogger(component string) *Logger {
	return &Logger{
		zlog: l.zlog.With().
			Str("component", component).
			Logger(),
	}
}

// LogFlush logs completion of a flush batch over a set of sealed memtables.
func (l *Logger) LogFlush(table string, memtableCount int, duration time.Duration, err error) {
	event := l.zlog.Info().
		Str("component", "flush").
		Str("table", table).
		Int("memtable_count", memtableCount).
		Dur("duration_ms", duration)

	if err != nil {
		event = l.zlog.Error().
			Str("component", "flush").
			Str("table", table).
			Int("memtable_count", memtableCount).
			Dur("duration_ms", duration).
			Err(err)
	}

	event.Msg("flush batch completed")
}

// LogVacuum logs completion of a vacuum sweep at a given horizon.
func (l *Logger) LogVacuum(table string, horizon uint64, reclaimed int, duration time.Duration, err error) {
	event := l.zlog.Info().
		Str("component", "vacuum").
		Str("table", table).
		Uint64("horizon", horizon).
		Int("rows_reclaimed", reclaimed).
		Dur("duration_ms", duration)

	if err != nil {
		event = l.zlog.Error().
			Str("component", "vacuum").
			Str("table", table).
			Uint64("horizon", horizon).
			Err(err)
	}

	event.Msg("vacuum sweep completed")
}

// LogPageAllocatorOp logs an allocate/free/refresh on the page allocator.
func (l *Logger) LogPageAllocatorOp(op string, pageId uint64, pageCount uint64, err error) {
	event := l.zlog.Debug().
		Str("component", "pagealloc").
		Str("op", op).
		Uint64("page_id", pageId).
		Uint64("page_count", pageCount)

	if err != nil {
		event = l.zlog.Error().
			Str("component", "pagealloc").
			Str("op", op).
			Err(err)
	}

	event.Msg("page allocator operation")
}

// LogMVCCConflict logs a rejected write due to a concurrent mutation conflict.
func (l *Logger) LogMVCCConflict(table string, rowId uint64, txId uint64, reason string) {
	l.zlog.Warn().
		Str("component", "mvcc").
		Str("table", table).
		Uint64("row_id", rowId).
		Uint64("tx_id", txId).
		Str("reason", reason).
		Msg("mvcc write conflict")
}

// Global logger instance
var globalLogger *Logger

// InitGlobalLogger initializes the global logger
func InitGlobalLogger(cfg Config) {
	globalLogger = NewLogger(cfg)
	log.Logger = *globalLogger.GetZerolog()
}

// GetGlobalLogger returns the global logger instance
func GetGlobalLogger() *Logger {
	if globalLogger == nil {
		InitGlobalLogger(Config{
			Level:  "info",
			Pretty: true,
		})
	}
	return globalLogger
}

// Package logger provides structured logging for the nestedset services
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog with service specific helpers
type Logger struct {
	zlog zerolog.Logger
}

// Config holds logger configuration
type Config struct {
	Level      string // trace, debug, info, warn, error
	Pretty     bool   // console output for development
	Output     io.Writer
	WithCaller bool
}

// ParseLevel maps a level name to a zerolog level
func ParseLevel(name string) (zerolog.Level, error) {
	switch strings.ToLower(name) {
	case "", "info":
		return zerolog.InfoLevel, nil
	case "trace":
		return zerolog.TraceLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "warn":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	}
	return zerolog.NoLevel, fmt.Errorf("unknown log level %q", name)
}

// NewLogger creates a structured logger. Unknown levels fall back to info.
func NewLogger(cfg Config) *Logger {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	zctx := zerolog.New(output).Level(level).With().Timestamp().Str("service", "nestedset")
	if cfg.WithCaller {
		zctx = zctx.Caller()
	}
	return &Logger{zlog: zctx.Logger()}
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

// Zerolog returns the underlying zerolog logger
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

func (l *Logger) Info() *zerolog.Event  { return l.zlog.Info() }
func (l *Logger) Debug() *zerolog.Event { return l.zlog.Debug() }
func (l *Logger) Warn() *zerolog.Event  { return l.zlog.Warn() }
func (l *Logger) Error() *zerolog.Event { return l.zlog.Error() }

// TreeLogger returns a logger for tree maintenance, handed to the engine
func (l *Logger) TreeLogger(table string) zerolog.Logger {
	return l.zlog.With().Str("component", "tree").Str("table", table).Logger()
}

// StoreLogger returns a logger for store statements
func (l *Logger) StoreLogger(driver string) zerolog.Logger {
	return l.zlog.With().Str("component", "store").Str("driver", driver).Logger()
}

// LogGrpcRequest logs a finished gRPC request
func (l *Logger) LogGrpcRequest(method string, duration time.Duration, err error) {
	event := l.zlog.Info()
	if err != nil {
		event = l.zlog.Error().Err(err)
	}
	event.Str("component", "grpc").
		Str("method", method).
		Dur("duration_ms", duration).
		Msg("gRPC request completed")
}

// LogTreeOperation logs a finished engine operation
func (l *Logger) LogTreeOperation(op string, duration time.Duration, err error) {
	event := l.zlog.Debug()
	if err != nil {
		event = l.zlog.Error().Err(err)
	}
	event.Str("component", "tree").
		Str("operation", op).
		Dur("duration_ms", duration).
		Msg("tree operation completed")
}

// LogRebuiltNodes logs how many nodes a rebuild renumbered
func (l *Logger) LogRebuiltNodes(op string, nodes int) {
	l.zlog.Debug().
		Str("component", "tree").
		Str("operation", op).
		Int("nodes", nodes).
		Msg("nodes rebuilt")
}

// LogServerStart logs server startup
func (l *Logger) LogServerStart(addr, dbPath string) {
	l.zlog.Info().
		Str("event", "server_start").
		Str("addr", addr).
		Str("database", dbPath).
		Msg("nestedset server starting")
}

// LogServerReady logs when the server accepts connections
func (l *Logger) LogServerReady(addr string) {
	l.zlog.Info().Str("event", "server_ready").Str("addr", addr).Msg("nestedset server ready")
}

// LogServerShutdown logs server shutdown
func (l *Logger) LogServerShutdown() {
	l.zlog.Info().Str("event", "server_shutdown").Msg("nestedset server shutting down")
}

package logger

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger so callers can hand out the embedded *zap.Logger to components
type Logger struct {
	*zap.Logger
	diagnostics *diagnosticCore
}

// New builds a logger for the given level and format (json or console)
func New(level, format string) (*Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	switch strings.ToLower(format) {
	case "json":
		cfg = zap.NewProductionConfig()
	case "console", "":
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	zl, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return &Logger{Logger: zl}, nil
}

// NewNop returns a logger that discards everything
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// WithDiagnostics returns a logger that additionally mirrors entries at or above minLevel into sink.
// Entries are written asynchronously; call Close on the returned logger to flush them.
func (l *Logger) WithDiagnostics(sink DiagnosticSink, minLevel zapcore.Level) *Logger {
	core := newDiagnosticCore(sink, minLevel)
	zl := l.Logger.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, core)
	}))
	return &Logger{Logger: zl, diagnostics: core}
}

// Close flushes buffered diagnostic entries and syncs the underlying logger
func (l *Logger) Close() error {
	if l.diagnostics != nil {
		l.diagnostics.close()
	}
	return l.Logger.Sync()
}

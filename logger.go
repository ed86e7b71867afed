package qnode

import (
	"context"
	"log/slog"
	"os"
)

// Logger is the logging interface qnode needs from its host. It is
// designed to be trivially adaptable to whatever logging library the
// surrounding service already uses.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)

	WithContext(ctx context.Context) Logger
	WithFields(keysAndValues ...any) Logger
}

// NoOpLogger discards everything. It is the default when Config.Log is
// left zero-valued and no level is requested.
type NoOpLogger struct{}

var _ Logger = NoOpLogger{}

func (NoOpLogger) Debug(msg string, keysAndValues ...any)   {}
func (NoOpLogger) Info(msg string, keysAndValues ...any)    {}
func (NoOpLogger) Warn(msg string, keysAndValues ...any)    {}
func (NoOpLogger) Error(msg string, keysAndValues ...any)   {}
func (n NoOpLogger) WithContext(ctx context.Context) Logger { return n }
func (n NoOpLogger) WithFields(keysAndValues ...any) Logger { return n }

// SlogAdapter adapts the stdlib structured logger to Logger.
type SlogAdapter struct {
	logger *slog.Logger
}

var _ Logger = (*SlogAdapter)(nil)

// NewSlogAdapter wraps an existing *slog.Logger.
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger}
}

func (s *SlogAdapter) Debug(msg string, keysAndValues ...any) { s.logger.Debug(msg, keysAndValues...) }
func (s *SlogAdapter) Info(msg string, keysAndValues ...any)  { s.logger.Info(msg, keysAndValues...) }
func (s *SlogAdapter) Warn(msg string, keysAndValues ...any)  { s.logger.Warn(msg, keysAndValues...) }
func (s *SlogAdapter) Error(msg string, keysAndValues ...any) { s.logger.Error(msg, keysAndValues...) }

func (s *SlogAdapter) WithContext(ctx context.Context) Logger { return s }

func (s *SlogAdapter) WithFields(keysAndValues ...any) Logger {
	return &SlogAdapter{logger: s.logger.With(keysAndValues...)}
}

// createLogger builds the Logger a Config asks for.
func createLogger(cfg LogConfig) Logger {
	if cfg.Logger != nil {
		return cfg.Logger
	}

	var level slog.Level
	switch cfg.Level {
	case "none", "off", "":
		return NoOpLogger{}
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return NewSlogAdapter(slog.New(handler))
}

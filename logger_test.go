package qnode

import (
	"log/slog"
	"testing"
)

func TestNoOpLoggerDiscardsEverything(t *testing.T) {
	var l Logger = NoOpLogger{}
	l.Debug("x")
	l.Info("x")
	l.Warn("x")
	l.Error("x")
	if l.WithContext(nil) == nil {
		t.Error("WithContext() returned nil")
	}
	if l.WithFields("k", "v") == nil {
		t.Error("WithFields() returned nil")
	}
}

func TestSlogAdapterWithFieldsReturnsDistinctLogger(t *testing.T) {
	base := NewSlogAdapter(slog.Default())
	derived := base.WithFields("request_id", "abc")
	if derived == Logger(base) {
		t.Error("WithFields() returned the same logger, want a distinct derived logger")
	}
}

func TestCreateLoggerHonorsLevelNone(t *testing.T) {
	l := createLogger(LogConfig{Level: "none"})
	if _, ok := l.(NoOpLogger); !ok {
		t.Errorf("createLogger({Level: none}) = %T, want NoOpLogger", l)
	}
}

func TestCreateLoggerHonorsInjectedLogger(t *testing.T) {
	custom := NoOpLogger{}
	l := createLogger(LogConfig{Logger: custom, Level: "debug"})
	if _, ok := l.(NoOpLogger); !ok {
		t.Errorf("createLogger() with an injected Logger ignored it, got %T", l)
	}
}

func TestCreateLoggerBuildsSlogAdapterForKnownLevels(t *testing.T) {
	l := createLogger(LogConfig{Level: "debug"})
	if _, ok := l.(*SlogAdapter); !ok {
		t.Errorf("createLogger({Level: debug}) = %T, want *SlogAdapter", l)
	}
}

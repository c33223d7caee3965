package logging

import (
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"INFO":    zapcore.InfoLevel,
		"":        zapcore.InfoLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil {
			t.Fatalf("ParseLevel(%q) failed: %v", in, err)
		}
		if got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}

	if _, err := ParseLevel("verbose"); err == nil {
		t.Error("Expected error for unknown level")
	}
}

func TestNewLogger_RejectsUnknownLevel(t *testing.T) {
	config := DefaultConfig()
	config.Level = "chatty"

	if _, err := NewLogger(config); err == nil {
		t.Fatal("Expected NewLogger to fail on unknown level")
	}
}

func TestNewLoggerFromEnv(t *testing.T) {
	t.Setenv("LOG_DEV", "true")
	t.Setenv("LOG_LEVEL", "warn")

	logger, err := NewLoggerFromEnv()
	if err != nil {
		t.Fatalf("NewLoggerFromEnv failed: %v", err)
	}
	if logger.Core().Enabled(zapcore.InfoLevel) {
		t.Error("Expected info to be disabled when LOG_LEVEL=warn")
	}
	if !logger.Core().Enabled(zapcore.WarnLevel) {
		t.Error("Expected warn to be enabled")
	}
}

func TestSetGlobal_NilResetsToNoOp(t *testing.T) {
	SetGlobal(nil)
	if Global() == nil {
		t.Fatal("Global returned nil after SetGlobal(nil)")
	}
	L().Info("discarded")
}

func TestTransferFields(t *testing.T) {
	fields := TransferFields("req-1", 1, 2, decimal.RequireFromString("100"))
	if len(fields) != 4 {
		t.Fatalf("Expected 4 fields, got %d", len(fields))
	}
	if fields[2].String != "100.00" {
		t.Errorf("Expected amount 100.00, got %q", fields[2].String)
	}

	if got := len(TransferFields("", 1, 2, decimal.Zero)); got != 3 {
		t.Errorf("Expected request id to be omitted, got %d fields", got)
	}
}

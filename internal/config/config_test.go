package config

import (
	"bytes"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")
	t.Setenv("MANAGER_PIN", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
	if cfg.ManagerPIN != "" {
		t.Fatalf("expected empty MANAGER_PIN when unset, got %q", cfg.ManagerPIN)
	}
}

func TestLoadFallsBackOnInvalidNumbers(t *testing.T) {
	t.Setenv("COMPENSATION_MAX_ATTEMPTS", "zero")
	t.Setenv("LOCK_TTL_SECONDS", "-3")
	t.Setenv("STOCK_CACHE_TTL_SECONDS", "120")

	cfg := Load()
	assert.Equal(t, 10, cfg.CompensationMaxAttempts)
	assert.Equal(t, 30, cfg.LockTTLSeconds)
	assert.Equal(t, 120, cfg.StockCacheTTLSeconds)
	assert.Equal(t, ":8080", Config{Port: "8080"}.Address())
}

func TestNewLoggerLevelAndFormat(t *testing.T) {
	logger := NewLogger(Config{LogLevel: "debug", LogFormat: "text"})
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	_, isText := logger.Formatter.(*logrus.TextFormatter)
	assert.True(t, isText)

	logger = NewLogger(Config{LogLevel: "nonsense"})
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
	_, isJSON := logger.Formatter.(*logrus.JSONFormatter)
	assert.True(t, isJSON)
}

func TestLogErrorWritesStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{})
	logger.SetOutput(&buf)

	LogError(logger, "service", "CreateSale", "compensation failed", map[string]any{"sale_id": 7}, errors.New("boom"))

	out := buf.String()
	assert.Contains(t, out, `"module":"service"`)
	assert.Contains(t, out, `"funcName":"CreateSale"`)
	assert.Contains(t, out, `"msg":"boom"`)
	assert.Contains(t, out, `"data":{"sale_id":7}`)
}

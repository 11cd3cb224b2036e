package logging

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
	}{
		{name: "default config", config: nil},
		{name: "json format", config: &Config{Level: LevelInfo, Format: "json", Output: &bytes.Buffer{}}},
		{name: "text format", config: &Config{Level: LevelDebug, Format: "text", Output: &bytes.Buffer{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(tt.config)
			require.NotNil(t, logger)
		})
	}
}

func TestLoggerWithStrandAndListener(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Format: "text", Output: &buf, Sync: true})

	strandLogger := logger.WithStrand(2)
	strandLogger.Info("strand started")
	assert.Contains(t, buf.String(), "strand=2")

	buf.Reset()
	listenerLogger := strandLogger.WithListener(1)
	listenerLogger.Info("listener polling")
	output := buf.String()
	assert.Contains(t, output, "strand=2")
	assert.Contains(t, output, "listener=1")
}

func TestLoggerWithFiber(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Format: "text", Output: &buf, Sync: true})

	fiberLogger := logger.WithFiber(123, "read")
	fiberLogger.Debug("blocked on socket")

	output := buf.String()
	assert.Contains(t, output, "fiber=123")
	assert.Contains(t, output, "op=read")
}

func TestLoggerWithError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Format: "text", Output: &buf, Sync: true})

	testErr := errors.New("would block")
	errLogger := logger.WithError(testErr)
	errLogger.Error("read failed")

	assert.Contains(t, buf.String(), "would block")
}

func TestLoggerJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Format: "json", Output: &buf, Sync: true})

	logger.Info("hello", "key", "value")
	output := buf.String()
	assert.True(t, strings.HasPrefix(output, "{"))
	assert.Contains(t, output, `"msg":"hello"`)
	assert.Contains(t, output, `"key":"value"`)
}

func TestGlobalLoggerFunctions(t *testing.T) {
	var buf bytes.Buffer
	SetDefault(NewLogger(&Config{Level: LevelDebug, Format: "text", Output: &buf, Sync: true}))

	Debug("debug message", "key", "value")
	assert.Contains(t, buf.String(), "debug message")
	assert.Contains(t, buf.String(), "key=value")

	buf.Reset()
	Info("info message")
	assert.Contains(t, buf.String(), "info message")

	buf.Reset()
	Warn("warning message")
	assert.Contains(t, buf.String(), "warning message")

	buf.Reset()
	Error("error message")
	assert.Contains(t, buf.String(), "error message")
}

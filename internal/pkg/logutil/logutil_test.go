package logutil

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogLevel_String(t *testing.T) {
	tests := []struct {
		level    LogLevel
		expected string
	}{
		{DEBUG, "DEBUG"},
		{INFO, "INFO"},
		{WARN, "WARN"},
		{ERROR, "ERROR"},
		{FATAL, "FATAL"},
		{LogLevel(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.level.String())
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected LogLevel
		wantErr  bool
	}{
		{name: "debug", input: "debug", expected: DEBUG},
		{name: "upper_case", input: "WARN", expected: WARN},
		{name: "warning_alias", input: "warning", expected: WARN},
		{name: "empty_defaults_to_info", input: "", expected: INFO},
		{name: "unknown", input: "verbose", expected: INFO, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			level, err := ParseLevel(tt.input)
			assert.Equal(t, tt.expected, level)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLogger_ShouldLog(t *testing.T) {
	tests := []struct {
		name        string
		configLevel LogLevel
		logLevel    LogLevel
		expected    bool
	}{
		{"debug_config_debug_log", DEBUG, DEBUG, true},
		{"info_config_debug_log", INFO, DEBUG, false},
		{"info_config_error_log", INFO, ERROR, true},
		{"error_config_warn_log", ERROR, WARN, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(LogConfig{Level: tt.configLevel, Format: "text", ServiceName: "test"})
			assert.Equal(t, tt.expected, logger.shouldLog(tt.logLevel))
		})
	}
}

func TestLogger_FormatMessage_Text(t *testing.T) {
	logger := NewLogger(LogConfig{Level: INFO, Format: "text", ServiceName: "test-service"})

	result := logger.formatMessage(INFO, "snapshot saved", Fields{"key": "chat", "bytes": 42})

	assert.Contains(t, result, "[INFO] test-service: snapshot saved")
	assert.Contains(t, result, "| bytes=42 key=chat", "fields are sorted by key")
}

func TestLogger_FormatMessage_JSON(t *testing.T) {
	logger := NewLogger(LogConfig{Level: INFO, Format: "json", ServiceName: "test-service"})

	result := logger.formatMessage(WARN, `message with "quotes"`, Fields{
		"workspace": "chat",
		"error":     errors.New("disk full"),
	})

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(result), &decoded), "output must be valid JSON: %s", result)
	assert.Equal(t, "WARN", decoded["level"])
	assert.Equal(t, "test-service", decoded["service"])
	assert.Equal(t, `message with "quotes"`, decoded["message"])

	fields := decoded["fields"].(map[string]interface{})
	assert.Equal(t, "chat", fields["workspace"])
	assert.Equal(t, "disk full", fields["error"])
}

func TestLogger_LogMethods(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(LogConfig{Level: DEBUG, Format: "text", ServiceName: "test"}, &buf)

	tests := []struct {
		name   string
		method func(string, ...Fields)
		level  string
	}{
		{"debug", logger.Debug, "DEBUG"},
		{"info", logger.Info, "INFO"},
		{"warn", logger.Warn, "WARN"},
		{"error", logger.Error, "ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			tt.method("test message", Fields{"key": "value"})

			output := buf.String()
			assert.Contains(t, output, tt.level)
			assert.Contains(t, output, "test message")
			assert.Contains(t, output, "key=value")
		})
	}
}

func TestFieldLogger_MergeFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(LogConfig{Level: DEBUG, Format: "text", ServiceName: "test"}, &buf)

	fieldLogger := logger.WithFields(Fields{"component": "store", "workspace": "chat"})
	fieldLogger.Info("mutation committed", Fields{"workspace": "voice", "op": "rename"})

	output := buf.String()
	assert.Contains(t, output, "component=store")
	assert.Contains(t, output, "op=rename")
	assert.Contains(t, output, "workspace=voice", "call fields override preset fields")
	assert.NotContains(t, output, "workspace=chat")

	buf.Reset()
	fieldLogger.Warn("no extra fields")
	assert.Contains(t, buf.String(), "workspace=chat")
}

func TestGlobalLoggerFunctions(t *testing.T) {
	var buf bytes.Buffer
	previous := Global()
	defer SetGlobalLogger(previous)

	SetGlobalLogger(NewLoggerTo(LogConfig{Level: DEBUG, Format: "text", ServiceName: "global-test"}, &buf))
	Info("global test message", Fields{"global": true})

	output := buf.String()
	assert.Contains(t, output, "global test message")
	assert.Contains(t, output, "global=true")
	assert.Contains(t, output, "INFO")
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(LogConfig{Level: WARN, Format: "text", ServiceName: "test"}, &buf)

	logger.Debug("debug message")
	logger.Info("info message")
	assert.Zero(t, buf.Len(), "DEBUG and INFO are filtered at WARN")

	logger.Warn("warn message")
	logger.Error("error message")
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 2)
}

func TestFromSettings(t *testing.T) {
	logger := FromSettings("debug", "json")
	assert.Equal(t, DEBUG, logger.config.Level)
	assert.Equal(t, "json", logger.config.Format)

	fallback := FromSettings("nonsense", "xml")
	assert.Equal(t, INFO, fallback.config.Level)
	assert.Equal(t, "text", fallback.config.Format)
}

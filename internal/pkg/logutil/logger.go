package logutil

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the severity level of a log message
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

// String returns the string representation of log level
func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a configured level name such as "info" to a LogLevel
func ParseLevel(name string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return DEBUG, nil
	case "info", "":
		return INFO, nil
	case "warn", "warning":
		return WARN, nil
	case "error":
		return ERROR, nil
	case "fatal":
		return FATAL, nil
	default:
		return INFO, fmt.Errorf("unknown log level %q", name)
	}
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level       LogLevel
	Format      string // "json" or "text"
	ServiceName string
}

// Logger provides structured logging functionality
type Logger struct {
	config LogConfig
	logger *log.Logger
	mu     sync.Mutex
}

// DefaultLogConfig provides sensible logging defaults
var DefaultLogConfig = LogConfig{
	Level:       INFO,
	Format:      "text",
	ServiceName: "chatstate",
}

// NewLogger creates a new logger writing to stdout
func NewLogger(config LogConfig) *Logger {
	return NewLoggerTo(config, os.Stdout)
}

// NewLoggerTo creates a logger writing to w
func NewLoggerTo(config LogConfig, w io.Writer) *Logger {
	return &Logger{
		config: config,
		logger: log.New(w, "", 0),
	}
}

// NewDefaultLogger creates a logger with default configuration
func NewDefaultLogger() *Logger {
	return NewLogger(DefaultLogConfig)
}

// FromSettings builds a logger from the level and format names used in
// configuration files. An unknown level falls back to INFO.
func FromSettings(level, format string) *Logger {
	cfg := DefaultLogConfig
	if lvl, err := ParseLevel(level); err == nil {
		cfg.Level = lvl
	}
	if format == "json" {
		cfg.Format = "json"
	}
	return NewLogger(cfg)
}

// Fields represents structured log fields
type Fields map[string]interface{}

type logMessage struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Service   string `json:"service"`
	Message   string `json:"message"`
	Fields    Fields `json:"fields,omitempty"`
}

func (l *Logger) shouldLog(level LogLevel) bool {
	return level >= l.config.Level
}

func (l *Logger) formatMessage(level LogLevel, msg string, fields Fields) string {
	timestamp := time.Now().Format(time.RFC3339)

	if l.config.Format == "json" {
		out, err := json.Marshal(logMessage{
			Timestamp: timestamp,
			Level:     level.String(),
			Service:   l.config.ServiceName,
			Message:   msg,
			Fields:    stringifyErrors(fields),
		})
		if err == nil {
			return string(out)
		}
		// Unmarshalable field values fall through to text
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] %s: %s", timestamp, level.String(), l.config.ServiceName, msg)
	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" |")
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, fields[k])
		}
	}
	return b.String()
}

// stringifyErrors replaces error values, which marshal as {}, by their text
func stringifyErrors(fields Fields) Fields {
	if len(fields) == 0 {
		return nil
	}
	out := make(Fields, len(fields))
	for k, v := range fields {
		if err, ok := v.(error); ok {
			out[k] = err.Error()
			continue
		}
		out[k] = v
	}
	return out
}

func (l *Logger) log(level LogLevel, msg string, fields Fields) {
	if !l.shouldLog(level) {
		return
	}

	formatted := l.formatMessage(level, msg, fields)
	l.mu.Lock()
	l.logger.Println(formatted)
	l.mu.Unlock()

	if level == FATAL {
		os.Exit(1)
	}
}

func first(fields []Fields) Fields {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, fields ...Fields) { l.log(DEBUG, msg, first(fields)) }

// Info logs an info message
func (l *Logger) Info(msg string, fields ...Fields) { l.log(INFO, msg, first(fields)) }

// Warn logs a warning message
func (l *Logger) Warn(msg string, fields ...Fields) { l.log(WARN, msg, first(fields)) }

// Error logs an error message
func (l *Logger) Error(msg string, fields ...Fields) { l.log(ERROR, msg, first(fields)) }

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(msg string, fields ...Fields) { l.log(FATAL, msg, first(fields)) }

// WithFields returns a logger with pre-set fields
func (l *Logger) WithFields(fields Fields) *FieldLogger {
	return &FieldLogger{
		logger: l,
		fields: fields,
	}
}

// FieldLogger is a logger with pre-set fields
type FieldLogger struct {
	logger *Logger
	fields Fields
}

func (fl *FieldLogger) mergeFields(newFields []Fields) Fields {
	if len(newFields) == 0 {
		return fl.fields
	}
	merged := make(Fields, len(fl.fields)+len(newFields[0]))
	for k, v := range fl.fields {
		merged[k] = v
	}
	for k, v := range newFields[0] {
		merged[k] = v
	}
	return merged
}

// Debug logs a debug message with pre-set fields
func (fl *FieldLogger) Debug(msg string, fields ...Fields) {
	fl.logger.log(DEBUG, msg, fl.mergeFields(fields))
}

// Info logs an info message with pre-set fields
func (fl *FieldLogger) Info(msg string, fields ...Fields) {
	fl.logger.log(INFO, msg, fl.mergeFields(fields))
}

// Warn logs a warning message with pre-set fields
func (fl *FieldLogger) Warn(msg string, fields ...Fields) {
	fl.logger.log(WARN, msg, fl.mergeFields(fields))
}

// Error logs an error message with pre-set fields
func (fl *FieldLogger) Error(msg string, fields ...Fields) {
	fl.logger.log(ERROR, msg, fl.mergeFields(fields))
}

// Fatal logs a fatal message with pre-set fields and exits
func (fl *FieldLogger) Fatal(msg string, fields ...Fields) {
	fl.logger.log(FATAL, msg, fl.mergeFields(fields))
}

var (
	globalMu     sync.RWMutex
	globalLogger = NewDefaultLogger()
)

// SetGlobalLogger sets the global logger instance
func SetGlobalLogger(logger *Logger) {
	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()
}

// Global returns the global logger instance
func Global() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// Global logging functions
func Debug(msg string, fields ...Fields) { Global().Debug(msg, fields...) }
func Info(msg string, fields ...Fields)  { Global().Info(msg, fields...) }
func Warn(msg string, fields ...Fields)  { Global().Warn(msg, fields...) }
func Error(msg string, fields ...Fields) { Global().Error(msg, fields...) }
func Fatal(msg string, fields ...Fields) { Global().Fatal(msg, fields...) }

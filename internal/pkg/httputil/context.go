package httputil

import (
	"context"
	"time"
)

// Operation types used to pick a request timeout
const (
	OperationStorage   = "storage"
	OperationMessaging = "messaging"
	OperationAnswer    = "answer"
)

// TimeoutConfig holds timeout configurations for different operations
type TimeoutConfig struct {
	Default time.Duration
	Short   time.Duration
	Long    time.Duration
}

// DefaultTimeouts provides sensible default timeout values
var DefaultTimeouts = TimeoutConfig{
	Default: 10 * time.Second,
	Short:   5 * time.Second,
	Long:    60 * time.Second,
}

// For returns the timeout that applies to an operation type
func (t TimeoutConfig) For(operationType string) time.Duration {
	switch operationType {
	case OperationMessaging:
		return t.Short
	case OperationAnswer:
		return t.Long
	default:
		return t.Default
	}
}

// WithTimeout derives a context bounded by the timeout of an operation type
func WithTimeout(parent context.Context, operationType string, config TimeoutConfig) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, config.For(operationType))
}

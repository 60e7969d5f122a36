package httputil

import (
	"context"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/username/chatstate/internal/pkg/constants"
	"github.com/username/chatstate/internal/pkg/logutil"
)

// ContextKey represents a context key type to avoid collisions
type ContextKey string

const (
	// TimeoutConfigKey is the context key for timeout configuration
	TimeoutConfigKey ContextKey = "timeout_config"
	// RequestIDKey is the context key for the request correlation id
	RequestIDKey ContextKey = "request_id"
)

// MiddlewareConfig holds middleware configuration
type MiddlewareConfig struct {
	Timeouts       TimeoutConfig
	EnableCORS     bool
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
}

// DefaultMiddlewareConfig provides sensible defaults
var DefaultMiddlewareConfig = MiddlewareConfig{
	Timeouts:       DefaultTimeouts,
	EnableCORS:     true,
	AllowedOrigins: []string{"*"},
	AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
	AllowedHeaders: []string{constants.HeaderContentType, "Authorization", constants.HeaderRequestID},
}

// TimeoutMiddleware injects timeout configuration into the gin context
func TimeoutMiddleware(config TimeoutConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(string(TimeoutConfigKey), config)
		c.Next()
	}
}

// RequestIDMiddleware propagates X-Request-ID or mints a new one
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(constants.HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(string(RequestIDKey), id)
		c.Header(constants.HeaderRequestID, id)
		c.Next()
	}
}

// LoggingMiddleware logs one line per request
func LoggingMiddleware(logger *logutil.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := logutil.Fields{
			"method":      c.Request.Method,
			"path":        c.FullPath(),
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  c.GetString(string(RequestIDKey)),
		}
		if len(c.Errors) > 0 {
			fields["errors"] = c.Errors.String()
		}

		switch {
		case c.Writer.Status() >= 500:
			logger.Error("HTTP request failed", fields)
		default:
			logger.Debug("HTTP request", fields)
		}
	}
}

// CORSMiddleware creates a configurable CORS middleware
func CORSMiddleware(config MiddlewareConfig) gin.HandlerFunc {
	methods := strings.Join(config.AllowedMethods, ", ")
	if methods == "" {
		methods = strings.Join(DefaultMiddlewareConfig.AllowedMethods, ", ")
	}
	headers := strings.Join(config.AllowedHeaders, ", ")
	if headers == "" {
		headers = strings.Join(DefaultMiddlewareConfig.AllowedHeaders, ", ")
	}

	return func(c *gin.Context) {
		if !config.EnableCORS {
			c.Next()
			return
		}

		c.Header("Access-Control-Allow-Origin", allowedOrigin(config.AllowedOrigins, c.GetHeader("Origin")))
		c.Header("Access-Control-Allow-Methods", methods)
		c.Header("Access-Control-Allow-Headers", headers)

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}

func allowedOrigin(allowed []string, origin string) string {
	for _, o := range allowed {
		if o == "*" || o == origin {
			return o
		}
	}
	if len(allowed) > 0 {
		return allowed[0]
	}
	return "*"
}

// GetTimeoutForOperation retrieves the timeout for an operation from the gin context
func GetTimeoutForOperation(c *gin.Context, operationType string) time.Duration {
	if v, exists := c.Get(string(TimeoutConfigKey)); exists {
		if config, ok := v.(TimeoutConfig); ok {
			return config.For(operationType)
		}
	}
	return DefaultTimeouts.For(operationType)
}

// WithOperationContext derives a request-scoped context with the operation timeout
func WithOperationContext(c *gin.Context, operationType string) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), GetTimeoutForOperation(c, operationType))
}

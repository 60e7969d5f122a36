package httputil

import (
	"fmt"
	"strconv"

	"github.com/gin-gonic/gin"
)

// ParseIntParam parses a positive integer query parameter with a default value
func ParseIntParam(c *gin.Context, param string, defaultValue int) int {
	if value := c.Query(param); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
			return parsed
		}
	}
	return defaultValue
}

// ParseIntParamWithRange parses an integer parameter within a specified range
func ParseIntParamWithRange(c *gin.Context, param string, defaultValue, min, max int) int {
	value := ParseIntParam(c, param, defaultValue)
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

// ParseBoolParam parses a boolean query parameter with a default value
func ParseBoolParam(c *gin.Context, param string, defaultValue bool) bool {
	if value := c.Query(param); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// PaginationConfig holds default pagination values
type PaginationConfig struct {
	DefaultLimit int
	MaxLimit     int
}

// DefaultPagination provides sensible defaults for pagination
var DefaultPagination = PaginationConfig{
	DefaultLimit: 20,
	MaxLimit:     100,
}

// ParseLimit extracts the "limit" query parameter clamped to config
func ParseLimit(c *gin.Context, config PaginationConfig) int {
	return ParseIntParamWithRange(c, "limit", config.DefaultLimit, 1, config.MaxLimit)
}

// RequiredParam extracts a required path parameter
func RequiredParam(c *gin.Context, param string) (string, error) {
	value := c.Param(param)
	if value == "" {
		return "", fmt.Errorf("required parameter '%s' is missing", param)
	}
	return value, nil
}

// IndexParam extracts a non-negative integer path parameter
func IndexParam(c *gin.Context, param string) (int, error) {
	raw, err := RequiredParam(c, param)
	if err != nil {
		return 0, err
	}
	index, err := strconv.Atoi(raw)
	if err != nil || index < 0 {
		return 0, fmt.Errorf("parameter '%s' must be a non-negative integer", param)
	}
	return index, nil
}

package configutil

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// ValidationErrors holds multiple validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	switch len(e) {
	case 0:
		return "no validation errors"
	case 1:
		return e[0].Error()
	}
	parts := make([]string, len(e))
	for i, err := range e {
		parts[i] = err.Field
	}
	return fmt.Sprintf("multiple validation errors: %d errors found (%s)", len(e), strings.Join(parts, ", "))
}

// Fields returns the names of the fields that failed validation
func (e ValidationErrors) Fields() []string {
	out := make([]string, len(e))
	for i, err := range e {
		out[i] = err.Field
	}
	return out
}

// Validator accumulates configuration validation errors through a fluent API
type Validator struct {
	errors []ValidationError
}

// NewValidator creates a new configuration validator
func NewValidator() *Validator {
	return &Validator{
		errors: make([]ValidationError, 0),
	}
}

// Fail records an error that no built-in rule expresses
func (v *Validator) Fail(field, message string) *Validator {
	v.errors = append(v.errors, ValidationError{Field: field, Message: message})
	return v
}

// RequiredString validates that a string field is not blank
func (v *Validator) RequiredString(field, value string) *Validator {
	if strings.TrimSpace(value) == "" {
		return v.Fail(field, "is required and cannot be empty")
	}
	return v
}

// RequiredInt validates that an integer field is greater than zero
func (v *Validator) RequiredInt(field string, value int) *Validator {
	if value <= 0 {
		return v.Fail(field, "must be greater than zero")
	}
	return v
}

// NonNegativeInt validates that an integer field is zero or more
func (v *Validator) NonNegativeInt(field string, value int) *Validator {
	if value < 0 {
		return v.Fail(field, "cannot be negative")
	}
	return v
}

// IntRange validates that an integer field is within a specific range
func (v *Validator) IntRange(field string, value, min, max int) *Validator {
	if value < min || value > max {
		return v.Fail(field, fmt.Sprintf("must be between %d and %d", min, max))
	}
	return v
}

// FloatRange validates that a float field is within a specific range
func (v *Validator) FloatRange(field string, value, min, max float64) *Validator {
	if value < min || value > max {
		return v.Fail(field, fmt.Sprintf("must be between %g and %g", min, max))
	}
	return v
}

// RequiredDuration validates that a duration field is positive
func (v *Validator) RequiredDuration(field string, value time.Duration) *Validator {
	if value <= 0 {
		return v.Fail(field, "must be a positive duration")
	}
	return v
}

// DurationRange validates that a duration field is within a specific range
func (v *Validator) DurationRange(field string, value, min, max time.Duration) *Validator {
	if value < min || value > max {
		return v.Fail(field, fmt.Sprintf("must be between %v and %v", min, max))
	}
	return v
}

// OneOf validates that a string field is one of the allowed values
func (v *Validator) OneOf(field, value string, allowed []string) *Validator {
	for _, allowedValue := range allowed {
		if value == allowedValue {
			return v
		}
	}
	return v.Fail(field, fmt.Sprintf("must be one of: %v", allowed))
}

// ValidateURL validates that a non-empty string is an absolute HTTP(S) URL
func (v *Validator) ValidateURL(field, value string) *Validator {
	if value == "" {
		return v
	}
	u, err := url.Parse(value)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return v.Fail(field, "must be a valid HTTP or HTTPS URL")
	}
	return v
}

// ValidateFilePath validates that a file path is present and has no NUL bytes
func (v *Validator) ValidateFilePath(field, value string) *Validator {
	if strings.TrimSpace(value) == "" {
		return v.Fail(field, "file path cannot be empty")
	}
	if strings.ContainsRune(value, 0) {
		return v.Fail(field, "must be a valid file path")
	}
	return v
}

// Result returns validation errors if any exist
func (v *Validator) Result() error {
	if len(v.errors) == 0 {
		return nil
	}
	return ValidationErrors(v.errors)
}

// HasErrors returns true if there are validation errors
func (v *Validator) HasErrors() bool {
	return len(v.errors) > 0
}

// ErrorCount returns the number of validation errors
func (v *Validator) ErrorCount() int {
	return len(v.errors)
}

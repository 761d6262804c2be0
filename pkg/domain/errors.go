package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrDocumentNotFound is returned by document stores for unknown ids
var ErrDocumentNotFound = errors.New("document not found")

// ErrSessionNotFound is returned by session stores for unknown ids
var ErrSessionNotFound = errors.New("session not found")

// TransientProviderError is a retryable model provider failure: rate limit, timeout, 5xx
type TransientProviderError struct {
	Provider   string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *TransientProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s transient error (status %d): %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s transient error: %v", e.Provider, e.Err)
}

func (e *TransientProviderError) Unwrap() error { return e.Err }

// ProviderError is a non-retryable model provider failure, e.g. a 400 or 401
type ProviderError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s error (status %d): %v", e.Provider, e.StatusCode, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// SchemaValidationError means model output did not match the expected structure
type SchemaValidationError struct {
	Step Step
	Raw  string
	Err  error
}

func (e *SchemaValidationError) Error() string {
	return fmt.Sprintf("%s: output does not match schema: %v", e.Step, e.Err)
}

func (e *SchemaValidationError) Unwrap() error { return e.Err }

// SearchUnavailableError is a failed search call for one query
type SearchUnavailableError struct {
	Query string
	Err   error
}

func (e *SearchUnavailableError) Error() string {
	return fmt.Sprintf("search unavailable for %q: %v", e.Query, e.Err)
}

func (e *SearchUnavailableError) Unwrap() error { return e.Err }

// ConfigurationError is an invalid configuration value. It is fatal at session start.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s %s", e.Field, e.Reason)
}

// IsTransient reports whether err should be retried
func IsTransient(err error) bool {
	var transient *TransientProviderError
	if errors.As(err, &transient) {
		return true
	}
	var schema *SchemaValidationError
	return errors.As(err, &schema)
}

// IsConfigurationError reports whether err is a ConfigurationError
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}

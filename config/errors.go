package config

import (
	"errors"
	"fmt"
)

// ErrConfiguration matches every *ConfigurationError through errors.Is.
var ErrConfiguration = errors.New("configuration error")

// ConfigurationError is a fatal, non-retryable misconfiguration: mutually exclusive
// flags, out-of-range values or a malformed distributed launch environment.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

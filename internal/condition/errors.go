package condition

import (
	"errors"
	"fmt"
)

var _ error = &ConfigurationError{}

// ConfigurationError indicates a malformed condition definition. It is reported when the condition is built or
// registered, never during evaluation.
type ConfigurationError struct {
	Condition string
	Err       error
}

func (e *ConfigurationError) Error() string {
	if e.Condition == "" {
		return "invalid condition: " + e.Err.Error()
	}
	return fmt.Sprintf("invalid condition %q: %s", e.Condition, e.Err.Error())
}

func (e *ConfigurationError) Is(err error) bool {
	var configurationError *ConfigurationError
	return errors.As(err, &configurationError)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

package arch

import "fmt"

// ConfigurationError reports an invalid hyperparameter. It is returned
// before any tensor is allocated.
type ConfigurationError struct {
	Key    string
	Value  interface{}
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("arch: invalid %s=%v: %s", e.Key, e.Value, e.Reason)
}

func configErr(key string, value interface{}, format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{Key: key, Value: value, Reason: fmt.Sprintf(format, args...)}
}

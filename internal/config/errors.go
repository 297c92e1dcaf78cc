package config

import "errors"

// ErrInvalidConfig is returned by Validate when a configuration value is
// out of its accepted range.
var ErrInvalidConfig = errors.New("invalid configuration")

// ErrorInvalidConfig is the string error code surfaced alongside ErrInvalidConfig.
const ErrorInvalidConfig = "ERROR_INVALID_CONFIG"

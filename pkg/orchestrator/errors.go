package orchestrator

import "errors"

// ErrInvalidConfig is returned when a plugin config fails validation
var ErrInvalidConfig = errors.New("invalid plugin config")

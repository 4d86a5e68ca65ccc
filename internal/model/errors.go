package model

import "errors"

// ErrValidation marks input that is malformed and must be rejected before
// storage. Validation failures are never retried.
var ErrValidation = errors.New("validation failed")

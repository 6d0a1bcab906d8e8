package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrInvalidTransition is returned when a job status change would violate
// the monotonic stage order.
var ErrInvalidTransition = errors.New("storage: invalid status transition")

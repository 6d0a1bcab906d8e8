package adapters

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies adapter failures into the taxonomy the core acts on.
// Only Transient failures are retried.
type Kind string

const (
	KindTransient        Kind = "transient"
	KindPermanent        Kind = "permanent"
	KindCreditsExhausted Kind = "credits_exhausted"
	KindNotFound         Kind = "not_found"
	KindValidation       Kind = "validation_error"
)

// Error is a classified adapter failure. Provider errors never cross the
// frontier boundary unclassified: implementations return *Error, and the
// executor coerces anything else into the taxonomy.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("adapters: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("adapters: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified adapter error.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the taxonomy kind, coercing unclassified errors to
// Permanent and context cancellations to Transient (the task re-runs after
// its lease expires).
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindPermanent
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// IsCreditsExhausted reports whether err signals an exhausted scrape budget.
func IsCreditsExhausted(err error) bool { return KindOf(err) == KindCreditsExhausted }

// IsNotFound reports whether err is a missing-resource failure.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

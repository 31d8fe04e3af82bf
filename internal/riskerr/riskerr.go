// Package riskerr defines the error kinds surfaced by the risk-scoring core.
package riskerr

import (
	"errors"
	"fmt"
)

// ValidationError reports malformed input such as non-monotonic thresholds.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

// NotFoundError reports an unknown entity id.
type NotFoundError struct {
	Entity string // risk, kri, control, mapping
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

// PersistenceError wraps a repository failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure in %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// DispatchError wraps an alert send failure. It is logged, never returned
// from breach evaluation.
type DispatchError struct {
	Channel string
	Err     error
}

func (e *DispatchError) Error() string {
	if e.Channel == "" {
		return fmt.Sprintf("alert dispatch failed: %v", e.Err)
	}
	return fmt.Sprintf("alert dispatch via %s failed: %v", e.Channel, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Validation builds a ValidationError.
func Validation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// NotFound builds a NotFoundError.
func NotFound(entity, id string) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// Persistence wraps err as a PersistenceError unless it already carries a
// kind that callers branch on.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsNotFound(err) || IsValidation(err) || IsPersistence(err) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// IsValidation checks if err is or wraps a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsNotFound checks if err is or wraps a NotFoundError.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// IsPersistence checks if err is or wraps a PersistenceError.
func IsPersistence(err error) bool {
	var target *PersistenceError
	return errors.As(err, &target)
}

// IsDispatch checks if err is or wraps a DispatchError.
func IsDispatch(err error) bool {
	var target *DispatchError
	return errors.As(err, &target)
}

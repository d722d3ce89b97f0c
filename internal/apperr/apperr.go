// Package apperr holds the error taxonomy shared by the search, access and
// ticket packages.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNotAuthorized = errors.New("not authorized")
	ErrNotFound      = errors.New("not found")
	ErrInvalidFilter = errors.New("invalid filter")
	ErrInvalidValue  = errors.New("invalid value")
)

// StoreError wraps a failure from the relational backend with the pipeline
// stage that issued the call.
type StoreError struct {
	Stage string
	Err   error
}

func (e *StoreError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("store error in %s: %v", e.Stage, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Store wraps err as a StoreError. A nil err stays nil.
func Store(stage string, err error) error {
	if err == nil {
		return nil
	}
	var existing *StoreError
	if errors.As(err, &existing) {
		return err
	}
	return &StoreError{Stage: stage, Err: err}
}

// InvalidFilter returns an error matching ErrInvalidFilter with a formatted reason.
func InvalidFilter(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidFilter, fmt.Sprintf(format, args...))
}

// InvalidValue returns an error matching ErrInvalidValue; field handlers
// use it to reject a value on write.
func InvalidValue(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidValue, fmt.Sprintf(format, args...))
}

// NotAuthorized returns an error matching ErrNotAuthorized with a formatted reason.
func NotAuthorized(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotAuthorized, fmt.Sprintf(format, args...))
}

// NotFound returns an error matching ErrNotFound with a formatted reason.
func NotFound(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// IsStore reports whether err originated in the store.
func IsStore(err error) bool {
	var storeErr *StoreError
	return errors.As(err, &storeErr)
}

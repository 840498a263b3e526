package repositories

import (
	"errors"
	"fmt"
)

// StoreErrorCode enumerates failure reasons shared by the quote store implementations.
type StoreErrorCode string

const (
	// StoreErrorUnknown represents an unspecified failure.
	StoreErrorUnknown StoreErrorCode = "store_unknown"
	// StoreErrorNotFound indicates the requested record does not exist.
	StoreErrorNotFound StoreErrorCode = "store_not_found"
	// StoreErrorConflict indicates the record exists or is not in the expected state.
	StoreErrorConflict StoreErrorCode = "store_conflict"
	// StoreErrorUnavailable indicates the backing store could not be reached.
	StoreErrorUnavailable StoreErrorCode = "store_unavailable"
	// StoreErrorWindowExhausted indicates the rate limit window had no capacity left at commit time.
	StoreErrorWindowExhausted StoreErrorCode = "store_window_exhausted"
)

// StoreError wraps store failures with machine readable codes.
type StoreError struct {
	Op      string
	Code    StoreErrorCode
	Message string
	Err     error
}

var _ RepositoryError = (*StoreError)(nil)

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e == nil {
		return ""
	}
	message := e.Message
	if e.Err != nil {
		message = fmt.Sprintf("%s: %v", message, e.Err)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, message)
	}
	return message
}

// Unwrap exposes the underlying error, if any.
func (e *StoreError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *StoreError) IsNotFound() bool    { return e != nil && e.Code == StoreErrorNotFound }
func (e *StoreError) IsConflict() bool    { return e != nil && e.Code == StoreErrorConflict }
func (e *StoreError) IsUnavailable() bool { return e != nil && e.Code == StoreErrorUnavailable }

// NewStoreError constructs a typed store error.
func NewStoreError(op string, code StoreErrorCode, message string, err error) *StoreError {
	if message == "" {
		message = string(code)
	}
	return &StoreError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// IsWindowExhausted reports whether err signals that a commit found the rate limit window full.
func IsWindowExhausted(err error) bool {
	var storeErr *StoreError
	return errors.As(err, &storeErr) && storeErr.Code == StoreErrorWindowExhausted
}

// IsNotFound reports whether err is a repository error classified as not found.
func IsNotFound(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

// IsConflict reports whether err is a repository error classified as a conflict.
func IsConflict(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

// IsUnavailable reports whether err is a repository error classified as unavailable.
func IsUnavailable(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsUnavailable()
}

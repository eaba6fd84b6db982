// Package errors defines the typed error values shared by every ReelStore layer.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// StoreError is a ReelStore error with a machine-readable code,
// a human-readable message, and the HTTP status the transport maps it to.
type StoreError struct {
	// Code is the stable error code (e.g., "NotFound", "RangeNotSatisfiable").
	Code string
	// Message is a human-readable description of the error.
	Message string
	// HTTPStatus is the HTTP status code to return (e.g., 404, 416).
	HTTPStatus int
}

// Error implements the error interface for StoreError.
func (e *StoreError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.HTTPStatus, e.Message)
}

// Is reports whether target is a StoreError with the same code, so copies
// made by WithMessage still match their sentinel under errors.Is.
func (e *StoreError) Is(target error) bool {
	t, ok := target.(*StoreError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithMessage returns a copy of the error carrying a more specific message.
func (e *StoreError) WithMessage(format string, args ...any) *StoreError {
	cp := *e
	cp.Message = fmt.Sprintf(format, args...)
	return &cp
}

// HTTPStatusOf returns the HTTP status for err. Errors that do not wrap a
// StoreError map to 500.
func HTTPStatusOf(err error) int {
	if se := As(err); se != nil {
		return se.HTTPStatus
	}
	return http.StatusInternalServerError
}

// As extracts the outermost StoreError from err's chain, or nil.
func As(err error) *StoreError {
	var se *StoreError
	if stderrors.As(err, &se) {
		return se
	}
	return nil
}

// Pre-defined errors for the conditions the store can report.
var (
	// ErrNotFound is returned when no record exists for an object id.
	ErrNotFound = &StoreError{
		Code:       "NotFound",
		Message:    "The specified object does not exist",
		HTTPStatus: http.StatusNotFound,
	}

	// ErrObjectNotReadable is returned when reading an object that is not complete.
	ErrObjectNotReadable = &StoreError{
		Code:       "ObjectNotReadable",
		Message:    "The specified object is not in a readable state",
		HTTPStatus: http.StatusConflict,
	}

	// ErrRangeNotSatisfiable is returned when a byte window lies outside the object.
	ErrRangeNotSatisfiable = &StoreError{
		Code:       "RangeNotSatisfiable",
		Message:    "The requested range is not satisfiable",
		HTTPStatus: http.StatusRequestedRangeNotSatisfiable,
	}

	// ErrPayloadTooLarge is returned when an upload exceeds the configured maximum size.
	ErrPayloadTooLarge = &StoreError{
		Code:       "PayloadTooLarge",
		Message:    "The upload exceeds the maximum allowed object size",
		HTTPStatus: http.StatusRequestEntityTooLarge,
	}

	// ErrAlreadyExists is returned when an upload reuses an existing object id.
	ErrAlreadyExists = &StoreError{
		Code:       "AlreadyExists",
		Message:    "An object with the specified id already exists",
		HTTPStatus: http.StatusConflict,
	}

	// ErrDuplicateChunk is returned when a chunk is written twice.
	ErrDuplicateChunk = &StoreError{
		Code:       "DuplicateChunk",
		Message:    "The chunk has already been written",
		HTTPStatus: http.StatusInternalServerError,
	}

	// ErrInvalidState is returned when a registry transition is not allowed
	// from the record's current status.
	ErrInvalidState = &StoreError{
		Code:       "InvalidState",
		Message:    "The object is not in a state that allows this operation",
		HTTPStatus: http.StatusConflict,
	}

	// ErrChunkNotFound is returned when a chunk expected by a complete object is missing.
	ErrChunkNotFound = &StoreError{
		Code:       "ChunkNotFound",
		Message:    "A chunk of the object could not be found",
		HTTPStatus: http.StatusInternalServerError,
	}

	// ErrInvalidArgument is returned when an argument value is invalid.
	ErrInvalidArgument = &StoreError{
		Code:       "InvalidArgument",
		Message:    "Invalid Argument",
		HTTPStatus: http.StatusBadRequest,
	}

	// ErrInternal is returned for unexpected internal failures.
	ErrInternal = &StoreError{
		Code:       "InternalError",
		Message:    "We encountered an internal error. Please try again.",
		HTTPStatus: http.StatusInternalServerError,
	}
)

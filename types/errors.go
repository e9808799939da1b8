package types

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/xerrors"
)

// FormatError is an error for a malformed image bitstream
type FormatError struct {
	Reason string
	Offset int64 // -1 if unknown
}

// NewFormatError creates FormatError struct
func NewFormatError(offset int64, reason string, args ...interface{}) *FormatError {
	return &FormatError{
		Reason: fmt.Sprintf(reason, args...),
		Offset: offset,
	}
}

// Error returns error message
func (err *FormatError) Error() string {
	if err.Offset < 0 {
		return fmt.Sprintf("malformed image data: %s", err.Reason)
	}
	return fmt.Sprintf("malformed image data at offset %d: %s", err.Offset, err.Reason)
}

// Is tests type of error
func (err *FormatError) Is(other error) bool {
	_, ok := other.(*FormatError)
	return ok
}

// IsFormatError evaluates if the given error is FormatError
func IsFormatError(err error) bool {
	var formatErr *FormatError
	return xerrors.As(err, &formatErr)
}

// NotFoundError is an error for a key that a byte source or a cache has nothing for
type NotFoundError struct {
	Key string
}

// NewNotFoundError creates NotFoundError struct
func NewNotFoundError(key string) *NotFoundError {
	return &NotFoundError{
		Key: key,
	}
}

// Error returns error message
func (err *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s", err.Key)
}

// Is tests type of error
func (err *NotFoundError) Is(other error) bool {
	_, ok := other.(*NotFoundError)
	return ok
}

// IsNotFoundError evaluates if the given error is NotFoundError
func IsNotFoundError(err error) bool {
	var notFoundErr *NotFoundError
	return xerrors.As(err, &notFoundErr)
}

// CanceledError is an error for an operation aborted before completion
type CanceledError struct {
	Operation string
}

// NewCanceledError creates CanceledError struct
func NewCanceledError(operation string) *CanceledError {
	return &CanceledError{
		Operation: operation,
	}
}

// Error returns error message
func (err *CanceledError) Error() string {
	return fmt.Sprintf("canceled: %s", err.Operation)
}

// Is tests type of error
func (err *CanceledError) Is(other error) bool {
	_, ok := other.(*CanceledError)
	return ok
}

// IsCanceledError evaluates if the given error is CanceledError.
// context cancellation and deadline errors are treated as cancellation too.
func IsCanceledError(err error) bool {
	if err == nil {
		return false
	}

	var canceledErr *CanceledError
	if xerrors.As(err, &canceledErr) {
		return true
	}

	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// CapacityError is an error for an item that can never fit into a bounded cache.
// It is used internally by eviction only.
type CapacityError struct {
	Weight   int64
	Capacity int64
}

// NewCapacityError creates CapacityError struct
func NewCapacityError(weight int64, capacity int64) *CapacityError {
	return &CapacityError{
		Weight:   weight,
		Capacity: capacity,
	}
}

// Error returns error message
func (err *CapacityError) Error() string {
	return fmt.Sprintf("item weight %d exceeds cache capacity %d", err.Weight, err.Capacity)
}

// Is tests type of error
func (err *CapacityError) Is(other error) bool {
	_, ok := other.(*CapacityError)
	return ok
}

// IsCapacityError evaluates if the given error is CapacityError
func IsCapacityError(err error) bool {
	var capacityErr *CapacityError
	return xerrors.As(err, &capacityErr)
}

// IOError is an error for a disk cache read or write failure
type IOError struct {
	Operation string
	Path      string
	Err       error
}

// NewIOError creates IOError struct
func NewIOError(operation string, path string, err error) *IOError {
	return &IOError{
		Operation: operation,
		Path:      path,
		Err:       err,
	}
}

// Error returns error message
func (err *IOError) Error() string {
	return fmt.Sprintf("failed to %s %s: %v", err.Operation, err.Path, err.Err)
}

// Unwrap returns the underlying error
func (err *IOError) Unwrap() error {
	return err.Err
}

// IsIOError evaluates if the given error is IOError
func IsIOError(err error) bool {
	var ioErr *IOError
	return xerrors.As(err, &ioErr)
}

package schedule

import (
	"errors"
	"fmt"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrStorage    = errors.New("storage failure")
	ErrTransport  = errors.New("transport failure")
)

// ValidationError rejects malformed caller input before it reaches the store.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NotFoundError is returned when an update/delete/requeue names an unknown identity.
type NotFoundError struct {
	What string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.What, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// StorageError wraps a file read/write failure.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error        { return e.Err }
func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// TransportError is a network failure or a non-2xx gateway response.
// Payload holds the response body (or the network error text).
type TransportError struct {
	Status  int
	Payload string
	Err     error
}

func (e *TransportError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("gateway status %d: %s", e.Status, e.Payload)
	}
	return "gateway request failed: " + e.Payload
}

func (e *TransportError) Unwrap() error        { return e.Err }
func (e *TransportError) Is(target error) bool { return target == ErrTransport }

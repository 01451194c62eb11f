package domain

import (
	"errors"
	"fmt"
)

var (
	ErrEventTooLarge = errors.New("event exceeds the maximum payload size")
	ErrMaxAttempts   = errors.New("event exhausted its delivery attempts")
	ErrNotRetryable  = errors.New("event is not retryable")
	ErrEvicted       = errors.New("event evicted from a full queue")
	ErrRejected      = errors.New("event rejected by filter")
	ErrShutdown      = errors.New("tracker is shutting down")
)

type InvalidEventError struct {
	Name   string
	Reason string
}

func (e *InvalidEventError) Error() string {
	if e.Name == "" {
		return "invalid event: " + e.Reason
	}
	return fmt.Sprintf("invalid event %q: %s", e.Name, e.Reason)
}

type StorageErrorKind string

const (
	StorageFull    StorageErrorKind = "full"
	StorageCorrupt StorageErrorKind = "corrupt"
	StorageIO      StorageErrorKind = "io"
	StorageOther   StorageErrorKind = "other"
)

// StorageError reports a failure of the durable queue. It is logged and never
// crosses the submit boundary.
type StorageError struct {
	Op   string
	Kind StorageErrorKind
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// RejectedError is the failure reason of events the receiver refused.
type RejectedError struct {
	StatusCode int
	Err        error
}

func (e *RejectedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rejected by receiver (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("rejected by receiver (status %d)", e.StatusCode)
}

func (e *RejectedError) Unwrap() error {
	return e.Err
}

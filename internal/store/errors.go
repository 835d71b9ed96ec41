package store

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable means the backing store could not be opened at all.
	ErrUnavailable = errors.New("durable storage unavailable")
	ErrEmptyKey    = errors.New("empty key")
	ErrClosed      = errors.New("store closed")
)

// StorageError reports a failure at the platform storage layer. Callers treat
// it as "durability unavailable" and degrade, never crash.
type StorageError struct {
	Op         string
	Collection string
	Key        string
	Err        error
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("store %s %s: %v", e.Op, e.Collection, e.Err)
	}
	return fmt.Sprintf("store %s %s/%s: %v", e.Op, e.Collection, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// SerializationError is a programmer error: the record cannot be encoded.
type SerializationError struct {
	Collection string
	Key        string
	Err        error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("store encode %s/%s: %v", e.Collection, e.Key, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

func IsStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

func IsSerialization(err error) bool {
	var se *SerializationError
	return errors.As(err, &se)
}

package model

import (
	"errors"
	"fmt"
)

// TransientSourceError marks a retryable source failure (network,
// rate-limit). The ingestion loop retries these with backoff.
type TransientSourceError struct {
	Err error
}

func (e *TransientSourceError) Error() string {
	return fmt.Sprintf("transient source error: %v", e.Err)
}

func (e *TransientSourceError) Unwrap() error { return e.Err }

// FatalSourceError marks a non-retryable source failure, such as a
// requested range that the network no longer retains. It stops ingestion.
type FatalSourceError struct {
	Err error
}

func (e *FatalSourceError) Error() string {
	return fmt.Sprintf("fatal source error: %v", e.Err)
}

func (e *FatalSourceError) Unwrap() error { return e.Err }

// DecodeError marks a single event whose payload could not be decoded.
// It never fails the batch; the offending identity is recorded instead.
type DecodeError struct {
	ID     EventID
	Topic0 string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode event %s topic %q: %v", e.ID, e.Topic0, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// StorageError marks a failed transactional commit. The whole range is
// retried from the same cursor position.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// DivergenceError reports that incrementally maintained aggregate state
// disagrees with a rebuild from storage.
type DivergenceError struct {
	PoolID      string
	Field       string
	Incremental string
	Rebuilt     string
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("aggregate divergence pool %s field %s: incremental %s, rebuilt %s",
		e.PoolID, e.Field, e.Incremental, e.Rebuilt)
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	var transient *TransientSourceError
	return errors.As(err, &transient)
}

// IsFatalSource reports whether err is a non-retryable source failure.
func IsFatalSource(err error) bool {
	var fatal *FatalSourceError
	return errors.As(err, &fatal)
}

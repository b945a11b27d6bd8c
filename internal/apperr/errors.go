package apperr

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across features.
var (
	// ErrNotFound indicates a requested entity does not exist or is deleted.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate indicates content with the same hash is already ingested.
	ErrDuplicate = errors.New("duplicate content")
)

// ValidationError indicates malformed input. It is surfaced immediately and
// never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation: %s", e.Reason)
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func Validation(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// ProviderError wraps a failure from an external provider (embedding,
// extraction, rerank). Transient failures are retried with backoff up to the
// configured attempt cap; non-transient failures mark the affected chunk or
// source failed without retry.
type ProviderError struct {
	Provider  string
	Transient bool
	Err       error
}

func (e *ProviderError) Error() string {
	kind := "non-retryable"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s provider (%s): %v", e.Provider, kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func TransientProvider(provider string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Transient: true, Err: err}
}

func NonRetryableProvider(provider string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Transient: false, Err: err}
}

// StorageError wraps a store failure. Retryable covers timeouts and broken
// connections; constraint violations and the like are not retryable.
type StorageError struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsValidation reports whether err is a ValidationError anywhere in its chain.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsTransient reports whether err is worth retrying: a transient provider
// failure or a retryable storage failure.
func IsTransient(err error) bool {
	var p *ProviderError
	if errors.As(err, &p) {
		return p.Transient
	}
	var s *StorageError
	if errors.As(err, &s) {
		return s.Retryable
	}
	return false
}

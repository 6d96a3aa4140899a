package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrProfileNotFound is returned when a brand profile does not exist
	ErrProfileNotFound = errors.New("brand profile not found")

	// ErrPricelistNotFound is returned when a price list does not exist
	ErrPricelistNotFound = errors.New("price list not found")

	// ErrJobNotActive is returned when a write targets a job that already left queued/running
	ErrJobNotActive = errors.New("job is not active")

	// ErrJobNotTerminal is returned when deleting a job that may still be running
	ErrJobNotTerminal = errors.New("job has not finished")

	// ErrJobNotClaimable is returned when another runner owns the job or it already finished
	ErrJobNotClaimable = errors.New("job already claimed or finished")

	// ErrInvalidProfile marks a brand profile that cannot produce a search URL. Unlike a fetch
	// failure it affects every item of a job, so it fails the job.
	ErrInvalidProfile = errors.New("invalid brand profile")

	// ErrProductNotFound means the crawl finished but nothing matched. It is not a failure.
	ErrProductNotFound = errors.New("product not found")

	// ErrJobTimeout is the cause attached to a run context that outlived the job time limit
	ErrJobTimeout = errors.New("job exceeded its time limit")

	// ErrInvalidMessage is returned when a dispatch message is malformed
	ErrInvalidMessage = errors.New("invalid job message")
)

// ValidationError rejects a job-creation request before anything is stored.
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

// NewValidationError creates a new validation error
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// CapacityError rejects a job-creation request when too many jobs are active.
type CapacityError struct {
	Active int
	Limit  int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("too many active jobs: %d of %d", e.Active, e.Limit)
}

// FetchError is a transient crawl failure: transport error, timeout or non-2xx status.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// StoreError is a durable-storage failure. It is fatal to the job it happened in.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError wraps err with the failing operation; nil stays nil.
func NewStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// RetryableError wraps transient errors that should trigger a requeue
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

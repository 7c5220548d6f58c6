package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validation and queue errors
var (
	ErrInvalidJobTypeName = errors.New("wildside: invalid job kind (must be alphanumeric, start with letter)")
	ErrJobTypeNameTooLong = errors.New("wildside: job kind too long")
	ErrInvalidQueueName   = errors.New("wildside: invalid lane name")
	ErrQueueNameTooLong   = errors.New("wildside: lane name too long")
	ErrJobArgsTooLarge    = errors.New("wildside: job payload exceeds size limit")
	ErrJobNotOwned        = errors.New("wildside: job not leased by this worker")
	ErrDuplicateJob       = errors.New("wildside: duplicate job with same unique key")
	ErrUniqueKeyTooLong   = errors.New("wildside: unique key exceeds maximum length")
	ErrJobNotDeadLettered = errors.New("wildside: job is not dead-lettered")
	ErrLeaseExpired       = errors.New("wildside: lease expired on final attempt")
)

// Repository errors
var (
	ErrNotFound           = errors.New("wildside: not found")
	ErrDuplicateKey       = errors.New("wildside: duplicate key")
	ErrIllegalTransition  = errors.New("wildside: illegal status transition")
	ErrInvalidIdempotency = errors.New("wildside: idempotency key must be a UUID")
)

// NoRetryError indicates an error that should not be retried.
type NoRetryError struct {
	Err error
}

func (e *NoRetryError) Error() string {
	return fmt.Sprintf("no retry: %v", e.Err)
}

func (e *NoRetryError) Unwrap() error {
	return e.Err
}

// NoRetry wraps an error to indicate it should not be retried.
func NoRetry(err error) error {
	return &NoRetryError{Err: err}
}

// RetryAfterError indicates an error that should be retried after a delay.
type RetryAfterError struct {
	Err   error
	Delay time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("retry after %v: %v", e.Delay, e.Err)
}

func (e *RetryAfterError) Unwrap() error {
	return e.Err
}

// RetryAfter wraps an error to indicate it should be retried after a delay.
func RetryAfter(d time.Duration, err error) error {
	return &RetryAfterError{Err: err, Delay: d}
}

// ValidationError reports a malformed route request.
type ValidationError struct {
	Fields []string
	Reason string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "invalid request: " + e.Reason
	}
	return fmt.Sprintf("invalid request: %s (%s)", e.Reason, strings.Join(e.Fields, ", "))
}

// ConflictError reports an idempotency key reused with a different payload.
type ConflictError struct {
	Key string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("idempotency key %s was used with a different request", e.Key)
}

// ResourceExhaustedError reports a rate limit or full queue.
type ResourceExhaustedError struct {
	Resource   string
	RetryAfter time.Duration
}

func (e *ResourceExhaustedError) Error() string {
	return fmt.Sprintf("%s exhausted, retry after %v", e.Resource, e.RetryAfter)
}

// NoCandidatesError reports that no usable POI was found for a request.
type NoCandidatesError struct {
	RadiusMeters float64
}

func (e *NoCandidatesError) Error() string {
	return fmt.Sprintf("no candidates within %.0fm", e.RadiusMeters)
}

// ExternalFailureKind classifies enrichment source failures.
type ExternalFailureKind string

const (
	ExternalRateLimited    ExternalFailureKind = "rate_limited"
	ExternalTimeout        ExternalFailureKind = "timeout"
	ExternalInvalidRequest ExternalFailureKind = "invalid_request"
	ExternalTransport      ExternalFailureKind = "transport"
	ExternalDecode         ExternalFailureKind = "decode"
	ExternalCircuitOpen    ExternalFailureKind = "circuit_open"
	ExternalQuotaRequests  ExternalFailureKind = "quota_request_limit"
	ExternalQuotaTransfer  ExternalFailureKind = "quota_transfer_limit"
)

// ExternalServiceError wraps an enrichment source failure.
type ExternalServiceError struct {
	Kind    ExternalFailureKind
	Status  int
	Message string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	msg := fmt.Sprintf("external service %s", e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExternalServiceError) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt may succeed.
func (e *ExternalServiceError) Retryable() bool {
	switch e.Kind {
	case ExternalInvalidRequest, ExternalDecode:
		return false
	}
	return true
}

// PersistenceError wraps a storage failure while committing results.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

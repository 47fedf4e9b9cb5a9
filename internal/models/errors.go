package models

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the service, pipeline and transport layers.
var (
	ErrQuotaExceeded    = errors.New("quota exceeded")
	ErrRateLimited      = errors.New("submission rate limited")
	ErrInputInvalid     = errors.New("invalid input")
	ErrStageFailure     = errors.New("stage failure")
	ErrCancelledByUser  = errors.New(CancelReason)
	ErrNotRetryable     = errors.New("job is not retryable")
	ErrNotCancellable   = errors.New("job is not cancellable")
	ErrQueueUnavailable = errors.New("queue unavailable")
	ErrNotFound         = errors.New("not found")
	ErrForbidden        = errors.New("forbidden")
	ErrStaleRun         = errors.New("run no longer owns the job")
	ErrArtifactInUse    = errors.New("artifact referenced by an active job")
)

// InputError reports a rejected input with the offending field.
type InputError struct {
	Field  string
	Reason string
}

func (e *InputError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid input: %s", e.Reason)
	}
	return fmt.Sprintf("invalid input %s: %s", e.Field, e.Reason)
}

// Is makes every InputError match ErrInputInvalid.
func (e *InputError) Is(target error) bool {
	return target == ErrInputInvalid
}

// Invalid builds an InputError.
func Invalid(field, format string, args ...any) error {
	return &InputError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// QuotaError names the bound that denied admission.
type QuotaError struct {
	Kind    Kind
	Bound   string
	Limit   int
	Current int
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota exceeded for %s: %s %d/%d", e.Kind, e.Bound, e.Current, e.Limit)
}

// Is makes every QuotaError match ErrQuotaExceeded.
func (e *QuotaError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

// StageError wraps a failure raised inside a named pipeline stage.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

// Unwrap exposes the underlying error for errors.Is / errors.As.
func (e *StageError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is makes every StageError match ErrStageFailure.
func (e *StageError) Is(target error) bool {
	return target == ErrStageFailure
}

// Package failure classifies execution errors so retry decisions and
// terminal-state reporting can be made without string matching.
package failure

import (
	"context"
	"errors"
	"fmt"

	"github.com/stagehand/stagehand/pkg/models"
)

// Error carries a failure class together with the stage and attempt it
// happened in. The class travels with the error through wrapping, so the
// retry evaluator and the engine both see the same classification.
type Error struct {
	Class      models.FailureClass
	StageName  string
	Attempt    int
	Err        error
}

func (e *Error) Error() string {
	if e.StageName != "" {
		return fmt.Sprintf("stage %s attempt %d: %s: %v", e.StageName, e.Attempt, e.Class, e.Err)
	}

	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with an explicit class.
func New(class models.FailureClass, err error) *Error {
	return &Error{Class: class, Err: err}
}

// Stage wraps err with a class and stage/attempt context.
func Stage(class models.FailureClass, stageName string, attempt int, err error) *Error {
	return &Error{Class: class, StageName: stageName, Attempt: attempt, Err: err}
}

// Transient marks err as retryable.
func Transient(err error) *Error {
	return New(models.FailureTransient, err)
}

// NonRetryable marks err as failing on first occurrence.
func NonRetryable(err error) *Error {
	return New(models.FailureNonRetryable, err)
}

// Verification marks err as a failed verification pass.
func Verification(err error) *Error {
	return New(models.FailureVerification, err)
}

// Fatal marks err as an orchestration error the engine cannot recover from.
func Fatal(err error) *Error {
	return New(models.FailureFatal, err)
}

// ClassOf walks the error chain for a classification. Unclassified errors
// count as transient: an error the adapter did not bother to classify is
// more likely a flaky environment than malformed input. Context
// cancellation maps to the cancelled class.
func ClassOf(err error) models.FailureClass {
	if err == nil {
		return ""
	}

	var fe *Error
	if errors.As(err, &fe) {
		return fe.Class
	}

	if errors.Is(err, context.Canceled) {
		return models.FailureCancelled
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return models.FailureTransient
	}

	return models.FailureTransient
}

// IsTransient checks whether err retries under the retry policy.
func IsTransient(err error) bool {
	return ClassOf(err) == models.FailureTransient
}

// IsNonRetryable checks whether err fails the attempt loop immediately.
func IsNonRetryable(err error) bool {
	return ClassOf(err) == models.FailureNonRetryable
}

// IsVerification checks whether err is a failed verification pass.
func IsVerification(err error) bool {
	return ClassOf(err) == models.FailureVerification
}

// IsFatal checks whether err is an unrecoverable orchestration error.
func IsFatal(err error) bool {
	return ClassOf(err) == models.FailureFatal
}

// IsCancelled checks whether err came from an external cancel request.
func IsCancelled(err error) bool {
	return ClassOf(err) == models.FailureCancelled
}

package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Common domain errors
var (
	// Category sentinels. Every typed error below unwraps to one of these.
	ErrValidation   = errors.New("validation failed")
	ErrNotFound     = errors.New("resource not found")
	ErrProvider     = errors.New("provider failure")
	ErrTimeout      = errors.New("timed out")
	ErrPartialBatch = errors.New("some sessions in the batch failed")

	// Evaluation errors
	ErrEvaluationNotFound = errors.New("evaluation not found")
	ErrInvalidState       = errors.New("invalid state transition")
	ErrInvalidConfig      = errors.New("invalid evaluation config")
	// ErrStatusConflict means the stored status moved since it was read.
	ErrStatusConflict = fmt.Errorf("%w: status changed concurrently", ErrInvalidState)

	// Epoch / run errors
	ErrEpochNotFound     = errors.New("epoch not found")
	ErrTestRunNotFound   = errors.New("test run not found")
	ErrAllSessionsFailed = errors.New("all sessions in the test run failed")

	// Session errors
	ErrSessionNotFound     = errors.New("test session not found")
	ErrSessionTimeout      = errors.New("session exceeded its hard timeout")
	ErrTransportDisconnect = errors.New("audio transport disconnected")

	// Prompt / persona errors
	ErrPromptNotFound  = errors.New("prompt version not found")
	ErrPersonaNotFound = errors.New("persona not found")

	// Provider errors
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrEmptyCompletion     = errors.New("provider returned an empty completion")
)

// DomainError wraps a domain error with additional context
type DomainError struct {
	Err     error
	Message string
	Code    string
}

func (e *DomainError) Error() string {
	if e.Message != "" {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Err.Error()
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError creates a new domain error
func NewDomainError(err error, message string) *DomainError {
	return &DomainError{
		Err:     err,
		Message: message,
	}
}

// NewDomainErrorWithCode creates a new domain error with a code
func NewDomainErrorWithCode(err error, message, code string) *DomainError {
	return &DomainError{
		Err:     err,
		Message: message,
		Code:    code,
	}
}

// ValidationError reports a missing or invalid configuration value.
type ValidationError struct {
	Field  string
	Reason string
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NotFoundError reports a missing evaluation, prompt, persona or session.
type NotFoundError struct {
	Entity string
	ID     string
	Err    error
}

func NewNotFoundError(entity, id string, sentinel error) *NotFoundError {
	return &NotFoundError{Entity: entity, ID: id, Err: sentinel}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}

// Unwrap exposes both the entity sentinel and the category sentinel.
func (e *NotFoundError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Err, ErrNotFound}
	}
	return []error{ErrNotFound}
}

// ProviderError wraps any upstream audio, LLM or storage failure.
type ProviderError struct {
	Provider string
	Op       string
	Err      error
}

func NewProviderError(provider, op string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Op: op, Err: err}
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() []error {
	return []error{e.Err, ErrProvider}
}

// TimeoutError reports a session that hit its hard ceiling.
type TimeoutError struct {
	SessionID string
	Limit     time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("session %s exceeded %s", e.SessionID, e.Limit)
}

func (e *TimeoutError) Unwrap() []error {
	return []error{ErrSessionTimeout, ErrTimeout}
}

// PartialBatchFailure annotates a run where some, not all, sessions failed.
// It is never fatal to the epoch.
type PartialBatchFailure struct {
	Total  int
	Failed int
	Errors map[string]error
}

func (e *PartialBatchFailure) Error() string {
	ids := make([]string, 0, len(e.Errors))
	for id := range e.Errors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return fmt.Sprintf("%d of %d sessions failed (%s)", e.Failed, e.Total, strings.Join(ids, ", "))
}

func (e *PartialBatchFailure) Unwrap() error { return ErrPartialBatch }

// EpochFailedError surfaces the failing epoch number on a failed evaluation.
type EpochFailedError struct {
	EpochNumber int
	Err         error
}

func (e *EpochFailedError) Error() string {
	return fmt.Sprintf("epoch %d failed: %v", e.EpochNumber, e.Err)
}

func (e *EpochFailedError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is in the not-found category.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsValidation reports whether err is in the validation category.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

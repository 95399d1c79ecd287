package types

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrAuthExpired indicates an upstream 401; callers refresh the token
// once and retry the original request.
var ErrAuthExpired = errors.New("upstream credential expired")

// ErrModelUnavailable indicates a forecast was requested before any
// training run has succeeded.
var ErrModelUnavailable = errors.New("forecast model unavailable: no trained artifact")

// UpstreamError wraps a failed call to an external API. Transient
// errors (network, 5xx, 429) are retried by the clients; permanent
// errors are surfaced to the caller immediately.
type UpstreamError struct {
	Provider  string
	Status    int
	Transient bool
	Err       error
}

func (e *UpstreamError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: upstream HTTP %d: %v", e.Provider, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: upstream error: %v", e.Provider, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// IsTransientUpstream reports whether err is a retryable upstream failure.
func IsTransientUpstream(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue) && ue.Transient
}

// IsRateLimited reports whether err is an upstream HTTP 429.
func IsRateLimited(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue) && ue.Status == http.StatusTooManyRequests
}

// FieldTypeConflictError is returned when the store rejects a batch
// because a field's type disagrees with the series schema. This is an
// implementer defect: the batch fails, the cycle records failure, and
// the offending writer must be fixed to coerce types at the boundary.
type FieldTypeConflictError struct {
	Measurement string
	Detail      string
}

func (e *FieldTypeConflictError) Error() string {
	return fmt.Sprintf("field type conflict on %s: %s", e.Measurement, e.Detail)
}

// ValidationError is a bad caller input. It maps to HTTP 400 and is
// never retried.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

// NewValidationError builds a ValidationError for a request field.
func NewValidationError(field, msg string) *ValidationError {
	return &ValidationError{Field: field, Msg: msg}
}

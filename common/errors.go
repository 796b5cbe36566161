package common

import (
	"errors"
	"fmt"
)

// ErrorKind is the machine-readable error taxonomy of SPEC_FULL §7/§10.
// Callers branch on Kind, never on the wrapped error's message text.
type ErrorKind string

const (
	// ErrInvalidRequest — malformed pipeline invocation, unknown tenant,
	// missing table configuration. Surfaced to the caller immediately,
	// never retried.
	ErrInvalidRequest ErrorKind = "InvalidRequest"

	// ErrConfigurationError — missing canonical mapping, missing endpoint
	// configuration, missing table_name. Fails the affected component,
	// never its peers.
	ErrConfigurationError ErrorKind = "ConfigurationError"

	// ErrTransientExternal — network errors, 5xx, 429, object-store
	// throttling. Retried with backoff.
	ErrTransientExternal ErrorKind = "TransientExternal"

	// ErrDeadlineElapsed — the chunk deadline was reached. Not a failure;
	// triggers suspension with a persisted cursor.
	ErrDeadlineElapsed ErrorKind = "DeadlineElapsed"

	// ErrDataFormatError — unparseable source response or unreadable raw
	// object. The offending record is skipped with a warning.
	ErrDataFormatError ErrorKind = "DataFormatError"

	// ErrSinkConflict — analytics-store write collision. IsRetryable
	// reports it as retryable; it is never escalated to
	// ErrTransientExternal.
	ErrSinkConflict ErrorKind = "SinkConflict"

	// ErrUnexpected — anything else. Capped at one attempt: IsRetryable
	// reports it as not retryable.
	ErrUnexpected ErrorKind = "Unexpected"
)

// PipelineError wraps an underlying error with a machine-readable Kind plus
// human-readable detail and optional structured context (tenant/table/chunk
// identifiers) useful for the job rollup and logs.
type PipelineError struct {
	Kind    ErrorKind
	Detail  string
	Context map[string]string
	Err     error
}

func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// NewPipelineError constructs a PipelineError, wrapping an existing error.
func NewPipelineError(kind ErrorKind, detail string, err error) *PipelineError {
	return &PipelineError{Kind: kind, Detail: detail, Err: err}
}

// WithContext attaches structured identifiers (tenant_id, table_name,
// chunk_id, ...) to a PipelineError and returns it for chaining.
func (e *PipelineError) WithContext(key, value string) *PipelineError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// KindOf extracts the ErrorKind from err, walking the unwrap chain. Returns
// ErrUnexpected if err does not wrap a PipelineError.
func KindOf(err error) ErrorKind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ErrUnexpected
}

// IsRetryable reports whether the propagation policy of §7 retries errors of
// this kind locally: TransientExternal and SinkConflict.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case ErrTransientExternal, ErrSinkConflict:
		return true
	default:
		return false
	}
}

// IsPeerIsolated reports whether a failure of this kind must be contained to
// the component that produced it, never cancelling sibling work at the same
// parent level (§5/§7 "peer isolation").
func IsPeerIsolated(err error) bool {
	switch KindOf(err) {
	case ErrConfigurationError, ErrDataFormatError, ErrTransientExternal, ErrSinkConflict, ErrUnexpected:
		return true
	default:
		return false
	}
}

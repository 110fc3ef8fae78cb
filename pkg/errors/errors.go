// Package errors gives the pipeline's error kinds (see the error handling
// table in the spec) a common shape so callers can branch on Code instead
// of matching strings, while still carrying a wrapped cause for logging.
package errors

import (
	"fmt"
	"time"
)

// Severity levels for errors.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Error codes, one per row of the error handling table.
const (
	CodeLineMalformed       = "LINE_MALFORMED"
	CodeNumericFieldInvalid = "NUMERIC_FIELD_INVALID"
	CodeFileMissing         = "FILE_MISSING"
	CodeFileTruncated       = "FILE_TRUNCATED"
	CodeChannelFullMetric   = "CHANNEL_FULL_METRIC"
	CodeChannelFullLifecyle = "CHANNEL_FULL_LIFECYCLE"
	CodeMaterializerFailed  = "MATERIALIZER_FAILED"
	CodeInternerOOM         = "INTERNER_OOM"
	CodeConfigInvalid       = "CONFIG_INVALID"
)

// PipelineError is the standardized error shape for the pipeline.
type PipelineError struct {
	Code      string
	Component string
	Operation string
	Cause     error
	Severity  Severity
	Timestamp time.Time
}

// New creates a PipelineError with medium (warning) severity.
func New(code, component, operation string) *PipelineError {
	return &PipelineError{
		Code:      code,
		Component: component,
		Operation: operation,
		Severity:  SeverityWarning,
		Timestamp: time.Now(),
	}
}

// NewCritical creates a PipelineError that should tear down its session.
func NewCritical(code, component, operation string) *PipelineError {
	e := New(code, component, operation)
	e.Severity = SeverityCritical
	return e
}

func (e *PipelineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Component, e.Operation, e.Code, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Component, e.Operation, e.Code)
}

func (e *PipelineError) Unwrap() error { return e.Cause }

// Wrap attaches a cause and returns the receiver for chaining.
func (e *PipelineError) Wrap(cause error) *PipelineError {
	e.Cause = cause
	return e
}

// ConfigError builds a CodeConfigInvalid PipelineError for operation,
// with message as its cause text.
func ConfigError(operation, message string) *PipelineError {
	return New(CodeConfigInvalid, "config", operation).Wrap(fmt.Errorf("%s", message))
}

// IsCritical reports whether the error requires tearing down the session
// (currently only InternerOOM per §7).
func (e *PipelineError) IsCritical() bool {
	return e.Severity == SeverityCritical
}

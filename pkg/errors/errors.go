package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// ErrorType classifies failures raised by the generator.
type ErrorType string

const (
	// ErrorTypeDataSource indicates the source dataset is unreachable or malformed.
	// It is fatal for the whole run.
	ErrorTypeDataSource ErrorType = "DATA_SOURCE"

	// ErrorTypeNotFound indicates the requested subject or admission does not exist.
	ErrorTypeNotFound ErrorType = "NOT_FOUND"

	// ErrorTypePromptPolicy indicates a packet violated the prompt policy. The
	// extractor should have excluded such admissions, so this signals a bug.
	ErrorTypePromptPolicy ErrorType = "PROMPT_POLICY"

	// ErrorTypeValidation indicates model output failed the schema contract.
	ErrorTypeValidation ErrorType = "VALIDATION"

	// ErrorTypeTransport indicates the model call itself failed.
	ErrorTypeTransport ErrorType = "TRANSPORT"

	// ErrorTypeRetryExhausted indicates every attempt for an admission failed.
	ErrorTypeRetryExhausted ErrorType = "RETRY_EXHAUSTED"

	// ErrorTypePrecondition indicates the run cannot start, e.g. a missing credential.
	ErrorTypePrecondition ErrorType = "PRECONDITION"

	// ErrorTypeConfig indicates an invalid configuration value.
	ErrorTypeConfig ErrorType = "CONFIG"

	// ErrorTypeArtifact indicates an output file could not be written.
	ErrorTypeArtifact ErrorType = "ARTIFACT"
)

// AppError represents an application error. The optional context fields are
// filled in by whichever layer knows them so the operator can diagnose a failure
// without re-running.
type AppError struct {
	Type       ErrorType
	Message    string
	Err        error
	SubjectID  int64
	HadmID     int64
	Attempts   int
	Violations []string
}

// Error implements the error interface
func (e *AppError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Type))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.SubjectID != 0 {
		fmt.Fprintf(&b, " (subject_id=%d", e.SubjectID)
		if e.HadmID != 0 {
			fmt.Fprintf(&b, " hadm_id=%d", e.HadmID)
		}
		if e.Attempts != 0 {
			fmt.Fprintf(&b, " attempts=%d", e.Attempts)
		}
		b.WriteString(")")
	}
	if len(e.Violations) > 0 {
		b.WriteString(" [")
		b.WriteString(strings.Join(e.Violations, "; "))
		b.WriteString("]")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap implements the unwrap interface
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithAdmission returns a copy of e annotated with the admission key.
func (e *AppError) WithAdmission(subjectID, hadmID int64) *AppError {
	c := *e
	c.SubjectID = subjectID
	c.HadmID = hadmID
	return &c
}

// NewDataSourceError creates a new data source error
func NewDataSourceError(message string, err error) *AppError {
	return &AppError{Type: ErrorTypeDataSource, Message: message, Err: err}
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string) *AppError {
	return &AppError{Type: ErrorTypeNotFound, Message: message}
}

// NewPromptPolicyError creates a new prompt policy error
func NewPromptPolicyError(message string) *AppError {
	return &AppError{Type: ErrorTypePromptPolicy, Message: message}
}

// NewValidationError creates a new validation error carrying every violation found.
func NewValidationError(message string, violations []string) *AppError {
	return &AppError{Type: ErrorTypeValidation, Message: message, Violations: violations}
}

// NewTransportError creates a new transport error
func NewTransportError(message string, err error) *AppError {
	return &AppError{Type: ErrorTypeTransport, Message: message, Err: err}
}

// NewRetryExhaustedError creates a terminal per-admission failure.
func NewRetryExhaustedError(attempts int, violations []string) *AppError {
	return &AppError{
		Type:       ErrorTypeRetryExhausted,
		Message:    fmt.Sprintf("no valid conversation after %d attempt(s)", attempts),
		Attempts:   attempts,
		Violations: violations,
	}
}

// NewPreconditionError creates a new precondition error
func NewPreconditionError(message string) *AppError {
	return &AppError{Type: ErrorTypePrecondition, Message: message}
}

// NewConfigError creates a new configuration error
func NewConfigError(message string) *AppError {
	return &AppError{Type: ErrorTypeConfig, Message: message}
}

// NewArtifactError creates a new artifact write error
func NewArtifactError(message string, err error) *AppError {
	return &AppError{Type: ErrorTypeArtifact, Message: message, Err: err}
}

// IsType reports whether any error in err's chain is an AppError of type t.
func IsType(err error, t ErrorType) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Type == t
	}
	return false
}

// TypeOf returns the type of the first AppError in err's chain, or "" if none.
func TypeOf(err error) ErrorType {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Type
	}
	return ""
}

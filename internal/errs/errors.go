// Package errs defines the reactor error taxonomy.
//
// Every failure surfaced by the reactor is an *Error carrying a Code. The
// executor manager branches on codes to decide between module recovery,
// retry and permanent failure:
//
//   - VALIDATION: rejected before enqueue, or by a schema check in the
//     executor. Never retried.
//   - MODULE_NOT_FOUND: the document type has no registered model. The
//     manager asks the resolver to load it and re-queues without consuming
//     retry budget.
//   - TRANSIENT_EXECUTION: retried up to the job's max retries.
//   - INTEGRITY: history reconciliation produced an invalid stream. Fatal.
//   - TIMEOUT / ABORTED: a consistency wait did not complete. Distinct from
//     job failures so callers can tell "not yet" from "never".
//   - DUPLICATE / NOT_FOUND: registry and storage lookups.
//   - REVISION_MISMATCH: optimistic append lost a race. Retried.
package errs

import (
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
)

// Code categorizes reactor errors.
type Code string

const (
	CodeValidation         Code = "VALIDATION"
	CodeModuleNotFound     Code = "MODULE_NOT_FOUND"
	CodeTransientExecution Code = "TRANSIENT_EXECUTION"
	CodeIntegrity          Code = "INTEGRITY"
	CodeTimeout            Code = "TIMEOUT"
	CodeAborted            Code = "ABORTED"
	CodeDuplicate          Code = "DUPLICATE"
	CodeNotFound           Code = "NOT_FOUND"
	CodeRevisionMismatch   Code = "REVISION_MISMATCH"
)

// Error is a structured reactor error.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Message is a human-readable description.
	Message string

	// JobID identifies the affected job, if any.
	JobID string

	// DocumentID identifies the affected document, if any.
	DocumentID string

	// DocumentType is set for MODULE_NOT_FOUND.
	DocumentType string

	// Details contains additional context.
	Details map[string]string

	// Err is the wrapped cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.JobID != "" && e.DocumentID != "" {
		fmt.Fprintf(&b, " (job=%s, document=%s)", e.JobID, e.DocumentID)
	} else if e.DocumentID != "" {
		fmt.Fprintf(&b, " (document=%s)", e.DocumentID)
	} else if e.JobID != "" {
		fmt.Fprintf(&b, " (job=%s)", e.JobID)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by code so errors.Is(err, &Error{Code: c})
// works as a category check.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && t.Message == ""
}

// CodeOf returns the code of the first *Error in the chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func hasCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return hasCode(err, CodeValidation) }

// IsModuleNotFound reports whether err is a missing document model.
func IsModuleNotFound(err error) bool { return hasCode(err, CodeModuleNotFound) }

// IsTransient reports whether err is a retryable execution failure.
func IsTransient(err error) bool { return hasCode(err, CodeTransientExecution) }

// IsIntegrity reports whether err is a history integrity violation.
func IsIntegrity(err error) bool { return hasCode(err, CodeIntegrity) }

// IsTimeout reports whether err is a consistency wait timeout.
func IsTimeout(err error) bool { return hasCode(err, CodeTimeout) }

// IsAborted reports whether err is an aborted wait.
func IsAborted(err error) bool { return hasCode(err, CodeAborted) }

// IsDuplicate reports whether err is a duplicate registration.
func IsDuplicate(err error) bool { return hasCode(err, CodeDuplicate) }

// IsNotFound reports whether err is a missing entity.
func IsNotFound(err error) bool { return hasCode(err, CodeNotFound) }

// IsRevisionMismatch reports whether err is a lost optimistic append.
func IsRevisionMismatch(err error) bool { return hasCode(err, CodeRevisionMismatch) }

// IsPermanent reports whether a job failing with err must not be retried.
func IsPermanent(err error) bool {
	return IsValidation(err) || IsIntegrity(err)
}

// Validation creates a VALIDATION error.
func Validation(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// ModuleNotFound creates a MODULE_NOT_FOUND error for documentType.
func ModuleNotFound(documentType string) *Error {
	return &Error{
		Code:         CodeModuleNotFound,
		Message:      fmt.Sprintf("document model %q not registered", documentType),
		DocumentType: documentType,
	}
}

// Transient wraps err as a retryable execution failure.
func Transient(err error, format string, args ...any) *Error {
	return &Error{Code: CodeTransientExecution, Message: fmt.Sprintf(format, args...), Err: err}
}

// Integrity creates an INTEGRITY error.
func Integrity(format string, args ...any) *Error {
	return &Error{Code: CodeIntegrity, Message: fmt.Sprintf(format, args...)}
}

// Timeout creates a TIMEOUT error.
func Timeout(format string, args ...any) *Error {
	return &Error{Code: CodeTimeout, Message: fmt.Sprintf(format, args...)}
}

// Aborted wraps a context error as ABORTED.
func Aborted(err error, format string, args ...any) *Error {
	return &Error{Code: CodeAborted, Message: fmt.Sprintf(format, args...), Err: err}
}

// Duplicate creates a DUPLICATE error.
func Duplicate(format string, args ...any) *Error {
	return &Error{Code: CodeDuplicate, Message: fmt.Sprintf(format, args...)}
}

// NotFound creates a NOT_FOUND error.
func NotFound(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// RevisionMismatch creates a REVISION_MISMATCH error.
func RevisionMismatch(stream string, expected, actual int) *Error {
	return &Error{
		Code:    CodeRevisionMismatch,
		Message: fmt.Sprintf("stream %s expected revision %d, store has %d", stream, expected, actual),
		Details: map[string]string{
			"expected": fmt.Sprintf("%d", expected),
			"actual":   fmt.Sprintf("%d", actual),
		},
	}
}

// ErrorInfo is one entry in a job's error history.
type ErrorInfo struct {
	Message string `json:"message"`
	Stack   string `json:"stack"`
}

// NewErrorInfo captures err with the current goroutine stack.
func NewErrorInfo(err error) ErrorInfo {
	return ErrorInfo{Message: err.Error(), Stack: string(debug.Stack())}
}

// AggregateFailure renders the permanent failure message for a job that
// exhausted its attempts.
func AggregateFailure(history []ErrorInfo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Job failed after %d attempts:", len(history))
	for i, info := range history {
		fmt.Fprintf(&b, "\n[Attempt %d] %s", i+1, info.Message)
		if info.Stack != "" {
			b.WriteString("\n")
			b.WriteString(info.Stack)
		}
	}
	return b.String()
}

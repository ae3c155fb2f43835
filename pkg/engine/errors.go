package engine

import (
	"errors"
	"strings"
)

// ErrorClass decides whether a failed job is attempted again.
type ErrorClass string

const (
	// ErrorClassTransient covers a locked database or an unreachable lock backend.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled is back-pressure from a dependency. Retries wait longer.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict is a lost conditional update, such as two operators
	// promoting the same run.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent is never retried: an unknown policy, a malformed
	// job payload, a run that is already terminal.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Retryable reports whether errors of class c may succeed on another attempt.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ErrorClassTransient, ErrorClassThrottled, ErrorClassConflict:
		return true
	default:
		return false
	}
}

// Error codes carried by EngineError.Code and recorded in run error samples.
const (
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeAlreadyExists  = "ALREADY_EXISTS"
	ErrCodeInvalidState   = "INVALID_STATE"
	ErrCodeConflict       = "CONFLICT"
	ErrCodeEvaluation     = "EVALUATION_ERROR"
	ErrCodeInfrastructure = "INFRASTRUCTURE_ERROR"
	ErrCodeInvalidPayload = "INVALID_PAYLOAD"
	ErrCodeInternal       = "INTERNAL_ERROR"
)

// EngineError is the classified error returned by stores, the queue and the
// activation service.
// nolint:revive // the package prefix keeps it apart from stdlib errors at call sites
type EngineError struct {
	Class     ErrorClass             `json:"class"`
	Message   string                 `json:"message"`
	Code      string                 `json:"code,omitempty"`
	Resource  string                 `json:"resource,omitempty"` // policy, run or item id
	Operation string                 `json:"operation,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Err       error                  `json:"-"`
}

func newError(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{Class: class, Message: message, Err: err}
}

// NewTransientError returns an error that the queue retries with backoff.
func NewTransientError(message string, err error) *EngineError {
	return newError(ErrorClassTransient, message, err)
}

// NewThrottledError returns a retryable error with a longer base delay.
func NewThrottledError(message string, err error) *EngineError {
	return newError(ErrorClassThrottled, message, err)
}

// NewConflictError returns a retryable error for a lost conditional update.
func NewConflictError(message string, err error) *EngineError {
	return newError(ErrorClassConflict, message, err)
}

// NewPermanentError returns an error that kills the job on first failure.
func NewPermanentError(message string, err error) *EngineError {
	return newError(ErrorClassPermanent, message, err)
}

// NewNotFoundError reports a missing policy, run or item.
func NewNotFoundError(kind, id string) *EngineError {
	return NewPermanentError(kind+" not found", nil).
		WithCode(ErrCodeNotFound).
		WithResource(id)
}

// NewInfrastructureError wraps a store or queue failure so it is retried.
func NewInfrastructureError(operation string, err error) *EngineError {
	return NewTransientError("infrastructure failure", err).
		WithCode(ErrCodeInfrastructure).
		WithOperation(operation)
}

func (e *EngineError) Error() string {
	var b strings.Builder
	b.WriteString("[" + string(e.Class) + "] " + e.Message)

	var ctx []string
	if e.Resource != "" {
		ctx = append(ctx, "resource="+e.Resource)
	}
	if e.Operation != "" {
		ctx = append(ctx, "operation="+e.Operation)
	}
	if len(ctx) > 0 {
		b.WriteString(" (" + strings.Join(ctx, ", ") + ")")
	}

	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is matches another EngineError with the same class and code.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	return ok && e.Class == t.Class && e.Code == t.Code
}

func (e *EngineError) WithResource(id string) *EngineError {
	e.Resource = id
	return e
}

func (e *EngineError) WithOperation(op string) *EngineError {
	e.Operation = op
	return e
}

func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail attaches a key to Details, allocating the map on first use.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ClassOf returns the class of the first EngineError in err's chain.
// ok is false for unclassified errors.
func ClassOf(err error) (class ErrorClass, ok bool) {
	var e *EngineError
	if !errors.As(err, &e) {
		return "", false
	}
	return e.Class, true
}

// CodeOf returns the code of the first EngineError in err's chain, or fallback
// when there is none or it carries no code.
func CodeOf(err error, fallback string) string {
	var e *EngineError
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	return fallback
}

func hasClass(err error, class ErrorClass) bool {
	c, ok := ClassOf(err)
	return ok && c == class
}

func IsTransient(err error) bool { return hasClass(err, ErrorClassTransient) }
func IsThrottled(err error) bool { return hasClass(err, ErrorClassThrottled) }
func IsConflict(err error) bool { return hasClass(err, ErrorClassConflict) }
func IsPermanent(err error) bool { return hasClass(err, ErrorClassPermanent) }

// IsRetryable reports whether the queue should attempt the job again.
// Unclassified errors, such as a wrapped driver error or an expired handler
// deadline, count as transient. Only permanent errors are final.
func IsRetryable(err error) bool {
	c, ok := ClassOf(err)
	return !ok || c.Retryable()
}

func IsNotFound(err error) bool { return CodeOf(err, "") == ErrCodeNotFound }
func IsInvalidState(err error) bool { return CodeOf(err, "") == ErrCodeInvalidState }

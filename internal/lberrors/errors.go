// Package lberrors provides the error taxonomy used across trino-lb.
//
// Every error is assigned a Kind so that callers can decide, without
// string matching, whether to retry, log loudly, or surface a status to
// the client. Errors that reach an HTTP boundary are rendered through
// ToTrinoError so that stock Trino clients can display them the way they
// display a genuine coordinator failure.
package lberrors

import "fmt"

// Kind categorizes an error for propagation/retry policy purposes.
type Kind string

const (
	// KindConfig is fatal at startup.
	KindConfig Kind = "Config"
	// KindPersistenceTransient should be retried with backoff.
	KindPersistenceTransient Kind = "Persistence-Transient"
	// KindPersistenceFatal surfaces as a 500 to the client and is logged loudly.
	KindPersistenceFatal Kind = "Persistence-Fatal"
	// KindRouting means the router chain should fall through to the next router.
	KindRouting Kind = "Routing"
	// KindTrinoSubmission marks a failed statement submission to Trino. The
	// admission server releases the reservation; a new submission is
	// answered with 502 and a queued poll stays queued. No sibling cluster
	// is tried.
	KindTrinoSubmission Kind = "TrinoSubmission"
	// KindTrinoProxy is a stream-level proxy error; status/body propagate as-is.
	KindTrinoProxy Kind = "TrinoProxy"
	// KindScripting means the script router abstained.
	KindScripting Kind = "Scripting"
	// KindScalerBackend is logged and retried on the next scaler tick.
	KindScalerBackend Kind = "ScalerBackend"
	// KindProtocol is a malformed client or Trino payload (400/502).
	KindProtocol Kind = "Protocol"
)

// Error is the base error type for all trino-lb errors.
type Error struct {
	Kind      Kind
	Message   string
	Retryable bool
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// AsRetryable marks e as retryable and returns it for chaining.
func (e *Error) AsRetryable() *Error {
	e.Retryable = true
	return e
}

// IsRetryable reports whether err (or a wrapped *Error within it) is
// retryable. Kind-level defaults apply when the error itself didn't set
// Retryable explicitly.
func IsRetryable(err error) bool {
	var lbErr *Error
	if !asError(err, &lbErr) {
		return false
	}
	if lbErr.Retryable {
		return true
	}
	switch lbErr.Kind {
	case KindPersistenceTransient, KindScalerBackend:
		return true
	default:
		return false
	}
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// TrinoError is the Trino-shaped error object returned in a statement
// response body so that clients render it the way they render a real
// coordinator failure.
type TrinoError struct {
	Message      string           `json:"message"`
	ErrorCode    int              `json:"errorCode"`
	ErrorName    string           `json:"errorName"`
	ErrorType    string           `json:"errorType"`
	ErrorLocation *ErrorLocation  `json:"errorLocation,omitempty"`
}

// ErrorLocation mirrors Trino's line/column error location shape.
type ErrorLocation struct {
	LineNumber   int `json:"lineNumber"`
	ColumnNumber int `json:"columnNumber"`
}

// ToTrinoError renders err as a Trino-shaped error object. Unknown error
// kinds map to a generic internal-error code so the client still gets a
// coherent envelope rather than a raw Go error string.
func ToTrinoError(err error) TrinoError {
	var lbErr *Error
	if !asError(err, &lbErr) {
		return TrinoError{
			Message:   err.Error(),
			ErrorCode: 65536,
			ErrorName: "TRINO_LB_INTERNAL_ERROR",
			ErrorType: "INTERNAL_ERROR",
		}
	}

	switch lbErr.Kind {
	case KindTrinoSubmission:
		return TrinoError{Message: lbErr.Message, ErrorCode: 65537, ErrorName: "TRINO_LB_SUBMISSION_FAILED", ErrorType: "EXTERNAL"}
	case KindPersistenceFatal, KindPersistenceTransient:
		return TrinoError{Message: lbErr.Message, ErrorCode: 65538, ErrorName: "TRINO_LB_PERSISTENCE_ERROR", ErrorType: "INTERNAL_ERROR"}
	case KindProtocol:
		return TrinoError{Message: lbErr.Message, ErrorCode: 65539, ErrorName: "TRINO_LB_PROTOCOL_ERROR", ErrorType: "USER_ERROR"}
	default:
		return TrinoError{Message: lbErr.Message, ErrorCode: 65536, ErrorName: "TRINO_LB_INTERNAL_ERROR", ErrorType: "INTERNAL_ERROR"}
	}
}

// NotFound is returned by persistence lookups when a record is absent.
// It is not itself an *Error since absence is a normal, expected outcome
// that callers branch on rather than propagate.
type NotFound struct {
	Kind string
	ID   string
}

func (e *NotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

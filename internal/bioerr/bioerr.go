// Package bioerr defines the error taxonomy shared by the capture,
// enrollment and authentication flows.
//
// Every failure surfaced to a caller is a *Error carrying a Kind. Callers
// branch on the kind with errors.Is against the sentinel values:
//
//	if errors.Is(err, bioerr.ErrBusy) { ... }
package bioerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	KindUnknown           Kind = "UNKNOWN"
	KindValidation        Kind = "VALIDATION"
	KindDeviceUnavailable Kind = "DEVICE_UNAVAILABLE"
	KindUnsupportedFormat Kind = "UNSUPPORTED_FORMAT"
	KindCapture           Kind = "CAPTURE"
	KindNetwork           Kind = "NETWORK"
	KindServerRejection   Kind = "SERVER_REJECTION"
	KindBusy              Kind = "BUSY"
	KindInvalidState      Kind = "INVALID_STATE"
)

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrDeviceUnavailable = &Error{Kind: KindDeviceUnavailable}
	ErrUnsupportedFormat = &Error{Kind: KindUnsupportedFormat}
	ErrCapture           = &Error{Kind: KindCapture}
	ErrNetwork           = &Error{Kind: KindNetwork}
	ErrServerRejection   = &Error{Kind: KindServerRejection}
	ErrBusy              = &Error{Kind: KindBusy}
	ErrInvalidState      = &Error{Kind: KindInvalidState}
)

// Error is a classified failure.
type Error struct {
	Kind    Kind
	Op      string // operation that failed, e.g. "enrollment.SubmitFaceSample"
	Message string // caller-facing text; for rejections this is the server message
	Err     error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a sentinel (or any *Error) of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New returns a classified error.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Newf returns a classified error with a formatted message.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. A nil err yields nil. An err that already carries a
// kind keeps it; only the operation is recorded on the outer error.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		kind = be.Kind
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Validation is shorthand for a KindValidation error.
func Validation(op, message string) *Error {
	return New(KindValidation, op, message)
}

// Rejected is shorthand for a server rejection carrying the server message.
func Rejected(op, serverMessage string) *Error {
	if serverMessage == "" {
		serverMessage = "request rejected by credential service"
	}
	return New(KindServerRejection, op, serverMessage)
}

// KindOf extracts the kind from any error. Errors that were never
// classified report KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Message returns the innermost caller-facing message of a classified
// error, falling back to err.Error().
func Message(err error) string {
	if err == nil {
		return ""
	}
	var msg string
	for cur := err; cur != nil; cur = errors.Unwrap(cur) {
		if e, ok := cur.(*Error); ok && e.Message != "" {
			msg = e.Message
		}
	}
	if msg == "" {
		return err.Error()
	}
	return msg
}

// Retryable reports whether the caller may resubmit the same step.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindServerRejection, KindCapture:
		return true
	default:
		return false
	}
}

// Package ledgererr defines the sum of error kinds that every ledger
// subsystem returns. There are no panics or sentinel package-level errors
// scattered across packages: a failure is always an *Error carrying one of
// the Codes below, so callers can branch on Code() instead of matching
// error strings.
package ledgererr

import "fmt"

// Code classifies why an operation failed.
type Code int

const (
	// NotFound means an object, commit, entry or head is absent.
	NotFound Code = iota
	// FormatError means serialized bytes failed structural validation.
	FormatError
	// ObjectIDMismatch means the content hash of synced data does not
	// match the id the caller claimed for it.
	ObjectIDMismatch
	// IOError means the underlying storage engine failed.
	IOError
	// NetworkError means a cloud operation failed in a way that should be
	// retried with backoff.
	NetworkError
	// AuthError means token acquisition failed.
	AuthError
	// IllegalState means the API was misused: a commit on a poisoned
	// explicit journal, an orphaned commit batch, re-entrant watcher
	// registration, and similar caller errors.
	IllegalState
	// ReferenceNotFound means a PutReference named an unknown object id.
	ReferenceNotFound
	// NotConnected means GetObject(NETWORK) was called without a sync
	// delegate attached to the page.
	NotConnected
	// NotImplemented is reserved for capabilities intentionally left
	// unbuilt.
	NotImplemented
)

func (c Code) String() string {
	switch c {
	case NotFound:
		return "NotFound"
	case FormatError:
		return "FormatError"
	case ObjectIDMismatch:
		return "ObjectIdMismatch"
	case IOError:
		return "IoError"
	case NetworkError:
		return "NetworkError"
	case AuthError:
		return "AuthError"
	case IllegalState:
		return "IllegalState"
	case ReferenceNotFound:
		return "ReferenceNotFound"
	case NotConnected:
		return "NotConnected"
	case NotImplemented:
		return "NotImplemented"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type returned by every ledger package.
type Error struct {
	code Code
	op   string
	msg  string
	err  error
}

// New creates an *Error with the given code and message, formatted like
// fmt.Sprintf.
func New(code Code, op string, format string, args ...any) *Error {
	return &Error{code: code, op: op, msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and operation name to an underlying error, preserving
// it for errors.Unwrap / errors.Is chains.
func Wrap(code Code, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{code: code, op: op, err: err}
}

func (e *Error) Error() string {
	switch {
	case e.err != nil && e.msg != "":
		return fmt.Sprintf("%s: %s: %v", e.op, e.msg, e.err)
	case e.err != nil:
		return fmt.Sprintf("%s: %v", e.op, e.err)
	default:
		return fmt.Sprintf("%s: %s", e.op, e.msg)
	}
}

func (e *Error) Unwrap() error { return e.err }

// Code returns the classification of the error.
func (e *Error) Code() Code { return e.code }

// Is lets errors.Is(err, ledgererr.Sentinel(code)) match an *Error carrying
// that code, by comparing against the codeError value Sentinel returns.
func (e *Error) Is(target error) bool {
	c, ok := target.(codeError)
	return ok && e.code == Code(c)
}

type codeError Code

func (c codeError) Error() string { return Code(c).String() }

// Sentinel is a comparable error value for a given Code, usable with
// errors.Is, e.g. errors.Is(err, ledgererr.Sentinel(ledgererr.NotFound)).
func Sentinel(c Code) error { return codeError(c) }

// CodeOf extracts the Code from err if it (or something it wraps) is an
// *Error; otherwise it returns IOError as the conservative default, since an
// error that didn't originate in this codebase is assumed to be an
// unclassified I/O failure.
func CodeOf(err error) Code {
	var e *Error
	for err != nil {
		if ee, ok := err.(*Error); ok {
			e = ee
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if e == nil {
		return IOError
	}
	return e.code
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

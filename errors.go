package pgsession

import (
	"strings"

	errors "golang.org/x/xerrors"

	"github.com/jackc/pgsession/wire"
)

// ErrConnClosed occurs when an operation is attempted on a closed connection.
var ErrConnClosed = errors.New("connection is closed")

// ErrCursorClosed occurs when an operation is attempted on a closed cursor.
var ErrCursorClosed = errors.New("cursor is closed")

// ErrNoResult occurs when a fetch is attempted before any execute, or after
// the buffered results have been discarded.
var ErrNoResult = errors.New("no result available")

// InterfaceError reports local misuse of the API. No server round trip has
// occurred.
type InterfaceError struct {
	msg string
	err error
}

func (e *InterfaceError) Error() string { return "interface error: " + e.msg }
func (e *InterfaceError) Unwrap() error { return e.err }

func interfaceErrorf(format string, a ...interface{}) *InterfaceError {
	return &InterfaceError{msg: errors.Errorf(format, a...).Error()}
}

// ServerError is an error reported by the server, preserving the full
// protocol error field set.
type ServerError struct {
	wire.ErrorDetails
}

func (e *ServerError) Error() string {
	return e.Severity + ": " + e.Message + " (SQLSTATE " + e.Code + ")"
}

// ProgrammingError stems from a caller mistake: bad SQL, wrong API for the
// operation, a fetch against a non-row result.
type ProgrammingError struct {
	msg string
	err error
}

func (e *ProgrammingError) Error() string { return "programming error: " + e.msg }
func (e *ProgrammingError) Unwrap() error { return e.err }

func programmingErrorf(format string, a ...interface{}) *ProgrammingError {
	return &ProgrammingError{msg: errors.Errorf(format, a...).Error()}
}

// OperationalError reports a condition outside the caller's control: a
// rejected scroll, a lost connection, an aborted transaction.
type OperationalError struct {
	msg string
	err error
}

func (e *OperationalError) Error() string { return "operational error: " + e.msg }
func (e *OperationalError) Unwrap() error { return e.err }

func operationalErrorf(format string, a ...interface{}) *OperationalError {
	return &OperationalError{msg: errors.Errorf(format, a...).Error()}
}

// InternalError reports a protocol state the engine cannot classify. It is
// not expected against a conforming server.
type InternalError struct {
	msg string
}

func (e *InternalError) Error() string { return "internal error: " + e.msg }

func internalErrorf(format string, a ...interface{}) *InternalError {
	return &InternalError{msg: errors.Errorf(format, a...).Error()}
}

// NotSupportedError reports a feature the server does not provide (e.g.
// two-phase commit on a server without prepared transactions).
type NotSupportedError struct {
	msg string
	err error
}

func (e *NotSupportedError) Error() string { return "not supported: " + e.msg }
func (e *NotSupportedError) Unwrap() error { return e.err }

// SQLSTATE codes and classes the engine branches on.
const (
	codeQueryCanceled                = "57014"
	codeObjectNotInPrerequisiteState = "55000"
	classSyntaxErrorOrAccessRule     = "42"
	classInvalidTransactionState     = "25"
)

// errorFromResult builds the caller-visible error for a fatal result. The
// SQLSTATE class picks the wrapper so callers can branch without string
// matching; the ServerError is always reachable through Unwrap/As.
func errorFromResult(res *wire.Result) error {
	details := res.Err
	if details == nil {
		return internalErrorf("fatal result carried no error details")
	}
	se := &ServerError{ErrorDetails: *details}

	switch {
	case strings.HasPrefix(se.Code, classSyntaxErrorOrAccessRule):
		return &ProgrammingError{msg: se.Error(), err: se}
	case strings.HasPrefix(se.Code, classInvalidTransactionState):
		return &OperationalError{msg: se.Error(), err: se}
	default:
		return se
	}
}

// isQueryCanceled reports whether err is the server acknowledging a cancel
// request. This is the one server error deliberately absorbed by the wait
// driver's interrupt path.
func isQueryCanceled(err error) bool {
	var se *ServerError
	if errors.As(err, &se) {
		return se.Code == codeQueryCanceled
	}
	return false
}

// linkedError connects two errors as if err wrapped next. Used to report an
// error raised while unwinding without losing the original cause.
type linkedError struct {
	err  error
	next error
}

func (le *linkedError) Error() string { return le.err.Error() }

func (le *linkedError) Is(target error) bool { return errors.Is(le.err, target) }

func (le *linkedError) As(target interface{}) bool { return errors.As(le.err, target) }

func (le *linkedError) Unwrap() error { return le.next }

// linkErrors connects outer and inner as if the fully unwrapped outer
// wrapped inner. If either is nil the other is returned.
func linkErrors(outer, inner error) error {
	if outer == nil {
		return inner
	}
	if inner == nil {
		return outer
	}
	return &linkedError{err: outer, next: inner}
}

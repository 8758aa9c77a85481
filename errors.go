package fabcq

import (
	"errors"
	"fmt"
	"syscall"
)

// Error represents a structured fabric error with context and errno mapping
type Error struct {
	Op    string        // Operation that failed (e.g., "OPEN_CQ", "CLOSE_CQ")
	CQ    uint64        // Completion queue ID (0 if not applicable)
	Queue int           // Hardware queue index (-1 if not applicable)
	Code  ErrorCode     // High-level error category
	Errno syscall.Errno // Provider errno (0 if not applicable)
	Msg   string        // Human-readable message
	Inner error         // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}

	if e.CQ != 0 {
		parts = append(parts, fmt.Sprintf("cq=%d", e.CQ))
	}

	if e.Queue >= 0 {
		parts = append(parts, fmt.Sprintf("queue=%d", e.Queue))
	}

	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("fabcq: %s (%s)", msg, parts[0])
	}

	return fmt.Sprintf("fabcq: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support against both sentinel and structured errors
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}

	if fe, ok := target.(FabError); ok {
		return e.Code == codeForSentinel(fe)
	}

	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}

	return false
}

// ErrorCode represents high-level error categories
type ErrorCode string

const (
	CodeTryAgain        ErrorCode = "try again"
	CodeErrorAvailable  ErrorCode = "error entry available"
	CodeBusy            ErrorCode = "resource busy"
	CodeUnsupported     ErrorCode = "not supported"
	CodeOutOfMemory     ErrorCode = "out of memory"
	CodeInvalidArgument ErrorCode = "invalid argument"
	CodeInternal        ErrorCode = "internal error"
)

// FabError is the sentinel error type returned by the read fast paths,
// where allocating a structured error per empty poll would be wasteful.
type FabError string

func (e FabError) Error() string {
	return "fabcq: " + string(e)
}

// Sentinel errors. ErrTryAgain and ErrAvailable are flow-control results,
// not failures: the first means no completion is ready, the second means
// an error entry must be drained through ReadErr before normal reads
// resume.
const (
	ErrTryAgain        FabError = "try again"
	ErrAvailable       FabError = "error entry available"
	ErrBusy            FabError = "resource busy"
	ErrUnsupported     FabError = "not supported"
	ErrNoMemory        FabError = "out of memory"
	ErrInvalidArgument FabError = "invalid argument"
)

func codeForSentinel(e FabError) ErrorCode {
	switch e {
	case ErrTryAgain:
		return CodeTryAgain
	case ErrAvailable:
		return CodeErrorAvailable
	case ErrBusy:
		return CodeBusy
	case ErrUnsupported:
		return CodeUnsupported
	case ErrNoMemory:
		return CodeOutOfMemory
	case ErrInvalidArgument:
		return CodeInvalidArgument
	default:
		return CodeInternal
	}
}

// Error constructors

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:    op,
		Queue: -1,
		Code:  code,
		Msg:   msg,
	}
}

// NewCQError creates a new CQ-scoped structured error
func NewCQError(op string, cq uint64, code ErrorCode, msg string) *Error {
	return &Error{
		Op:    op,
		CQ:    cq,
		Queue: -1,
		Code:  code,
		Msg:   msg,
	}
}

// NewQueueError creates a new hardware-queue-scoped structured error
func NewQueueError(op string, cq uint64, queue int, code ErrorCode, msg string) *Error {
	return &Error{
		Op:    op,
		CQ:    cq,
		Queue: queue,
		Code:  code,
		Msg:   msg,
	}
}

// WrapError wraps an existing error with fabric context
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	// If it's already a structured error, just update the operation
	if fe, ok := inner.(*Error); ok {
		return &Error{
			Op:    op,
			CQ:    fe.CQ,
			Queue: fe.Queue,
			Code:  fe.Code,
			Errno: fe.Errno,
			Msg:   fe.Msg,
			Inner: fe.Inner,
		}
	}

	if se, ok := inner.(FabError); ok {
		return &Error{
			Op:    op,
			Queue: -1,
			Code:  codeForSentinel(se),
			Msg:   string(se),
			Inner: inner,
		}
	}

	code := CodeInternal
	if errno, ok := inner.(syscall.Errno); ok {
		code = mapErrnoToCode(errno)
		return &Error{
			Op:    op,
			Queue: -1,
			Code:  code,
			Errno: errno,
			Msg:   errno.Error(),
			Inner: inner,
		}
	}

	return &Error{
		Op:    op,
		Queue: -1,
		Code:  code,
		Msg:   inner.Error(),
		Inner: inner,
	}
}

// mapErrnoToCode maps syscall errno to fabric error codes
func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.EAGAIN:
		return CodeTryAgain
	case syscall.EBUSY:
		return CodeBusy
	case syscall.EINVAL, syscall.E2BIG:
		return CodeInvalidArgument
	case syscall.ENOSYS, syscall.EOPNOTSUPP:
		return CodeUnsupported
	case syscall.ENOMEM, syscall.ENOSPC:
		return CodeOutOfMemory
	default:
		return CodeInternal
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var fabErr *Error
	if errors.As(err, &fabErr) {
		return fabErr.Code == code
	}
	if se, ok := err.(FabError); ok {
		return codeForSentinel(se) == code
	}
	return false
}

// IsErrno checks if an error matches a specific errno
func IsErrno(err error, errno syscall.Errno) bool {
	var fabErr *Error
	if errors.As(err, &fabErr) {
		return fabErr.Errno == errno
	}
	return false
}

package mainmemory

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/mainmemory/mainmemory-go/internal/fiber"
	"github.com/mainmemory/mainmemory-go/internal/ring"
	"github.com/mainmemory/mainmemory-go/internal/socket"
)

// ErrorCode identifies one member of the runtime's error taxonomy (§7).
type ErrorCode string

const (
	CodeBadDescriptor ErrorCode = "bad descriptor"
	CodeWouldBlock    ErrorCode = "would block"
	CodeTimedOut      ErrorCode = "timed out"
	CodePeerClosed    ErrorCode = "peer closed"
	CodeIOError       ErrorCode = "I/O error"
	CodeQueueFull     ErrorCode = "queue full"
	CodeOutOfMemory   ErrorCode = "out of memory"
	CodeCanceled      ErrorCode = "canceled"
)

// Error is the structured error every public API surfaces for a recoverable
// condition: which operation failed, which taxonomy member it falls under,
// and the kernel errno when the underlying failure carried one.
type Error struct {
	Op    string
	Code  ErrorCode
	Errno syscall.Errno
	Msg   string
	Inner error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	switch {
	case e.Op == "" && e.Errno == 0:
		return fmt.Sprintf("mainmemory: %s", msg)
	case e.Errno != 0:
		return fmt.Sprintf("mainmemory: %s: %s (errno=%d)", e.Op, msg, e.Errno)
	default:
		return fmt.Sprintf("mainmemory: %s: %s", e.Op, msg)
	}
}

// Unwrap exposes the original internal-package error for errors.As/Is.
func (e *Error) Unwrap() error { return e.Inner }

// Is lets errors.Is(err, &Error{Code: CodeWouldBlock}) work without callers
// constructing a full Error by hand.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

func newError(op string, code ErrorCode, inner error) *Error {
	return &Error{Op: op, Code: code, Msg: string(code), Inner: inner}
}

// translate maps an internal package's sentinel or structured error onto
// the runtime's public taxonomy, preserving the errno of an I/O failure.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, socket.ErrBadDescriptor):
		return newError(op, CodeBadDescriptor, err)
	case errors.Is(err, socket.ErrWouldBlock):
		return newError(op, CodeWouldBlock, err)
	case errors.Is(err, socket.ErrTimedOut):
		return newError(op, CodeTimedOut, err)
	case errors.Is(err, socket.ErrPeerClosed):
		return newError(op, CodePeerClosed, err)
	case errors.Is(err, ring.ErrFull):
		return newError(op, CodeQueueFull, err)
	case errors.Is(err, fiber.ErrCanceled):
		return newError(op, CodeCanceled, err)
	}

	var ioErr *socket.IOError
	if errors.As(err, &ioErr) {
		return &Error{Op: op, Code: CodeIOError, Errno: ioErr.Errno, Msg: ioErr.Error(), Inner: err}
	}
	return newError(op, CodeIOError, err)
}

// allocErr wraps an internal/alloc failure as OutOfMemory: the allocator
// only ever fails when its backing mmap call does. Buffers returned by
// BufferNew do not go through it; their Write returns the allocator's
// error unwrapped.
func allocErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Code: CodeOutOfMemory, Msg: err.Error(), Inner: err}
}

// IsCode reports whether err (or an error it wraps) carries code.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

package mainmemory

import (
	"errors"
	"syscall"
	"testing"

	"github.com/mainmemory/mainmemory-go/internal/fiber"
	"github.com/mainmemory/mainmemory-go/internal/ring"
	"github.com/mainmemory/mainmemory-go/internal/socket"
)

func TestStructuredErrorMessage(t *testing.T) {
	err := newError("sock_read", CodeWouldBlock, socket.ErrWouldBlock)

	if err.Op != "sock_read" {
		t.Errorf("expected Op=sock_read, got %s", err.Op)
	}
	if err.Code != CodeWouldBlock {
		t.Errorf("expected Code=CodeWouldBlock, got %s", err.Code)
	}

	expected := "mainmemory: sock_read: would block"
	if err.Error() != expected {
		t.Errorf("expected message %q, got %q", expected, err.Error())
	}
}

func TestTranslateSocketErrors(t *testing.T) {
	cases := []struct {
		in   error
		code ErrorCode
	}{
		{socket.ErrBadDescriptor, CodeBadDescriptor},
		{socket.ErrWouldBlock, CodeWouldBlock},
		{socket.ErrTimedOut, CodeTimedOut},
		{socket.ErrPeerClosed, CodePeerClosed},
		{ring.ErrFull, CodeQueueFull},
		{fiber.ErrCanceled, CodeCanceled},
	}

	for _, c := range cases {
		got := translate("op", c.in)
		if !IsCode(got, c.code) {
			t.Errorf("translate(%v): expected code %s, got %v", c.in, c.code, got)
		}
	}
}

func TestTranslatePreservesErrno(t *testing.T) {
	ioErr := &socket.IOError{Op: "read", Errno: syscall.ECONNRESET}
	got := translate("sock_read", ioErr)

	var e *Error
	if !errors.As(got, &e) {
		t.Fatalf("expected *Error, got %T", got)
	}
	if e.Code != CodeIOError {
		t.Errorf("expected CodeIOError, got %s", e.Code)
	}
	if e.Errno != syscall.ECONNRESET {
		t.Errorf("expected errno ECONNRESET, got %v", e.Errno)
	}
}

func TestTranslateNilIsNil(t *testing.T) {
	if translate("op", nil) != nil {
		t.Error("expected nil passthrough")
	}
}

func TestAllocErrIsOutOfMemory(t *testing.T) {
	got := allocErr("buffer_write", errors.New("mmap span: out of memory"))
	if !IsCode(got, CodeOutOfMemory) {
		t.Errorf("expected CodeOutOfMemory, got %v", got)
	}
}

func TestErrorUnwrap(t *testing.T) {
	inner := socket.ErrPeerClosed
	got := translate("sock_read", inner)
	if !errors.Is(got, inner) {
		t.Error("expected errors.Is to see through to the wrapped inner error")
	}
}

// Package backend wraps the OS-specific multiplexer (epoll on Linux,
// kqueue on BSD/Darwin) behind one interface, giving the dispatcher
// (internal/dispatcher) a single registration vocabulary regardless of
// platform: register, arm/disable per direction, and a batched poll that
// returns readiness events plus any pending wake-ups (§4.2).
package backend

import "errors"

// ErrClosed is returned by any method called after Close.
var ErrClosed = errors.New("backend: closed")

// ErrNotRegistered is returned by Arm*/Disable*/Unregister for a descriptor
// the backend does not know about.
var ErrNotRegistered = errors.New("backend: descriptor not registered")

// ErrAlreadyRegistered is returned by Register when the descriptor is
// already tracked.
var ErrAlreadyRegistered = errors.New("backend: descriptor already registered")

// Events is a bitset of readiness conditions reported for a descriptor.
type Events uint32

const (
	// Readable indicates input data, or for a listening socket, a pending
	// accept.
	Readable Events = 1 << iota
	// Writable indicates the descriptor will not block on the next write.
	Writable
	// Error indicates an error condition; the caller should read further to
	// discover the errno via getsockopt(SO_ERROR) or an equivalent probe.
	Error
	// Hangup indicates the peer closed its end, or (combined with Readable)
	// that a read will return EOF.
	Hangup
)

// Event reports readiness for one registered descriptor.
type Event struct {
	Fd     int
	Events Events
}

// Backend is the minimum vocabulary the dispatcher needs from an event
// multiplexer. Every registration is oneshot: once a direction fires, it is
// automatically disabled and must be re-armed before it will fire again.
// This mirrors the listener's wake-skip protocol (§4.3), which rearms
// interest only after it has actually drained readiness for a descriptor.
type Backend interface {
	// Register starts tracking fd with no armed directions. ArmInput /
	// ArmOutput must be called separately to request events.
	Register(fd int) error

	// Unregister stops tracking fd. Safe to call even if fd has armed
	// directions.
	Unregister(fd int) error

	// ArmInput requests a one-shot Readable notification for fd.
	ArmInput(fd int) error
	// ArmOutput requests a one-shot Writable notification for fd.
	ArmOutput(fd int) error
	// DisableInput cancels a pending ArmInput, if any.
	DisableInput(fd int) error
	// DisableOutput cancels a pending ArmOutput, if any.
	DisableOutput(fd int) error

	// Poll blocks until at least one event is ready, the timeout elapses,
	// or Notify is called, returning the ready events appended to dst.
	// A negative timeoutMs blocks indefinitely; zero returns immediately.
	Poll(dst []Event, timeoutMs int) ([]Event, error)

	// Notify wakes one Poll call blocked (or about to block) on this
	// backend, used by the dispatcher to interrupt a listener sleeping on
	// an empty run queue when cross-strand work arrives.
	Notify() error

	// Close releases the backend's kernel resources. Further calls to any
	// method return ErrClosed.
	Close() error
}

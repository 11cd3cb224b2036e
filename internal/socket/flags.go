package socket

// Flags packs the bit-flag state word a Socket carries (spec §4.7). A
// socket is, at any instant, some combination of these bits rather than a
// single enumerated state — READABLE and WRITABLE are independent latches,
// and *_SPAWNED/*_PENDING track the handler chain per direction
// separately.
type Flags uint32

const (
	// Readable is set when the backend has reported readability since the
	// last clear; cleared on EAGAIN or a short read.
	Readable Flags = 1 << iota
	// Writable mirrors Readable for the write direction.
	Writable
	// ReadError is set once an error (other than EOF, which sets Closed
	// directly) has been observed on the read direction.
	ReadError
	// WriteError mirrors ReadError for the write direction.
	WriteError
	// ReaderSpawned is set while a reader handler fiber is running.
	ReaderSpawned
	// WriterSpawned mirrors ReaderSpawned for the write direction.
	WriterSpawned
	// ReaderPending means a reader handler should be spawned the next time
	// the socket becomes (or already is) readable.
	ReaderPending
	// WriterPending mirrors ReaderPending for the write direction.
	WriterPending
	// Closed means the socket is dead; every operation fails with
	// ErrBadDescriptor without touching the fd.
	Closed
	// Nonblock means sock_read/sock_write never suspend the calling fiber;
	// they return ErrWouldBlock instead of registering as reader/writer.
	Nonblock
)

func (f Flags) has(bit Flags) bool { return f&bit != 0 }

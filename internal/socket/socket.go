// Package socket wraps a nonblocking fd with the reader/writer protocol
// contract (spec §4.7): fiber-based reads and writes suspend when the fd
// isn't ready and resume when the dispatcher reports it is, and a protocol
// handler can ask to have a fiber spawned automatically each time its
// direction becomes ready.
//
// The read/write attempt loop is grounded on socket515-gaio's
// watcher.tryRead/tryWrite (EAGAIN/EINTR handling, EOF detection via a
// zero-length read with no error). Because the dispatcher's shared backend
// may be polled by any strand's listener — only one listener ever holds
// the poller lock at a time, but it isn't always the socket's own strand —
// the readiness flags are mutated under a mutex rather than assumed
// single-threaded, while the decision to actually spawn a handler fiber is
// always routed back onto the owning strand via Dispatcher.SubmitTo,
// preserving spec §5's "no fiber is ever observed by a foreign strand".
package socket

import (
	"fmt"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mainmemory/mainmemory-go/internal/backend"
	"github.com/mainmemory/mainmemory-go/internal/dispatcher"
	"github.com/mainmemory/mainmemory-go/internal/fiber"
	"github.com/mainmemory/mainmemory-go/internal/strand"
)

// Observer receives read/write I/O error events from a Socket. Optional;
// a nil Observer on Config means these events go unrecorded.
type Observer interface {
	ObserveReadError()
	ObserveWriteError()
}

// Handlers configures the per-direction fibers a Socket spawns on its own
// strand when that direction is both pending and ready (spec §4.7's
// spawn/yield discipline). Either may be nil, leaving that direction
// purely caller-driven via Read/Write.
type Handlers struct {
	OnReadable fiber.Func
	OnWritable fiber.Func
}

// Config configures Register.
type Config struct {
	// Fd is the file descriptor to wrap. Register puts it in OS-level
	// nonblocking mode; the caller must not do so itself first.
	Fd int

	// Nonblock sets the socket's NONBLOCK state flag: Read/Write never
	// suspend the calling fiber, returning ErrWouldBlock instead.
	Nonblock bool

	// ReadTimeout and WriteTimeout bound how long Read/Write may suspend
	// the calling fiber waiting for readiness. Zero means no timeout
	// (suspend until readiness or cancellation).
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	Handlers Handlers

	// SpawnReader and SpawnWriter set the initial READER_PENDING /
	// WRITER_PENDING bits, asking the dispatcher to start the handler
	// chain as soon as the corresponding direction is ready.
	SpawnReader bool
	SpawnWriter bool

	// Observer, if set, is notified of every read/write I/O error this
	// socket produces.
	Observer Observer
}

// Socket is a registered, nonblocking fd bound to one strand.
type Socket struct {
	fd     int
	strand *strand.Strand
	disp   *dispatcher.Dispatcher

	readTimeout  time.Duration
	writeTimeout time.Duration
	handlers     Handlers
	observer     Observer

	mu         sync.Mutex
	flags      Flags
	reader     *fiber.Fiber
	writer     *fiber.Fiber
	readErrno  syscall.Errno
	writeErrno syscall.Errno
}

// Register binds fd into st's dispatcher, returning a Socket ready for
// Read/Write or, if cfg.SpawnReader/SpawnWriter is set, to start spawning
// handler fibers as soon as the fd is ready.
func Register(st *strand.Strand, disp *dispatcher.Dispatcher, cfg Config) (*Socket, error) {
	if err := unix.SetNonblock(cfg.Fd, true); err != nil {
		return nil, fmt.Errorf("socket: set nonblocking fd %d: %w", cfg.Fd, err)
	}

	s := &Socket{
		fd:           cfg.Fd,
		strand:       st,
		disp:         disp,
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
		handlers:     cfg.Handlers,
		observer:     cfg.Observer,
	}
	if cfg.Nonblock {
		s.flags |= Nonblock
	}
	if cfg.SpawnReader {
		s.flags |= ReaderPending
	}
	if cfg.SpawnWriter {
		s.flags |= WriterPending
	}

	if err := disp.RegisterFD(cfg.Fd, s.onEvent); err != nil {
		return nil, fmt.Errorf("socket: register fd %d: %w", cfg.Fd, err)
	}
	if cfg.SpawnReader {
		_ = disp.ArmInput(cfg.Fd)
	}
	if cfg.SpawnWriter {
		_ = disp.ArmOutput(cfg.Fd)
	}
	return s, nil
}

// Fd returns the wrapped descriptor.
func (s *Socket) Fd() int { return s.fd }

func (s *Socket) flagSet(bit Flags) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flags.has(bit)
}

func (s *Socket) isClosed() bool { return s.flagSet(Closed) }

// Read consumes up to len(buf) bytes from the socket, suspending the
// calling fiber f if the socket is not currently readable (spec §4.7's
// read path). f must be running on this socket's own strand.
func (s *Socket) Read(f *fiber.Fiber, buf []byte) (int, error) {
	hasDeadline := s.readTimeout > 0
	var deadline time.Time
	if hasDeadline {
		deadline = time.Now().Add(s.readTimeout)
	}

	for {
		if s.isClosed() {
			return 0, ErrBadDescriptor
		}

		if !s.flagSet(Readable) {
			if err, ok := s.takeReadError(); ok {
				return 0, err
			}
			if s.flagSet(Nonblock) {
				return 0, ErrWouldBlock
			}

			wait := s.readTimeout
			if hasDeadline {
				wait = time.Until(deadline)
				if wait <= 0 {
					return 0, ErrTimedOut
				}
			}

			s.registerReader(f)
			var err error
			if hasDeadline {
				err = s.strand.BlockFor(f, wait)
			} else {
				err = f.Block()
			}
			s.unregisterReader()
			if err != nil {
				return 0, err
			}

			if hasDeadline && !s.flagSet(Readable) && !time.Now().Before(deadline) {
				return 0, ErrTimedOut
			}
			continue
		}

		n, err := s.doRead(buf)
		if err != nil {
			return 0, err
		}
		if n == 0 {
			// doRead hit EAGAIN: Readable is now clear, loop back around.
			continue
		}
		return n, nil
	}
}

// doRead attempts exactly one syscall.Read pass, retrying internally only
// on EINTR, and reports (0, nil) to mean "EAGAIN, caller should wait for
// readiness again" — grounded on watcher.tryRead's loop.
func (s *Socket) doRead(buf []byte) (int, error) {
	for {
		n, err := syscall.Read(s.fd, buf)
		if err == syscall.EINTR {
			continue
		}
		if err == syscall.EAGAIN {
			s.clearFlag(Readable)
			_ = s.disp.ArmInput(s.fd)
			return 0, nil
		}
		if err != nil {
			errno, _ := err.(syscall.Errno)
			s.setReadError(errno)
			if s.observer != nil {
				s.observer.ObserveReadError()
			}
			return 0, &IOError{Op: "read", Errno: errno}
		}
		if n == 0 {
			s.setPeerClosed()
			return 0, ErrPeerClosed
		}
		if n < len(buf) {
			s.clearFlag(Readable)
			_ = s.disp.ArmInput(s.fd)
		}
		return n, nil
	}
}

// Write sends up to len(buf) bytes, suspending f if the socket is not
// currently writable. Symmetric with Read.
func (s *Socket) Write(f *fiber.Fiber, buf []byte) (int, error) {
	hasDeadline := s.writeTimeout > 0
	var deadline time.Time
	if hasDeadline {
		deadline = time.Now().Add(s.writeTimeout)
	}

	for {
		if s.isClosed() {
			return 0, ErrBadDescriptor
		}

		if !s.flagSet(Writable) {
			if err, ok := s.takeWriteError(); ok {
				return 0, err
			}
			if s.flagSet(Nonblock) {
				return 0, ErrWouldBlock
			}

			wait := s.writeTimeout
			if hasDeadline {
				wait = time.Until(deadline)
				if wait <= 0 {
					return 0, ErrTimedOut
				}
			}

			s.registerWriter(f)
			var err error
			if hasDeadline {
				err = s.strand.BlockFor(f, wait)
			} else {
				err = f.Block()
			}
			s.unregisterWriter()
			if err != nil {
				return 0, err
			}

			if hasDeadline && !s.flagSet(Writable) && !time.Now().Before(deadline) {
				return 0, ErrTimedOut
			}
			continue
		}

		n, err := s.doWrite(buf)
		if err != nil {
			return 0, err
		}
		if n == 0 {
			continue
		}
		return n, nil
	}
}

func (s *Socket) doWrite(buf []byte) (int, error) {
	for {
		n, err := syscall.Write(s.fd, buf)
		if err == syscall.EINTR {
			continue
		}
		if err == syscall.EAGAIN {
			s.clearFlag(Writable)
			_ = s.disp.ArmOutput(s.fd)
			return 0, nil
		}
		if err != nil {
			errno, _ := err.(syscall.Errno)
			s.setWriteError(errno)
			if s.observer != nil {
				s.observer.ObserveWriteError()
			}
			return 0, &IOError{Op: "write", Errno: errno}
		}
		if n < len(buf) {
			s.clearFlag(Writable)
			_ = s.disp.ArmOutput(s.fd)
		}
		return n, nil
	}
}

// Close tears the socket down: sets Closed, wakes any suspended reader or
// writer, unregisters fd from the backend, and only then closes it — the
// backend's Unregister call is synchronous on both the epoll and kqueue
// backends, so there is no separate confirmation step to wait on.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.flags.has(Closed) {
		s.mu.Unlock()
		return nil
	}
	s.flags |= Closed
	reader, writer := s.reader, s.writer
	s.reader, s.writer = nil, nil
	s.mu.Unlock()

	if reader != nil {
		s.strand.Scheduler().Wake(reader)
	}
	if writer != nil {
		s.strand.Scheduler().Wake(writer)
	}

	if err := s.disp.UnregisterFD(s.fd); err != nil {
		return fmt.Errorf("socket: unregister fd %d: %w", s.fd, err)
	}
	return syscall.Close(s.fd)
}

func (s *Socket) registerReader(f *fiber.Fiber) {
	s.mu.Lock()
	s.reader = f
	s.mu.Unlock()
	_ = s.disp.ArmInput(s.fd)
}

func (s *Socket) unregisterReader() {
	s.mu.Lock()
	s.reader = nil
	s.mu.Unlock()
}

func (s *Socket) registerWriter(f *fiber.Fiber) {
	s.mu.Lock()
	s.writer = f
	s.mu.Unlock()
	_ = s.disp.ArmOutput(s.fd)
}

func (s *Socket) unregisterWriter() {
	s.mu.Lock()
	s.writer = nil
	s.mu.Unlock()
}

func (s *Socket) clearFlag(bit Flags) {
	s.mu.Lock()
	s.flags &^= bit
	s.mu.Unlock()
}

func (s *Socket) setReadError(errno syscall.Errno) {
	s.mu.Lock()
	s.flags |= ReadError
	s.readErrno = errno
	if fatalErrno(errno) {
		s.flags |= Closed
	}
	s.mu.Unlock()
}

func (s *Socket) setWriteError(errno syscall.Errno) {
	s.mu.Lock()
	s.flags |= WriteError
	s.writeErrno = errno
	if fatalErrno(errno) {
		s.flags |= Closed
	}
	s.mu.Unlock()
}

func (s *Socket) setPeerClosed() {
	s.mu.Lock()
	s.flags |= Closed
	s.mu.Unlock()
}

func (s *Socket) takeReadError() (error, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.flags.has(ReadError) {
		return nil, false
	}
	return &IOError{Op: "read", Errno: s.readErrno}, true
}

func (s *Socket) takeWriteError() (error, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.flags.has(WriteError) {
		return nil, false
	}
	return &IOError{Op: "write", Errno: s.writeErrno}, true
}

// onEvent is the Dispatcher.Handler registered for this socket's fd. It may
// run on any strand's thread — whichever listener currently holds the
// dispatcher's poller lock — so it only updates the mutex-guarded
// readiness flags and wakes any already-registered reader/writer; the
// decision to spawn a new handler fiber is deferred to the owning strand
// via SubmitTo.
func (s *Socket) onEvent(ev backend.Events) {
	s.mu.Lock()
	if ev&(backend.Readable|backend.Hangup) != 0 {
		s.flags |= Readable
	}
	if ev&backend.Writable != 0 {
		s.flags |= Writable
	}
	reader, writer := s.reader, s.writer
	s.mu.Unlock()

	if reader != nil {
		s.strand.Scheduler().Wake(reader)
	}
	if writer != nil {
		s.strand.Scheduler().Wake(writer)
	}

	_ = s.disp.SubmitTo(s.strand.ID(), s.maybeSpawnHandlers)
}

func (s *Socket) maybeSpawnHandlers() {
	s.maybeSpawnReader()
	s.maybeSpawnWriter()
}

func (s *Socket) maybeSpawnReader() {
	s.mu.Lock()
	canSpawn := s.flags.has(Readable) && s.flags.has(ReaderPending) &&
		!s.flags.has(ReaderSpawned) && s.handlers.OnReadable != nil
	if canSpawn {
		s.flags |= ReaderSpawned
	}
	handler := s.handlers.OnReadable
	s.mu.Unlock()
	if !canSpawn {
		return
	}

	s.strand.Scheduler().Spawn(fiber.PriorityNormal, func(f *fiber.Fiber) error {
		err := handler(f)
		s.onReaderHandlerExit()
		return err
	})
}

func (s *Socket) onReaderHandlerExit() {
	s.mu.Lock()
	s.flags &^= ReaderSpawned
	chain := s.flags.has(Readable) && s.flags.has(ReaderPending)
	s.mu.Unlock()
	if chain {
		s.maybeSpawnReader()
	}
}

func (s *Socket) maybeSpawnWriter() {
	s.mu.Lock()
	canSpawn := s.flags.has(Writable) && s.flags.has(WriterPending) &&
		!s.flags.has(WriterSpawned) && s.handlers.OnWritable != nil
	if canSpawn {
		s.flags |= WriterSpawned
	}
	handler := s.handlers.OnWritable
	s.mu.Unlock()
	if !canSpawn {
		return
	}

	s.strand.Scheduler().Spawn(fiber.PriorityNormal, func(f *fiber.Fiber) error {
		err := handler(f)
		s.onWriterHandlerExit()
		return err
	})
}

func (s *Socket) onWriterHandlerExit() {
	s.mu.Lock()
	s.flags &^= WriterSpawned
	chain := s.flags.has(Writable) && s.flags.has(WriterPending)
	s.mu.Unlock()
	if chain {
		s.maybeSpawnWriter()
	}
}

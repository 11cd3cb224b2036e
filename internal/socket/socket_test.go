package socket

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/mainmemory/mainmemory-go/internal/dispatcher"
	"github.com/mainmemory/mainmemory-go/internal/fiber"
	"github.com/mainmemory/mainmemory-go/internal/strand"
)

func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func newTestStrand(t *testing.T) (*strand.Strand, *dispatcher.Dispatcher) {
	t.Helper()
	d, err := dispatcher.New(dispatcher.Config{NListeners: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	s := strand.New(strand.Config{ID: 0, CPU: -1}, d.Listener(0))
	return s, d
}

// runUntil starts s.Run in the background bounded by budget, returning a
// cancel func the caller invokes as soon as its own completion signal
// fires (so the test doesn't wait out the full budget), and the channel
// Run's return value lands on.
func runUntil(t *testing.T, s *strand.Strand, budget time.Duration) (cancel func(), runDone chan error) {
	t.Helper()
	ctx, cancelFn := context.WithTimeout(context.Background(), budget)
	runDone = make(chan error, 1)
	go func() { runDone <- s.Run(ctx) }()
	return cancelFn, runDone
}

func awaitThenStop(t *testing.T, done chan struct{}, budget time.Duration, cancel func(), runDone chan error) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(budget):
		t.Fatal("fiber never completed")
	}
	cancel()
	<-runDone
}

func TestReadReceivesWrittenBytes(t *testing.T) {
	a, b := socketpair(t)
	s, d := newTestStrand(t)

	sock, err := Register(s, d, Config{Fd: a})
	require.NoError(t, err)

	_, err = unix.Write(b, []byte("hello"))
	require.NoError(t, err)

	var got []byte
	var readErr error
	done := make(chan struct{})
	s.Scheduler().Spawn(fiber.PriorityNormal, func(f *fiber.Fiber) error {
		buf := make([]byte, 16)
		n, err := sock.Read(f, buf)
		got = buf[:n]
		readErr = err
		close(done)
		return nil
	})

	cancel, runDone := runUntil(t, s, time.Second)
	awaitThenStop(t, done, time.Second, cancel, runDone)

	require.NoError(t, readErr)
	assert.Equal(t, "hello", string(got))
}

func TestReadReturnsBadDescriptorAfterClose(t *testing.T) {
	a, _ := socketpair(t)
	s, d := newTestStrand(t)

	sock, err := Register(s, d, Config{Fd: a})
	require.NoError(t, err)
	require.NoError(t, sock.Close())

	buf := make([]byte, 16)
	done := make(chan struct{})
	var readErr error
	s.Scheduler().Spawn(fiber.PriorityNormal, func(f *fiber.Fiber) error {
		_, readErr = sock.Read(f, buf)
		close(done)
		return nil
	})

	cancel, runDone := runUntil(t, s, time.Second)
	awaitThenStop(t, done, time.Second, cancel, runDone)

	assert.ErrorIs(t, readErr, ErrBadDescriptor)
}

func TestReadReturnsPeerClosedOnEOF(t *testing.T) {
	a, b := socketpair(t)
	s, d := newTestStrand(t)

	sock, err := Register(s, d, Config{Fd: a})
	require.NoError(t, err)
	require.NoError(t, unix.Close(b))

	buf := make([]byte, 16)
	done := make(chan struct{})
	var readErr error
	s.Scheduler().Spawn(fiber.PriorityNormal, func(f *fiber.Fiber) error {
		_, readErr = sock.Read(f, buf)
		close(done)
		return nil
	})

	cancel, runDone := runUntil(t, s, time.Second)
	awaitThenStop(t, done, time.Second, cancel, runDone)

	assert.ErrorIs(t, readErr, ErrPeerClosed)
}

func TestReadTimesOutWhenNothingArrives(t *testing.T) {
	a, _ := socketpair(t)
	s, d := newTestStrand(t)

	sock, err := Register(s, d, Config{Fd: a, ReadTimeout: 10 * time.Millisecond})
	require.NoError(t, err)

	buf := make([]byte, 16)
	done := make(chan struct{})
	var readErr error
	var elapsed time.Duration
	s.Scheduler().Spawn(fiber.PriorityNormal, func(f *fiber.Fiber) error {
		start := time.Now()
		_, readErr = sock.Read(f, buf)
		elapsed = time.Since(start)
		close(done)
		return nil
	})

	cancel, runDone := runUntil(t, s, time.Second)
	awaitThenStop(t, done, time.Second, cancel, runDone)

	assert.ErrorIs(t, readErr, ErrTimedOut)
	assert.GreaterOrEqual(t, elapsed, 9*time.Millisecond)
}

func TestReadReturnsWouldBlockInNonblockMode(t *testing.T) {
	a, _ := socketpair(t)
	s, d := newTestStrand(t)

	sock, err := Register(s, d, Config{Fd: a, Nonblock: true})
	require.NoError(t, err)

	buf := make([]byte, 16)
	done := make(chan struct{})
	var readErr error
	s.Scheduler().Spawn(fiber.PriorityNormal, func(f *fiber.Fiber) error {
		_, readErr = sock.Read(f, buf)
		close(done)
		return nil
	})

	cancel, runDone := runUntil(t, s, time.Second)
	awaitThenStop(t, done, time.Second, cancel, runDone)

	assert.ErrorIs(t, readErr, ErrWouldBlock)
}

func TestWriteSendsBytes(t *testing.T) {
	a, b := socketpair(t)
	s, d := newTestStrand(t)

	sock, err := Register(s, d, Config{Fd: a})
	require.NoError(t, err)

	done := make(chan struct{})
	var writeErr error
	var n int
	s.Scheduler().Spawn(fiber.PriorityNormal, func(f *fiber.Fiber) error {
		n, writeErr = sock.Write(f, []byte("hi"))
		close(done)
		return nil
	})

	cancel, runDone := runUntil(t, s, time.Second)
	awaitThenStop(t, done, time.Second, cancel, runDone)

	require.NoError(t, writeErr)
	assert.Equal(t, 2, n)

	buf := make([]byte, 16)
	m, err := unix.Read(b, buf)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(buf[:m]))
}

func TestSpawnedReaderHandlerChainsWhileDataRemains(t *testing.T) {
	a, b := socketpair(t)
	s, d := newTestStrand(t)

	var reads []string
	done := make(chan struct{})
	var calls int

	var sock *Socket
	sock, err := Register(s, d, Config{
		Fd:          a,
		SpawnReader: true,
		Handlers: Handlers{
			OnReadable: func(f *fiber.Fiber) error {
				// A 3-byte read against 8 bytes of data ("abcdefgh") forces
				// exactly three chained invocations: two full 3-byte reads
				// that leave READABLE latched, then a final 2-byte short
				// read that clears it and ends the chain.
				buf := make([]byte, 3)
				n, rerr := sock.Read(f, buf)
				if rerr == nil {
					reads = append(reads, string(buf[:n]))
				}
				calls++
				if calls >= 3 {
					close(done)
				}
				return nil
			},
		},
	})
	require.NoError(t, err)

	_, err = unix.Write(b, []byte("abcdefgh"))
	require.NoError(t, err)

	cancel, runDone := runUntil(t, s, time.Second)
	awaitThenStop(t, done, time.Second, cancel, runDone)

	assert.Equal(t, "abcdefgh", joinStrings(reads))
}

func joinStrings(parts []string) string {
	out := ""
	for _, p := range parts {
		out += p
	}
	return out
}

func TestCloseIsIdempotent(t *testing.T) {
	a, _ := socketpair(t)
	s, d := newTestStrand(t)

	sock, err := Register(s, d, Config{Fd: a})
	require.NoError(t, err)
	require.NoError(t, sock.Close())
	require.NoError(t, sock.Close())
}

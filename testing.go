package mainmemory

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/mainmemory/mainmemory-go/internal/socket"
)

// NewTestRuntime creates a single-strand Runtime with small queue sizes,
// suitable for unit tests that don't need multiple cores. The caller is
// still responsible for calling Run (typically in a goroutine) and Stop.
func NewTestRuntime() (*Runtime, error) {
	return Create(Config{
		NListeners:        1,
		DispatchQueueSize: 16,
		ListenerQueueSize: 16,
	})
}

// SocketPair creates a connected pair of nonblocking Unix-domain sockets
// on runtime r's strand i, for exercising protocol handlers without a
// real network connection. The caller owns closing both sockets.
func SocketPair(r *Runtime, i int) (a, b *socket.Socket, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("mainmemory: socketpair: %w", err)
	}

	a, err = r.SockRegister(i, socket.Config{Fd: fds[0]})
	if err != nil {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
		return nil, nil, err
	}
	b, err = r.SockRegister(i, socket.Config{Fd: fds[1]})
	if err != nil {
		_ = a.Close()
		_ = unix.Close(fds[1])
		return nil, nil, err
	}
	return a, b, nil
}

// MockObserver is a call-counting Observer implementation for tests that
// want to assert which runtime events fired without wiring a real Metrics.
type MockObserver struct {
	mu sync.Mutex

	asyncSubmits     int
	asyncQueueFulls  int
	fiberSpawns      int
	fiberCancels     int
	socketRegistered int
	socketReadErrs   int
	socketWriteErrs  int
}

// NewMockObserver returns an empty MockObserver.
func NewMockObserver() *MockObserver { return &MockObserver{} }

func (o *MockObserver) ObserveAsyncSubmit(queueFull bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.asyncSubmits++
	if queueFull {
		o.asyncQueueFulls++
	}
}

func (o *MockObserver) ObserveFiberSpawn() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fiberSpawns++
}

func (o *MockObserver) ObserveFiberCanceled() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fiberCancels++
}

func (o *MockObserver) ObserveSocketRegistered() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.socketRegistered++
}

func (o *MockObserver) ObserveSocketReadError() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.socketReadErrs++
}

func (o *MockObserver) ObserveSocketWriteError() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.socketWriteErrs++
}

// Counts returns a snapshot of every event count observed so far.
func (o *MockObserver) Counts() map[string]int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return map[string]int{
		"async_submits":     o.asyncSubmits,
		"async_queue_fulls": o.asyncQueueFulls,
		"fiber_spawns":      o.fiberSpawns,
		"fiber_cancels":     o.fiberCancels,
		"socket_registered": o.socketRegistered,
		"socket_read_errs":  o.socketReadErrs,
		"socket_write_errs": o.socketWriteErrs,
	}
}

var _ Observer = (*MockObserver)(nil)

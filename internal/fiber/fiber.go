// Package fiber implements the runtime's cooperatively scheduled unit of
// work (spec §4.5). True stackful fibers — manual save/restore of machine
// registers and a private stack — have no safe expression in idiomatic Go;
// this package models a fiber as a goroutine gated by a baton-passing
// channel pair, so at most one fiber per Scheduler ever runs at a time and
// control only changes hands at an explicit Yield. Priority, cancellation,
// and the cleanup-handler stack are all still first-class.
package fiber

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrCanceled is returned by Yield (and surfaced as the fiber's terminal
// error) when a cancellation request was observed at a cancellation point.
var ErrCanceled = errors.New("fiber: canceled")

// Priority buckets the run queue a fiber is scheduled on; higher values run
// first whenever more than one bucket is non-empty.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh

	numPriorities
)

// CancelState mirrors pthread_setcancelstate: whether cancellation requests
// are allowed to take effect at all.
type CancelState int32

const (
	CancelEnable CancelState = iota
	CancelDisable
)

// CancelType mirrors pthread_setcanceltype. SetCancelType records the value,
// but it does not change when a cancellation takes effect: under either type
// a pending, enabled request is observed at the same points (Yield, Block,
// and the fiber's own calls to Fiber.Canceled), since Go gives no way to
// interrupt arbitrary running code from outside.
type CancelType int32

const (
	CancelDeferred CancelType = iota
	CancelAsync
)

type cleanupFn func()

// Fiber is one schedulable unit of work. A Fiber is created by
// Scheduler.Spawn and runs until its function returns or observes
// cancellation at a cancellation point.
type Fiber struct {
	id       uint64
	priority Priority
	sched    *Scheduler

	resume  chan struct{}
	yielded chan struct{}

	cancelState atomic.Int32
	cancelType  atomic.Int32
	cancelReq   atomic.Bool

	// blockReq is set by Block just before handing control back to the
	// scheduler, telling Scheduler.Tick to leave this fiber off the run
	// queue until a Scheduler.Wake call re-enqueues it. parked reflects
	// whether that has actually happened yet, so Cancel knows whether it
	// must nudge the scheduler to observe the request.
	blockReq atomic.Bool
	parked   atomic.Bool

	cleanupMu sync.Mutex
	cleanup   []cleanupFn

	done atomic.Bool
	err  error
}

// ID returns the fiber's scheduler-unique identifier.
func (f *Fiber) ID() uint64 { return f.id }

// Priority returns the fiber's run-queue priority.
func (f *Fiber) Priority() Priority { return f.priority }

// Yield returns control to the scheduler, which resumes some runnable
// fiber (possibly this one again, if no higher-priority work is pending)
// and eventually resumes this fiber in turn. It returns ErrCanceled,
// without resuming the caller's turn, if a cancellation request is pending
// and cancellation is currently enabled.
func (f *Fiber) Yield() error {
	if f.cancelPending() {
		return ErrCanceled
	}
	f.yielded <- struct{}{}
	<-f.resume
	if f.cancelPending() {
		return ErrCanceled
	}
	return nil
}

// Block returns control to the scheduler and does not rejoin the run queue
// on its own — unlike Yield, some other fiber or external caller must call
// Scheduler.Wake(f) to make it runnable again. This is the primitive behind
// fiber_block_for and socket read/write suspension, where resumption is
// driven by a time-wheel expiry or a readiness event rather than "my turn
// came back around". It returns ErrCanceled, without blocking, if
// cancellation is pending and enabled.
func (f *Fiber) Block() error {
	if f.cancelPending() {
		return ErrCanceled
	}
	f.blockReq.Store(true)
	f.yielded <- struct{}{}
	<-f.resume
	if f.cancelPending() {
		return ErrCanceled
	}
	return nil
}

// Cancel requests that the fiber terminate at its next cancellation point.
// It does not block for the fiber to actually exit. A fiber parked in Block
// is woken so it can observe the request instead of waiting indefinitely
// for an unrelated Scheduler.Wake.
func (f *Fiber) Cancel() {
	f.cancelReq.Store(true)
	if f.parked.Load() {
		f.sched.Wake(f)
	}
}

// Canceled reports whether a cancellation request is pending and enabled —
// the check a blocking call (socket read, timed wait) should perform at its
// own cancellation points, since Yield alone cannot observe cancellation
// requested while the fiber is off-CPU inside such a call.
func (f *Fiber) Canceled() bool { return f.cancelPending() }

func (f *Fiber) cancelPending() bool {
	return f.cancelReq.Load() && CancelState(f.cancelState.Load()) == CancelEnable
}

// SetCancelState enables or disables cancellation, returning the previous
// state so the caller can restore it (matching pthread_setcancelstate).
func (f *Fiber) SetCancelState(s CancelState) CancelState {
	old := CancelState(f.cancelState.Swap(int32(s)))
	return old
}

// SetCancelType selects deferred or async cancellation semantics, returning
// the previous type.
func (f *Fiber) SetCancelType(t CancelType) CancelType {
	old := CancelType(f.cancelType.Swap(int32(t)))
	return old
}

// PushCleanup registers fn to run, in LIFO order, when the fiber exits for
// any reason — normal return or cancellation.
func (f *Fiber) PushCleanup(fn func()) {
	f.cleanupMu.Lock()
	f.cleanup = append(f.cleanup, fn)
	f.cleanupMu.Unlock()
}

// PopCleanup removes the most recently pushed cleanup handler, running it
// first if execute is true. It is a no-op if the cleanup stack is empty.
func (f *Fiber) PopCleanup(execute bool) {
	f.cleanupMu.Lock()
	n := len(f.cleanup)
	if n == 0 {
		f.cleanupMu.Unlock()
		return
	}
	fn := f.cleanup[n-1]
	f.cleanup = f.cleanup[:n-1]
	f.cleanupMu.Unlock()
	if execute {
		fn()
	}
}

func (f *Fiber) runRemainingCleanup() {
	f.cleanupMu.Lock()
	stack := f.cleanup
	f.cleanup = nil
	f.cleanupMu.Unlock()
	for i := len(stack) - 1; i >= 0; i-- {
		stack[i]()
	}
}

// Done reports whether the fiber's function has returned.
func (f *Fiber) Done() bool { return f.done.Load() }

// Err returns the fiber's terminal error, if any, once Done reports true.
func (f *Fiber) Err() error { return f.err }

package dispatcher

import (
	"context"
	"time"

	"github.com/mainmemory/mainmemory-go/internal/backend"
	"github.com/mainmemory/mainmemory-go/internal/constants"
	"github.com/mainmemory/mainmemory-go/internal/ring"
)

// idleWaitTimeout bounds how long a Waiting listener sleeps without being
// nudged, as a backstop against a missed wake-up racing a state transition.
const idleWaitTimeout = 2 * time.Second

// asyncDrainBatch caps how many async calls one Running pass executes
// before yielding back to the scheduler, keeping one listener from starving
// its own event polling under sustained submission pressure.
const asyncDrainBatch = 256

// Listener is one of a Dispatcher's polling loops, bound to exactly one
// strand. Its state word (spec §4.3) tells the rest of the dispatcher
// whether it is actively draining work, blocked in the shared backend's
// poll syscall, or idle and waiting to be woken.
type Listener struct {
	id int
	d  *Dispatcher
	st state

	// own is the listener's strand-targeted queue: calls posted via
	// Dispatcher.SubmitTo(l.id, ...), as opposed to d.asyncQueue which any
	// listener may drain.
	own *ring.MPMC[AsyncCall]

	wake     chan struct{}
	eventBuf []backend.Event
}

func newListener(id int, d *Dispatcher, ownQueueSize int) *Listener {
	return &Listener{
		id:       id,
		d:        d,
		own:      ring.NewMPMC[AsyncCall](ownQueueSize),
		wake:     make(chan struct{}, 1),
		eventBuf: make([]backend.Event, 0, constants.EventBackendNEvents),
	}
}

// ID returns the listener's index within its dispatcher.
func (l *Listener) ID() int { return l.id }

// Notify wakes the shared backend's poll syscall, for a caller driving this
// listener's poll-or-wait step itself (internal/strand) to unblock it on
// its own context cancellation rather than waiting out a poll timeout.
func (l *Listener) Notify() error { return l.d.backend.Notify() }

func (l *Listener) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if l.DrainOwn() || l.drainAsync() {
			continue
		}

		polled, err := l.TryPollOrWait(ctx, l.pollTimeoutMs(ctx))
		if err != nil {
			return err
		}
		_ = polled
	}
}

// drainAsync runs up to asyncDrainBatch calls from the dispatcher-wide
// shared queue, returning whether it ran at least one — the caller loops
// again immediately when it did, since more work likely remains and a
// second backend poll would be wasted.
func (l *Listener) drainAsync() bool {
	ran := false
	for i := 0; i < asyncDrainBatch; i++ {
		call, err := l.d.asyncQueue.Dequeue()
		if err != nil {
			break
		}
		if !ran {
			l.st.transition(Running, l.d.asyncQueue.DequeueStamp())
			ran = true
		}
		call()
	}
	return ran
}

// DrainOwn runs up to asyncDrainBatch calls posted directly at this
// listener via Dispatcher.SubmitTo — the strand-targeted counterpart of
// strand_submit (spec §6), as opposed to the dispatcher-wide shared queue.
func (l *Listener) DrainOwn() bool {
	ran := false
	for i := 0; i < asyncDrainBatch; i++ {
		call, err := l.own.Dequeue()
		if err != nil {
			break
		}
		if !ran {
			l.st.transition(Running, l.d.asyncQueue.DequeueStamp())
			ran = true
		}
		call()
	}
	return ran
}

// TryPollOrWait is the single poll-or-park step of the listener loop,
// exposed so a strand's own scheduling loop (internal/strand) can interleave
// it with fiber ticks and time-wheel expiry instead of running inside a
// free-standing goroutine. It returns polled=true if it actually called into
// the backend, false if it parked on the wake channel (or the idle
// backstop) instead.
func (l *Listener) TryPollOrWait(ctx context.Context, timeoutMs int) (polled bool, err error) {
	// Spin on the poller lock up to DefaultLockSpinLimit attempts before
	// falling back to parking.
	acquired := false
	for i := 0; i < constants.DefaultLockSpinLimit && !acquired; i++ {
		acquired = l.d.pollerLock.CompareAndSwap(false, true)
	}
	if acquired {
		l.st.transition(Polling, l.d.asyncQueue.DequeueStamp())
		events, perr := l.d.backend.Poll(l.eventBuf[:0], timeoutMs)
		l.d.pollerLock.Store(false)
		if perr != nil {
			return false, perr
		}
		l.d.dispatchEvents(events)
		return true, nil
	}

	l.st.transition(Waiting, l.d.asyncQueue.DequeueStamp())
	wait := idleWaitTimeout
	if timeoutMs >= 0 && time.Duration(timeoutMs)*time.Millisecond < wait {
		wait = time.Duration(timeoutMs) * time.Millisecond
	}
	select {
	case <-l.wake:
	case <-ctx.Done():
	case <-time.After(wait):
	}
	return false, nil
}

// pollTimeoutMs picks how long to block in Backend.Poll: indefinitely
// unless the caller's context carries a deadline, in which case the
// listener wakes in time to notice cancellation.
func (l *Listener) pollTimeoutMs(ctx context.Context) int {
	deadline, ok := ctx.Deadline()
	if !ok {
		return -1
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return 0
	}
	return int(remaining / time.Millisecond)
}

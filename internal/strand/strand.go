// Package strand implements the runtime's per-core worker (spec §3, §5):
// one OS thread owning a fiber scheduler, a time wheel, a private chunk
// cache, and a binding to one of the dispatcher's listeners. A strand's
// mutable state is touched only by the thread it runs on; cross-strand
// coordination happens exclusively through the dispatcher's async queues
// (internal/dispatcher) and each strand's own reclamation rings.
package strand

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/mainmemory/mainmemory-go/internal/alloc"
	"github.com/mainmemory/mainmemory-go/internal/dispatcher"
	"github.com/mainmemory/mainmemory-go/internal/fiber"
	"github.com/mainmemory/mainmemory-go/internal/logging"
	"github.com/mainmemory/mainmemory-go/internal/ring"
	"github.com/mainmemory/mainmemory-go/internal/timewheel"
)

// idlePollTimeout bounds how long Run's poll-or-wait step blocks when no
// fiber is runnable and no timer is pending.
const idlePollTimeout = 2 * time.Second

const defaultReclaimQueueSize = 256

// Config configures a Strand.
type Config struct {
	// ID is this strand's index, also used as its listener index within
	// the shared Dispatcher.
	ID int
	// NumStrands is the total number of strands in the owning runtime,
	// sizing the per-foreign-strand reclamation rings.
	NumStrands int
	// CPU pins the strand's OS thread to this CPU index. Negative means no
	// affinity is requested.
	CPU int
	// ReclaimQueueSize sizes each inbound reclamation ring. Zero uses a
	// small default.
	ReclaimQueueSize int
	Logger           *logging.Logger

	// Boot, Master, and Dealer, if set, are run once each as named fibers
	// at strand startup (spec §3's reserved boot/master/dealer slots),
	// highest priority first. A nil hook is simply skipped.
	Boot   fiber.Func
	Master fiber.Func
	Dealer fiber.Func
}

func (c Config) withDefaults() Config {
	if c.ReclaimQueueSize <= 0 {
		c.ReclaimQueueSize = defaultReclaimQueueSize
	}
	if c.Logger == nil {
		c.Logger = logging.Default()
	}
	if c.NumStrands <= 0 {
		c.NumStrands = 1
	}
	return c
}

// Strand is one core's private bundle: fiber scheduler, time wheel, chunk
// cache, and dispatcher listener binding.
type Strand struct {
	id    int
	cfg   Config
	log   *logging.Logger
	sched *fiber.Scheduler
	wheel *timewheel.Wheel
	cache *alloc.Cache
	l     *dispatcher.Listener

	// reclaimIn[j] is the inbound free-request ring from strand j; only
	// strand j ever enqueues to it, only this strand ever dequeues.
	// reclaimIn[id] is left nil (a strand never posts to itself — it frees
	// directly).
	reclaimIn []*ring.SPSC[unsafe.Pointer]

	switches atomic.Uint64
	stopped  atomic.Bool

	boot   *fiber.Fiber
	master *fiber.Fiber
	dealer *fiber.Fiber
}

// New creates a strand bound to listener l. It does not start running until
// Run is called.
func New(cfg Config, l *dispatcher.Listener) *Strand {
	cfg = cfg.withDefaults()
	s := &Strand{
		id:        cfg.ID,
		cfg:       cfg,
		log:       cfg.Logger.WithStrand(cfg.ID),
		sched:     fiber.NewScheduler(),
		wheel:     timewheel.New(),
		cache:     alloc.NewCache(),
		l:         l,
		reclaimIn: make([]*ring.SPSC[unsafe.Pointer], cfg.NumStrands),
	}
	for j := range s.reclaimIn {
		if j == cfg.ID {
			continue
		}
		s.reclaimIn[j] = ring.NewSPSC[unsafe.Pointer](cfg.ReclaimQueueSize)
	}

	if cfg.Boot != nil {
		s.boot = s.sched.Spawn(fiber.PriorityHigh, cfg.Boot)
	}
	if cfg.Master != nil {
		s.master = s.sched.Spawn(fiber.PriorityNormal, cfg.Master)
	}
	if cfg.Dealer != nil {
		s.dealer = s.sched.Spawn(fiber.PriorityNormal, cfg.Dealer)
	}
	return s
}

// ID returns the strand's index.
func (s *Strand) ID() int { return s.id }

// Scheduler exposes the fiber scheduler so callers can Spawn application
// fibers onto this strand.
func (s *Strand) Scheduler() *fiber.Scheduler { return s.sched }

// Wheel exposes the time wheel, e.g. for a socket's read/write timeout.
func (s *Strand) Wheel() *timewheel.Wheel { return s.wheel }

// Listener exposes the bound dispatcher listener, e.g. for socket
// registration.
func (s *Strand) Listener() *dispatcher.Listener { return s.l }

// ContextSwitches returns the number of scheduler ticks this strand has run.
func (s *Strand) ContextSwitches() uint64 { return s.switches.Load() }

// Boot, Master, and Dealer return the strand's named fibers, or nil if the
// corresponding Config hook was not set.
func (s *Strand) Boot() *fiber.Fiber   { return s.boot }
func (s *Strand) Master() *fiber.Fiber { return s.master }
func (s *Strand) Dealer() *fiber.Fiber { return s.dealer }

// Cache exposes the strand's private chunk cache directly, e.g. for a
// caller constructing a segmented buffer (internal/buffer) backed by this
// strand's own allocator accounting.
func (s *Strand) Cache() *alloc.Cache { return s.cache }

// Alloc requests size bytes from this strand's private chunk cache. Only
// the strand's own thread may call this.
func (s *Strand) Alloc(size int) (unsafe.Pointer, error) { return s.cache.Alloc(size) }

// Free returns ptr, previously allocated by this strand's own Alloc, to the
// chunk cache. Only the strand's own thread may call this; a foreign
// strand holding a pointer it did not allocate must use RequestFree
// instead.
func (s *Strand) Free(ptr unsafe.Pointer) { s.cache.Free(ptr) }

// RequestFree lets strand fromID ask this strand to free ptr, which this
// strand's cache owns. It is safe to call from any strand's thread; the
// actual Cache.Free call happens on this strand's own thread during its
// next drainReclaim.
func (s *Strand) RequestFree(fromID int, ptr unsafe.Pointer) error {
	if fromID == s.id {
		s.Free(ptr)
		return nil
	}
	q := s.reclaimIn[fromID]
	if err := q.Enqueue(ptr); err != nil {
		return fmt.Errorf("strand %d: request free from strand %d: %w", s.id, fromID, err)
	}
	return nil
}

func (s *Strand) drainReclaim() bool {
	ran := false
	for _, q := range s.reclaimIn {
		if q == nil {
			continue
		}
		for {
			ptr, err := q.Dequeue()
			if err != nil {
				break
			}
			s.cache.Free(ptr)
			ran = true
		}
	}
	return ran
}

// BlockFor parks the calling fiber until timeout elapses, via the strand's
// time wheel (spec §4.6's fiber_block_for). It must be called from a fiber
// running on this strand.
func (s *Strand) BlockFor(f *fiber.Fiber, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	tm := s.wheel.Insert(deadline, func() { s.sched.Wake(f) })
	err := f.Block()
	s.wheel.Cancel(tm)
	return err
}

// Stop requests that Run return once it next checks its stop flag, nudging
// the backend so a strand parked in a poll wait notices promptly.
func (s *Strand) Stop() {
	s.stopped.Store(true)
	_ = s.l.Notify()
}

// Run drives the strand's main loop until ctx is canceled or Stop is
// called: tick the fiber scheduler, drain strand-targeted async work,
// resolve expired timers, and otherwise poll (or park) for backend
// readiness — all on the calling goroutine, which this method pins to one
// OS thread and, if configured, one CPU, mirroring the teacher's
// one-goroutine-per-queue ioLoop.
func (s *Strand) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if s.cfg.CPU >= 0 {
		var mask unix.CPUSet
		mask.Set(s.cfg.CPU)
		if err := unix.SchedSetaffinity(0, &mask); err != nil {
			s.log.Warn("failed to set CPU affinity", "cpu", s.cfg.CPU, "err", err)
		} else {
			s.log.Debug("CPU affinity set", "cpu", s.cfg.CPU)
		}
	}

	go func() {
		<-ctx.Done()
		_ = s.l.Notify()
	}()

	for {
		if ctx.Err() != nil || s.stopped.Load() {
			return nil
		}

		if s.sched.Tick() {
			s.switches.Add(1)
			continue
		}
		if s.drainReclaim() {
			continue
		}
		if s.l.DrainOwn() {
			continue
		}

		now := time.Now()
		due := s.wheel.Advance(now)
		if len(due) > 0 {
			for _, tm := range due {
				tm.Fire()
			}
			continue
		}

		timeoutMs := s.pollTimeoutMs(now)
		if _, err := s.l.TryPollOrWait(ctx, timeoutMs); err != nil {
			return fmt.Errorf("strand %d: %w", s.id, err)
		}
	}
}

func (s *Strand) pollTimeoutMs(now time.Time) int {
	deadline, ok := s.wheel.Peek()
	if !ok {
		return int(idlePollTimeout / time.Millisecond)
	}
	remaining := deadline.Sub(now)
	if remaining <= 0 {
		return 0
	}
	if remaining > idlePollTimeout {
		remaining = idlePollTimeout
	}
	return int(remaining / time.Millisecond)
}

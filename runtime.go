// Package mainmemory is the embedded library surface (§6): a user-space,
// multi-core runtime of cooperatively scheduled fibers, a shared event
// dispatcher, cross-strand async queues, a per-strand chunk-cache
// allocator, and a nonblocking socket state machine, all exposed through
// one Runtime handle.
package mainmemory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mainmemory/mainmemory-go/internal/buffer"
	"github.com/mainmemory/mainmemory-go/internal/constants"
	"github.com/mainmemory/mainmemory-go/internal/dispatcher"
	"github.com/mainmemory/mainmemory-go/internal/fiber"
	"github.com/mainmemory/mainmemory-go/internal/logging"
	"github.com/mainmemory/mainmemory-go/internal/settings"
	"github.com/mainmemory/mainmemory-go/internal/socket"
	"github.com/mainmemory/mainmemory-go/internal/strand"
)

// Config configures a Runtime (§6's runtime_create, §6's "Configuration
// (enumerated)" list).
type Config struct {
	// NListeners is the number of strands (and dispatcher listeners) to
	// allocate. Must be > 0; defaults to constants.DefaultNListeners.
	NListeners int

	// DispatchQueueSize sizes the dispatcher-wide async queue and each
	// listener's own targeted queue; ListenerQueueSize sizes each strand's
	// inbound reclaim rings. Create raises a positive value below
	// MinQueueSize to MinQueueSize, and the rings round it up to the next
	// power of two.
	DispatchQueueSize int
	ListenerQueueSize int

	// CPUAffinity[i], if present, pins strand i's OS thread to that CPU
	// index. A short or absent slice leaves the corresponding strand (and
	// any beyond the slice's length) unpinned.
	CPUAffinity []int

	Logger   *logging.Logger
	Settings *settings.Settings

	// Observer receives every fiber/async-queue/socket event this runtime
	// records. If nil, Create defaults it to a MetricsObserver wrapping the
	// runtime's own Metrics.
	Observer Observer

	// Boot, Master, and Dealer, if set, run once on every strand at startup
	// (spec §3's reserved boot/master/dealer fiber slots).
	Boot   fiber.Func
	Master fiber.Func
	Dealer fiber.Func
}

func (c Config) withDefaults() Config {
	if c.NListeners <= 0 {
		c.NListeners = constants.DefaultNListeners
	}
	if c.DispatchQueueSize <= 0 {
		c.DispatchQueueSize = constants.DefaultDispatchQueueSize
	}
	if c.ListenerQueueSize <= 0 {
		c.ListenerQueueSize = constants.DefaultListenerQueueSize
	}
	if c.DispatchQueueSize < constants.MinQueueSize {
		c.DispatchQueueSize = constants.MinQueueSize
	}
	if c.ListenerQueueSize < constants.MinQueueSize {
		c.ListenerQueueSize = constants.MinQueueSize
	}
	if c.Logger == nil {
		c.Logger = logging.Default()
	}
	if c.Settings == nil {
		c.Settings = settings.New()
	}
	return c
}

func (c Config) cpuFor(i int) int {
	if i < len(c.CPUAffinity) {
		return c.CPUAffinity[i]
	}
	return -1
}

// Runtime is the allocated, not-yet-running bundle of strands, dispatcher,
// and event backend runtime_create returns.
type Runtime struct {
	cfg      Config
	disp     *dispatcher.Dispatcher
	strands  []*strand.Strand
	metrics  *Metrics
	observer Observer
	settings *settings.Settings
	log      *logging.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
}

// Create allocates N strands, N listeners, one dispatcher, and one event
// backend per cfg (§6's runtime_create). It does not start any strand;
// call Run for that.
func Create(cfg Config) (*Runtime, error) {
	cfg = cfg.withDefaults()

	disp, err := dispatcher.New(dispatcher.Config{
		NListeners:     cfg.NListeners,
		AsyncQueueSize: cfg.DispatchQueueSize,
		Logger:         cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("mainmemory: create dispatcher: %w", err)
	}

	metrics := NewMetrics()
	observer := cfg.Observer
	if observer == nil {
		observer = NewMetricsObserver(metrics)
	}

	r := &Runtime{
		cfg:      cfg,
		disp:     disp,
		metrics:  metrics,
		observer: observer,
		settings: cfg.Settings,
		log:      cfg.Logger,
	}

	r.strands = make([]*strand.Strand, cfg.NListeners)
	for i := 0; i < cfg.NListeners; i++ {
		r.strands[i] = strand.New(strand.Config{
			ID:               i,
			NumStrands:       cfg.NListeners,
			CPU:              cfg.cpuFor(i),
			ReclaimQueueSize: cfg.ListenerQueueSize,
			Logger:           cfg.Logger,
			Boot:             cfg.Boot,
			Master:           cfg.Master,
			Dealer:           cfg.Dealer,
		}, disp.Listener(i))
	}

	return r, nil
}

// NumStrands returns the number of strands this runtime owns.
func (r *Runtime) NumStrands() int { return len(r.strands) }

// Strand returns strand i, for callers that need direct access (e.g. to
// spawn application fibers with Strand.Scheduler()).
func (r *Runtime) Strand(i int) *strand.Strand { return r.strands[i] }

// Metrics returns the runtime's counters.
func (r *Runtime) Metrics() *Metrics { return r.metrics }

// Settings returns the runtime's settings store.
func (r *Runtime) Settings() *settings.Settings { return r.settings }

// MetricsSnapshot samples the dispatcher's wake counters and every
// strand's allocator/scheduler gauges, then returns a consistent copy of
// all runtime metrics.
func (r *Runtime) MetricsSnapshot() MetricsSnapshot {
	issued, avoided := r.disp.WakeStats()
	r.metrics.setWakeStats(issued, avoided)

	var switches uint64
	var spans, hugeSpans int
	var bytes int64
	for _, s := range r.strands {
		switches += s.ContextSwitches()
		sp, hs, b := s.Cache().Stats()
		spans += sp
		hugeSpans += hs
		bytes += b
	}
	r.metrics.ContextSwitches.Store(switches)
	r.metrics.setAllocatorStats(spans, hugeSpans, bytes)

	return r.metrics.Snapshot()
}

// Run blocks every strand's main loop (§6's runtime_run) until ctx is
// canceled or Stop is called, returning the first strand error (if any).
func (r *Runtime) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.running = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		r.metrics.Stop()
	}()

	errCh := make(chan error, len(r.strands))
	var wg sync.WaitGroup
	for _, s := range r.strands {
		wg.Add(1)
		go func(s *strand.Strand) {
			defer wg.Done()
			errCh <- s.Run(ctx)
		}(s)
	}
	wg.Wait()
	close(errCh)

	var firstErr error
	for err := range errCh {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stop posts a stop request to every strand (§6's runtime_stop). Safe to
// call before Run returns, and safe to call more than once.
func (r *Runtime) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	for _, s := range r.strands {
		s.Stop()
	}
}

// StrandSubmit enqueues routine onto strand i's own queue (§6's
// strand_submit). It returns only "accepted" (nil) or a QueueFull error;
// the caller must retry or drop the call itself.
func (r *Runtime) StrandSubmit(i int, routine func()) error {
	err := r.disp.SubmitTo(i, dispatcher.AsyncCall(routine))
	r.observer.ObserveAsyncSubmit(err != nil)
	if err != nil {
		return translate("strand_submit", err)
	}
	return nil
}

// FiberSpawn creates a fiber on strand i (§6's fiber_spawn).
func (r *Runtime) FiberSpawn(i int, priority fiber.Priority, routine fiber.Func) *fiber.Fiber {
	r.observer.ObserveFiberSpawn()
	wrapped := func(f *fiber.Fiber) error {
		err := routine(f)
		if errors.Is(err, fiber.ErrCanceled) {
			r.observer.ObserveFiberCanceled()
		}
		return err
	}
	return r.strands[i].Scheduler().Spawn(priority, wrapped)
}

// SockRegister binds fd into strand i's dispatcher listener (§6's
// sock_register); see internal/socket for sock_read/sock_write/sock_close.
func (r *Runtime) SockRegister(i int, cfg socket.Config) (*socket.Socket, error) {
	if cfg.Observer == nil {
		cfg.Observer = socketObserver{r.observer}
	}
	sock, err := socket.Register(r.strands[i], r.disp, cfg)
	if err != nil {
		return nil, translate("sock_register", err)
	}
	r.observer.ObserveSocketRegistered()
	return sock, nil
}

// socketObserver adapts the runtime-wide Observer onto internal/socket's
// narrower Observer interface, so a single Config.Observer still backs
// every socket a Runtime registers.
type socketObserver struct{ o Observer }

func (a socketObserver) ObserveReadError()  { a.o.ObserveSocketReadError() }
func (a socketObserver) ObserveWriteError() { a.o.ObserveSocketWriteError() }

// BufferNew creates a segmented buffer (§6's buffer_*) backed by strand
// i's own chunk cache, so its footprint is visible to that strand's
// allocator accounting.
func (r *Runtime) BufferNew(i int, chunkSize int) *buffer.Buffer {
	return buffer.New(r.strands[i].Cache(), chunkSize)
}

// Package constants holds the tunables referenced across the runtime's
// internal packages: the allocator's span/unit geometry, default stack and
// queue sizing, and the spin limits the dispatcher consults before
// descending into a blocking syscall.
package constants

import "time"

// Default configuration constants.
const (
	// DefaultNListeners is used when Config.NListeners is zero or negative.
	DefaultNListeners = 1

	// DefaultDispatchQueueSize is the default MPMC async-queue capacity.
	// The runtime raises a smaller configured size to MinQueueSize, and the
	// ring rounds it up to the next power of two.
	DefaultDispatchQueueSize = 1024

	// DefaultListenerQueueSize is the default per-strand SPSC reclaim
	// queue capacity. Same sizing rule as DefaultDispatchQueueSize.
	DefaultListenerQueueSize = 256

	// MinQueueSize is the minimum allowed queue size after power-of-two rounding.
	MinQueueSize = 16

	// DefaultLockSpinLimit bounds how many times listener_poll spins trying
	// to acquire the dispatcher's advisory poller lock before sleeping.
	DefaultLockSpinLimit = 1000

	// DefaultPollSpinLimit is a spin count for the step after the poller
	// lock is taken. No package reads it: once TryPollOrWait holds the
	// poller lock it calls Backend.Poll with the caller's timeout at once,
	// without spinning.
	DefaultPollSpinLimit = 1000

	// DefaultStackSize is the default fiber stack size: 7 pages.
	DefaultStackSize = 7 * PageSize

	// PageSize is the assumed virtual memory page size.
	PageSize = 4096

	// EventBackendNEvents is the maximum number of events returned by a
	// single backend poll call.
	EventBackendNEvents = 64
)

// Allocator geometry (see spec §3, §4.1).
const (
	// SpanSize is the size, and required alignment, of a chunk-cache span.
	SpanSize = 2 << 20 // 2 MiB

	// SpanHeaderSize is the reserved header region at the start of every span.
	SpanHeaderSize = 4096

	// UnitSize is the granularity of the span's byte map; every unit is
	// tracked by exactly one entry in units[].
	UnitSize = 1024 // 1 KiB

	// UnitsPerSpan is the number of client units following the span header.
	UnitsPerSpan = (SpanSize - SpanHeaderSize) / UnitSize // 2044

	// SmallRankMax is the last small rank (sizes up to 112 B).
	SmallRankMax = 19
	// MediumRankMax is the last medium rank (sizes up to 3584 B).
	MediumRankMax = 39
	// LargeRankMax is the last large rank (sizes up to 1,835,008 B).
	LargeRankMax = 75
	// HugeRankBase is the first rank considered "huge" (own span).
	HugeRankBase = 76

	// NextTag marks a unit-map byte as carrying a packed free-chunk next
	// pointer fragment rather than a rank/base encoding.
	NextTag = 0xC0
	// BaseTagMask extracts the tag bits from a unit-map byte.
	BaseTagMask = 0xC0
)

// Timing constants for socket lifecycle.
const (
	// DefaultReadTimeout and DefaultWriteTimeout are per-direction timeouts a
	// caller can place in socket.Config. socket.Register does not apply them
	// itself: a zero timeout in the Config means no timeout.
	DefaultReadTimeout  = 30 * time.Second
	DefaultWriteTimeout = 30 * time.Second
)

// Segmented buffer sizing (see spec §4.8).
const (
	// MinChunk and MaxChunk bound the size of an internal buffer segment.
	MinChunk = 1 << 10  // 1 KiB
	MaxChunk = 512 << 10 // 512 KiB

	// DefaultChunkSize is used when a buffer is created without an explicit
	// chunk size hint.
	DefaultChunkSize = 16 << 10 // 16 KiB
)

// Package ring provides the cross-strand and intra-strand lock-free queues
// used by the dispatcher: a bounded MPMC ring for the async-call queue
// (spec §4.4) and a bounded SPSC ring for strand-private work such as
// chunk reclamation.
package ring

import (
	"errors"
	"runtime"
	"sync/atomic"
)

// ErrFull is returned by Enqueue when the ring has no free slot.
var ErrFull = errors.New("ring: full")

// ErrEmpty is returned by Dequeue when the ring has no available item.
var ErrEmpty = errors.New("ring: empty")

// MPMC is a bounded multi-producer multi-consumer ring using a per-slot
// sequence number for coordination, following the classic Vyukov queue: a
// slot is ready to receive when its sequence equals the producer's claimed
// index, and ready to yield when its sequence equals index+1.
//
// Capacity is rounded up to the next power of two.
type MPMC[T any] struct {
	mask  uint64
	pad0  [7]uint64
	head  atomic.Uint64 // consumer claim index
	pad1  [7]uint64
	tail  atomic.Uint64 // producer claim index
	pad2  [7]uint64
	slots []mpmcSlot[T]
}

type mpmcSlot[T any] struct {
	seq  atomic.Uint64
	data T
}

// NewMPMC creates a ring with capacity rounded up to the next power of two,
// minimum 2.
func NewMPMC[T any](capacity int) *MPMC[T] {
	if capacity < 2 {
		capacity = 2
	}
	n := nextPow2(uint64(capacity))
	q := &MPMC[T]{
		mask:  n - 1,
		slots: make([]mpmcSlot[T], n),
	}
	for i := range q.slots {
		q.slots[i].seq.Store(uint64(i))
	}
	return q
}

// Cap returns the ring's usable capacity.
func (q *MPMC[T]) Cap() int { return len(q.slots) }

// Enqueue publishes v, returning the producer sequence on success (the
// dispatcher uses this to compute a dequeue-stamp comparison) or ErrFull if
// the ring has no free slot.
func (q *MPMC[T]) Enqueue(v T) (uint64, error) {
	for {
		tail := q.tail.Load()
		slot := &q.slots[tail&q.mask]
		seq := slot.seq.Load()

		diff := int64(seq) - int64(tail)
		switch {
		case diff == 0:
			if q.tail.CompareAndSwap(tail, tail+1) {
				slot.data = v
				slot.seq.Store(tail + 1)
				return tail, nil
			}
		case diff < 0:
			return 0, ErrFull
		}
		runtime.Gosched()
	}
}

// Dequeue consumes the oldest published value, returning ErrEmpty if none
// is available.
func (q *MPMC[T]) Dequeue() (T, error) {
	for {
		head := q.head.Load()
		slot := &q.slots[head&q.mask]
		seq := slot.seq.Load()

		diff := int64(seq) - int64(head+1)
		switch {
		case diff == 0:
			if q.head.CompareAndSwap(head, head+1) {
				v := slot.data
				var zero T
				slot.data = zero
				slot.seq.Store(head + uint64(len(q.slots)))
				return v, nil
			}
		case diff < 0:
			var zero T
			return zero, ErrEmpty
		}
		runtime.Gosched()
	}
}

// DequeueStamp returns the current consumer claim index, the value a
// listener snapshots into its state word after draining the queue (spec
// §4.3's "dequeue stamp").
func (q *MPMC[T]) DequeueStamp() uint64 { return q.head.Load() }

// EnqueueStamp returns the current producer claim index.
func (q *MPMC[T]) EnqueueStamp() uint64 { return q.tail.Load() }

func nextPow2(n uint64) uint64 {
	if n == 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}

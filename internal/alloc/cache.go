// Package alloc implements the per-strand chunk-cache allocator: 2 MiB
// spans carved into 1 KiB units, serving small/medium allocations as
// block-packed units and large allocations as multi-unit extents, with huge
// allocations (beyond a single span's capacity) backed by their own
// dedicated mapping. See spec §3 and §4.1.
package alloc

import (
	"sync"
	"unsafe"

	"github.com/mainmemory/mainmemory-go/internal/constants"
)

// smallBlockRef identifies one free block within a span's block-packed unit
// by its absolute byte offset into span.mem.
type smallBlockRef struct {
	sp  *span
	off int
}

// extent is a free, contiguous run of units within a span.
type extent struct {
	start uint32
	count uint32
}

// Cache is a chunk-cache allocator. Spec models it as strictly per-strand
// with cross-strand frees routed back through a reclamation queue so the
// owning strand never contends a lock; this implementation keeps a mutex so
// the same type also serves as a plain concurrent allocator for tests and
// for any caller that has not yet wired up per-strand ownership.
type Cache struct {
	mu sync.Mutex

	spans     []*span
	hugeSpans map[uintptr]*span

	// smallFree[rank] is a LIFO pool of free blocks for that small rank,
	// carved out of whichever span last served an allocation of that rank.
	smallFree [constants.SmallRankMax + 1][]smallBlockRef

	// extents holds, per span, the free unit runs available to satisfy
	// medium and large allocations (first-fit, split on alloc, coalesce on
	// free).
	extents map[*span][]extent

	allocated int64
}

// NewCache creates an empty allocator. No spans are mapped until the first
// allocation.
func NewCache() *Cache {
	return &Cache{
		hugeSpans: make(map[uintptr]*span),
		extents:   make(map[*span][]extent),
	}
}

// Alloc returns size bytes, aligned to at least 16 bytes, or an error if the
// underlying mmap fails. The returned pointer is valid until Free.
func (c *Cache) Alloc(size int) (unsafe.Pointer, error) {
	if size <= 0 {
		size = 1
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	rank := encodeSize(size)
	switch {
	case isHuge(rank):
		return c.allocHuge(size)
	case isSmall(rank):
		return c.allocSmall(rank)
	default:
		return c.allocUnits(rank)
	}
}

// Free releases a pointer previously returned by Alloc. Freeing an untracked
// pointer panics, matching the contract that callers never double-free or
// free foreign memory.
func (c *Cache) Free(ptr unsafe.Pointer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	addr := uintptr(ptr)
	if sp, ok := c.hugeSpans[addr]; ok {
		delete(c.hugeSpans, addr)
		for i, s := range c.spans {
			if s == sp {
				c.spans = append(c.spans[:i], c.spans[i+1:]...)
				break
			}
		}
		c.allocated -= int64(len(sp.mem) - dataOffset)
		_ = sp.unmap()
		return
	}

	sp := spanOf(ptr)
	unit := sp.unitIndex(addr)
	tag := sp.units[unit]
	if tag == 0 {
		panic("alloc: free of untracked pointer")
	}
	rank := int(tag) - 1

	if isSmall(rank) {
		c.allocated -= int64(alignUp(rankSize(rank), 16))
		c.smallFree[rank] = append(c.smallFree[rank], smallBlockRef{sp: sp, off: int(addr - sp.base)})
		return
	}

	sp.units[unit] = 0
	n := unitsFor(rank)
	c.allocated -= int64(rankSize(rank))
	c.freeUnits(sp, unit, n)
}

// Stats reports current allocator occupancy, for metrics.go's allocator
// gauges.
func (c *Cache) Stats() (spans int, hugeSpans int, allocatedBytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.spans), len(c.hugeSpans), c.allocated
}

// Close releases every span back to the OS. The Cache must not be used
// afterward.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for _, sp := range c.spans {
		if err := sp.unmap(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.spans = nil
	c.hugeSpans = make(map[uintptr]*span)
	c.extents = make(map[*span][]extent)
	return firstErr
}

func (c *Cache) allocHuge(size int) (unsafe.Pointer, error) {
	sp, err := newSpan(c, true, size)
	if err != nil {
		return nil, err
	}
	c.spans = append(c.spans, sp)
	ptr := unsafe.Pointer(sp.base + dataOffset)
	c.hugeSpans[uintptr(ptr)] = sp
	c.allocated += int64(size)
	return ptr, nil
}

func (c *Cache) allocSmall(rank int) (unsafe.Pointer, error) {
	if refs := c.smallFree[rank]; len(refs) > 0 {
		ref := refs[len(refs)-1]
		c.smallFree[rank] = refs[:len(refs)-1]
		c.allocated += int64(alignUp(rankSize(rank), 16))
		return unsafe.Pointer(&ref.sp.mem[ref.off]), nil
	}

	sp, start, err := c.takeExtent(1)
	if err != nil {
		return nil, err
	}
	sp.units[start] = byte(rank + 1)

	blockSize := alignUp(rankSize(rank), 16) // every allocation is at least 16-byte aligned
	base := sp.unitOffset(start)
	blocksPerUnit := constants.UnitSize / blockSize
	for i := 1; i < blocksPerUnit; i++ {
		c.smallFree[rank] = append(c.smallFree[rank], smallBlockRef{sp: sp, off: base + i*blockSize})
	}

	c.allocated += int64(blockSize)
	return unsafe.Pointer(&sp.mem[base]), nil
}

func (c *Cache) allocUnits(rank int) (unsafe.Pointer, error) {
	n := unitsFor(rank)
	sp, start, err := c.takeExtent(n)
	if err != nil {
		return nil, err
	}
	sp.units[start] = byte(rank + 1)
	c.allocated += int64(rankSize(rank))
	return sp.unitPtr(start), nil
}

// takeExtent finds (first-fit) or carves a free run of n contiguous units,
// mapping a fresh span if no existing one has room.
func (c *Cache) takeExtent(n int) (*span, int, error) {
	for sp, list := range c.extents {
		for i, e := range list {
			if int(e.count) < n {
				continue
			}
			start := int(e.start)
			if rem := e.count - uint32(n); rem == 0 {
				list = append(list[:i], list[i+1:]...)
			} else {
				list[i] = extent{start: e.start + uint32(n), count: rem}
			}
			c.extents[sp] = list
			return sp, start, nil
		}
	}

	sp, err := newSpan(c, false, 0)
	if err != nil {
		return nil, 0, err
	}
	c.spans = append(c.spans, sp)
	c.extents[sp] = []extent{{start: 0, count: uint32(constants.UnitsPerSpan)}}
	return c.takeExtent(n)
}

// freeUnits returns n units starting at start to sp's free-extent list,
// coalescing with any adjacent free run.
func (c *Cache) freeUnits(sp *span, start, n int) {
	freed := extent{start: uint32(start), count: uint32(n)}
	list := c.extents[sp]

	merged := make([]extent, 0, len(list)+1)
	inserted := false
	for _, cur := range list {
		if !inserted && freed.start < cur.start {
			merged = append(merged, freed)
			inserted = true
		}
		merged = append(merged, cur)
	}
	if !inserted {
		merged = append(merged, freed)
	}

	out := merged[:0]
	for _, cur := range merged {
		if len(out) > 0 {
			last := &out[len(out)-1]
			if last.start+last.count == cur.start {
				last.count += cur.count
				continue
			}
		}
		out = append(out, cur)
	}
	c.extents[sp] = out
}

// unitsFor returns the number of contiguous units a medium or large
// allocation of this rank occupies.
func unitsFor(rank int) int {
	size := rankSize(rank)
	return (size + constants.UnitSize - 1) / constants.UnitSize
}

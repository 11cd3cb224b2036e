package alloc

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/mainmemory/mainmemory-go/internal/constants"
)

// span is a 2 MiB, 2 MiB-aligned memory-mapped region: a fixed header
// followed by constants.UnitsPerSpan client units of constants.UnitSize
// bytes each. Aligning every span lets spanOf reconstruct a span's header
// from any pointer into its data region with a single mask, in O(1), with
// no lookup table.
type span struct {
	mem  []byte // the full 2 MiB region
	base uintptr

	owner *Cache
	huge  bool

	// units[i] tags client unit i: 0 means unused, otherwise it holds
	// 1+rank for the allocation whose first unit is i. Free-unit
	// bookkeeping (the extent table and small-rank block pools) lives on
	// the owning Cache rather than here.
	units [constants.UnitsPerSpan]byte
}

// dataOffset is where client unit 0 begins within mem.
const dataOffset = constants.SpanHeaderSize

// newSpan maps a fresh 2 MiB-aligned span. For huge allocations the caller
// passes the exact byte size needed (rounded up to the page size); the span
// then holds a single huge allocation and participates in no free list.
func newSpan(owner *Cache, huge bool, hugeSize int) (*span, error) {
	size := constants.SpanSize
	if huge {
		size = alignUp(hugeSize+dataOffset, constants.PageSize)
	}

	// Over-map by one span so we can trim to a naturally aligned region,
	// then release the unused prefix and suffix back to the OS.
	raw, err := unix.Mmap(-1, 0, size+constants.SpanSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("alloc: mmap span: %w", err)
	}
	rawBase := uintptr(unsafe.Pointer(&raw[0]))
	alignedBase := alignUp(rawBase, constants.SpanSize)
	prefix := int(alignedBase - rawBase)

	if prefix > 0 {
		if err := unix.Munmap(raw[:prefix]); err != nil {
			return nil, fmt.Errorf("alloc: trim span prefix: %w", err)
		}
	}
	suffixStart := prefix + size
	if suffixStart < len(raw) {
		if err := unix.Munmap(raw[suffixStart:]); err != nil {
			return nil, fmt.Errorf("alloc: trim span suffix: %w", err)
		}
	}

	mem := unsafe.Slice((*byte)(unsafe.Pointer(alignedBase)), size)
	sp := &span{mem: mem, base: alignedBase, owner: owner, huge: huge}
	// Stamp a back-pointer to the Go-side header into the first word of the
	// mapped region, so spanOf can recover it from any interior pointer with
	// a single mask-and-load.
	*(*uintptr)(unsafe.Pointer(alignedBase)) = uintptr(unsafe.Pointer(sp))
	return sp, nil
}

func (sp *span) unmap() error {
	return unix.Munmap(sp.mem)
}

// spanOf reconstructs the owning span from any pointer returned by Alloc, by
// masking down to the span's 2 MiB-aligned base and loading the back-pointer
// stamped there by newSpan.
func spanOf(ptr unsafe.Pointer) *span {
	base := uintptr(ptr) &^ (constants.SpanSize - 1)
	self := *(*uintptr)(unsafe.Pointer(base))
	return (*span)(unsafe.Pointer(self))
}

// unitOffset returns the byte offset of client unit i within mem.
func (sp *span) unitOffset(i int) int {
	return dataOffset + i*constants.UnitSize
}

// unitPtr returns a pointer to the start of client unit i.
func (sp *span) unitPtr(i int) unsafe.Pointer {
	return unsafe.Pointer(&sp.mem[sp.unitOffset(i)])
}

// unitIndex returns the unit index containing ptr, which must lie within
// sp's data region.
func (sp *span) unitIndex(ptr uintptr) int {
	return int(ptr-sp.base-dataOffset) / constants.UnitSize
}

func alignUp[T ~int | ~uintptr](v, align T) T {
	return (v + align - 1) &^ (align - 1)
}

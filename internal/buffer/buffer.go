// Package buffer implements the runtime's segmented FIFO byte stream
// (spec §4.8): a singly-linked chain of segments that never copies user
// payload on append, supports zero-copy external segments via splice, and
// lets a parser demand a contiguous span across segment boundaries. No
// pack repository implements an analogous structure, so this package is
// grounded directly on spec.md's §4.8 text rather than on a teacher file;
// internal segments draw their backing storage from internal/alloc.Cache,
// the same per-strand allocator §4.1 describes, rather than a plain Go
// slice, so a buffer's footprint is visible to the strand's own memory
// accounting.
package buffer

import (
	"unsafe"

	"github.com/mainmemory/mainmemory-go/internal/alloc"
	"github.com/mainmemory/mainmemory-go/internal/constants"
)

// kind distinguishes the four segment types spec §4.8 and its glossary
// name: internal (owned, written-to payload), external (borrowed pointer
// with a release callback), embedded (opaque inline block contributing no
// bytes), and terminal (a chunk-boundary marker contributing no bytes).
type kind int

const (
	kindInternal kind = iota
	kindExternal
	kindEmbedded
	kindTerminal
)

// segment is one link in the buffer's chain. For kindInternal, mem is the
// chunk this segment was carved from and start/end index into it; for
// kindExternal, mem is the borrowed slice directly; for kindEmbedded, mem
// holds the opaque block itself (never read as stream bytes); kindTerminal
// carries no payload at all.
type segment struct {
	next *segment
	k    kind

	mem   []byte
	start int
	end   int // exclusive; write cursor for the tail internal segment

	release func(cookie any)
	cookie  any
	chunk   unsafe.Pointer // non-nil only for kindInternal, for Cache.Free
}

// Buffer is a FIFO byte stream backed by a singly-linked chain of
// segments, drawing internal/embedded segment storage from cache.
type Buffer struct {
	alloc *alloc.Cache

	head *segment
	tail *segment

	chunkSize int
	size      int // total readable bytes (sum of non-embedded segment lengths)
}

// New creates an empty buffer. chunkSize hints the size of internal
// segments write allocates when the tail segment is full; it is rounded up
// to the next power of two and bounded by MinChunk/MaxChunk. Zero selects
// constants.DefaultChunkSize.
func New(cache *alloc.Cache, chunkSize int) *Buffer {
	if chunkSize <= 0 {
		chunkSize = constants.DefaultChunkSize
	}
	return &Buffer{alloc: cache, chunkSize: roundChunkSize(chunkSize)}
}

func roundChunkSize(n int) int {
	size := constants.MinChunk
	for size < n {
		size <<= 1
	}
	if size > constants.MaxChunk {
		size = constants.MaxChunk
	}
	return size
}

// Size returns the number of readable bytes currently buffered (embedded
// and terminal segments never contribute).
func (b *Buffer) Size() int { return b.size }

func (b *Buffer) appendSegment(s *segment) {
	if b.tail == nil {
		b.head = s
		b.tail = s
		return
	}
	b.tail.next = s
	b.tail = s
}

// Write appends bytes to the tail internal segment, allocating a new one
// from the allocator (sized by the buffer's chunk size) when the current
// tail has no room or isn't an internal segment.
func (b *Buffer) Write(data []byte) error {
	for len(data) > 0 {
		if b.tail == nil || b.tail.k != kindInternal || b.tail.end == len(b.tail.mem) {
			if err := b.growTail(len(data)); err != nil {
				return err
			}
		}
		n := copy(b.tail.mem[b.tail.end:], data)
		b.tail.end += n
		b.size += n
		data = data[n:]
	}
	return nil
}

func (b *Buffer) growTail(pending int) error {
	size := b.chunkSize
	if pending > size {
		size = roundChunkSize(pending)
	}
	ptr, err := b.alloc.Alloc(size)
	if err != nil {
		return err
	}
	mem := unsafe.Slice((*byte)(ptr), size)
	b.appendSegment(&segment{k: kindInternal, mem: mem, chunk: ptr})
	return nil
}

// Splice appends an external segment pointing at borrowed storage. release,
// if non-nil, is called exactly once with cookie when the segment is
// dropped from the head (by Read, Skip, or Close).
func (b *Buffer) Splice(data []byte, release func(cookie any), cookie any) {
	b.appendSegment(&segment{k: kindExternal, mem: data, end: len(data), release: release, cookie: cookie})
	b.size += len(data)
}

// Embed appends an opaque, size-byte inline block and returns a pointer to
// its storage. The buffer skips it during Read/Write/Span/Find; it
// contributes no bytes to the stream.
func (b *Buffer) Embed(size int) (unsafe.Pointer, error) {
	ptr, err := b.alloc.Alloc(size)
	if err != nil {
		return nil, err
	}
	mem := unsafe.Slice((*byte)(ptr), size)
	b.appendSegment(&segment{k: kindEmbedded, mem: mem, chunk: ptr})
	return ptr, nil
}

// Read consumes up to len(out) bytes from the head, copying them into out
// and returning how many were copied. It may free exhausted segments.
func (b *Buffer) Read(out []byte) int {
	total := 0
	for total < len(out) && b.head != nil {
		s := b.head
		if s.k == kindEmbedded || s.k == kindTerminal {
			b.dropHead()
			continue
		}
		n := copy(out[total:], s.mem[s.start:s.end])
		s.start += n
		total += n
		b.size -= n
		if s.start == s.end {
			b.dropHead()
		}
	}
	return total
}

// Skip discards up to n bytes from the head without copying them,
// returning how many were actually skipped (less than n only if the
// buffer held fewer readable bytes).
func (b *Buffer) Skip(n int) int {
	skipped := 0
	for skipped < n && b.head != nil {
		s := b.head
		if s.k == kindEmbedded || s.k == kindTerminal {
			b.dropHead()
			continue
		}
		avail := s.end - s.start
		take := n - skipped
		if take > avail {
			take = avail
		}
		s.start += take
		skipped += take
		b.size -= take
		if s.start == s.end {
			b.dropHead()
		}
	}
	return skipped
}

// dropHead removes the head segment, running its release callback (for
// external segments) or returning its chunk to the allocator (for internal
// and embedded segments), then advances head to the next link.
func (b *Buffer) dropHead() {
	s := b.head
	b.head = s.next
	if b.head == nil {
		b.tail = nil
	}
	switch s.k {
	case kindExternal:
		if s.release != nil {
			s.release(s.cookie)
		}
	case kindInternal, kindEmbedded:
		if s.chunk != nil {
			b.alloc.Free(s.chunk)
		}
	}
}

// Span ensures the next n bytes from the head are contiguous, compacting
// across segment boundaries if needed, and returns that slice. It reports
// false, with no slice, if the buffer holds fewer than n readable bytes.
func (b *Buffer) Span(n int) ([]byte, bool) {
	if n > b.size {
		return nil, false
	}
	if n == 0 {
		return nil, true
	}

	if b.head != nil && b.head.k != kindEmbedded && b.head.k != kindTerminal && b.head.end-b.head.start >= n {
		return b.head.mem[b.head.start : b.head.start+n], true
	}

	compact := make([]byte, n)
	got := 0
	for s := b.head; s != nil && got < n; s = s.next {
		if s.k == kindEmbedded || s.k == kindTerminal {
			continue
		}
		got += copy(compact[got:], s.mem[s.start:s.end])
	}

	// Replace the head with a single external-kind segment holding the
	// compacted span in a Go-allocated slice (no release callback), splicing it in front of whatever readable bytes
	// remain past it so Read/Skip continue to see the same stream.
	remainder := b.spanRemainder(n)
	newHead := &segment{k: kindExternal, mem: compact, end: len(compact)}
	newHead.next = remainder
	b.head = newHead
	if remainder == nil {
		b.tail = newHead
	}
	return compact, true
}

// spanRemainder walks past the first n readable bytes (releasing/freeing
// any segment Span has just folded into its compacted copy) and returns
// whatever segment chain remains, preserving embedded/terminal segments
// that fall exactly on the boundary.
func (b *Buffer) spanRemainder(n int) *segment {
	remaining := n
	s := b.head
	for s != nil {
		if s.k == kindEmbedded || s.k == kindTerminal {
			next := s.next
			b.freeSegment(s)
			s = next
			continue
		}
		avail := s.end - s.start
		if avail > remaining {
			s.start += remaining
			return s
		}
		remaining -= avail
		next := s.next
		b.freeSegment(s)
		s = next
	}
	return nil
}

func (b *Buffer) freeSegment(s *segment) {
	switch s.k {
	case kindExternal:
		if s.release != nil {
			s.release(s.cookie)
		}
	case kindInternal, kindEmbedded:
		if s.chunk != nil {
			b.alloc.Free(s.chunk)
		}
	}
}

// Find scans from the head for byte c, guaranteeing contiguity up to and
// including a match via Span, and reports the match's offset from the
// head. It returns false if c does not appear in the buffered bytes.
func (b *Buffer) Find(c byte) (offset int, ok bool) {
	scanned := 0
	for s := b.head; s != nil; s = s.next {
		if s.k == kindEmbedded || s.k == kindTerminal {
			continue
		}
		for i := s.start; i < s.end; i++ {
			if s.mem[i] == c {
				off := scanned + (i - s.start)
				if _, ok := b.Span(off + 1); !ok {
					return 0, false
				}
				return off, true
			}
		}
		scanned += s.end - s.start
	}
	return 0, false
}

// Close releases every remaining segment's backing storage without
// reading it, running every external segment's release callback exactly
// once, matching the guarantee Read/Skip give for segments consumed
// normally.
func (b *Buffer) Close() {
	for b.head != nil {
		b.dropHead()
	}
	b.size = 0
}

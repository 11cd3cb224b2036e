package dispatcher

import "sync/atomic"

// Flag bits packed into the low bits of a listener's state word (§4.3).
// A listener is in exactly one of Running, Polling, or Waiting at a time;
// the zero value (no flag set) means idle — neither scheduled nor blocked.
type Flag uint64

const (
	// Running means the listener is actively draining its run queue or the
	// dispatcher's async-call queue.
	Running Flag = 1 << iota
	// Polling means the listener holds the dispatcher's poller lock and is
	// blocked inside (or about to call) Backend.Poll.
	Polling
	// Waiting means the listener found no work and no poller slot free, and
	// is blocked on its wake channel until nudged.
	Waiting

	flagBits   = 3
	stampShift = flagBits
)

// state is the atomic word described in spec §4.3: flag bits plus a
// "dequeue stamp" — the async queue's consumer sequence at the moment this
// listener last finished draining it. The dispatcher compares a fresh
// enqueue's producer sequence against every listener's stamp to decide
// whether a wake-up (Backend.Notify) is actually needed, or whether a
// listener already mid-drain will see the new item without one — the
// "wake-skip" optimization.
type state struct {
	word atomic.Uint64
}

func packState(flag Flag, stamp uint64) uint64 {
	return uint64(flag) | (stamp << stampShift)
}

func unpackState(w uint64) (Flag, uint64) {
	return Flag(w & (1<<flagBits - 1)), w >> stampShift
}

func (s *state) load() (Flag, uint64) {
	return unpackState(s.word.Load())
}

func (s *state) store(flag Flag, stamp uint64) {
	s.word.Store(packState(flag, stamp))
}

// transition atomically moves the listener into flag, stamping the current
// dequeue position, and reports the flag that was active beforehand.
func (s *state) transition(flag Flag, stamp uint64) (prev Flag) {
	for {
		old := s.word.Load()
		prevFlag, _ := unpackState(old)
		if s.word.CompareAndSwap(old, packState(flag, stamp)) {
			return prevFlag
		}
	}
}

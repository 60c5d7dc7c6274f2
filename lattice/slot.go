package lattice

import "sync/atomic"

// SlotState is a single ingress slot's position in the
// FREE -> WRITING -> READY -> READING -> FREE cycle from spec.md §4.5.
type SlotState uint32

const (
	SlotFree SlotState = iota
	SlotWriting
	SlotReady
	SlotReading
)

func (s SlotState) String() string {
	switch s {
	case SlotFree:
		return "FREE"
	case SlotWriting:
		return "WRITING"
	case SlotReady:
		return "READY"
	case SlotReading:
		return "READING"
	default:
		return "SlotState(?)"
	}
}

// slotState is a CAS-guarded SlotState, mirroring eventloop.FastState's
// TryTransition idiom narrowed to the four-state ingress cycle.
type slotState struct {
	v atomic.Uint32
}

func (s *slotState) load() SlotState { return SlotState(s.v.Load()) }

// tryTransition CAS-moves the state from `from` to `to`, returning false
// without side effects if the current state isn't `from`.
func (s *slotState) tryTransition(from, to SlotState) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}

// slot is one cell of a Node's dim x dim grid.
type slot struct {
	state       slotState
	payload     []byte
	length      int
	timestampNS int64
	seq         atomic.Uint64
}

package lifecycle

import "sync"

// pocketSlabCapacity is the fixed size of one pocket slab. Requests above
// pocketSlabCapacity-canaryOverhead escalate to the buddy tier instead.
const pocketSlabCapacity = 512

const canaryOverhead = 16 // 8 leading + 8 trailing guard bytes

// defaultSmallLimit is the largest payload size the pocket tier will ever
// service, leaving enough headroom for canaries even under FlagStrictCheck.
const defaultSmallLimit = pocketSlabCapacity - canaryOverhead

// pocketSlab is a single fixed-size recycled buffer. Unlike a general bump
// arena packing many small objects per slab, each pocket allocation claims
// an entire slab for the lifetime of that one allocation; freeing it
// returns the whole slab to the pool for the next checkout. This is a
// deliberate simplification of "one slab per thread, bumped then
// recycled" (see DESIGN.md): Go has no addressable thread-local storage,
// so sync.Pool - the same per-P recycling idiom the teacher's chunkPool
// uses - stands in for the per-thread slab, and "bumped" degenerates to a
// single bump per checkout rather than many.
type pocketSlab struct {
	buf [pocketSlabCapacity]byte
}

var pocketSlabPool = sync.Pool{
	New: func() any { return &pocketSlab{} },
}

func getPocketSlab() *pocketSlab {
	return pocketSlabPool.Get().(*pocketSlab)
}

func putPocketSlab(s *pocketSlab) {
	pocketSlabPool.Put(s)
}

// Package buddy implements a power-of-two block allocator over one or more
// segments, with four-tier order-keyed locking, a 64-bit residue bitmask
// for O(1) smallest-available-order lookup, and automatic segment growth.
// Frees are always deferred through an epoch.Manager so lock-free readers
// elsewhere (the shared container, the lattice) can finish with a pointer
// before its backing block is reused.
package buddy

import (
	"sync"
	"sync/atomic"

	"github.com/ttaklabs/libttak/epoch"
	"github.com/ttaklabs/libttak/ttaklog"
)

// Priority selects the order-selection policy used by Alloc.
type Priority int

const (
	FirstFit Priority = iota
	BestFit
	WorstFit
)

const (
	// MinOrder is the smallest block order the zone will ever hand out
	// (2^6 = 64 bytes, enough for a lifecycle header plus a small payload).
	MinOrder = 6
	// MaxOrder is the largest order representable by the 64-bit residue
	// mask (bit index order-MinOrder must stay < 64).
	MaxOrder = MinOrder + 63

	growthThresholdNumerator   = 8
	growthThresholdDenominator = 10 // grow proactively at 80% capacity
	minGrowthBytes             = 1 << 20
)

// segment is one contiguous memory region managed by the zone.
type segment struct {
	id   int
	buf  []byte
	owns bool // true if buf was allocated by this zone (vs. supplied)

	mu     sync.Mutex // protects the blocks index for this segment only
	blocks map[uintptr]*blockHeader
}

// blockHeader is the buddy-block metadata redesigned per spec.md §9 row 2:
// a segment id + byte offset rather than a raw pointer, so the buddy of a
// block is computable as offset XOR (1<<order) within the same segment,
// and so block identity survives independent of Go's GC.
type blockHeader struct {
	next   *blockHeader // free-list link at this order; nil if tail or in use
	seg    *segment
	offset uintptr
	order  int
	inUse  bool

	// Owner and CallSafety are opaque fields for collaborator use, as in
	// spec.md §3 (owner tag, call-safety tag).
	Owner      uint32
	CallSafety uint32
}

// Block is the handle returned by Alloc: an opaque reference into a
// segment, never a raw pointer, per the typed-handle redesign.
type Block struct {
	h *blockHeader
}

// Bytes returns the block's backing memory. The slice is exactly
// 1<<order bytes; callers needing less should sub-slice it themselves.
func (b *Block) Bytes() []byte {
	n := uintptr(1) << uint(b.h.order)
	return b.h.seg.buf[b.h.offset : b.h.offset+n]
}

// Order returns the block's power-of-two order.
func (b *Block) Order() int { return b.h.order }

// Owner/CallSafety accessors expose the opaque collaborator fields.
func (b *Block) Owner() uint32          { return b.h.Owner }
func (b *Block) SetOwner(v uint32)      { b.h.Owner = v }
func (b *Block) CallSafety() uint32     { return b.h.CallSafety }
func (b *Block) SetCallSafety(v uint32) { b.h.CallSafety = v }

// Zone is a buddy allocator over one or more segments.
type Zone struct {
	mu       sync.Mutex // Tier 4: guards segments slice, growth, defrag
	segments []*segment

	freeLists [MaxOrder - MinOrder + 1]*blockHeader
	listLocks [MaxOrder - MinOrder + 1]orderLock
	residue   atomic.Uint64

	priority     Priority
	embedded     bool
	maxOrder     int
	initialBytes int

	capacityBytes atomic.Uint64
	inUseBytes    atomic.Uint64

	epochMgr *epoch.Manager
	log      ttaklog.Logger

	nextSegmentID atomic.Int32
}

// ZoneOption configures a Zone at construction.
type ZoneOption func(*Zone)

// WithPriority sets the order-selection policy.
func WithPriority(p Priority) ZoneOption {
	return func(z *Zone) { z.priority = p }
}

// WithEmbedded disables auto-growth; Alloc failures instead trigger
// Defragment and are retried once before failing.
func WithEmbedded() ZoneOption {
	return func(z *Zone) { z.embedded = true }
}

// WithEpochManager installs the epoch.Manager used to defer frees. If
// omitted, a private Manager is created.
func WithEpochManager(m *epoch.Manager) ZoneOption {
	return func(z *Zone) { z.epochMgr = m }
}

// WithLogger installs a diagnostics sink.
func WithLogger(l ttaklog.Logger) ZoneOption {
	return func(z *Zone) { z.log = l }
}

// WithInitialSegmentBytes seeds the zone with one owned segment of at
// least n bytes (rounded up to a power of two, and never below 1MiB).
func WithInitialSegmentBytes(n int) ZoneOption {
	return func(z *Zone) { z.initialBytes = n }
}

// NewZone constructs a Zone. If no initial segment size is requested via
// WithInitialSegmentBytes, a default 1MiB segment is allocated immediately
// so the zone is usable without an explicit growth step.
func NewZone(opts ...ZoneOption) *Zone {
	z := &Zone{
		priority: FirstFit,
		maxOrder: MaxOrder,
	}
	for i := range z.listLocks {
		z.listLocks[i] = newOrderLock(tierForOrder(i + MinOrder))
	}
	for _, o := range opts {
		o(z)
	}
	if z.epochMgr == nil {
		z.epochMgr = epoch.New(z.log)
	}
	if z.log == nil {
		z.log = ttaklog.Noop()
	}

	n := z.initialBytes
	if n <= 0 {
		n = minGrowthBytes
	}
	if err := z.grow(n); err != nil {
		// NewZone has no error return in its signature (matches the
		// teacher's constructors, which panic on unrecoverable init
		// failure rather than threading an error through every caller);
		// an out-of-memory failure this early is unrecoverable.
		panic("buddy: failed to allocate initial segment: " + err.Error())
	}
	return z
}

package lifecycle

import (
	"encoding/binary"
	"hash/crc32"
	"sync"
	"sync/atomic"

	"github.com/ttaklabs/libttak/buddy"
	"github.com/ttaklabs/libttak/tick"
)

// Tier records which backing allocator supplied a handle's bytes.
type Tier uint8

const (
	TierPocket Tier = iota
	TierBuddy
	TierGeneral
)

func (t Tier) String() string {
	switch t {
	case TierPocket:
		return "pocket"
	case TierBuddy:
		return "buddy"
	case TierGeneral:
		return "general"
	default:
		return "unknown"
	}
}

// Flag is the bitmask carried alongside const/volatile/root/allow-direct,
// matching the alloc.flags surface: HUGE_PAGES, CACHE_ALIGNED, STRICT_CHECK,
// LOW_PRIORITY.
type Flag uint32

const (
	FlagHugePages Flag = 1 << iota
	FlagCacheAligned
	FlagStrictCheck
	FlagLowPriority
)

const magicLive uint32 = 0x7a11ead1

var canarySentinel = [8]byte{0xCA, 0xFE, 0xBA, 0xBE, 0xDE, 0xAD, 0xBE, 0xEF}

// header is the per-allocation metadata block. It is never itself placed
// inside the payload buffer: the payload's own bytes are reserved for the
// caller (and, under FlagStrictCheck, leading/trailing canary words), while
// the header lives as an ordinary Go struct so its fields can be atomics
// without any manual layout work.
type header struct {
	magic atomic.Uint32

	mu sync.Mutex

	createdTick tick.Tick
	expiresTick tick.Tick

	accessCount atomic.Uint64
	pinCount    atomic.Int32
	checksum    atomic.Uint32

	size  int
	flags Flag

	isConst      bool
	isVolatile   bool
	isRoot       bool
	isAllowDirect bool

	tier Tier
	freed atomic.Bool

	raw     []byte // the full backing buffer, including canary padding
	payload []byte // the caller-visible sub-slice of raw

	buddyBlock *buddy.Block // set iff tier == TierBuddy
	pocketSlab *pocketSlab  // set iff tier == TierPocket
}

// computeChecksum hashes the mutable metadata fields that collectively
// describe a header's identity; it excludes accessCount and pinCount, which
// change on every read/pin and would otherwise force a checksum
// recompute on the hot path.
func computeChecksum(created, expires tick.Tick, size int, flags Flag, boolBits byte) uint32 {
	var buf [25]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(created))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(expires))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(uint32(size))|uint64(flags)<<32)
	buf[24] = boolBits
	return crc32.ChecksumIEEE(buf[:])
}

func (h *header) boolBits() byte {
	var b byte
	if h.isConst {
		b |= 1
	}
	if h.isVolatile {
		b |= 2
	}
	if h.isRoot {
		b |= 4
	}
	if h.isAllowDirect {
		b |= 8
	}
	return b
}

// recomputeChecksum must be called with h.mu held whenever a checksummed
// field changes.
func (h *header) recomputeChecksum() {
	h.checksum.Store(computeChecksum(h.createdTick, h.expiresTick, h.size, h.flags, h.boolBits()))
}

// verifyChecksum reports whether the stored checksum still matches the
// current metadata, catching both accidental corruption and use of a
// header whose fields were torn by a non-atomic write elsewhere.
func (h *header) verifyChecksum() bool {
	want := computeChecksum(h.createdTick, h.expiresTick, h.size, h.flags, h.boolBits())
	return h.checksum.Load() == want
}

// verifyCanaries reports whether the guard words around the payload (when
// FlagStrictCheck was set at allocation time) are still intact.
func (h *header) verifyCanaries() bool {
	if h.flags&FlagStrictCheck == 0 {
		return true
	}
	lead := h.raw[:8]
	trail := h.raw[len(h.raw)-8:]
	for i := 0; i < 8; i++ {
		if lead[i] != canarySentinel[i] || trail[i] != canarySentinel[i] {
			return false
		}
	}
	return true
}

func (h *header) live() bool {
	return h.magic.Load() == magicLive && !h.freed.Load()
}

package buddy

import (
	"github.com/ttaklabs/libttak/ttaklog"
)

// nextPow2AtLeast rounds n up to the next power of two, never below
// 1<<MinOrder.
func nextPow2AtLeast(n int) int {
	p := 1 << MinOrder
	for p < n {
		p <<= 1
	}
	return p
}

// grow adds a new owned segment of at least n bytes (rounded up to a
// power of two, minimum 1MiB per spec.md §4.2) to the zone, acquiring the
// Tier 4 gate first so concurrent allocations never spin waiting on
// growth.
func (z *Zone) grow(n int) error {
	if n < minGrowthBytes {
		n = minGrowthBytes
	}
	size := nextPow2AtLeast(n)
	order := orderForSize(size)
	if order > MaxOrder {
		order = MaxOrder
		size = 1 << order
	}

	z.mu.Lock()
	defer z.mu.Unlock()

	id := int(z.nextSegmentID.Add(1)) - 1
	seg := &segment{
		id:     id,
		buf:    make([]byte, size),
		owns:   true,
		blocks: make(map[uintptr]*blockHeader),
	}
	root := &blockHeader{seg: seg, offset: 0, order: order}
	seg.blocks[0] = root

	z.segments = append(z.segments, seg)
	z.capacityBytes.Add(uint64(size))
	z.pushFree(root)

	z.log.Log(ttaklog.Entry{
		Level:     ttaklog.LevelInfo,
		Component: "buddy",
		Message:   "grew zone",
		Fields:    map[string]any{"segment": id, "bytes": size},
	})
	return nil
}

// tryGrowOrDefragment is called when allocOrder fails at the requested
// order. In non-embedded mode it attempts to double capacity (or add
// enough to satisfy the request, whichever is larger); in embedded mode
// growth is disabled and Defragment is forced instead.
func (z *Zone) tryGrowOrDefragment(order int) bool {
	if z.embedded {
		z.Defragment()
		return true
	}

	needed := 1 << order
	current := int(z.Capacity())
	target := current * 2
	if target < needed {
		target = needed
	}
	if target-current < minGrowthBytes {
		target = current + minGrowthBytes
	}
	if err := z.grow(target - current); err != nil {
		return false
	}
	return true
}

// maybeProactiveGrow implements spec.md §4.2's 80% proactive-growth
// trigger: if bytes-in-use already exceeds 80% of capacity, grow now
// rather than waiting for the next failed allocation. Embedded zones never
// auto-grow.
func (z *Zone) maybeProactiveGrow() {
	if z.embedded {
		return
	}
	cap := z.Capacity()
	if cap == 0 {
		return
	}
	inUse := z.BytesInUse()
	if inUse*growthThresholdDenominator >= cap*growthThresholdNumerator {
		_ = z.grow(int(cap))
	}
}

// Defragment walks every segment's free list opportunistically merging
// adjacent buddies, used as the embedded-mode fallback for growth. It is a
// best-effort pass: it re-attempts merges the normal Free path may have
// left unmerged due to the free ordering of concurrent frees.
func (z *Zone) Defragment() {
	z.mu.Lock()
	segs := make([]*segment, len(z.segments))
	copy(segs, z.segments)
	z.mu.Unlock()

	for order := MinOrder; order < z.maxOrder; order++ {
		var drained []*blockHeader
		for {
			h := z.popFree(order)
			if h == nil {
				break
			}
			drained = append(drained, h)
		}
		for _, h := range drained {
			z.mergeUp(h)
		}
	}
	_ = segs
}

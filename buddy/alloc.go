package buddy

import (
	"math/bits"

	"github.com/ttaklabs/libttak/ttakerr"
)

// orderForSize returns the smallest order able to hold n bytes, clamped to
// MinOrder.
func orderForSize(n int) int {
	if n <= 1<<MinOrder {
		return MinOrder
	}
	order := bits.Len(uint(n - 1))
	if order < MinOrder {
		order = MinOrder
	}
	return order
}

func idx(order int) int { return order - MinOrder }

// residueSet marks order as having at least one free block.
func (z *Zone) residueSet(order int) {
	bit := uint64(1) << uint(idx(order))
	for {
		old := z.residue.Load()
		next := old | bit
		if old == next || z.residue.CompareAndSwap(old, next) {
			return
		}
	}
}

// residueClear unmarks order.
func (z *Zone) residueClear(order int) {
	bit := uint64(1) << uint(idx(order))
	for {
		old := z.residue.Load()
		next := old &^ bit
		if old == next || z.residue.CompareAndSwap(old, next) {
			return
		}
	}
}

// selectOrder picks the order to service a request for minOrder, honoring
// Priority: FirstFit/BestFit scan from minOrder upward (first available is
// smallest available, i.e. best fit by construction, since buddy orders
// are discrete); WorstFit scans from the top down.
func (z *Zone) selectOrder(minOrder int) (int, bool) {
	mask := z.residue.Load()
	// Clear bits below minOrder: they cannot service this request.
	mask &^= (uint64(1) << uint(idx(minOrder))) - 1

	if mask == 0 {
		return 0, false
	}

	switch z.priority {
	case WorstFit:
		top := 63 - leadingZeros64(mask)
		return top + MinOrder, true
	default: // FirstFit, BestFit: smallest sufficient order
		low := trailingZeros64(mask)
		return low + MinOrder, true
	}
}

func trailingZeros64(v uint64) int { return bits.TrailingZeros64(v) }
func leadingZeros64(v uint64) int  { return bits.LeadingZeros64(v) }

// popFree removes and returns the head of the free list at order, or nil.
func (z *Zone) popFree(order int) *blockHeader {
	lock := z.listLocks[idx(order)]
	lock.Lock()
	defer lock.Unlock()

	h := z.freeLists[idx(order)]
	if h == nil {
		return nil
	}
	z.freeLists[idx(order)] = h.next
	h.next = nil
	if z.freeLists[idx(order)] == nil {
		z.residueClear(order)
	}
	return h
}

// pushFree inserts h at the head of the free list for its order.
func (z *Zone) pushFree(h *blockHeader) {
	order := h.order
	lock := z.listLocks[idx(order)]
	lock.Lock()
	h.next = z.freeLists[idx(order)]
	z.freeLists[idx(order)] = h
	lock.Unlock()
	z.residueSet(order)
}

// splitDown repeatedly splits h (currently free, of order h.order) down to
// targetOrder, pushing each buddy half onto its own order's free list, and
// returns the remaining left half at targetOrder (still un-pushed, owned
// by the caller).
func (z *Zone) splitDown(h *blockHeader, targetOrder int) *blockHeader {
	for h.order > targetOrder {
		h.order--
		buddyOffset := h.offset ^ (uintptr(1) << uint(h.order))

		seg := h.seg
		seg.mu.Lock()
		right := &blockHeader{seg: seg, offset: buddyOffset, order: h.order}
		seg.blocks[buddyOffset] = right
		seg.blocks[h.offset] = h
		seg.mu.Unlock()

		z.pushFree(right)
	}
	return h
}

// Alloc returns a block of at least size bytes. size<=0 is rejected per
// spec.md §8's boundary behavior.
func (z *Zone) Alloc(size int) (*Block, error) {
	if size <= 0 {
		return nil, ttakerr.New(ttakerr.InvalidArgument, "buddy: size must be positive")
	}

	order := orderForSize(size)
	if order > z.maxOrder {
		return nil, ttakerr.New(ttakerr.InvalidArgument, "buddy: requested size exceeds max order")
	}

	h := z.allocOrder(order)
	if h == nil {
		if !z.tryGrowOrDefragment(order) {
			return nil, ttakerr.New(ttakerr.Unavailable, "buddy: zone exhausted")
		}
		h = z.allocOrder(order)
		if h == nil {
			return nil, ttakerr.New(ttakerr.Unavailable, "buddy: zone exhausted after growth")
		}
	}

	h.inUse = true
	z.inUseBytes.Add(uint64(1) << uint(order))
	z.maybeProactiveGrow()
	return &Block{h: h}, nil
}

// allocOrder services one allocation request at a specific resolved order,
// splitting a larger free block down as needed. Returns nil if no block of
// order>=order is currently free.
func (z *Zone) allocOrder(order int) *blockHeader {
	avail, ok := z.selectOrder(order)
	if !ok {
		return nil
	}
	h := z.popFree(avail)
	if h == nil {
		// Lost a race with another allocator; redo the selection once
		// before reporting failure to the outer Alloc/grow loop.
		return z.allocOrderRetryOnce(order)
	}
	return z.splitDown(h, order)
}

// allocOrderRetryOnce re-attempts order selection exactly once, bounding
// the retry chain from an unlucky concurrent pop.
func (z *Zone) allocOrderRetryOnce(order int) *blockHeader {
	avail, ok := z.selectOrder(order)
	if !ok {
		return nil
	}
	h := z.popFree(avail)
	if h == nil {
		return nil
	}
	return z.splitDown(h, order)
}

// Free returns b to the zone. The actual merge/return-to-freelist is
// deferred through the zone's epoch.Manager so concurrent lock-free
// readers holding b's bytes can finish safely.
func (z *Zone) Free(b *Block) {
	if b == nil || b.h == nil {
		return
	}
	h := b.h
	size := uint64(1) << uint(h.order)
	z.epochMgr.Retire(func() {
		h.inUse = false
		z.inUseBytes.Add(^(size - 1)) // subtract size
		z.mergeUp(h)
	})
}

// mergeUp returns h to its free list, merging with its buddy while the
// buddy is itself free and of the same order, climbing until no merge is
// possible or MaxOrder is reached.
func (z *Zone) mergeUp(h *blockHeader) {
	for h.order < z.maxOrder {
		buddyOffset := h.offset ^ (uintptr(1) << uint(h.order))
		seg := h.seg

		seg.mu.Lock()
		buddy := seg.blocks[buddyOffset]
		seg.mu.Unlock()

		if buddy == nil || buddy.order != h.order {
			break
		}

		lock := z.listLocks[idx(h.order)]
		lock.Lock()
		merged := z.tryUnlinkFree(h.order, buddy)
		lock.Unlock()
		if !merged {
			break // buddy currently in use or not actually in this order's list
		}

		seg.mu.Lock()
		mergedOffset := h.offset
		if buddyOffset < mergedOffset {
			mergedOffset = buddyOffset
		}
		delete(seg.blocks, h.offset)
		delete(seg.blocks, buddyOffset)
		h = &blockHeader{seg: seg, offset: mergedOffset, order: h.order + 1}
		seg.blocks[mergedOffset] = h
		seg.mu.Unlock()
	}
	z.pushFree(h)
}

// tryUnlinkFree removes target from the free list at order if present,
// reporting whether it found and removed it (i.e. target was genuinely
// free, not merely allocated-and-not-yet-linked). Caller holds the order
// lock.
func (z *Zone) tryUnlinkFree(order int, target *blockHeader) bool {
	head := z.freeLists[idx(order)]
	if head == target {
		z.freeLists[idx(order)] = target.next
		target.next = nil
		if z.freeLists[idx(order)] == nil {
			z.residueClear(order)
		}
		return true
	}
	for cur := head; cur != nil && cur.next != nil; cur = cur.next {
		if cur.next == target {
			cur.next = target.next
			target.next = nil
			return true
		}
	}
	return false
}

// BytesInUse returns the current in-use byte count across all segments.
func (z *Zone) BytesInUse() uint64 { return z.inUseBytes.Load() }

// Capacity returns the total bytes across all segments.
func (z *Zone) Capacity() uint64 { return z.capacityBytes.Load() }

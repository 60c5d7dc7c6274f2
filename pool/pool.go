package pool

import (
	"runtime"
	"sync/atomic"

	"github.com/ttaklabs/libttak/ttakerr"
)

// spinlock is a pure CAS-loop mutex, grounded on buddy's Tier-1 spinlock
// (itself grounded on eventloop.FastState's CAS state machine), reused
// here for the pool's single hot-path lock per spec.md §4.6.
type spinlock struct { // betteralign:ignore
	_     [64]byte
	state atomic.Bool
	_     [63]byte
}

func (s *spinlock) Lock() {
	for !s.state.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
}

func (s *spinlock) Unlock() { s.state.Store(false) }

// Pool is a fixed-capacity generic object slab: a contiguous item buffer,
// a free-bit bitmap, and Latin-square slot-scan state, per spec.md §4.6.
type Pool[T any] struct {
	mu spinlock

	items    []T
	bitmap   []uint64
	capacity int
	used     int

	chunkCursor  int
	laneSeed     int
	laneStride   int
	lastRecycled int
	hasRecycled  bool
}

// New creates a Pool with room for capacity items, all initially free.
func New[T any](capacity int) *Pool[T] {
	if capacity < 0 {
		capacity = 0
	}
	p := &Pool[T]{
		items:      make([]T, capacity),
		bitmap:     make([]uint64, (capacity+63)/64),
		capacity:   capacity,
		laneSeed:   0,
		laneStride: oddStride(31), // arbitrary odd seed stride, coprime to 64
	}
	return p
}

func (p *Pool[T]) bitSet(idx int) bool {
	return p.bitmap[idx/64]&(1<<uint(idx%64)) != 0
}

func (p *Pool[T]) bitMark(idx int) {
	p.bitmap[idx/64] |= 1 << uint(idx%64)
}

func (p *Pool[T]) bitClear(idx int) {
	p.bitmap[idx/64] &^= 1 << uint(idx%64)
}

// Alloc claims a free slot, returning its index and a pointer to the zero
// item living there. The most recently freed index is always tried first
// (cache-hot reuse per spec.md §4.6); failing that, the bitmap is scanned
// tile-by-tile via the Latin-square lane generator.
func (p *Pool[T]) Alloc() (int, *T, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.used >= p.capacity {
		return 0, nil, ttakerr.New(ttakerr.Unavailable, "pool: capacity exhausted")
	}

	if p.hasRecycled && !p.bitSet(p.lastRecycled) {
		idx := p.lastRecycled
		p.claim(idx)
		return idx, &p.items[idx], nil
	}

	numTiles := (p.capacity + tileSize - 1) / tileSize
	for t := 0; t < numTiles; t++ {
		tile := (p.chunkCursor + t) % numTiles
		base := tile * tileSize
		for cursor := 0; cursor < tileSize; cursor++ {
			lane := latinLane(p.laneSeed, p.laneStride, cursor)
			idx := base + lane
			if idx >= p.capacity {
				continue
			}
			if !p.bitSet(idx) {
				p.chunkCursor = tile
				p.claim(idx)
				return idx, &p.items[idx], nil
			}
		}
	}
	return 0, nil, ttakerr.New(ttakerr.Unavailable, "pool: no free slot found")
}

func (p *Pool[T]) claim(idx int) {
	p.bitMark(idx)
	p.used++
	p.hasRecycled = false
}

// Free releases idx back to the pool and zeroes its slot, updating the
// last-recycled hint so the next Alloc reuses it immediately.
func (p *Pool[T]) Free(idx int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if idx < 0 || idx >= p.capacity || !p.bitSet(idx) {
		return
	}
	var zero T
	p.items[idx] = zero
	p.bitClear(idx)
	p.used--
	p.lastRecycled = idx
	p.hasRecycled = true
}

// Len reports the number of currently-allocated items.
func (p *Pool[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.used
}

// Cap reports the pool's fixed capacity.
func (p *Pool[T]) Cap() int { return p.capacity }

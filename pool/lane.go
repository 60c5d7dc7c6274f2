package pool

import "golang.org/x/exp/constraints"

// tileSize is the Latin-square tile width/height from spec.md §4.6: an 8x8
// tile of 64 slots, scanned via a stride coprime to 64 so every position
// in the tile is visited exactly once per full cursor cycle.
const tileSize = 64

// latinLane computes the slot visited at step cursor within a tile whose
// scan starts at seed and advances by stride each step.
func latinLane(seed, stride, cursor int) int {
	return ((seed + stride*cursor) % tileSize + tileSize) % tileSize
}

// oddStride derives a stride coprime to tileSize (a power of two) from an
// arbitrary seed: any odd integer is automatically coprime to a power of
// two, so nudging an even seed up by one is sufficient.
func oddStride[T constraints.Integer](seed T) T {
	s := seed
	if s < 0 {
		s = -s
	}
	if s%2 == 0 {
		s++
	}
	return s
}

// Package pool implements a fixed-capacity generic object slab: a
// contiguous item buffer, a free-bit bitmap, and a Latin-square-derived
// slot scan that guarantees every slot in an 8x8 tile is visited exactly
// once per full lane cycle before the scan advances to the next tile.
package pool

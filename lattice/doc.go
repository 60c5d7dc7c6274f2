// Package lattice implements the lock-free ingress board: a dim x dim grid
// of cache-aligned slots where worker IDs partition the grid into disjoint
// diagonals via the Latin-square condition (r+c) mod dim == workerID mod
// dim, so concurrent writers on distinct diagonals never contend for the
// same slot. A Chain links Nodes end to end, growing on demand as a node
// fills past 80% occupancy, and a background Compactor opportunistically
// drops trailing nodes that have fallen mostly idle.
package lattice

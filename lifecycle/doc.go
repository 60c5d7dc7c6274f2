// Package lifecycle implements the tick-stamped allocation layer: every
// handle carries a creation tick, an expiry tick (or the tick.Never
// sentinel), a checksum over its own metadata, optional guard canaries, and
// a tier tag recording which backing allocator actually supplied its bytes.
//
// Three tiers back an allocation, chosen by size: POCKET for small,
// short-lived requests (a recycled fixed-size slab per checkout, grounded
// on eventloop's chunkPool recycling pattern), BUDDY for anything that fits
// a buddy.Zone order, and GENERAL (the Go heap, via make([]byte, n)) for
// anything larger. A background sweeper drives Autoclean on a cadence
// computed by ttakcfg.GC's pressure model, grounded on microbatch's
// timer-driven flush loop.
package lifecycle

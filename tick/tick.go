// Package tick provides the monotonic time source every other libttak
// package stamps metadata with. A Tick never decreases during a process
// lifetime.
package tick

import (
	"sync/atomic"
	"time"
)

// Tick is an unsigned monotonic counter value. Unless a field or parameter
// is explicitly suffixed "Ns", ticks are in millisecond granularity.
type Tick uint64

// Never is the sentinel expires-tick meaning "no expiry".
const Never Tick = ^Tick(0)

// Clock produces monotonic tick values. Collaborators may substitute a fake
// implementation in tests; libttak packages only ever depend on the Clock
// interface, never on time.Now directly.
type Clock interface {
	NowMS() Tick
	NowNS() Tick
}

// systemClock is the default Clock, backed by the Go runtime's monotonic
// clock reading (time.Now retains a monotonic component until it is
// stripped by an operation such as Round).
type systemClock struct {
	start time.Time
}

// System returns the process-wide monotonic clock.
func System() Clock {
	return systemClockInstance
}

var systemClockInstance = &systemClock{start: time.Now()}

func (c *systemClock) NowMS() Tick {
	return Tick(time.Since(c.start).Milliseconds())
}

func (c *systemClock) NowNS() Tick {
	return Tick(time.Since(c.start).Nanoseconds())
}

// Fake is a Clock implementation for deterministic tests. It never goes
// backwards: Advance panics if given a negative delta.
type Fake struct {
	ms atomic.Uint64
	ns atomic.Uint64
}

// NewFake returns a Fake clock starting at tick 0.
func NewFake() *Fake {
	return &Fake{}
}

// NowMS implements Clock.
func (f *Fake) NowMS() Tick { return Tick(f.ms.Load()) }

// NowNS implements Clock.
func (f *Fake) NowNS() Tick { return Tick(f.ns.Load()) }

// Advance moves the fake clock forward by deltaMS milliseconds (and
// deltaMS*1e6 nanoseconds). Panics if deltaMS is negative.
func (f *Fake) Advance(deltaMS int64) {
	if deltaMS < 0 {
		panic(`tick: fake: negative advance`)
	}
	f.ms.Add(uint64(deltaMS))
	f.ns.Add(uint64(deltaMS) * 1e6)
}

// Set pins the fake clock to an absolute millisecond tick. Panics if t is
// less than the current value.
func (f *Fake) Set(t Tick) {
	if uint64(t) < f.ms.Load() {
		panic(`tick: fake: set would move clock backwards`)
	}
	f.ms.Store(uint64(t))
	f.ns.Store(uint64(t) * 1e6)
}

// Expired reports whether expires (Never excluded) has passed now.
func Expired(expires, now Tick) bool {
	return expires != Never && now > expires
}

package shared

import (
	"sync"
	"sync/atomic"

	"github.com/ttaklabs/libttak/epoch"
	"github.com/ttaklabs/libttak/ownermask"
	"github.com/ttaklabs/libttak/tick"
	"github.com/ttaklabs/libttak/ttakerr"
	"github.com/ttaklabs/libttak/ttaklog"
)

// Bytes constrains the payload type a Container can hold: anything whose
// core type is a byte slice, so Allocate/SwapEBR can size and copy into it
// generically via the built-in len/copy/make.
type Bytes interface{ ~[]byte }

// record is the internal payload header from spec.md §4.4: size is
// implicit in len(value); timestampNS is the publish-time stamp checked
// against owners' last-sync timestamps at Level2/Level3.
type record[T Bytes] struct {
	timestampNS int64
	value       T
}

// EBRGuard is returned by AccessEBR when protected; the caller must call
// Release once done with the returned payload. Release on an unprotected
// (nil-token) guard, or on a nil *EBRGuard, is a safe no-op.
type EBRGuard struct {
	tok  *epoch.Token
	pool *sync.Pool
}

// Release exits the epoch critical section entered by AccessEBR(...,
// protected=true) and returns the token to the container's pool.
func (g *EBRGuard) Release() {
	if g == nil || g.tok == nil {
		return
	}
	g.tok.Exit()
	if g.pool != nil {
		g.pool.Put(g.tok)
	}
}

// Container is an owner-gated reference to a payload, with level-graded
// access validation and epoch-deferred atomic swap.
type Container[T Bytes] struct {
	mu sync.RWMutex

	cur atomic.Pointer[record[T]]

	owners     *ownermask.Mask
	syncTimes  map[uint32]int64
	ownerCount atomic.Int32

	status atomic.Uint32
	level  Level

	cleanup func(T)

	epochMgr  *epoch.Manager
	clock     tick.Clock
	log       ttaklog.Logger
	tokenPool sync.Pool
}

// ContainerOption configures a Container at construction.
type ContainerOption[T Bytes] func(*Container[T])

func WithEpochManager[T Bytes](m *epoch.Manager) ContainerOption[T] {
	return func(c *Container[T]) { c.epochMgr = m }
}

func WithClock[T Bytes](clk tick.Clock) ContainerOption[T] {
	return func(c *Container[T]) { c.clock = clk }
}

func WithLogger[T Bytes](l ttaklog.Logger) ContainerOption[T] {
	return func(c *Container[T]) { c.log = l }
}

// New constructs a Container at the given access level, with cleanup
// invoked (via the epoch manager) on every payload this container ever
// retires, including its own on Retire. If size > 0, an initial payload is
// allocated immediately.
func New[T Bytes](size int, level Level, cleanup func(T), opts ...ContainerOption[T]) (*Container[T], error) {
	c := &Container[T]{
		owners:    ownermask.New(),
		syncTimes: make(map[uint32]int64),
		level:     level,
		cleanup:   cleanup,
		clock:     tick.System(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		c.log = ttaklog.Noop()
	}
	if c.epochMgr == nil {
		c.epochMgr = epoch.New(c.log)
	}
	c.tokenPool.New = func() any { return c.epochMgr.Register() }

	if size > 0 {
		if err := c.Allocate(size); err != nil {
			return nil, err
		}
	} else {
		c.setPrimary(StatusReady)
	}
	return c, nil
}

func (c *Container[T]) setPrimary(bit Status) {
	for {
		old := c.status.Load()
		next := (old &^ uint32(primaryAxis)) | uint32(bit)
		if c.status.CompareAndSwap(old, next) {
			return
		}
	}
}

// Status returns the current status bitmask.
func (c *Container[T]) Status() Status { return Status(c.status.Load()) }

// Level returns the container's configured access level.
func (c *Container[T]) Level() Level { return c.level }

// OwnerCount returns the number of currently-registered owners.
func (c *Container[T]) OwnerCount() int { return int(c.ownerCount.Load()) }

// Allocate replaces the payload with a freshly-allocated, zeroed buffer of
// size bytes, stamping a fresh publish timestamp. Any previous payload is
// retired through the epoch manager rather than freed immediately.
func (c *Container[T]) Allocate(size int) error {
	if size < 0 {
		return ttakerr.New(ttakerr.InvalidArgument, "shared: size must be non-negative")
	}
	rec := &record[T]{timestampNS: int64(c.clock.NowNS()), value: T(make([]byte, size))}
	old := c.cur.Swap(rec)
	c.setPrimary(StatusReady)
	c.retireOld(old)
	return nil
}

// AddOwner registers owner, extending the owner mask and sync-timestamp
// array as needed, per spec.md §4.4. Re-adding an existing owner is a
// no-op on the owner count but refreshes its sync timestamp to the current
// payload timestamp.
func (c *Container[T]) AddOwner(owner uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.owners.Set(owner)
	ts := int64(0)
	if rec := c.cur.Load(); rec != nil {
		ts = rec.timestampNS
	}
	if _, exists := c.syncTimes[owner]; !exists {
		c.ownerCount.Add(1)
	}
	c.syncTimes[owner] = ts
	return nil
}

// RemoveOwner deregisters owner. When the owner count reaches zero, the
// container transitions to ZOMBIE and its current payload is retired
// through the epoch manager on the next reclamation pass (spec.md §4.4's
// "owner count reaches zero" clause; RemoveOwner itself is the
// [EXPANSION] operation that drives that transition, since spec.md never
// enumerates a removal op but the ZOMBIE transition has no other trigger).
func (c *Container[T]) RemoveOwner(owner uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.syncTimes[owner]; !exists {
		return nil
	}
	delete(c.syncTimes, owner)
	c.owners.Clear(owner)
	if c.ownerCount.Add(-1) == 0 {
		c.setPrimary(StatusZombie)
		rec := c.cur.Load()
		c.epochMgr.Retire(func() {
			if rec != nil && c.cleanup != nil {
				c.cleanup(rec.value)
			}
		})
	}
	return nil
}

// checkLevel validates claimant against c.level. Caller must hold at least
// c.mu.RLock.
func (c *Container[T]) checkLevel(claimant uint32) error {
	if c.level == NoLevel {
		return nil
	}
	if !c.owners.Test(claimant) {
		return ttakerr.NewDenied(ttakerr.ShareDenied, "shared: claimant is not a registered owner")
	}
	if c.level == Level1 {
		return nil
	}
	rec := c.cur.Load()
	if rec == nil {
		return nil
	}
	last, ok := c.syncTimes[claimant]
	if !ok || last < rec.timestampNS {
		return ttakerr.NewDenied(ttakerr.ShareDenied, "shared: claimant sync timestamp behind payload")
	}
	return nil
}

// Access validates claimant per the container's Level, then returns the
// current payload. Unlike AccessEBR, the returned value is not protected
// by an epoch guard: callers that need a guarantee the payload outlives a
// concurrent SwapEBR should use AccessEBR(claimant, true) instead.
func (c *Container[T]) Access(claimant uint32) (T, error) {
	var zero T
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := c.checkLevel(claimant); err != nil {
		return zero, err
	}
	rec := c.cur.Load()
	if rec == nil {
		return zero, ttakerr.New(ttakerr.Unavailable, "shared: no payload allocated")
	}
	return rec.value, nil
}

// AccessEBR is Access's lock-free read path: when protected, it enters an
// epoch critical section before the atomic acquire-load of the payload
// pointer, per spec.md §4.4. The returned guard's Release must be called
// once the caller is done with the payload.
func (c *Container[T]) AccessEBR(claimant uint32, protected bool) (T, *EBRGuard, error) {
	var zero T
	guard := &EBRGuard{}
	if protected {
		tok := c.tokenPool.Get().(*epoch.Token)
		tok.Enter()
		guard.tok = tok
		guard.pool = &c.tokenPool
	}

	c.mu.RLock()
	err := c.checkLevel(claimant)
	c.mu.RUnlock()
	if err != nil {
		guard.Release()
		return zero, nil, err
	}

	rec := c.cur.Load()
	if rec == nil {
		guard.Release()
		return zero, nil, ttakerr.New(ttakerr.Unavailable, "shared: no payload allocated")
	}
	return rec.value, guard, nil
}

// SwapEBR allocates a new payload of size bytes, copies next in (truncated
// or zero-padded to size), stamps a fresh publish timestamp, and
// atomically publishes it; the prior payload is retired through the epoch
// manager. The container becomes DIRTY until a subsequent SyncAll.
func (c *Container[T]) SwapEBR(next T, size int) error {
	if size < 0 {
		return ttakerr.New(ttakerr.InvalidArgument, "shared: size must be non-negative")
	}
	c.setPrimary(StatusSwapping)

	buf := make([]byte, size)
	copy(buf, next)
	rec := &record[T]{timestampNS: int64(c.clock.NowNS()), value: T(buf)}

	old := c.cur.Swap(rec)
	c.setPrimary(StatusDirty)
	c.retireOld(old)
	return nil
}

// SyncAll brings every registered owner's last-sync-timestamp up to the
// current payload timestamp and clears DIRTY, per spec.md §4.4. claimant
// must itself be a registered owner.
func (c *Container[T]) SyncAll(claimant uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.owners.Test(claimant) {
		return ttakerr.NewDenied(ttakerr.ShareDenied, "shared: claimant is not a registered owner")
	}
	rec := c.cur.Load()
	if rec == nil {
		return ttakerr.New(ttakerr.Unavailable, "shared: no payload allocated")
	}
	for owner := range c.syncTimes {
		c.syncTimes[owner] = rec.timestampNS
	}
	c.setPrimary(StatusReady)
	return nil
}

// Retire forces the container to ZOMBIE and retires its current payload
// through the epoch manager, regardless of owner count.
func (c *Container[T]) Retire() {
	c.setPrimary(StatusZombie)
	rec := c.cur.Load()
	c.retireOld(rec)
}

func (c *Container[T]) retireOld(old *record[T]) {
	if old == nil {
		return
	}
	val := old.value
	c.epochMgr.Retire(func() {
		if c.cleanup != nil {
			c.cleanup(val)
		}
	})
}

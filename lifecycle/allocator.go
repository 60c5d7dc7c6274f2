package lifecycle

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ttaklabs/libttak/buddy"
	"github.com/ttaklabs/libttak/epoch"
	"github.com/ttaklabs/libttak/tick"
	"github.com/ttaklabs/libttak/ttakcfg"
	"github.com/ttaklabs/libttak/ttakerr"
	"github.com/ttaklabs/libttak/ttaklog"
)

// Handle is the opaque reference returned by Alloc. It is never a raw
// pointer into the payload: all access goes back through the Allocator so
// checksum/canary/expiry validation runs on every use.
type Handle struct {
	h *header
}

// Options captures the per-allocation parameters from spec.md §4.1:
// const/volatile/allow-direct/root plus the alloc.flags bitmask.
type Options struct {
	Const       bool
	Volatile    bool
	Root        bool
	AllowDirect bool
	Flags       Flag
}

// AllocOption configures a single Alloc call.
type AllocOption func(*Options)

func WithConst() AllocOption       { return func(o *Options) { o.Const = true } }
func WithVolatile() AllocOption    { return func(o *Options) { o.Volatile = true } }
func WithRoot() AllocOption        { return func(o *Options) { o.Root = true } }
func WithAllowDirect() AllocOption { return func(o *Options) { o.AllowDirect = true } }
func WithFlags(f Flag) AllocOption { return func(o *Options) { o.Flags |= f } }

// AllocatorOption configures an Allocator at construction.
type AllocatorOption func(*Allocator)

func WithZone(z *buddy.Zone) AllocatorOption {
	return func(a *Allocator) { a.zone = z }
}
func WithEpochManager(m *epoch.Manager) AllocatorOption {
	return func(a *Allocator) { a.epochMgr = m }
}
func WithClock(c tick.Clock) AllocatorOption {
	return func(a *Allocator) { a.clock = c }
}
func WithLogger(l ttaklog.Logger) AllocatorOption {
	return func(a *Allocator) { a.log = l }
}
func WithSmallLimit(n int) AllocatorOption {
	return func(a *Allocator) { a.smallLimit = n }
}
func WithGCConfig(cfg ttakcfg.GC) AllocatorOption {
	return func(a *Allocator) { a.gcCfg.Store(&cfg) }
}

// Allocator is the tick-stamped lifecycle layer: it tiers allocations
// across a pocket slab pool, a buddy.Zone, and the Go heap, stamping every
// handle with a creation/expiry tick pair and a metadata checksum.
type Allocator struct {
	smallLimit int

	zone     *buddy.Zone
	epochMgr *epoch.Manager
	clock    tick.Clock
	log      ttaklog.Logger

	gcCfg        atomic.Pointer[ttakcfg.GC]
	generalBytes atomic.Uint64
	detach       *detachCache

	regMu    sync.Mutex
	registry map[*header]struct{}

	stopCh    chan struct{}
	wg        sync.WaitGroup
	sweepOnce sync.Once
}

// NewAllocator constructs an Allocator. A private buddy.Zone, epoch.Manager
// and GC config are created if not supplied via options.
func NewAllocator(opts ...AllocatorOption) *Allocator {
	a := &Allocator{
		smallLimit: defaultSmallLimit,
		clock:      tick.System(),
		registry:   make(map[*header]struct{}),
		stopCh:     make(chan struct{}),
		detach:     newDetachCache(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = ttaklog.Noop()
	}
	if a.epochMgr == nil {
		a.epochMgr = epoch.New(a.log)
	}
	if a.zone == nil {
		a.zone = buddy.NewZone(buddy.WithLogger(a.log), buddy.WithEpochManager(a.epochMgr))
	}
	if a.gcCfg.Load() == nil {
		cfg := ttakcfg.NewGC()
		a.gcCfg.Store(&cfg)
	}
	return a
}

// ConfigureGC replaces the background sweeper's pressure model.
func (a *Allocator) ConfigureGC(cfg ttakcfg.GC) {
	a.gcCfg.Store(&cfg)
}

func (a *Allocator) chooseTier(rawSize int) Tier {
	switch {
	case rawSize <= a.smallLimit:
		return TierPocket
	case rawSize <= buddyTierLimit:
		return TierBuddy
	default:
		return TierGeneral
	}
}

// Alloc reserves size bytes, stamping the handle's created tick to now and
// its expiry to now+lifetimeMS (or tick.Never if lifetimeMS is negative).
func (a *Allocator) Alloc(size int, lifetimeMS int64, opts ...AllocOption) (*Handle, error) {
	if size <= 0 {
		return nil, ttakerr.New(ttakerr.InvalidArgument, "lifecycle: size must be positive")
	}

	var o Options
	for _, f := range opts {
		f(&o)
	}

	canary := o.Flags&FlagStrictCheck != 0
	rawSize := size
	if canary {
		rawSize += canaryOverhead
	}

	h := &header{size: size, flags: o.Flags, isConst: o.Const, isVolatile: o.Volatile, isRoot: o.Root, isAllowDirect: o.AllowDirect}

	tier := a.chooseTier(rawSize)
	if tier == TierPocket && rawSize > pocketSlabCapacity {
		tier = a.chooseTierAbovePocket(rawSize)
	}

	switch tier {
	case TierPocket:
		if rawSize <= detachMaxRawSize {
			if cached := a.detach.take(rawSize); cached != nil {
				h.pocketSlab = cached.pocketSlab
				h.raw = cached.pocketSlab.buf[:rawSize]
				break
			}
		}
		slab := getPocketSlab()
		h.pocketSlab = slab
		h.raw = slab.buf[:rawSize]
	case TierBuddy:
		b, err := a.zone.Alloc(rawSize)
		if err != nil {
			return nil, ttakerr.Wrap(ttakerr.Unavailable, "lifecycle: buddy tier exhausted", err)
		}
		h.buddyBlock = b
		h.raw = b.Bytes()[:rawSize]
	default:
		h.raw = make([]byte, rawSize)
		a.generalBytes.Add(uint64(rawSize))
	}
	h.tier = tier

	if canary {
		copy(h.raw[:8], canarySentinel[:])
		copy(h.raw[len(h.raw)-8:], canarySentinel[:])
		h.payload = h.raw[8 : 8+size]
	} else {
		h.payload = h.raw[:size]
	}

	now := a.clock.NowMS()
	h.createdTick = now
	if lifetimeMS < 0 {
		h.expiresTick = tick.Never
	} else {
		h.expiresTick = now + tick.Tick(lifetimeMS)
	}
	h.magic.Store(magicLive)
	h.recomputeChecksum()

	a.regMu.Lock()
	a.registry[h] = struct{}{}
	a.regMu.Unlock()

	return &Handle{h: h}, nil
}

// chooseTierAbovePocket re-resolves tier when a request nominally sized for
// the pocket tier doesn't actually fit one pocket slab (e.g. strict-mode
// canary overhead pushed it over pocketSlabCapacity).
func (a *Allocator) chooseTierAbovePocket(rawSize int) Tier {
	if rawSize <= buddyTierLimit {
		return TierBuddy
	}
	return TierGeneral
}

// buddyTierLimit is the largest request the buddy tier will be tried for
// before a request goes straight to the general (Go heap) tier. It is well
// under buddy.MaxOrder's theoretical ceiling: a single zone growing to
// service one giant allocation would defeat the point of tiering.
const buddyTierLimit = 1 << 24

// Access validates a handle and returns its payload view. Every access is
// checksum- and canary-verified. The payload is only actually released back
// to its tier once the Allocator's epoch.Manager reclaims the Free that
// retired it, so a slice returned here stays valid through any reclamation
// that races with a caller still holding it from before the Free.
func (a *Allocator) Access(hd *Handle) ([]byte, error) {
	h := hd.h
	if !h.live() {
		return nil, ttakerr.New(ttakerr.Expired, "lifecycle: handle freed")
	}
	now := a.clock.NowMS()
	if tick.Expired(h.expiresTick, now) {
		return nil, ttakerr.New(ttakerr.Expired, "lifecycle: handle expired")
	}
	if !h.verifyChecksum() || !h.verifyCanaries() {
		return nil, ttakerr.New(ttakerr.Arithmetic, "lifecycle: checksum or canary mismatch")
	}
	h.accessCount.Add(1)
	return h.payload, nil
}

// Pin increments a handle's pin count, preventing Autoclean from reclaiming
// it even past expiry until a matching Unpin.
func (a *Allocator) Pin(hd *Handle) { hd.h.pinCount.Add(1) }

// Unpin reverses Pin.
func (a *Allocator) Unpin(hd *Handle) { hd.h.pinCount.Add(-1) }

// Free releases a handle. The actual tier-specific release is deferred
// through the Allocator's epoch.Manager so a reader mid-Access at the
// moment of Free still sees valid bytes. If the header checksum or the
// strict-check canaries no longer verify, the block is marked freed and
// abandoned (never returned to its tier), the corruption is logged, and an
// Arithmetic error is returned.
func (a *Allocator) Free(hd *Handle) error {
	if hd == nil || hd.h == nil {
		return nil
	}
	h := hd.h
	if h.isConst {
		return ttakerr.New(ttakerr.Denied, "lifecycle: cannot free a const handle")
	}
	if !h.freed.CompareAndSwap(false, true) {
		return ttakerr.New(ttakerr.Denied, "lifecycle: double free")
	}
	h.magic.Store(0)

	a.regMu.Lock()
	delete(a.registry, h)
	a.regMu.Unlock()

	if !h.verifyChecksum() || !h.verifyCanaries() {
		a.log.Log(ttaklog.Entry{
			Level:     ttaklog.LevelError,
			Component: "lifecycle",
			Message:   "free: checksum or canary mismatch, block abandoned",
		})
		return ttakerr.New(ttakerr.Arithmetic, "lifecycle: checksum or canary mismatch")
	}

	a.epochMgr.Retire(func() { a.releaseTier(h) })
	return nil
}

func (a *Allocator) releaseTier(h *header) {
	switch h.tier {
	case TierPocket:
		if len(h.raw) <= detachMaxRawSize {
			if evicted := a.detach.offer(h); evicted != nil {
				putPocketSlab(evicted.pocketSlab)
			}
			return
		}
		putPocketSlab(h.pocketSlab)
	case TierBuddy:
		a.zone.Free(h.buddyBlock)
	case TierGeneral:
		a.generalBytes.Add(^(uint64(len(h.raw)) - 1))
	}
}

// Dup creates a fresh handle with its own copy of the source's current
// payload, stamped with a new creation tick and the same lifetime-from-now.
func (a *Allocator) Dup(hd *Handle, lifetimeMS int64) (*Handle, error) {
	src, err := a.Access(hd)
	if err != nil {
		return nil, err
	}
	dst, err := a.Alloc(len(src), lifetimeMS)
	if err != nil {
		return nil, err
	}
	copy(dst.h.payload, src)
	return dst, nil
}

// Realloc grows or shrinks a handle's payload in place when the current
// tier has room, otherwise allocates fresh and copies, freeing the old
// handle. The returned Handle may be the same value as hd.
func (a *Allocator) Realloc(hd *Handle, newSize int) (*Handle, error) {
	if newSize <= 0 {
		return nil, ttakerr.New(ttakerr.InvalidArgument, "lifecycle: size must be positive")
	}
	cur, err := a.Access(hd)
	if err != nil {
		return nil, err
	}
	h := hd.h
	canaryBytes := 0
	if h.flags&FlagStrictCheck != 0 {
		canaryBytes = canaryOverhead
	}
	maxPayload := len(h.raw) - canaryBytes

	if newSize <= maxPayload {
		// Enough room in the existing backing buffer; just re-slice and
		// re-stamp, no copy needed.
		h.mu.Lock()
		h.size = newSize
		if canaryBytes != 0 {
			h.payload = h.raw[8 : 8+newSize]
		} else {
			h.payload = h.raw[:newSize]
		}
		h.recomputeChecksum()
		h.mu.Unlock()
		return hd, nil
	}

	fresh, err := a.Alloc(newSize, -1, a.carryOpts(h)...)
	if err != nil {
		return nil, err
	}
	copy(fresh.h.payload, cur)

	fresh.h.mu.Lock()
	fresh.h.expiresTick = h.expiresTick
	fresh.h.recomputeChecksum()
	fresh.h.mu.Unlock()

	if err := a.Free(hd); err != nil {
		return nil, err
	}
	return fresh, nil
}

func (a *Allocator) carryOpts(h *header) []AllocOption {
	var opts []AllocOption
	if h.isConst {
		opts = append(opts, WithConst())
	}
	if h.isVolatile {
		opts = append(opts, WithVolatile())
	}
	if h.isRoot {
		opts = append(opts, WithRoot())
	}
	if h.isAllowDirect {
		opts = append(opts, WithAllowDirect())
	}
	if h.flags != 0 {
		opts = append(opts, WithFlags(h.flags))
	}
	return opts
}

// InspectDirty reports every currently-live handle whose expiry has already
// passed (and which is unpinned), without reclaiming them. Used by
// diagnostics and by Autoclean itself.
func (a *Allocator) InspectDirty() []*Handle {
	now := a.clock.NowMS()
	a.regMu.Lock()
	defer a.regMu.Unlock()

	var dirty []*Handle
	for h := range a.registry {
		if h.pinCount.Load() > 0 {
			continue
		}
		if tick.Expired(h.expiresTick, now) {
			dirty = append(dirty, &Handle{h: h})
		}
	}
	return dirty
}

// Autoclean frees every unpinned, expired handle and runs one epoch
// reclamation pass. It returns the number of handles freed.
func (a *Allocator) Autoclean() int {
	dirty := a.InspectDirty()
	for _, hd := range dirty {
		_ = a.Free(hd)
	}
	a.epochMgr.Reclaim()
	return len(dirty)
}

// PressureBytes estimates total allocator pressure (buddy zone in-use bytes
// plus general-tier bytes) for the GC sweeper's pressure model.
func (a *Allocator) PressureBytes() uint64 {
	return a.zone.BytesInUse() + a.generalBytes.Load()
}

// StartSweeper launches the background sweeper goroutine on the adaptive
// cadence computed by ttakcfg.GC.NextInterval, grounded on microbatch's
// timer-driven flush loop. Calling it more than once is a no-op.
func (a *Allocator) StartSweeper() {
	a.sweepOnce.Do(func() {
		a.wg.Add(1)
		go a.sweepLoop()
	})
}

// StopSweeper signals the sweeper goroutine to exit and waits for it.
func (a *Allocator) StopSweeper() {
	close(a.stopCh)
	a.wg.Wait()
}

func (a *Allocator) sweepLoop() {
	defer a.wg.Done()
	for {
		cfg := a.gcCfg.Load()
		interval := cfg.NextInterval(a.PressureBytes())
		timer := time.NewTimer(interval)
		select {
		case <-a.stopCh:
			timer.Stop()
			return
		case <-timer.C:
			n := a.Autoclean()
			if n > 0 {
				a.log.Log(ttaklog.Entry{
					Level:     ttaklog.LevelDebug,
					Component: "lifecycle",
					Message:   "autoclean swept expired handles",
					Fields:    map[string]any{"count": n},
				})
			}
		}
	}
}

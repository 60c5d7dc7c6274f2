package lattice

import (
	"sync"
	"time"

	"github.com/ttaklabs/libttak/tick"
	"github.com/ttaklabs/libttak/ttakerr"
	"github.com/ttaklabs/libttak/ttaklog"
)

// compactFreeRatio is the chain-wide "mostly idle" gate (spec.md §4.5:
// "when a chain becomes mostly empty, >= 65% free across all real nodes")
// that makes a compaction pass worth considering at all. It is NOT the
// stub condition itself: the last two real nodes are only actually
// detached once both have zero used slots (see compactOnce) — a tail node
// sitting at, say, 75% free but still holding one live READY slot must
// never be stubbed, or that committed message becomes unreachable via
// Read. Grounded on eventloop's MicrotaskRing overflow-compaction trigger,
// here inverted to a free-space ratio since lattice nodes are GC'd, not
// slab-recycled.
const compactFreeRatio = 0.65

// Chain links Nodes end to end, walking forward on Write/Read whenever the
// current node's diagonal is full or empty respectively.
type Chain struct {
	head *Node
	dim  int

	mu sync.Mutex // serializes compaction passes; EnsureNext does not take it

	clock tick.Clock
	log   ttaklog.Logger
}

// ChainOption configures a Chain at construction.
type ChainOption func(*Chain)

func WithChainClock(clk tick.Clock) ChainOption    { return func(c *Chain) { c.clock = clk } }
func WithChainLogger(l ttaklog.Logger) ChainOption { return func(c *Chain) { c.log = l } }

// NewChain creates a chain with a single head Node of the given dimension.
func NewChain(dim int, opts ...ChainOption) *Chain {
	c := &Chain{dim: dim, clock: tick.System()}
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		c.log = ttaklog.Noop()
	}
	c.head = NewNode(dim, WithClock(c.clock), WithLogger(c.log))
	return c
}

// Write walks the chain from head, trying each node's diagonal in turn and
// growing via EnsureNext whenever a node reports its diagonal full.
func (c *Chain) Write(workerID uint32, payload []byte) error {
	n := c.head
	for {
		err := n.Write(workerID, payload)
		if err == nil {
			return nil
		}
		if !ttakerr.Is(err, ttakerr.Unavailable) {
			return err
		}
		n = n.EnsureNext()
	}
}

// Read walks the chain from head, trying each node's diagonal in turn,
// returning ttakerr.Unavailable once the chain is exhausted without a
// growing further (unlike Write, Read must not grow the chain itself).
func (c *Chain) Read(workerID uint32) ([]byte, uint64, error) {
	n := c.head
	for n != nil {
		payload, seq, err := n.Read(workerID)
		if err == nil {
			return payload, seq, nil
		}
		if !ttakerr.Is(err, ttakerr.Unavailable) {
			return nil, 0, err
		}
		n = n.next.Load()
	}
	return nil, 0, ttakerr.New(ttakerr.Unavailable, "lattice: nothing ready in chain")
}

// Worker binds a workerID to a Chain for repeated use.
type Worker struct {
	chain    *Chain
	workerID uint32
}

// SetWorkerID returns a Worker bound to id for convenient repeated use.
func (c *Chain) SetWorkerID(id uint32) *Worker {
	return &Worker{chain: c, workerID: id}
}

func (w *Worker) Write(payload []byte) error   { return w.chain.Write(w.workerID, payload) }
func (w *Worker) Read() ([]byte, uint64, error) { return w.chain.Read(w.workerID) }

// compactOnce walks the chain's real nodes; if the chain as a whole is
// mostly empty (>= compactFreeRatio free across all real nodes, spec.md
// §4.5's gate for considering a pass at all) and the last two real nodes
// both have zero used slots (every slot FREE), the tail node is detached
// (stubbed) from the chain so it can be garbage collected. Zero-used is
// required, not just mostly-free: a tail node still holding even one live
// READY slot must never be stubbed, or that committed message becomes
// permanently unreachable via Read. This is best-effort and not
// linearizable with concurrent Write: a writer that already holds a
// reference to the about-to-be-detached tail node may still publish into
// it, and that publish becomes unreachable from the chain. Acceptable for
// an ingress board whose whole purpose is throughput over a bounded-loss
// overflow path (spec.md §4.5's [EXPANSION] stub rule), same trade-off the
// epoch reclaimer makes for deferred-but-not-guaranteed cleanup.
func (c *Chain) compactOnce() {
	c.mu.Lock()
	defer c.mu.Unlock()

	var prev, last *Node
	var totalUsed, totalSlots int64
	n := c.head
	for {
		totalUsed += n.usedCount.Load()
		totalSlots += int64(len(n.slots))
		nx := n.next.Load()
		if nx == nil {
			last = n
			break
		}
		prev = n
		n = nx
	}
	if prev == nil || last == nil {
		return // only one node; nothing to stub
	}
	chainFreeRatio := 1 - float64(totalUsed)/float64(totalSlots)
	if chainFreeRatio < compactFreeRatio {
		return
	}
	if prev.usedCount.Load() == 0 && last.usedCount.Load() == 0 {
		prev.next.Store(nil)
		c.log.Log(ttaklog.Entry{Level: ttaklog.LevelDebug, Component: "lattice", Message: "compacted idle tail node"})
	}
}

// Compactor periodically stubs idle tail nodes off a Chain in the
// background, grounded on microbatch's timer-driven background loop.
type Compactor struct {
	chain    *Chain
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// NewCompactor creates a Compactor for chain that wakes every interval.
func NewCompactor(chain *Chain, interval time.Duration) *Compactor {
	return &Compactor{chain: chain, interval: interval, stopCh: make(chan struct{})}
}

// Start launches the background compaction loop; safe to call more than
// once, only the first call takes effect.
func (cp *Compactor) Start() {
	cp.once.Do(func() {
		cp.wg.Add(1)
		go cp.loop()
	})
}

// Stop signals the loop to exit and waits for it to do so.
func (cp *Compactor) Stop() {
	close(cp.stopCh)
	cp.wg.Wait()
}

func (cp *Compactor) loop() {
	defer cp.wg.Done()
	t := time.NewTicker(cp.interval)
	defer t.Stop()
	for {
		select {
		case <-cp.stopCh:
			return
		case <-t.C:
			cp.chain.compactOnce()
		}
	}
}

package lattice

import (
	"sync"
	"sync/atomic"

	"github.com/ttaklabs/libttak/tick"
	"github.com/ttaklabs/libttak/ttakerr"
	"github.com/ttaklabs/libttak/ttaklog"
)

// expandLoadFactor is the used/capacity ratio at which a Write proactively
// grows the chain, so a writer landing on the last free slot of a diagonal
// never has to pay for synchronous node creation itself.
const expandLoadFactor = 0.80

// defaultSlotCap is the payload buffer size reserved per slot when the
// caller doesn't override it via WithSlotCap.
const defaultSlotCap = 256

// Node is one dim x dim grid of slots. Worker IDs partition the grid into
// disjoint diagonals via (r+c) mod dim == workerID mod dim (spec.md §4.5),
// so writers on distinct diagonals never contend for the same slot.
type Node struct {
	dim   int
	slots []slot

	ingressCount atomic.Uint64
	usedCount    atomic.Int64

	next     atomic.Pointer[Node]
	expandMu sync.Mutex

	clock   tick.Clock
	log     ttaklog.Logger
	slotCap int

	// diagonals[residue] holds the precomputed slot indices for the
	// diagonal where (r+c) mod dim == residue, so Write/Read never
	// allocate on the ingress/egress path (spec.md §9's "precompute an
	// (r,c)->lane table per dim" strategy).
	diagonals [][]int
}

// NodeOption configures a Node at construction.
type NodeOption func(*Node)

func WithClock(clk tick.Clock) NodeOption { return func(n *Node) { n.clock = clk } }
func WithLogger(l ttaklog.Logger) NodeOption { return func(n *Node) { n.log = l } }
func WithSlotCap(size int) NodeOption      { return func(n *Node) { n.slotCap = size } }

// NewNode allocates a dim x dim grid of FREE slots.
func NewNode(dim int, opts ...NodeOption) *Node {
	if dim < 1 {
		dim = 1
	}
	n := &Node{
		dim:     dim,
		clock:   tick.System(),
		slotCap: defaultSlotCap,
	}
	for _, o := range opts {
		o(n)
	}
	if n.log == nil {
		n.log = ttaklog.Noop()
	}
	n.slots = make([]slot, dim*dim)
	for i := range n.slots {
		n.slots[i].payload = make([]byte, n.slotCap)
	}
	n.diagonals = make([][]int, dim)
	for want := 0; want < dim; want++ {
		idxs := make([]int, dim)
		for r := 0; r < dim; r++ {
			c := ((want-r)%dim + dim) % dim
			idxs[r] = r*dim + c
		}
		n.diagonals[want] = idxs
	}
	return n
}

// diagonalIndices returns the dim slot indices belonging to workerID's
// diagonal: for each row r, the unique column c with
// (r+c) mod dim == workerID mod dim (spec.md §4.5's Latin-square
// condition), so every worker's diagonal is disjoint from every other's.
// The table is precomputed once per dim at construction (see NewNode), so
// this is a plain slice lookup on the hot Write/Read path, not a rebuild.
func (n *Node) diagonalIndices(workerID uint32) []int {
	want := int(workerID % uint32(n.dim))
	return n.diagonals[want]
}

// Write scans workerID's diagonal for a FREE slot, claims it via CAS,
// copies payload in, stamps it, and publishes READY. Returns
// ttakerr.Unavailable if the entire diagonal is occupied.
func (n *Node) Write(workerID uint32, payload []byte) error {
	if len(payload) > n.slotCap {
		return ttakerr.New(ttakerr.InvalidArgument, "lattice: payload exceeds slot capacity")
	}
	for _, idx := range n.diagonalIndices(workerID) {
		s := &n.slots[idx]
		if !s.state.tryTransition(SlotFree, SlotWriting) {
			continue
		}
		n2 := copy(s.payload, payload)
		s.length = n2
		s.timestampNS = int64(n.clock.NowNS())
		s.seq.Add(1)
		// The CAS above granted exclusive ownership of the WRITING state;
		// nobody else can observe or mutate this slot until READY is
		// published, so a plain Store is enough here (eventloop.FastState's
		// "safe once exclusively entered" idiom).
		s.state.v.Store(uint32(SlotReady))

		n.ingressCount.Add(1)
		used := n.usedCount.Add(1)
		if float64(used) >= expandLoadFactor*float64(len(n.slots)) {
			n.EnsureNext()
		}
		return nil
	}
	return ttakerr.New(ttakerr.Unavailable, "lattice: diagonal full")
}

// Read scans workerID's diagonal for a READY slot, claims it via CAS,
// copies the payload out, and releases the slot back to FREE. Returns
// ttakerr.Unavailable if nothing on the diagonal is READY.
func (n *Node) Read(workerID uint32) ([]byte, uint64, error) {
	for _, idx := range n.diagonalIndices(workerID) {
		s := &n.slots[idx]
		if !s.state.tryTransition(SlotReady, SlotReading) {
			continue
		}
		out := make([]byte, s.length)
		copy(out, s.payload[:s.length])
		seq := s.seq.Load()
		s.state.v.Store(uint32(SlotFree))
		n.usedCount.Add(-1)
		return out, seq, nil
	}
	return nil, 0, ttakerr.New(ttakerr.Unavailable, "lattice: nothing ready on diagonal")
}

// freeRatio reports the fraction of this node's slots currently FREE.
func (n *Node) freeRatio() float64 {
	used := n.usedCount.Load()
	if used < 0 {
		used = 0
	}
	return 1 - float64(used)/float64(len(n.slots))
}

// EnsureNext lazily creates and links a successor Node, or returns the
// existing one if another goroutine already won the race.
func (n *Node) EnsureNext() *Node {
	if nx := n.next.Load(); nx != nil {
		return nx
	}
	n.expandMu.Lock()
	defer n.expandMu.Unlock()
	if nx := n.next.Load(); nx != nil {
		return nx
	}
	nx := NewNode(n.dim, WithClock(n.clock), WithLogger(n.log), WithSlotCap(n.slotCap))
	n.next.Store(nx)
	n.log.Log(ttaklog.Entry{Level: ttaklog.LevelDebug, Component: "lattice", Message: "grew chain"})
	return nx
}

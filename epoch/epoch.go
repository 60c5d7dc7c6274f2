// Package epoch implements epoch-based reclamation (EBR): threads bracket
// data access with Enter/Exit, and Retire defers cleanup until every
// registered thread has observed a later epoch. Reclaim is cooperative and
// best-effort; a thread stuck inside a critical section simply delays its
// own queue's drain, never a crash.
package epoch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ttaklabs/libttak/ttaklog"
)

const numQueues = 3

// retired is one deferred cleanup.
type retired struct {
	cleanup func()
}

// retireQueue holds nodes retired during one epoch slot (global epoch mod
// numQueues). Access is protected by a mutex: retirement happens off the
// hottest paths (a Retire call already implies a free/swap), so a mutex
// here is the right weight, matching the teacher corpus's preference for
// sync.Mutex over hand-rolled CAS loops outside the single hottest path.
type retireQueue struct {
	mu    sync.Mutex
	items []retired
}

func (q *retireQueue) push(r retired) {
	q.mu.Lock()
	q.items = append(q.items, r)
	q.mu.Unlock()
}

func (q *retireQueue) drain() []retired {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()
	return items
}

// Token is per-thread EBR state, obtained via Manager.Register. Every
// goroutine that touches the lattice, a shared container's EBR path, or
// the lifecycle/buddy allocators must hold one for its lifetime and call
// Enter/Exit around each access — failing to register is a fatal logic
// error per the specification's concurrency model.
type Token struct {
	mgr        *Manager
	localEpoch atomic.Uint64
	active     atomic.Bool
}

// Enter copies the current global epoch into thread-local state and marks
// the token active. Must be paired with Exit.
func (t *Token) Enter() {
	t.localEpoch.Store(t.mgr.global.Load())
	t.active.Store(true)
}

// Exit clears the active flag, allowing reclamation to proceed past this
// thread's last observed epoch.
func (t *Token) Exit() {
	t.active.Store(false)
}

// Manager is the global epoch coordinator: one global epoch counter, three
// retire queues, and the set of registered tokens.
type Manager struct {
	global atomic.Uint64
	queues [numQueues]retireQueue

	mu     sync.Mutex
	tokens []*Token

	log ttaklog.Logger
}

// New creates an epoch Manager. A nil logger is replaced with a no-op.
func New(log ttaklog.Logger) *Manager {
	if log == nil {
		log = ttaklog.Noop()
	}
	return &Manager{log: log}
}

// Register creates and tracks a new per-thread Token. The caller owns the
// returned Token and should call Deregister when the thread exits.
func (m *Manager) Register() *Token {
	t := &Token{mgr: m}
	m.mu.Lock()
	m.tokens = append(m.tokens, t)
	m.mu.Unlock()
	return t
}

// Deregister removes a token from the active set, e.g. on goroutine exit.
func (m *Manager) Deregister(t *Token) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, tok := range m.tokens {
		if tok == t {
			m.tokens = append(m.tokens[:i], m.tokens[i+1:]...)
			return
		}
	}
}

// Retire enqueues cleanup to run once every registered, currently-active
// thread has advanced at least two epochs past the retiring epoch. cleanup
// must not re-enter the epoch manager (no Retire/Reclaim from within a
// cleanup callback).
func (m *Manager) Retire(cleanup func()) {
	if cleanup == nil {
		return
	}
	idx := m.global.Load() % numQueues
	m.queues[idx].push(retired{cleanup: cleanup})
}

// Reclaim advances the global epoch by one if every active thread has
// caught up to it, and only then drains the retire queue that is two
// epochs behind the new global epoch, invoking every queued cleanup
// exactly once. Reclaim is best-effort: a thread stuck mid-critical-section
// blocks the advance, so nothing is drained until a later call. Returns the
// number of cleanups invoked.
func (m *Manager) Reclaim() int {
	m.mu.Lock()
	tokens := make([]*Token, len(m.tokens))
	copy(tokens, m.tokens)
	m.mu.Unlock()

	current := m.global.Load()
	allCaughtUp := true
	for _, t := range tokens {
		if t.active.Load() && t.localEpoch.Load() != current {
			allCaughtUp = false
			break
		}
	}

	reclaimed := 0

	// Only once every active thread has observed the current epoch can we
	// advance it; only once advanced is it safe to drain the queue that is
	// two epochs behind the new global epoch (every thread that might have
	// held a pointer retired then has since exited its critical section).
	if allCaughtUp && m.global.CompareAndSwap(current, current+1) {
		newGlobal := current + 1
		if newGlobal >= numQueues-1 {
			safeIdx := (newGlobal - (numQueues - 1)) % numQueues
			for _, r := range m.queues[safeIdx].drain() {
				func() {
					defer func() {
						if rec := recover(); rec != nil {
							m.log.Log(ttaklog.Entry{
								Level:     ttaklog.LevelError,
								Component: "epoch",
								Message:   "cleanup panicked",
							})
						}
					}()
					r.cleanup()
				}()
				reclaimed++
			}
		}
	}

	return reclaimed
}

// GlobalEpoch returns the current global epoch value, mainly for tests and
// diagnostics.
func (m *Manager) GlobalEpoch() uint64 {
	return m.global.Load()
}

// RunBackground calls Reclaim on a ticker until ctx is done, grounded on
// microbatch's timer-driven flush loop. Callers that want this off the
// calling goroutine invoke it as `go mgr.RunBackground(ctx, interval)`.
func (m *Manager) RunBackground(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Reclaim()
		}
	}
}

package workpool

import (
	"context"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ttaklabs/libttak/tick"
	"github.com/ttaklabs/libttak/ttakerr"
)

// pollReadiness is implemented per-platform (ioguard_poll_linux.go /
// ioguard_poll_windows.go / ioguard_poll_other.go), mirroring the
// poller.go + poller_linux/darwin/windows.go split the teacher pack's
// eventloop package used for its own readiness polling.

// stagingBufSize is the fixed size of each buffer handed out by the
// staging arena, grounded on eventloop's chunkPool sync.Pool recycling
// idiom (workpool.stagingArena per SPEC_FULL.md §4.8's [EXPANSION]).
const stagingBufSize = 32 * 1024

var stagingArena = sync.Pool{New: func() any {
	b := make([]byte, stagingBufSize)
	return &b
}}

// IOGuard wraps a file descriptor with an owner reference, a TTL, and
// creation/expiry/last-used ticks, per spec.md §4.8.
type IOGuard struct {
	fd    uintptr
	owner uint32
	ttl   time.Duration
	tag   string

	created  tick.Tick
	expires  atomic.Uint64
	lastUsed atomic.Uint64
	closed   atomic.Bool
}

// NewIOGuard wraps fd with an owner reference and a TTL starting at now.
func NewIOGuard(fd uintptr, owner uint32, ttl time.Duration, now tick.Tick, tag string) *IOGuard {
	g := &IOGuard{
		fd:      fd,
		owner:   owner,
		ttl:     ttl,
		tag:     tag,
		created: now,
	}
	g.expires.Store(uint64(now) + uint64(ttl.Milliseconds()))
	g.lastUsed.Store(uint64(now))
	return g
}

// Valid reports whether the guard is open and its TTL has not elapsed as
// of now.
func (g *IOGuard) Valid(now tick.Tick) bool {
	return !g.closed.Load() && !tick.Expired(tick.Tick(g.expires.Load()), now)
}

// Refresh resets the guard's expiry to now + ttl.
func (g *IOGuard) Refresh(now tick.Tick) {
	g.expires.Store(uint64(now) + uint64(g.ttl.Milliseconds()))
	g.lastUsed.Store(uint64(now))
}

// Close closes the underlying descriptor exactly once.
func (g *IOGuard) Close() error {
	if !g.closed.CompareAndSwap(false, true) {
		return nil
	}
	return syscall.Close(int(g.fd))
}

// Read fills buf from the descriptor via a staged arena buffer, looping
// the underlying syscall until buf is full or EOF, per spec.md §4.8.
func (g *IOGuard) Read(buf []byte, now tick.Tick) (int, error) {
	if !g.Valid(now) {
		return 0, ttakerr.New(ttakerr.Expired, "workpool: io guard expired or closed")
	}
	stage := stagingArena.Get().(*[]byte)
	defer stagingArena.Put(stage)

	total := 0
	for total < len(buf) {
		chunk := *stage
		if len(chunk) > len(buf)-total {
			chunk = chunk[:len(buf)-total]
		}
		n, err := syscall.Read(int(g.fd), chunk)
		if n > 0 {
			copy(buf[total:], chunk[:n])
			total += n
		}
		if err != nil {
			return total, err
		}
		if n == 0 {
			break // EOF
		}
	}
	g.Refresh(now)
	return total, nil
}

// Write drains buf to the descriptor via a staged arena buffer, looping
// the underlying syscall until buf is fully written.
func (g *IOGuard) Write(buf []byte, now tick.Tick) (int, error) {
	if !g.Valid(now) {
		return 0, ttakerr.New(ttakerr.Expired, "workpool: io guard expired or closed")
	}
	stage := stagingArena.Get().(*[]byte)
	defer stagingArena.Put(stage)

	total := 0
	for total < len(buf) {
		chunk := *stage
		n := copy(chunk, buf[total:])
		written, err := syscall.Write(int(g.fd), chunk[:n])
		total += written
		if err != nil {
			return total, err
		}
		if written == 0 {
			break
		}
	}
	g.Refresh(now)
	return total, nil
}

// PollWait waits for the descriptor to become readable (on linux via
// syscall.Select with a single-fd read set; other platforms only sleep for
// timeout, see ioguard_poll_other.go), either inline (blocking the
// caller directly) or async (spawning a goroutine that invokes cb once
// done), grounded on longpoll.Channel's inline/async blocking-receive
// shape generalized from "receive N values" to "wait for FD readiness or
// context cancellation."
func (g *IOGuard) PollWait(ctx context.Context, timeout time.Duration, async bool, cb func(error)) error {
	wait := func() error {
		done := make(chan error, 1)
		go func() { done <- g.pollOnce(timeout) }()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-done:
			return err
		}
	}
	if !async {
		return wait()
	}
	go func() {
		err := wait()
		if cb != nil {
			cb(err)
		}
	}()
	return nil
}

func (g *IOGuard) pollOnce(timeout time.Duration) error {
	return pollReadiness(int(g.fd), timeout)
}

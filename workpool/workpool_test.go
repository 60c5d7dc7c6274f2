package workpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ttaklabs/libttak/sched"
	"github.com/ttaklabs/libttak/tick"
)

func TestPoolRunsSubmittedTasks(t *testing.T) {
	p := NewPool(2)
	defer p.Destroy(context.Background())

	var n atomic.Int32
	var wg sync.WaitGroup
	wg.Add(10)
	for i := 0; i < 10; i++ {
		ok := p.Submit(func() {
			n.Add(1)
			wg.Done()
		}, 0, tick.Tick(0))
		if !ok {
			t.Fatalf("expected Submit to succeed")
		}
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tasks did not complete in time")
	}
	if n.Load() != 10 {
		t.Fatalf("expected 10 tasks run, got %d", n.Load())
	}
}

func TestPoolRecoversPanicAndInvokesContinuation(t *testing.T) {
	p := NewPool(1)
	defer p.Destroy(context.Background())

	errc := make(chan error, 1)
	ok := p.SubmitWithContinuation(func() {
		panic("boom")
	}, 0, tick.Tick(0), func(err error) { errc <- err })
	if !ok {
		t.Fatalf("expected Submit to succeed")
	}

	select {
	case err := <-errc:
		if err == nil {
			t.Fatalf("expected a non-nil error after a panicking task")
		}
	case <-time.After(time.Second):
		t.Fatal("continuation was not invoked")
	}
}

func TestPoolSubmitFailsAfterDestroy(t *testing.T) {
	p := NewPool(1)
	if err := p.Destroy(context.Background()); err != nil {
		t.Fatal(err)
	}
	if ok := p.Submit(func() {}, 0, tick.Tick(0)); ok {
		t.Fatalf("expected Submit to fail after Destroy")
	}
}

func TestPoolDestroyForceCancelsOnContextTimeout(t *testing.T) {
	p := NewPool(1)
	blockCh := make(chan struct{})
	p.Submit(func() { <-blockCh }, 0, tick.Tick(0))
	time.Sleep(5 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- p.Destroy(ctx) }()

	// Destroy blocks (per microbatch.Batcher.Shutdown's own contract) on
	// the already-running task even after ctx's deadline fires, so the
	// task must be unblocked before Destroy can return.
	time.Sleep(20 * time.Millisecond)
	close(blockCh)

	select {
	case err := <-errc:
		if err == nil {
			t.Fatalf("expected Destroy to report the context deadline")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Destroy did not return after the task unblocked")
	}
}

func TestIOGuardValidityAndRefresh(t *testing.T) {
	clk := tick.NewFake()
	g := NewIOGuard(0, 1, 10*time.Millisecond, clk.NowMS(), "test")
	if !g.Valid(clk.NowMS()) {
		t.Fatalf("expected freshly-created guard to be valid")
	}
	clk.Advance(20)
	if g.Valid(clk.NowMS()) {
		t.Fatalf("expected guard to have expired after TTL elapsed")
	}
	g.Refresh(clk.NowMS())
	if !g.Valid(clk.NowMS()) {
		t.Fatalf("expected guard to be valid again after Refresh")
	}
}

func TestIOGuardCloseIsIdempotent(t *testing.T) {
	g := &IOGuard{}
	g.closed.Store(false)
	// Closing twice via the guard must not panic, and the second Close
	// must not reach the descriptor again.
	g.fd = ^uintptr(0) // an invalid fd so Close's syscall errors harmlessly
	_ = g.Close()
	if err := g.Close(); err != nil {
		t.Fatalf("expected the second Close to be a no-op, got %v", err)
	}
}

func TestResolvePriorityIntegratesWithPoolQueue(t *testing.T) {
	q := sched.NewQueue()
	tr := sched.NewEMATracker()
	high := &sched.Task{Nice: sched.NiceMin}
	low := &sched.Task{Nice: sched.NiceMax}
	sched.ResolvePriority(high, tr)
	sched.ResolvePriority(low, tr)
	q.Push(low)
	q.Push(high)
	first, _ := q.Pop()
	if first != high {
		t.Fatalf("expected the high-priority task to pop first")
	}
}

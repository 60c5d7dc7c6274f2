package epoch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRetireReclaimEventuallyRuns(t *testing.T) {
	m := New(nil)
	tok := m.Register()
	tok.Enter()

	var ran atomic.Bool
	m.Retire(func() { ran.Store(true) })

	// Exit before advancing epochs, matching the "cooperative" contract.
	tok.Exit()

	// Advancing the epoch numQueues-1 times guarantees the retiring
	// queue becomes safe to drain, regardless of which slot it landed in.
	for i := 0; i < numQueues+2; i++ {
		tok.Enter()
		m.Reclaim()
		tok.Exit()
	}

	if !ran.Load() {
		t.Fatal("expected cleanup to have run")
	}
}

func TestReclaimDefersWhileThreadActive(t *testing.T) {
	m := New(nil)
	reader := m.Register()
	reader.Enter() // holds epoch open indefinitely

	var ran atomic.Bool
	m.Retire(func() { ran.Store(true) })

	for i := 0; i < numQueues+2; i++ {
		m.Reclaim()
	}

	if ran.Load() {
		t.Fatal("cleanup must not run while a thread is still active in an old epoch")
	}

	reader.Exit()
	for i := 0; i < numQueues+2; i++ {
		m.Reclaim()
	}
	if !ran.Load() {
		t.Fatal("expected cleanup to run after reader exits")
	}
}

func TestCleanupInvokedExactlyOnce(t *testing.T) {
	m := New(nil)
	tok := m.Register()

	var count atomic.Int32
	for i := 0; i < 10; i++ {
		m.Retire(func() { count.Add(1) })
	}

	for i := 0; i < numQueues*4; i++ {
		tok.Enter()
		m.Reclaim()
		tok.Exit()
	}

	if count.Load() != 10 {
		t.Fatalf("expected exactly 10 invocations, got %d", count.Load())
	}
}

func TestDeregisterRemovesToken(t *testing.T) {
	m := New(nil)
	tok := m.Register()
	if len(m.tokens) != 1 {
		t.Fatalf("expected 1 registered token, got %d", len(m.tokens))
	}
	m.Deregister(tok)
	if len(m.tokens) != 0 {
		t.Fatalf("expected 0 registered tokens, got %d", len(m.tokens))
	}
}

func TestConcurrentEnterExitRetireReclaim(t *testing.T) {
	m := New(nil)
	var wg sync.WaitGroup
	var cleanups atomic.Int64

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok := m.Register()
			defer m.Deregister(tok)
			for j := 0; j < 200; j++ {
				tok.Enter()
				m.Retire(func() { cleanups.Add(1) })
				tok.Exit()
				m.Reclaim()
			}
		}()
	}
	wg.Wait()

	// Final drain pass to mop up anything still pending.
	tok := m.Register()
	for i := 0; i < numQueues+2; i++ {
		tok.Enter()
		m.Reclaim()
		tok.Exit()
	}

	if cleanups.Load() != 8*200 {
		t.Fatalf("expected all 1600 cleanups to run, got %d", cleanups.Load())
	}
}

func TestRunBackgroundReclaimsUntilCancelled(t *testing.T) {
	m := New(nil)
	tok := m.Register()

	var ran atomic.Bool
	m.Retire(func() { ran.Store(true) })
	tok.Exit()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.RunBackground(ctx, time.Millisecond)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for !ran.Load() {
		select {
		case <-deadline:
			cancel()
			t.Fatal("RunBackground did not reclaim in time")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunBackground did not return after ctx was cancelled")
	}
}

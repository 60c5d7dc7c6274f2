package workpool

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/ttaklabs/libttak/sched"
	"github.com/ttaklabs/libttak/tick"
	"github.com/ttaklabs/libttak/ttakerr"
	"github.com/ttaklabs/libttak/ttaklog"
)

// Option configures a Pool at construction.
type Option func(*Pool)

func WithLogger(l ttaklog.Logger) Option { return func(p *Pool) { p.log = l } }
func WithClock(clk tick.Clock) Option    { return func(p *Pool) { p.clock = clk } }

// Pool dispatches submitted tasks to a fixed group of worker goroutines
// blocked on a shared priority queue, grounded on microbatch.Batcher's
// worker-goroutine + submit/shutdown lifecycle (ctx cancellation plus a
// stop-once gate, rather than Batcher's ping-pong job channel, since Pool
// tasks run independently rather than as grouped batches).
type Pool struct {
	queue   *sched.Queue
	tracker *sched.EMATracker
	clock   tick.Clock
	log     ttaklog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	stopOnce sync.Once
	stopped  chan struct{}

	wg sync.WaitGroup
}

// NewPool spins up threads worker goroutines draining a shared priority
// queue.
func NewPool(threads int, opts ...Option) *Pool {
	if threads < 1 {
		threads = 1
	}
	p := &Pool{
		queue:   sched.NewQueue(),
		tracker: sched.NewEMATracker(),
		clock:   tick.System(),
		stopped: make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	if p.log == nil {
		p.log = ttaklog.Noop()
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())

	for i := 0; i < threads; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		task, err := p.queue.PopBlocking(p.ctx)
		if err != nil {
			return
		}
		p.runTask(task)
	}
}

func (p *Pool) runTask(task *sched.Task) {
	start := p.clock.NowNS()
	var runErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				runErr = ttakerr.New(ttakerr.SystemFailure, fmt.Sprintf("workpool: task panicked: %v", r))
				p.log.Log(ttaklog.Entry{
					Level:     ttaklog.LevelError,
					Component: "workpool",
					Message:   "task panicked",
					Fields:    map[string]any{"recover": r},
				})
			}
		}()
		task.Fn()
	}()
	dur := time.Duration(int64(p.clock.NowNS()) - int64(start))
	p.tracker.Record(task.Hash, dur)
	if task.Continuation != nil {
		task.Continuation(runErr)
	}
}

// Submit enqueues fn for execution by a worker, returning false if the
// pool is shutting down. now is stamped on the task as its creation tick.
// The task's EMA duration-tracking bucket is derived from fn's underlying
// code pointer via reflect, so repeated submissions of the same function
// value accumulate toward the same bucket without the caller having to
// name one explicitly.
func (p *Pool) Submit(fn func(), nice sched.Nice, now tick.Tick) bool {
	return p.submit(fn, nice, now, nil)
}

// SubmitWithContinuation is Submit's supplemental variant for callers that
// need to observe completion/panic: continuation is invoked with any
// recovered panic wrapped as a *ttakerr.Error (or nil on clean return)
// once the task finishes running.
func (p *Pool) SubmitWithContinuation(fn func(), nice sched.Nice, now tick.Tick, continuation func(error)) bool {
	return p.submit(fn, nice, now, continuation)
}

func (p *Pool) submit(fn func(), nice sched.Nice, now tick.Tick, continuation func(error)) bool {
	select {
	case <-p.stopped:
		return false
	case <-p.ctx.Done():
		return false
	default:
	}

	task := &sched.Task{
		Fn:           fn,
		Continuation: continuation,
		Nice:         sched.ClampNice(nice),
		CreatedTick:  now,
		Hash:         uint64(reflect.ValueOf(fn).Pointer()),
	}
	sched.ResolvePriority(task, p.tracker)
	p.queue.Push(task)
	return true
}

// Destroy signals shutdown, lets queued and in-flight tasks drain, and
// waits for every worker to exit. If ctx is cancelled first, Destroy
// force-cancels outstanding workers and returns ctx's error.
func (p *Pool) Destroy(ctx context.Context) error {
	p.stopOnce.Do(func() {
		close(p.stopped)
		p.queue.Close()
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	case <-done:
		return nil
	}
}

package sched

import "github.com/ttaklabs/libttak/tick"

// Nice is a clamped scheduling-priority bias, unix-nice-shaped: lower is
// more favorable. Per SPEC_FULL.md §3's config enumerations, values are
// always clamped to [NiceMin, NiceMax].
type Nice int8

const (
	NiceMin Nice = -20
	NiceMax Nice = 19
)

// ClampNice forces n into [NiceMin, NiceMax].
func ClampNice(n Nice) Nice {
	switch {
	case n < NiceMin:
		return NiceMin
	case n > NiceMax:
		return NiceMax
	default:
		return n
	}
}

// Task is a unit of work submitted to the scheduler: a function, an
// optional continuation invoked with any panic/error after Fn runs, a
// nice bias, a creation timestamp, and a hash identifying this task's
// "kind" for EMA duration tracking (e.g. a hash of its call site or
// submitter-supplied tag). Arg passing is via closure, the idiomatic Go
// substitute for a void* argument field.
type Task struct {
	Fn           func()
	Continuation func(error)
	Nice         Nice
	CreatedTick  tick.Tick
	Hash         uint64

	// priority is the task's resolved queue ordering key: Nice adjusted by
	// the EMA-derived bucket offset at enqueue time. Higher sorts first.
	priority int
}

// Priority returns the task's resolved queue ordering key.
func (t *Task) Priority() int { return t.priority }

// ResolvePriority stamps t.priority from its Nice bias adjusted by
// tracker's EMA-derived offset for t.Hash, per spec.md §4.7: "adjusted
// priority = base ± {+5 very short, +2 short, +1 unknown, -2 long, -5
// very long}". Lower Nice sorts first, so the nice contribution is
// negated before the offset is added. Callers must call this before
// Push/Heap.Push; Queue and Heap never resolve priority themselves, since
// the EMA tracker is shared across many queues in the thread pool.
func ResolvePriority(t *Task, tracker *EMATracker) {
	t.priority = int(-t.Nice) + tracker.Offset(t.Hash)
}

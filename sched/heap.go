package sched

import "container/heap"

// taskHeap implements container/heap.Interface over *Task, ordered so
// the highest-priority task is the root (a max-heap).
type taskHeap []*Task

func (h taskHeap) Len() int           { return len(h) }
func (h taskHeap) Less(i, j int) bool { return h[i].priority > h[j].priority }
func (h taskHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)        { *h = append(*h, x.(*Task)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// Heap is the binary-heap priority-queue variant from spec.md §4.7, used
// when fan-out is large enough that the list Queue's O(n) push becomes a
// bottleneck.
type Heap struct {
	h taskHeap
}

// NewHeap creates an empty heap-backed priority queue.
func NewHeap() *Heap {
	hp := &Heap{}
	heap.Init(&hp.h)
	return hp
}

// Push inserts t, O(log n).
func (hp *Heap) Push(t *Task) {
	heap.Push(&hp.h, t)
}

// Pop removes and returns the highest-priority task, O(log n), or
// (nil, false) if empty.
func (hp *Heap) Pop() (*Task, bool) {
	if hp.h.Len() == 0 {
		return nil, false
	}
	return heap.Pop(&hp.h).(*Task), true
}

// Len reports the number of queued tasks.
func (hp *Heap) Len() int { return hp.h.Len() }

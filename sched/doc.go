// Package sched provides the task/priority-queue glue consumed by the
// thread pool: a task descriptor, a priority queue (list and heap
// variants), an EMA-based task-duration tracker that nudges priority
// based on observed history, and a nice-value clamp helper.
package sched

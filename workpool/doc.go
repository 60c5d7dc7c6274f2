// Package workpool implements the thread pool and IO guard: a fixed
// group of worker goroutines dispatching sched.Task values off a shared
// priority queue, and a TTL-guarded file-descriptor wrapper with staged
// buffered reads/writes and poll-wait semantics.
package workpool

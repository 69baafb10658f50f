// Package worker provides a generic, bounded-concurrency fan-out/fan-in
// helper for batch, join-then-continue scans — explicitly not for the
// scheduler's main dispatch loop, which must never block on a join.
package worker

import (
	"runtime"
	"sync"
)

// Result pairs a processed value with its original index to preserve
// ordering, and any per-item error.
type Result[O any] struct {
	Index int
	Value O
	Err   error
}

// Pool fans out a batch of input items of type I to a fixed number of
// goroutine workers.
type Pool[I any] struct {
	concurrency int
}

// NewPool creates a worker pool with the given concurrency. If concurrency
// <= 0, defaults to runtime.NumCPU().
func NewPool[I any](concurrency int) *Pool[I] {
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}
	return &Pool[I]{concurrency: concurrency}
}

// Process distributes items across workers, applies fn to each, and returns
// results in the same order as the input slice. Errors from individual items
// are captured per-result rather than aborting the whole batch. Process
// blocks until every item has been processed — it is a join, so callers must
// only use it for bounded, one-shot batch work (startup scans), never from
// inside a loop that must keep polling without blocking.
func Process[I, O any](p *Pool[I], items []I, fn func(I) (O, error)) []Result[O] {
	if len(items) == 0 {
		return nil
	}

	workers := p.concurrency
	if workers > len(items) {
		workers = len(items)
	}

	type job struct {
		index int
		item  I
	}

	jobs := make(chan job, len(items))
	results := make([]Result[O], len(items))
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				val, err := fn(j.item)
				results[j.index] = Result[O]{Index: j.index, Value: val, Err: err}
			}
		}()
	}

	for i, item := range items {
		jobs <- job{index: i, item: item}
	}
	close(jobs)

	wg.Wait()

	return results
}

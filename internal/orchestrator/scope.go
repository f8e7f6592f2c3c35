package orchestrator

import (
	"context"
	"sync"
)

// job is one unit of work queued onto a scopeActor.
type job struct {
	ctx context.Context
	run func(context.Context)
}

// scopeActor serializes all processing for one scope key behind a single
// goroutine reading off a buffered channel — spec.md §9's "represent each
// scope as a task with an input channel of turn-processing jobs" in place
// of a promise-chained tail. FIFO within a scope, fully independent across
// scopes (spec.md §5 invariant 2).
type scopeActor struct {
	jobs chan job
	wg   sync.WaitGroup
}

func newScopeActor() *scopeActor {
	a := &scopeActor{jobs: make(chan job, 64)}
	a.wg.Add(1)
	go a.loop()
	return a
}

func (a *scopeActor) loop() {
	defer a.wg.Done()
	for j := range a.jobs {
		j.run(j.ctx)
	}
}

// enqueue appends run to the actor's queue. Safe to call concurrently;
// ordering across concurrent enqueuers is the order their sends complete.
func (a *scopeActor) enqueue(ctx context.Context, run func(context.Context)) {
	a.jobs <- job{ctx: ctx, run: run}
}

// close stops accepting new jobs. The loop goroutine drains whatever is
// already queued before exiting.
func (a *scopeActor) close() {
	close(a.jobs)
}

func (a *scopeActor) wait() {
	a.wg.Wait()
}

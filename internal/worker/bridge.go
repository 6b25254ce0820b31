package worker

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Bridge adapts a Worker to the asynchronous message protocol the
// coordinator speaks: assignments go in on one channel, results come back
// on another, and the coordinator's dispatch loop never blocks on a slow
// agent.
type Bridge struct {
	assignments chan Assignment
	results     chan Result
	done        chan struct{}
}

// NewBridge creates a bridge with the given channel buffer size. A buffer
// of roughly twice the dispatch concurrency keeps sends from blocking.
func NewBridge(buffer int) *Bridge {
	if buffer <= 0 {
		buffer = 8
	}
	return &Bridge{
		assignments: make(chan Assignment, buffer),
		results:     make(chan Result, buffer),
		done:        make(chan struct{}),
	}
}

// Dispatch sends an assignment, honoring context cancellation.
func (b *Bridge) Dispatch(ctx context.Context, a Assignment) error {
	select {
	case b.assignments <- a:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Results returns the channel completion signals arrive on.
func (b *Bridge) Results() <-chan Result {
	return b.results
}

// Assignments returns the send side of the assignment channel. Callers
// with more ready work than pipeline capacity must select between sending
// here and draining Results, or the pipeline can fill and wedge.
func (b *Bridge) Assignments() chan<- Assignment {
	return b.assignments
}

// Serve runs assignments through w with bounded concurrency until the
// context is cancelled. A Worker transport error is reported to the
// coordinator as a failure result so it can recover locally (reschedule)
// rather than abort.
func (b *Bridge) Serve(ctx context.Context, w Worker, concurrency int) {
	if concurrency <= 0 {
		concurrency = 4
	}
	go func() {
		defer close(b.done)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(concurrency)

		for {
			select {
			case <-ctx.Done():
				g.Wait()
				return
			case a := <-b.assignments:
				g.Go(func() error {
					res, err := w.Run(gctx, a)
					if err != nil {
						res = Result{
							TaskID:  a.TaskID,
							Outcome: OutcomeFailure,
							Detail:  err.Error(),
						}
					}
					select {
					case b.results <- res:
					case <-ctx.Done():
					}
					return nil
				})
			}
		}
	}()
}

// Wait blocks until Serve has drained and exited.
func (b *Bridge) Wait() {
	<-b.done
}

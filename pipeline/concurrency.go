// Package pipeline implements the orchestration hierarchy of SPEC_FULL §4:
// the Pipeline Orchestrator, Tenant Processor, Table Processor, and Chunk
// Processor, plus the bounded fan-out primitive they all share.
package pipeline

import (
	"context"
	"sync"
)

// BoundedGroup runs a bounded number of tasks concurrently, each contained
// to its own result slot — one peer's error never cancels a sibling (§5
// "peer isolation", §7). This is the semaphore-channel + sync.WaitGroup
// idiom from the teacher's multi-file upload helper, generalized for reuse
// at every fan-out level (tenant/table/chunk) instead of copied per call
// site.
type BoundedGroup struct {
	sem syncSemaphore
	wg  sync.WaitGroup
}

type syncSemaphore chan struct{}

// NewBoundedGroup constructs a BoundedGroup with the given concurrency
// limit. A limit of 0 or less is treated as 1.
func NewBoundedGroup(limit int) *BoundedGroup {
	if limit <= 0 {
		limit = 1
	}
	return &BoundedGroup{sem: make(syncSemaphore, limit)}
}

// Go schedules fn to run, blocking only if the concurrency limit is
// currently saturated. fn's error is captured via onResult rather than
// propagated to a shared Wait()-time error, so peers keep running even
// when fn fails. ctx is checked before acquiring a slot so a cancelled
// group stops dispatching new work promptly.
func (g *BoundedGroup) Go(ctx context.Context, fn func() error, onResult func(error)) {
	select {
	case <-ctx.Done():
		onResult(ctx.Err())
		return
	case g.sem <- struct{}{}:
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer func() { <-g.sem }()
		onResult(fn())
	}()
}

// Wait blocks until every dispatched task has completed.
func (g *BoundedGroup) Wait() {
	g.wg.Wait()
}

// RunBounded runs fn(item) for every item in items with at most limit
// concurrent in flight, collecting one error per item in input order. A nil
// entry means that item succeeded. Errors never cancel sibling items (§5
// "peer isolation") — only ctx cancellation stops new dispatches.
func RunBounded[T any](ctx context.Context, limit int, items []T, fn func(context.Context, T) error) []error {
	errs := make([]error, len(items))
	group := NewBoundedGroup(limit)
	for i, item := range items {
		i, item := i, item
		group.Go(ctx, func() error {
			return fn(ctx, item)
		}, func(err error) {
			errs[i] = err
		})
	}
	group.Wait()
	return errs
}

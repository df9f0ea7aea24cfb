package concurrency

import (
	"context"
	"sort"

	"github.com/sourcegraph/conc/pool"
)

// Task is one unit of fanned-out work
type Task[T, R any] func(ctx context.Context, item T) R

type indexed[R any] struct {
	idx int
	val R
}

// FanOut runs task for every item on at most width goroutines and returns
// the results in submission order once all tasks have finished. Tasks must
// not share mutable state: each returns its own result value.
func FanOut[T, R any](ctx context.Context, width int, items []T, task Task[T, R]) []R {
	if len(items) == 0 {
		return nil
	}
	if width <= 0 {
		width = 1
	}
	if width > len(items) {
		width = len(items)
	}

	p := pool.NewWithResults[indexed[R]]().WithMaxGoroutines(width)
	for i, item := range items {
		p.Go(func() indexed[R] {
			return indexed[R]{idx: i, val: task(ctx, item)}
		})
	}

	collected := p.Wait()
	sort.Slice(collected, func(a, b int) bool { return collected[a].idx < collected[b].idx })

	out := make([]R, len(collected))
	for i, c := range collected {
		out[i] = c.val
	}
	return out
}


package pipeline

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// BatchResult holds the results of the items that succeeded and one
// PipelineError for every item that did not.
type BatchResult[R any] struct {
	Results []R
	Errors  []PipelineError
}

// RunBatch processes items with at most limit concurrent calls and returns only
// after every item finished. Each worker writes its own slot; results keep the
// input order. Items that have not started when ctx is done fail with ctx.Err().
func RunBatch[T, R any](ctx context.Context, stage string, items []T, limit int, itemKey func(T) string, fn func(ctx context.Context, item T) (R, error)) BatchResult[R] {
	if limit <= 0 {
		limit = 1
	}

	type slot struct {
		result R
		err    error
	}
	slots := make([]slot, len(items))

	var g errgroup.Group
	g.SetLimit(limit)
	for i, item := range items {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				slots[i].err = err
				return nil
			}
			slots[i].result, slots[i].err = fn(ctx, item)
			return nil
		})
	}
	_ = g.Wait()

	out := BatchResult[R]{Results: make([]R, 0, len(items))}
	for i, s := range slots {
		if s.err != nil {
			out.Errors = append(out.Errors, PipelineError{Stage: stage, Item: itemKey(items[i]), Err: s.err})
			continue
		}
		out.Results = append(out.Results, s.result)
	}
	return out
}

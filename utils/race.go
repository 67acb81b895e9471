package utils

import "context"

type raceResult[T any] struct {
	index int
	value T
	err   error
}

// Race runs every branch with a context derived from ctx and returns as soon
// as one of them settles, successfully or not. The derived context is then
// canceled so the remaining branches abort. The returned index identifies
// the winning branch.
func Race[T any](ctx context.Context, branches ...func(ctx context.Context) (T, error)) (T, int, error) {
	var zero T
	if len(branches) == 0 {
		return zero, -1, nil
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan raceResult[T], len(branches))
	for i, branch := range branches {
		go func(i int, branch func(ctx context.Context) (T, error)) {
			v, err := branch(raceCtx)
			results <- raceResult[T]{i, v, err}
		}(i, branch)
	}

	select {
	case <-ctx.Done():
		return zero, -1, ctx.Err()
	case res := <-results:
		return res.value, res.index, res.err
	}
}

package routing

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// TryEach runs tasks one after another and returns the result of the first task that
// succeeds. A task only starts once the previous one has returned.
//
// When every task fails the most recent error is returned, except that errors for which
// soft returns true never replace an earlier error that was not soft. With no tasks the
// zero value and a nil error are returned.
func TryEach[T any](ctx context.Context, soft func(error) bool, tasks ...func(context.Context) (T, error)) (T, error) {
	var zero T
	var hardErr, softErr error
	for _, task := range tasks {
		v, err := task(ctx)
		if err == nil {
			return v, nil
		}
		if soft != nil && soft(err) {
			softErr = err
			continue
		}
		hardErr = err
	}
	if hardErr != nil {
		return zero, hardErr
	}
	return zero, softErr
}

// Parallel runs all tasks concurrently and waits for every one of them to return.
// A failing task does not cancel its siblings. The first error observed is returned.
func Parallel(ctx context.Context, tasks ...func(context.Context) error) error {
	var g errgroup.Group
	for _, task := range tasks {
		g.Go(func() error {
			return task(ctx)
		})
	}
	return g.Wait()
}

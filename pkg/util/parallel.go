package util

import (
	"context"
	"errors"
	"sync"
)

// Parallel runs fn for every input with at most workerLimit concurrent calls.
// Unlike a fail-fast group it visits every input and joins all errors, which
// is what teardown paths want. Cancelling ctx stops feeding new inputs.
func Parallel[T any](ctx context.Context, inputs []T, workerLimit int, fn func(context.Context, T) error) error {
	if len(inputs) == 0 {
		return nil
	}

	if workerLimit <= 0 {
		workerLimit = 1
	}

	tasks := make(chan T)

	var (
		mu   sync.Mutex
		errs []error
	)

	wg := sync.WaitGroup{}
	for i := 0; i < workerLimit; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range tasks {
				if err := fn(ctx, item); err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
			}
		}()
	}

	func() {
		defer close(tasks)
		for _, item := range inputs {
			if err := ctx.Err(); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return
			}
			select {
			case <-ctx.Done():
				mu.Lock()
				errs = append(errs, ctx.Err())
				mu.Unlock()
				return
			case tasks <- item:
			}
		}
	}()

	wg.Wait()
	return errors.Join(errs...)
}

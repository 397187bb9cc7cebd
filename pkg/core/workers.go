package core

import (
	"context"
	"sync"
)

// parallelDo runs fn for indices [0, n) on a bounded pool of goroutines.
// The first error cancels the remaining units; in-flight units run to
// completion. Cancellation is checked between units, so already-committed
// work (atomic blob writes) is never corrupted by an abort.
func parallelDo(ctx context.Context, width, n int, fn func(i int) error) error {
	if width < 1 {
		width = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	sem := make(chan struct{}, width)

	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			wg.Wait()
			if firstErr != nil {
				return firstErr
			}
			return ctx.Err()
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(i int) {
			defer func() {
				<-sem
				wg.Done()
			}()
			if err := fn(i); err != nil {
				errOnce.Do(func() {
					firstErr = err
					cancel()
				})
			}
		}(i)
	}
	wg.Wait()
	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

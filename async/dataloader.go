package async

import (
	"context"
	"fmt"
	"sync"
)

// Result carries one prefetched value, or the error that prevented it.
type Result[T any] struct {
	Index int
	Value T
	Err   error
}

// PrefetchConfig bounds the background pipeline.
type PrefetchConfig struct {
	Workers       int // Number of background workers (default: 1)
	PrefetchDepth int // Results buffered ahead of the consumer (default: 2 per worker)
}

// Prefetch runs load(i) for i in [0, n) on a pool of workers and delivers the
// results in index order. At most PrefetchDepth results are in flight ahead
// of the consumer. The returned channel is closed after the last result, after
// the first error, or when ctx is cancelled.
func Prefetch[T any](ctx context.Context, n int, config PrefetchConfig, load func(i int) (T, error)) <-chan Result[T] {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.PrefetchDepth <= 0 {
		config.PrefetchDepth = 2 * config.Workers
	}

	out := make(chan Result[T])
	if n <= 0 {
		close(out)
		return out
	}

	ctx, cancel := context.WithCancel(ctx)

	// one single-slot channel per index keeps delivery ordered
	slots := make([]chan Result[T], n)
	for i := range slots {
		slots[i] = make(chan Result[T], 1)
	}

	jobs := make(chan int)
	tokens := make(chan struct{}, config.PrefetchDepth)

	var wg sync.WaitGroup
	for w := 0; w < config.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				value, err := load(i)
				if err != nil {
					err = fmt.Errorf("loading item %d: %w", i, err)
				}
				slots[i] <- Result[T]{Index: i, Value: value, Err: err}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for i := 0; i < n; i++ {
			select {
			case tokens <- struct{}{}:
			case <-ctx.Done():
				return
			}
			select {
			case jobs <- i:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		defer func() {
			cancel()
			wg.Wait()
			close(out)
		}()
		for i := 0; i < n; i++ {
			var r Result[T]
			select {
			case r = <-slots[i]:
			case <-ctx.Done():
				return
			}
			<-tokens

			select {
			case out <- r:
			case <-ctx.Done():
				return
			}
			if r.Err != nil {
				return
			}
		}
	}()

	return out
}

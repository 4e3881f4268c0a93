// Package executor implements the parallel executor (C8): a bounded
// worker pool that maps a function over a list of items, ordered or
// unordered, with results streamed to a callback as they complete.
package executor

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Result is one item's outcome, delivered to a Callback in completion (or,
// for Ordered runs, item) order.
type Result[R any] struct {
	Index int
	Value R
	Err   error
}

// WorkFunc is the function applied to every item.
type WorkFunc[I, R any] func(ctx context.Context, item I) (R, error)

// Callback consumes the results iterator as it arrives and returns an
// aggregate summary. It runs on the calling goroutine, the same role the
// main thread plays in the Python implementation's callback(pool, output,
// resultsIterator) contract.
type Callback[R, A any] func(results <-chan Result[R]) (A, error)

// Options configures a Run call.
type Options struct {
	// Jobs is the number of concurrent workers. Jobs <= 1 runs every item
	// in order on a single worker goroutine; the callback still runs on
	// the calling goroutine.
	Jobs int
	// ChunkSize is how many items a single worker claims per dispatch
	// round; it only affects scheduling granularity, never correctness.
	ChunkSize int
	// Ordered delivers results in item order (imap); otherwise results
	// are delivered in completion order (imap_unordered).
	Ordered bool
}

// Run applies fn to every item in items using opts, streams results to
// callback, and returns callback's aggregate. A cancelled ctx stops
// dispatching new items; a result that finishes after cancellation may be
// dropped instead of delivered.
func Run[I, R, A any](ctx context.Context, opts Options, items []I, fn WorkFunc[I, R], callback Callback[R, A]) (A, error) {
	var zero A

	if opts.ChunkSize < 1 {
		opts.ChunkSize = 1
	}

	results := make(chan Result[R])

	if opts.Jobs <= 1 {
		go func() {
			defer close(results)
			for i, item := range items {
				if ctx.Err() != nil {
					return
				}
				v, err := fn(ctx, item)
				select {
				case results <- Result[R]{Index: i, Value: v, Err: err}:
				case <-ctx.Done():
					return
				}
			}
		}()
		return drain(ctx, results, callback, zero)
	}

	chunks := chunk(items, opts.ChunkSize)

	go func() {
		defer close(results)

		eg, egCtx := errgroup.WithContext(ctx)
		sem := semaphore.NewWeighted(int64(opts.Jobs))

		base := 0
		ordered := opts.Ordered
		var nextToSend int
		pending := map[int]Result[R]{}
		var mu chanMutex
		if ordered {
			mu = newChanMutex()
		}

		for _, c := range chunks {
			c := c
			start := base
			base += len(c.items)

			if err := sem.Acquire(egCtx, 1); err != nil {
				break
			}

			eg.Go(func() error {
				defer sem.Release(1)
				for i, item := range c.items {
					if egCtx.Err() != nil {
						return egCtx.Err()
					}
					v, err := fn(egCtx, item)
					res := Result[R]{Index: start + i, Value: v, Err: err}

					if !ordered {
						select {
						case results <- res:
						case <-egCtx.Done():
							return egCtx.Err()
						}
						continue
					}

					mu.lock()
					pending[res.Index] = res
					for {
						r, ok := pending[nextToSend]
						if !ok {
							break
						}
						delete(pending, nextToSend)
						select {
						case results <- r:
						case <-egCtx.Done():
							mu.unlock()
							return egCtx.Err()
						}
						nextToSend++
					}
					mu.unlock()
				}
				return nil
			})
		}

		_ = eg.Wait()
	}()

	return drain(ctx, results, callback, zero)
}

func drain[R, A any](ctx context.Context, results <-chan Result[R], callback Callback[R, A], zero A) (A, error) {
	agg, err := callback(results)
	if err != nil {
		return zero, err
	}
	return agg, nil
}

type itemChunk[I any] struct {
	items []I
}

func chunk[I any](items []I, size int) []itemChunk[I] {
	var out []itemChunk[I]
	for i := 0; i < len(items); i += size {
		end := i + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, itemChunk[I]{items: items[i:end]})
	}
	return out
}

// chanMutex is a channel-backed mutex, used instead of sync.Mutex so its
// zero value can be skipped entirely when ordering isn't requested.
type chanMutex chan struct{}

func newChanMutex() chanMutex {
	c := make(chanMutex, 1)
	c <- struct{}{}
	return c
}

func (m chanMutex) lock()   { <-m }
func (m chanMutex) unlock() { m <- struct{}{} }

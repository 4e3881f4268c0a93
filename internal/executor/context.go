package executor

import "context"

type parallelContextKey struct{}

// WithParallelContext attaches shared, immutable data (e.g. the project
// list) to ctx so every worker spawned under it can read it back via
// ParallelContext without it being re-marshaled per item.
func WithParallelContext(ctx context.Context, data any) context.Context {
	return context.WithValue(ctx, parallelContextKey{}, data)
}

// ParallelContext returns the value attached by WithParallelContext, or
// nil if none was attached.
func ParallelContext(ctx context.Context) any {
	return ctx.Value(parallelContextKey{})
}

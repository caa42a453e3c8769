package schwartz

import (
	"context"
	"log/slog"
	"time"
)

// Handler is the terminal function that executes job logic.
type Handler func(ctx context.Context) error

// Middleware wraps a Handler with cross-cutting logic around a worker's
// Work invocation. It receives the current context, the job being
// executed, and the next handler to call. Middleware MUST call next to
// continue the chain (unless short-circuiting on error).
type Middleware func(ctx context.Context, j *Job, next Handler) error

// Chain composes multiple middleware into a single Middleware.
// Middleware are applied right-to-left: the first middleware in the
// list is the outermost wrapper.
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, j *Job, next Handler) error {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) error {
				return mw(ctx, j, prev)
			}
		}
		return h(ctx)
	}
}

// Logging returns middleware that logs each Work invocation with its
// funcname, handle, and duration.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *Job, next Handler) error {
		start := time.Now()
		err := next(ctx)
		attrs := []any{
			slog.String("funcname", j.FuncName),
			slog.String("shard", j.Handle.ShardID),
			slog.Int64("jobid", j.Handle.JobID),
			slog.Duration("elapsed", time.Since(start)),
		}
		if err != nil {
			logger.Warn("job handler returned error", append(attrs, slog.String("error", err.Error()))...)
			return err
		}
		logger.Debug("job handler finished", attrs...)
		return nil
	}
}

// WorkTimeout returns middleware that bounds each Work invocation with a
// context deadline. The lease is not refreshed; pick a timeout below the
// descriptor's GrabFor.
func WorkTimeout(d time.Duration) Middleware {
	return func(ctx context.Context, j *Job, next Handler) error {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return next(ctx)
	}
}

package schwartz

import "context"

type jobContextKey struct{}

// withJob attaches the job being worked to the handler context.
func withJob(ctx context.Context, j *Job) context.Context {
	return context.WithValue(ctx, jobContextKey{}, j)
}

// JobFromContext returns the job a handler was invoked with. It returns
// nil outside a Work invocation.
func JobFromContext(ctx context.Context) *Job {
	j, _ := ctx.Value(jobContextKey{}).(*Job)
	return j
}

// Package schwartz is a reliable, database-backed job queue.
//
// Producers insert work items addressed by a symbolic function name;
// workers across one or more processes atomically grab items due for
// execution, run them, and report completion, transient failure (with
// bounded retry and backoff), or permanent failure. Persistence is
// provided by one or more independent relational databases ("shards")
// that the client multiplexes over — there is no central coordinator;
// correctness rests on per-shard transactions and clock-based leases.
//
// A minimal producer:
//
//	c, err := schwartz.New(ctx,
//	    schwartz.WithDatabases(schwartz.ShardConfig{
//	        ID: "db1", Driver: "postgres", DSN: "postgres://...",
//	    }),
//	)
//	handle, err := c.Insert(ctx, "resize", map[string]any{"img": 42})
//
// A minimal worker:
//
//	c.Can(schwartz.NewAbility("resize", func(ctx context.Context, j *schwartz.Job) error {
//	    // ... do the work; a nil return completes the job.
//	    return nil
//	}))
//	c.Work(ctx, 5*time.Second)
//
// Handlers either call one of the Job terminal methods (Completed, Failed,
// PermanentFailure, ReplaceWith) or simply return: a nil return completes
// the job, a non-nil return (or a panic) fails it with bounded retry.
package schwartz

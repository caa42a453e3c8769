package schwartz

import (
	"context"
	"time"

	"github.com/yshh/schwartz/backoff"
)

// Worker is the behavior contract for one or more funcnames. A descriptor
// declares how long its lease runs, how failures are retried, and how long
// the final disposition is retained, and supplies the work function
// itself.
//
// Work must either call exactly one of the Job terminal methods or return:
// a nil return completes the job, a non-nil return fails it (with bounded
// retry), and ErrDeclined releases it untouched. A panic inside Work is
// converted to a failure by the work loop's fault barrier.
type Worker interface {
	// Handles returns the funcnames this descriptor serves.
	Handles() []string

	// GrabFor returns the lease duration applied when grabbing a job.
	// Must exceed the worst-case execution time, or the job will be
	// reclaimed by another worker mid-run.
	GrabFor() time.Duration

	// MaxRetries returns how many times a job may be retried after its
	// first failure.
	MaxRetries(j *Job) int

	// RetryDelay returns how long after the Nth failure the job becomes
	// eligible again.
	RetryDelay(failures int) time.Duration

	// KeepExitStatusFor returns how long the exit status row is
	// retained. Zero disables exit status recording.
	KeepExitStatusFor() time.Duration

	// Work runs one leased job.
	Work(ctx context.Context, j *Job) error
}

// AbilityOptions configures an Ability.
type AbilityOptions struct {
	// Handles lists funcnames served in addition to the ability's own
	// name.
	Handles []string

	// MaxRetries is the retry budget after the first failure.
	MaxRetries int

	// MaxRetriesFunc, when set, computes the retry budget per job and
	// overrides MaxRetries.
	MaxRetriesFunc func(j *Job) int

	// RetryDelay schedules the next attempt after the Nth failure.
	RetryDelay backoff.Strategy

	// GrabFor is the lease duration.
	GrabFor time.Duration

	// KeepExitStatusFor is the exit status retention window.
	KeepExitStatusFor time.Duration
}

// DefaultAbilityOptions returns the defaults: no retries, no retry delay,
// a one-hour lease, and no exit status retention.
func DefaultAbilityOptions() AbilityOptions {
	return AbilityOptions{
		RetryDelay: backoff.NewNone(),
		GrabFor:    time.Hour,
	}
}

// AbilityOption configures an Ability.
type AbilityOption func(*AbilityOptions)

// WithHandles adds funcnames this ability serves beyond its own name.
func WithHandles(names ...string) AbilityOption {
	return func(o *AbilityOptions) { o.Handles = append(o.Handles, names...) }
}

// WithMaxRetries sets the retry budget after the first failure.
func WithMaxRetries(n int) AbilityOption {
	return func(o *AbilityOptions) { o.MaxRetries = n }
}

// WithMaxRetriesFunc sets a per-job retry budget.
func WithMaxRetriesFunc(f func(j *Job) int) AbilityOption {
	return func(o *AbilityOptions) { o.MaxRetriesFunc = f }
}

// WithRetryDelay sets the backoff strategy between attempts.
func WithRetryDelay(s backoff.Strategy) AbilityOption {
	return func(o *AbilityOptions) { o.RetryDelay = s }
}

// WithGrabFor sets the lease duration.
func WithGrabFor(d time.Duration) AbilityOption {
	return func(o *AbilityOptions) { o.GrabFor = d }
}

// WithKeepExitStatusFor sets the exit status retention window.
func WithKeepExitStatusFor(d time.Duration) AbilityOption {
	return func(o *AbilityOptions) { o.KeepExitStatusFor = d }
}

// Ability is the standard Worker implementation: a named handler function
// plus options. Build one with NewAbility and register it with
// Client.Can.
type Ability struct {
	name    string
	handler func(ctx context.Context, j *Job) error
	opts    AbilityOptions
}

var _ Worker = (*Ability)(nil)

// NewAbility creates a worker descriptor for name.
func NewAbility(name string, handler func(ctx context.Context, j *Job) error, opts ...AbilityOption) *Ability {
	a := &Ability{
		name:    name,
		handler: handler,
		opts:    DefaultAbilityOptions(),
	}
	for _, opt := range opts {
		opt(&a.opts)
	}
	return a
}

// Name returns the ability's own funcname.
func (a *Ability) Name() string { return a.name }

// Handles returns the ability's name plus any extra funcnames.
func (a *Ability) Handles() []string {
	return append([]string{a.name}, a.opts.Handles...)
}

// GrabFor returns the configured lease duration.
func (a *Ability) GrabFor() time.Duration { return a.opts.GrabFor }

// MaxRetries returns the retry budget for j.
func (a *Ability) MaxRetries(j *Job) int {
	if a.opts.MaxRetriesFunc != nil {
		return a.opts.MaxRetriesFunc(j)
	}
	return a.opts.MaxRetries
}

// RetryDelay returns the delay before the attempt after the Nth failure.
func (a *Ability) RetryDelay(failures int) time.Duration {
	if a.opts.RetryDelay == nil {
		return 0
	}
	return a.opts.RetryDelay.Delay(failures)
}

// KeepExitStatusFor returns the exit status retention window.
func (a *Ability) KeepExitStatusFor() time.Duration { return a.opts.KeepExitStatusFor }

// Work invokes the handler.
func (a *Ability) Work(ctx context.Context, j *Job) error { return a.handler(ctx, j) }

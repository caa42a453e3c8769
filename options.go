package schwartz

import (
	"log/slog"
	"time"

	"github.com/yshh/schwartz/driver"
)

// Option configures a Client.
type Option func(*Client) error

// WithDatabases sets the shard list the client multiplexes over.
func WithDatabases(dbs ...ShardConfig) Option {
	return func(c *Client) error {
		c.cfg.Databases = append(c.cfg.Databases, dbs...)
		return nil
	}
}

// WithShard attaches a pre-built driver as a shard, bypassing the opener
// registry. Useful for tests and for callers that manage connections
// themselves.
func WithShard(id string, drv driver.Driver, weight int) Option {
	return func(c *Client) error {
		c.addShard(id, drv, weight)
		return nil
	}
}

// WithPrefix sets the table name prefix applied on every shard.
func WithPrefix(prefix string) Option {
	return func(c *Client) error {
		c.cfg.Prefix = prefix
		return nil
	}
}

// WithVerbose enables debug-level logging when no explicit logger is set.
func WithVerbose() Option {
	return func(c *Client) error {
		c.cfg.Verbose = true
		return nil
	}
}

// WithRetrySeconds sets the base of the exponential unhealthy window
// applied to a shard after a connection loss.
func WithRetrySeconds(d time.Duration) Option {
	return func(c *Client) error {
		c.cfg.RetrySeconds = d
		return nil
	}
}

// WithGrabBatch sets how many candidate rows a grab fetches per shard.
func WithGrabBatch(n int) Option {
	return func(c *Client) error {
		c.cfg.GrabBatch = n
		return nil
	}
}

// WithSweepInterval sets how often the Work loop sweeps expired exit
// status rows.
func WithSweepInterval(d time.Duration) Option {
	return func(c *Client) error {
		c.cfg.SweepInterval = d
		return nil
	}
}

// WithLogger sets the structured logger for the client.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) error {
		c.logger = l
		return nil
	}
}

// WithClock overrides the client's wall clock. Tests use this to drive
// lease expiry and retry eligibility deterministically.
func WithClock(now func() time.Time) Option {
	return func(c *Client) error {
		c.now = now
		return nil
	}
}

// WithMiddleware appends middleware applied around every Work invocation.
// The first middleware given is the outermost wrapper.
func WithMiddleware(mws ...Middleware) Option {
	return func(c *Client) error {
		c.mw = append(c.mw, mws...)
		return nil
	}
}

// WithFaultInjection enables test-only fault points in the shard drivers
// this client opens. See Config.FaultInjection for recognized keys.
func WithFaultInjection(faults map[string]string) Option {
	return func(c *Client) error {
		c.cfg.FaultInjection = faults
		return nil
	}
}

package schwartz

import "time"

// ShardConfig describes one database shard.
type ShardConfig struct {
	// ID names the shard. Handles embed it, so it must stay stable
	// across processes and restarts.
	ID string

	// Driver is the registered driver name ("postgres", "sqlite",
	// "memory").
	Driver string

	// DSN is the driver-specific connection string.
	DSN string

	// Weight biases the random shard draw on insert. Zero means 1.
	Weight int
}

// Config holds configuration for the Client.
type Config struct {
	// Databases lists the shards the client multiplexes over.
	Databases []ShardConfig

	// Prefix is prepended to every table name on every shard.
	Prefix string

	// Verbose enables debug-level logging when no explicit logger is
	// configured.
	Verbose bool

	// RetrySeconds is the base of the exponential unhealthy window
	// applied to a shard after a connection loss. The window doubles per
	// consecutive failure and is capped at one minute.
	RetrySeconds time.Duration

	// GrabBatch is how many candidate rows a grab fetches per shard to
	// amortize round-trips.
	GrabBatch int

	// SweepInterval is how often the Work loop sweeps expired exit
	// status rows. Zero disables sweeping from the loop.
	SweepInterval time.Duration

	// FaultInjection enables test-only fault points in the shard
	// drivers, keyed by operation. Recognized:
	//
	//	"replace_with": "rollback_after_insert"
	//
	// Leave empty in production.
	FaultInjection map[string]string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		RetrySeconds:  1 * time.Second,
		GrabBatch:     50,
		SweepInterval: 5 * time.Minute,
	}
}

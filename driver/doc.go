// Package driver defines the per-shard storage contract for schwartz.
//
// A Driver gives transactional access to one independent database holding a
// full set of queue tables: job, error, exitstatus, and the funcmap
// interning table. Shards are independent; a failure on one shard must not
// prevent progress on another, which is why the client holds one Driver per
// shard and never coordinates across them.
//
// The critical primitive is UpdateJobIfUnchanged: a conditional update that
// matches the primary key and a snapshot of selected columns. It is the
// single building block of the lease protocol — a grab is an update of
// grabbed_until guarded by the previously observed grabbed_until, so at
// most one competing worker observes rows-affected = 1.
//
// Concrete drivers register themselves through Register (in the manner of
// database/sql) so that shards can be opened by name from configuration:
//
//	import _ "github.com/yshh/schwartz/driver/postgres"
//
//	d, err := driver.Open(ctx, "postgres", dsn, driver.Options{})
package driver

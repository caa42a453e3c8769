package schwartz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/yshh/schwartz/backoff"
	"github.com/yshh/schwartz/codec"
	"github.com/yshh/schwartz/driver"
)

// Client owns the shard set and the ability registry, and drives both
// sides of the queue: Insert for producers and the Work loops for
// consumers. A Client is safe for concurrent use by multiple worker
// goroutines.
type Client struct {
	cfg      Config
	logger   *slog.Logger
	workerID uuid.UUID
	now      func() time.Time

	abilities *abilityRegistry
	mw        []Middleware

	shards      []*shard
	shardHealth backoff.Strategy

	current atomic.Pointer[Job]
}

// shard pairs a driver with the client-side state attached to it: health
// tracking, the funcname interning cache, and the coalesce affinity key.
type shard struct {
	id     string
	weight int
	drv    driver.Driver

	healthMu       sync.Mutex
	unhealthyUntil time.Time
	failStreak     int

	funcMu    sync.RWMutex
	funcIDs   map[string]int32
	funcNames map[int32]string

	affMu       sync.Mutex
	affActive   bool
	affFuncID   int32
	affCoalesce string
}

// New creates a Client, opening a driver for every configured shard.
func New(ctx context.Context, opts ...Option) (*Client, error) {
	c := &Client{
		cfg:       DefaultConfig(),
		workerID:  uuid.New(),
		now:       time.Now,
		abilities: newAbilityRegistry(),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if c.logger == nil {
		c.logger = defaultLogger(c.cfg.Verbose)
	}
	if c.cfg.RetrySeconds <= 0 {
		c.cfg.RetrySeconds = time.Second
	}
	if c.cfg.GrabBatch <= 0 {
		c.cfg.GrabBatch = 50
	}
	c.shardHealth = backoff.NewExponential(c.cfg.RetrySeconds, 60*time.Second)

	for _, db := range c.cfg.Databases {
		drv, err := driver.Open(ctx, db.Driver, db.DSN, driver.Options{
			Prefix: c.cfg.Prefix,
			Logger: c.logger.With(slog.String("shard", db.ID)),
			Faults: c.faultHook(),
		})
		if err != nil {
			return nil, fmt.Errorf("schwartz: open shard %q: %w", db.ID, err)
		}
		c.addShard(db.ID, drv, db.Weight)
	}
	if len(c.shards) == 0 {
		return nil, errors.New("schwartz: no databases configured")
	}
	return c, nil
}

func defaultLogger(verbose bool) *slog.Logger {
	if !verbose {
		return slog.Default()
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func (c *Client) addShard(id string, drv driver.Driver, weight int) {
	if weight <= 0 {
		weight = 1
	}
	c.shards = append(c.shards, &shard{
		id:        id,
		weight:    weight,
		drv:       drv,
		funcIDs:   make(map[string]int32),
		funcNames: make(map[int32]string),
	})
}

// faultHook converts the FaultInjection config into a driver fault hook.
// Returns nil when no faults are configured.
func (c *Client) faultHook() driver.FaultHook {
	if len(c.cfg.FaultInjection) == 0 {
		return nil
	}
	replaceMode := c.cfg.FaultInjection["replace_with"]
	return func(point string) error {
		if point == driver.FaultReplaceAfterInsert && replaceMode == "rollback_after_insert" {
			return errors.New("schwartz: injected fault: " + point)
		}
		return nil
	}
}

// Close closes every shard driver and returns the first error, if any.
func (c *Client) Close() error {
	var firstErr error
	for _, s := range c.shards {
		if err := s.drv.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Can registers a worker descriptor for every funcname it handles.
func (c *Client) Can(w Worker) {
	for _, name := range w.Handles() {
		c.abilities.register(name, w)
	}
}

// CanFunc registers a handler function for one funcname with the given
// options and returns the created descriptor.
func (c *Client) CanFunc(name string, fn func(ctx context.Context, j *Job) error, opts ...AbilityOption) *Ability {
	a := NewAbility(name, fn, opts...)
	c.Can(a)
	return a
}

// ResetAbilities clears every registration.
func (c *Client) ResetAbilities() {
	c.abilities.reset()
}

// CurrentJob returns the job the client's work loop is currently running,
// or nil. Inside a handler, prefer JobFromContext — with several worker
// goroutines sharing one Client this reflects the most recent grab, not
// necessarily the caller's.
func (c *Client) CurrentJob() *Job {
	return c.current.Load()
}

// nowUnix returns the client clock as wall-clock Unix seconds.
func (c *Client) nowUnix() int64 {
	return c.now().Unix()
}

// shardByID returns the shard with the given id, or nil.
func (c *Client) shardByID(id string) *shard {
	for _, s := range c.shards {
		if s.id == id {
			return s
		}
	}
	return nil
}

// healthy reports whether the shard is outside its backoff window.
func (s *shard) healthy(now time.Time) bool {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()
	return !now.Before(s.unhealthyUntil)
}

// noteShardError classifies err after a shard operation. Transient I/O
// failures mark the shard unhealthy for an exponentially growing window.
func (c *Client) noteShardError(s *shard, err error) {
	if !errors.Is(err, driver.ErrConnectionLost) && !errors.Is(err, driver.ErrTimeout) {
		return
	}
	s.healthMu.Lock()
	s.failStreak++
	window := c.shardHealth.Delay(s.failStreak)
	s.unhealthyUntil = c.now().Add(window)
	streak := s.failStreak
	s.healthMu.Unlock()

	metricShardUnhealthy.WithLabelValues(s.id).Inc()
	c.logger.Warn("shard marked unhealthy",
		slog.String("shard", s.id),
		slog.Int("streak", streak),
		slog.Duration("window", window),
		slog.String("error", err.Error()),
	)
}

// noteShardOK resets the shard's failure streak after a successful
// operation.
func (c *Client) noteShardOK(s *shard) {
	s.healthMu.Lock()
	s.failStreak = 0
	s.healthMu.Unlock()
}

// healthyShards returns the shards outside their backoff window.
func (c *Client) healthyShards() []*shard {
	now := c.now()
	out := make([]*shard, 0, len(c.shards))
	for _, s := range c.shards {
		if s.healthy(now) {
			out = append(out, s)
		}
	}
	return out
}

// weightedOrder returns a random permutation of shards where higher
// weights are more likely to come first (repeated weighted draws without
// replacement).
func weightedOrder(shards []*shard) []*shard {
	pool := make([]*shard, len(shards))
	copy(pool, shards)
	out := make([]*shard, 0, len(pool))
	for len(pool) > 0 {
		total := 0
		for _, s := range pool {
			total += s.weight
		}
		n := rand.IntN(total)
		for i, s := range pool {
			n -= s.weight
			if n < 0 {
				out = append(out, s)
				pool = append(pool[:i], pool[i+1:]...)
				break
			}
		}
	}
	return out
}

// funcID interns funcname on this shard, consulting the client-side cache
// first.
func (s *shard) funcID(ctx context.Context, funcname string) (int32, error) {
	s.funcMu.RLock()
	id, ok := s.funcIDs[funcname]
	s.funcMu.RUnlock()
	if ok {
		return id, nil
	}
	id, err := s.drv.FuncID(ctx, funcname)
	if err != nil {
		return 0, err
	}
	s.funcMu.Lock()
	s.funcIDs[funcname] = id
	s.funcNames[id] = funcname
	s.funcMu.Unlock()
	return id, nil
}

// funcName resolves funcid on this shard, consulting the cache first.
func (s *shard) funcName(ctx context.Context, funcid int32) (string, error) {
	s.funcMu.RLock()
	name, ok := s.funcNames[funcid]
	s.funcMu.RUnlock()
	if ok {
		return name, nil
	}
	name, err := s.drv.FuncName(ctx, funcid)
	if err != nil {
		return "", err
	}
	s.funcMu.Lock()
	s.funcIDs[name] = funcid
	s.funcNames[funcid] = name
	s.funcMu.Unlock()
	return name, nil
}

// materialize builds an in-memory Job from a persisted row.
func (c *Client) materialize(ctx context.Context, s *shard, row *driver.JobRow) (*Job, error) {
	funcname, err := s.funcName(ctx, row.FuncID)
	if err != nil {
		return nil, fmt.Errorf("schwartz: resolve funcid %d: %w", row.FuncID, err)
	}
	arg, err := codec.Decode(row.Arg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerializationFailed, err)
	}
	j := &Job{
		Handle:   &JobHandle{ShardID: s.id, JobID: row.JobID, client: c},
		FuncName: funcname,
		Arg:      arg,
		Priority: row.Priority,
		RunAfter: row.RunAfter,
		client:   c,
		shard:    s,
		row:      row,
	}
	if row.UniqKey != nil {
		j.UniqKey = *row.UniqKey
	}
	if row.Coalesce != nil {
		j.Coalesce = *row.Coalesce
	}
	return j, nil
}

// LookupJob materializes the job a handle refers to, without leasing it.
// Returns (nil, nil) if the row no longer exists.
func (c *Client) LookupJob(ctx context.Context, h *JobHandle) (*Job, error) {
	s := c.shardByID(h.ShardID)
	if s == nil {
		return nil, ErrHandleDetached
	}
	row, err := s.drv.JobByID(ctx, h.JobID)
	if errors.Is(err, driver.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("schwartz: lookup job: %w", err)
	}
	return c.materialize(ctx, s, row)
}

// ListJobs returns up to limit jobs for funcname from each shard,
// regardless of lease state. Order across shards is unspecified.
func (c *Client) ListJobs(ctx context.Context, funcname string, limit int) ([]*Job, error) {
	var out []*Job
	for _, s := range c.shards {
		if !s.healthy(c.now()) {
			continue
		}
		funcid, err := s.funcID(ctx, funcname)
		if err != nil {
			c.noteShardError(s, err)
			continue
		}
		rows, err := s.drv.ListJobs(ctx, funcid, limit)
		if err != nil {
			c.noteShardError(s, err)
			continue
		}
		for _, row := range rows {
			j, err := c.materialize(ctx, s, row)
			if err != nil {
				return nil, err
			}
			out = append(out, j)
		}
	}
	return out, nil
}

// Sweep removes expired exit status rows from every healthy shard and
// returns how many were deleted. Idempotent; safe to run concurrently
// from multiple processes.
func (c *Client) Sweep(ctx context.Context) (int64, error) {
	now := c.nowUnix()
	var total int64
	var firstErr error
	for _, s := range c.shards {
		if !s.healthy(c.now()) {
			continue
		}
		n, err := s.drv.SweepExitStatuses(ctx, now)
		if err != nil {
			c.noteShardError(s, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if n > 0 {
			metricExitStatusSwept.WithLabelValues(s.id).Add(float64(n))
		}
		total += n
	}
	return total, firstErr
}

package schwartz_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/yshh/schwartz"
	"github.com/yshh/schwartz/backoff"
	"github.com/yshh/schwartz/driver"
	"github.com/yshh/schwartz/driver/memory"
)

// fakeClock is a controllable wall clock shared by a test's clients.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// newTestClient builds a client over the given memory stores, one shard
// each, driven by clk.
func newTestClient(t *testing.T, clk *fakeClock, stores ...*memory.Store) *schwartz.Client {
	t.Helper()
	opts := []schwartz.Option{schwartz.WithClock(clk.Now)}
	for i, st := range stores {
		id := string(rune('a' + i))
		opts = append(opts, schwartz.WithShard(id, st, 1))
	}
	c, err := schwartz.New(context.Background(), opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func TestInsertGrabComplete(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	c := newTestClient(t, clk, memory.New())

	handle, err := c.Insert(ctx, "add", map[string]any{"numbers": []any{1, 2}})
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	var got any
	c.Can(schwartz.NewAbility("add", func(_ context.Context, j *schwartz.Job) error {
		got = j.Arg
		return nil
	}))

	did, err := c.WorkOnce(ctx)
	if err != nil {
		t.Fatalf("WorkOnce() error = %v", err)
	}
	if !did {
		t.Fatal("WorkOnce() = false, want true")
	}

	want := map[string]any{"numbers": []any{int64(1), int64(2)}}
	gotMap, ok := got.(map[string]any)
	if !ok {
		t.Fatalf("arg type = %T, want map[string]any", got)
	}
	nums, ok := gotMap["numbers"].([]any)
	if !ok || len(nums) != 2 || nums[0] != int64(1) || nums[1] != int64(2) {
		t.Errorf("arg = %#v, want %#v", got, want)
	}

	// The row is gone: a second grab finds nothing.
	did, err = c.WorkOnce(ctx)
	if err != nil {
		t.Fatalf("WorkOnce() error = %v", err)
	}
	if did {
		t.Error("second WorkOnce() = true, want false")
	}
	pending, err := handle.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending() error = %v", err)
	}
	if pending {
		t.Error("Pending() = true after completion, want false")
	}
}

func TestWorkUntilDoneMerges(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	c := newTestClient(t, clk, memory.New())

	for _, arg := range []map[string]any{
		{"foo": "bar"},
		{"bar": "baz"},
		{"baz": "foo"},
	} {
		if _, err := c.Insert(ctx, "merge", arg); err != nil {
			t.Fatalf("Insert() error = %v", err)
		}
	}

	merged := make(map[string]any)
	c.Can(schwartz.NewAbility("merge", func(_ context.Context, j *schwartz.Job) error {
		for k, v := range j.Arg.(map[string]any) {
			merged[k] = v
		}
		return nil
	}))

	worked, err := c.WorkUntilDone(ctx)
	if err != nil {
		t.Fatalf("WorkUntilDone() error = %v", err)
	}
	if worked != 3 {
		t.Errorf("WorkUntilDone() = %d, want 3", worked)
	}

	want := map[string]any{"foo": "bar", "bar": "baz", "baz": "foo"}
	if len(merged) != len(want) {
		t.Fatalf("merged = %#v, want %#v", merged, want)
	}
	for k, v := range want {
		if merged[k] != v {
			t.Errorf("merged[%q] = %v, want %v", k, merged[k], v)
		}
	}
}

func TestRetryWithBackoff(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	c := newTestClient(t, clk, memory.New())

	handle, err := c.Insert(ctx, "div", map[string]any{"n": 5, "d": 0})
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	c.Can(schwartz.NewAbility("div",
		func(_ context.Context, _ *schwartz.Job) error {
			return errors.New("division by zero")
		},
		schwartz.WithMaxRetries(1),
		schwartz.WithRetryDelay(backoff.NewExponential(2*time.Second, 0)),
		schwartz.WithKeepExitStatusFor(time.Hour),
		schwartz.WithGrabFor(time.Minute),
	))

	// First attempt fails and schedules a retry.
	did, err := c.WorkOnce(ctx)
	if err != nil || !did {
		t.Fatalf("WorkOnce() = %v, %v; want true, nil", did, err)
	}
	failures, err := handle.Failures(ctx)
	if err != nil {
		t.Fatalf("Failures() error = %v", err)
	}
	if failures != 1 {
		t.Errorf("Failures() = %d, want 1", failures)
	}
	log, err := handle.FailureLog(ctx)
	if err != nil {
		t.Fatalf("FailureLog() error = %v", err)
	}
	if len(log) != 1 || log[0] != "division by zero" {
		t.Errorf("FailureLog() = %v, want [division by zero]", log)
	}

	// Not yet eligible: run_after is two seconds out.
	if did, _ := c.WorkOnce(ctx); did {
		t.Fatal("WorkOnce() during backoff = true, want false")
	}

	// After the delay the same job is grabbable; the second failure is
	// terminal.
	clk.Advance(3 * time.Second)
	did, err = c.WorkOnce(ctx)
	if err != nil || !did {
		t.Fatalf("WorkOnce() after backoff = %v, %v; want true, nil", did, err)
	}
	pending, err := handle.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending() error = %v", err)
	}
	if pending {
		t.Error("job row still present after retries exhausted")
	}
	status, err := handle.ExitStatus(ctx)
	if err != nil {
		t.Fatalf("ExitStatus() error = %v", err)
	}
	if status == 0 {
		t.Errorf("ExitStatus() = 0, want non-zero")
	}
	failures, err = handle.Failures(ctx)
	if err != nil {
		t.Fatalf("Failures() error = %v", err)
	}
	if failures != 2 {
		t.Errorf("Failures() = %d, want 2 (max_retries+1)", failures)
	}
}

func TestUniqKeyDedupes(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	st := memory.New()
	c := newTestClient(t, clk, st)

	h1, err := c.Insert(ctx, "dedupe", map[string]any{"p": 1}, schwartz.WithUniqKey("K"))
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	h2, err := c.Insert(ctx, "dedupe", map[string]any{"p": 1}, schwartz.WithUniqKey("K"))
	if err != nil {
		t.Fatalf("duplicate Insert() error = %v", err)
	}
	if h1.JobID != h2.JobID || h1.ShardID != h2.ShardID {
		t.Errorf("handles differ: %v vs %v, want same row", h1, h2)
	}

	jobs, err := c.ListJobs(ctx, "dedupe", 0)
	if err != nil {
		t.Fatalf("ListJobs() error = %v", err)
	}
	if len(jobs) != 1 {
		t.Errorf("ListJobs() returned %d rows, want 1", len(jobs))
	}
}

func TestUniqKeyConcurrentProducers(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	st := memory.New()
	c1 := newTestClient(t, clk, st)
	c2 := newTestClient(t, clk, st)

	var wg sync.WaitGroup
	handles := make([]*schwartz.JobHandle, 2)
	errs := make([]error, 2)
	for i, c := range []*schwartz.Client{c1, c2} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			handles[i], errs[i] = c.Insert(ctx, "dedupe", map[string]any{"p": 1}, schwartz.WithUniqKey("K"))
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("producer %d Insert() error = %v", i, err)
		}
	}
	if handles[0].JobID != handles[1].JobID {
		t.Errorf("jobids differ: %d vs %d, want same", handles[0].JobID, handles[1].JobID)
	}
	jobs, err := c1.ListJobs(ctx, "dedupe", 0)
	if err != nil {
		t.Fatalf("ListJobs() error = %v", err)
	}
	if len(jobs) != 1 {
		t.Errorf("%d rows exist, want exactly 1", len(jobs))
	}
}

func TestReplaceWithCommits(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	c := newTestClient(t, clk, memory.New())

	aHandle, err := c.Insert(ctx, "split", map[string]any{"which": "A"})
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	c.Can(schwartz.NewAbility("split", func(ctx context.Context, j *schwartz.Job) error {
		return j.ReplaceWith(ctx,
			&schwartz.JobDescription{FuncName: "piece", Arg: map[string]any{"which": "B"}},
			&schwartz.JobDescription{FuncName: "piece", Arg: map[string]any{"which": "C"}},
		)
	}))
	c.Can(schwartz.NewAbility("piece", func(_ context.Context, _ *schwartz.Job) error { return nil }))

	if did, err := c.WorkOnce(ctx); err != nil || !did {
		t.Fatalf("WorkOnce() = %v, %v; want true, nil", did, err)
	}

	pending, err := aHandle.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending() error = %v", err)
	}
	if pending {
		t.Error("original job still present after ReplaceWith commit")
	}
	pieces, err := c.ListJobs(ctx, "piece", 0)
	if err != nil {
		t.Fatalf("ListJobs() error = %v", err)
	}
	if len(pieces) != 2 {
		t.Errorf("replacement count = %d, want 2", len(pieces))
	}
	// Replacements live on the original's shard.
	for _, p := range pieces {
		if p.Handle.ShardID != aHandle.ShardID {
			t.Errorf("replacement on shard %q, want %q", p.Handle.ShardID, aHandle.ShardID)
		}
	}
}

func TestReplaceWithRollsBack(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	c, err := schwartz.New(ctx,
		schwartz.WithClock(clk.Now),
		schwartz.WithDatabases(schwartz.ShardConfig{ID: "a", Driver: "memory", DSN: "replace-rollback-test"}),
		schwartz.WithFaultInjection(map[string]string{"replace_with": "rollback_after_insert"}),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	aHandle, err := c.Insert(ctx, "split", map[string]any{"which": "A"})
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	var replaceErr error
	c.Can(schwartz.NewAbility("split", func(ctx context.Context, j *schwartz.Job) error {
		replaceErr = j.ReplaceWith(ctx,
			&schwartz.JobDescription{FuncName: "piece", Arg: map[string]any{"which": "B"}},
			&schwartz.JobDescription{FuncName: "piece", Arg: map[string]any{"which": "C"}},
		)
		return replaceErr
	}))

	if did, err := c.WorkOnce(ctx); err != nil || !did {
		t.Fatalf("WorkOnce() = %v, %v; want true, nil", did, err)
	}
	if replaceErr == nil {
		t.Fatal("ReplaceWith() error = nil, want injected fault")
	}

	pending, err := aHandle.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending() error = %v", err)
	}
	if !pending {
		t.Error("original job gone after ReplaceWith rollback")
	}
	pieces, err := c.ListJobs(ctx, "piece", 0)
	if err != nil {
		t.Fatalf("ListJobs() error = %v", err)
	}
	if len(pieces) != 0 {
		t.Errorf("replacement count = %d after rollback, want 0", len(pieces))
	}
}

func TestCompetingGrabbers(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	st := memory.New()

	var mu sync.Mutex
	invocations := 0
	worker := func(_ context.Context, _ *schwartz.Job) error {
		mu.Lock()
		invocations++
		mu.Unlock()
		return nil
	}

	c1 := newTestClient(t, clk, st)
	c2 := newTestClient(t, clk, st)
	c1.Can(schwartz.NewAbility("race", worker))
	c2.Can(schwartz.NewAbility("race", worker))

	if _, err := c1.Insert(ctx, "race", map[string]any{"x": 1}); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	var wg sync.WaitGroup
	results := make([]bool, 2)
	for i, c := range []*schwartz.Client{c1, c2} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _ = c.WorkOnce(ctx)
		}()
	}
	wg.Wait()

	worked := 0
	for _, did := range results {
		if did {
			worked++
		}
	}
	if worked != 1 {
		t.Errorf("workers that grabbed = %d, want exactly 1", worked)
	}
	if invocations != 1 {
		t.Errorf("work invocations = %d, want exactly 1", invocations)
	}
}

func TestLeaseRecovery(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	st := memory.New()
	c := newTestClient(t, clk, st)

	handle, err := c.Insert(ctx, "slow", map[string]any{"x": 1})
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	// Simulate a crashed worker holding a 30s lease.
	until := clk.Now().Unix() + 30
	n, err := st.UpdateJobIfUnchanged(ctx, handle.JobID,
		driver.JobSet{GrabbedUntil: &until},
		driver.JobSnapshot{},
	)
	if err != nil || n != 1 {
		t.Fatalf("lease setup: n=%d err=%v", n, err)
	}

	worked := 0
	c.Can(schwartz.NewAbility("slow", func(_ context.Context, _ *schwartz.Job) error {
		worked++
		return nil
	}))

	if did, _ := c.WorkOnce(ctx); did {
		t.Fatal("grabbed a leased job before expiry")
	}

	// Once grabbed_until passes, any worker may reclaim the row.
	clk.Advance(31 * time.Second)
	if did, _ := c.WorkOnce(ctx); !did {
		t.Fatal("job not reclaimed after lease expiry")
	}
	if worked != 1 {
		t.Errorf("work invocations = %d, want 1", worked)
	}
}

func TestShardBackoffSkipsUnhealthy(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	st := memory.New()
	c := newTestClient(t, clk, st)

	st.FailNext(driver.ErrConnectionLost)
	if _, err := c.Insert(ctx, "x", nil); !errors.Is(err, schwartz.ErrNoShardAvailable) {
		t.Fatalf("Insert() error = %v, want ErrNoShardAvailable", err)
	}

	// The shard is inside its backoff window: the driver is not even
	// consulted, so the insert still fails.
	if _, err := c.Insert(ctx, "x", nil); !errors.Is(err, schwartz.ErrNoShardAvailable) {
		t.Fatalf("Insert() during backoff error = %v, want ErrNoShardAvailable", err)
	}

	// After the 1s base window the shard is retried and healthy.
	clk.Advance(1100 * time.Millisecond)
	if _, err := c.Insert(ctx, "x", nil); err != nil {
		t.Fatalf("Insert() after backoff error = %v", err)
	}
}

func TestCoalesceAffinity(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	c := newTestClient(t, clk, memory.New())

	// Highest priority first; then affinity with its coalesce key beats
	// the remaining priority order.
	inserts := []struct {
		coalesce string
		priority int
	}{
		{"x", 10},
		{"y", 5},
		{"x", 0},
	}
	for _, in := range inserts {
		_, err := c.Insert(ctx, "coal", map[string]any{"c": in.coalesce},
			schwartz.WithCoalesce(in.coalesce),
			schwartz.WithPriority(in.priority),
		)
		if err != nil {
			t.Fatalf("Insert() error = %v", err)
		}
	}

	var order []string
	c.Can(schwartz.NewAbility("coal", func(_ context.Context, j *schwartz.Job) error {
		order = append(order, j.Coalesce)
		return nil
	}))

	if _, err := c.WorkUntilDone(ctx); err != nil {
		t.Fatalf("WorkUntilDone() error = %v", err)
	}
	want := []string{"x", "x", "y"}
	if len(order) != len(want) {
		t.Fatalf("worked %d jobs, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("grab order = %v, want %v", order, want)
		}
	}
}

func TestPriorityOrder(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	c := newTestClient(t, clk, memory.New())

	for _, p := range []int{1, 3, 2} {
		if _, err := c.Insert(ctx, "prio", map[string]any{"p": p}, schwartz.WithPriority(p)); err != nil {
			t.Fatalf("Insert() error = %v", err)
		}
	}

	var order []int64
	c.Can(schwartz.NewAbility("prio", func(_ context.Context, j *schwartz.Job) error {
		order = append(order, j.Arg.(map[string]any)["p"].(int64))
		return nil
	}))
	if _, err := c.WorkUntilDone(ctx); err != nil {
		t.Fatalf("WorkUntilDone() error = %v", err)
	}

	want := []int64{3, 2, 1}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("work order = %v, want %v", order, want)
		}
	}
}

func TestInsertJobsBatch(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	c := newTestClient(t, clk, memory.New(), memory.New())

	descs := []*schwartz.JobDescription{
		{FuncName: "batch", Arg: map[string]any{"i": 1}},
		{FuncName: "batch", Arg: map[string]any{"i": 2}},
		{FuncName: "batch", Arg: map[string]any{"i": 3}},
	}
	handles, err := c.InsertJobs(ctx, descs)
	if err != nil {
		t.Fatalf("InsertJobs() error = %v", err)
	}
	if len(handles) != 3 {
		t.Fatalf("handles = %d, want 3", len(handles))
	}
	// The batch is one transaction on one shard.
	for _, h := range handles[1:] {
		if h.ShardID != handles[0].ShardID {
			t.Errorf("batch split across shards %q and %q", handles[0].ShardID, h.ShardID)
		}
	}

	seen := 0
	c.Can(schwartz.NewAbility("batch", func(_ context.Context, _ *schwartz.Job) error {
		seen++
		return nil
	}))
	if _, err := c.WorkUntilDone(ctx); err != nil {
		t.Fatalf("WorkUntilDone() error = %v", err)
	}
	if seen != 3 {
		t.Errorf("worked %d jobs, want 3", seen)
	}
}

func TestSweepRemovesExpiredExitStatuses(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	c := newTestClient(t, clk, memory.New())

	handle, err := c.Insert(ctx, "keep", nil)
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	c.Can(schwartz.NewAbility("keep",
		func(_ context.Context, _ *schwartz.Job) error { return nil },
		schwartz.WithKeepExitStatusFor(time.Hour),
	))
	if _, err := c.WorkUntilDone(ctx); err != nil {
		t.Fatalf("WorkUntilDone() error = %v", err)
	}

	if status, err := handle.ExitStatus(ctx); err != nil || status != 0 {
		t.Fatalf("ExitStatus() = %d, %v; want 0, nil", status, err)
	}

	// Within the retention window nothing is swept.
	if n, err := c.Sweep(ctx); err != nil || n != 0 {
		t.Fatalf("Sweep() = %d, %v; want 0, nil", n, err)
	}

	clk.Advance(2 * time.Hour)
	n, err := c.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Sweep() = %d, want 1", n)
	}
	if _, err := handle.ExitStatus(ctx); !errors.Is(err, driver.ErrNotFound) {
		t.Errorf("ExitStatus() after sweep error = %v, want ErrNotFound", err)
	}
}

func TestLookupAndCurrentJob(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	c := newTestClient(t, clk, memory.New())

	handle, err := c.Insert(ctx, "inspect", map[string]any{"k": "v"}, schwartz.WithUniqKey("u1"))
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	j, err := c.LookupJob(ctx, handle)
	if err != nil {
		t.Fatalf("LookupJob() error = %v", err)
	}
	if j == nil {
		t.Fatal("LookupJob() = nil for live row")
	}
	if j.FuncName != "inspect" || j.UniqKey != "u1" {
		t.Errorf("LookupJob() = funcname %q uniqkey %q, want inspect/u1", j.FuncName, j.UniqKey)
	}

	c.Can(schwartz.NewAbility("inspect", func(ctx context.Context, j *schwartz.Job) error {
		if cur := schwartz.JobFromContext(ctx); cur != j {
			t.Error("JobFromContext() != job under work")
		}
		if cur := j.Handle; cur.JobID != handle.JobID {
			t.Errorf("handle jobid = %d, want %d", cur.JobID, handle.JobID)
		}
		return nil
	}))
	if _, err := c.WorkUntilDone(ctx); err != nil {
		t.Fatalf("WorkUntilDone() error = %v", err)
	}
	if cur := c.CurrentJob(); cur != nil {
		t.Errorf("CurrentJob() after drain = %v, want nil", cur)
	}

	gone, err := c.LookupJob(ctx, handle)
	if err != nil {
		t.Fatalf("LookupJob() error = %v", err)
	}
	if gone != nil {
		t.Error("LookupJob() != nil for removed row")
	}
}

func TestResetAbilities(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	c := newTestClient(t, clk, memory.New())

	if _, err := c.Insert(ctx, "x", nil); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	c.Can(schwartz.NewAbility("x", func(_ context.Context, _ *schwartz.Job) error { return nil }))
	c.ResetAbilities()

	// No abilities: nothing to grab.
	if did, err := c.WorkOnce(ctx); err != nil || did {
		t.Errorf("WorkOnce() after reset = %v, %v; want false, nil", did, err)
	}
}

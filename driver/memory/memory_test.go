package memory_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/yshh/schwartz/driver"
	"github.com/yshh/schwartz/driver/memory"
)

func strPtr(s string) *string { return &s }

func TestFuncInterning(t *testing.T) {
	ctx := context.Background()
	st := memory.New()

	id1, err := st.FuncID(ctx, "resize")
	if err != nil {
		t.Fatalf("FuncID() error = %v", err)
	}
	id2, err := st.FuncID(ctx, "resize")
	if err != nil {
		t.Fatalf("FuncID() error = %v", err)
	}
	if id1 != id2 {
		t.Errorf("FuncID() interned twice: %d vs %d", id1, id2)
	}
	name, err := st.FuncName(ctx, id1)
	if err != nil || name != "resize" {
		t.Errorf("FuncName(%d) = %q, %v; want resize, nil", id1, name, err)
	}
	if _, err := st.FuncName(ctx, 999); !errors.Is(err, driver.ErrNotFound) {
		t.Errorf("FuncName(999) error = %v, want ErrNotFound", err)
	}
}

func TestUniqKeyConstraint(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	funcid, _ := st.FuncID(ctx, "f")

	row := &driver.JobRow{FuncID: funcid, UniqKey: strPtr("K"), RunAfter: 1}
	first, err := st.InsertJob(ctx, row)
	if err != nil {
		t.Fatalf("InsertJob() error = %v", err)
	}

	dup := &driver.JobRow{FuncID: funcid, UniqKey: strPtr("K"), RunAfter: 1}
	if _, err := st.InsertJob(ctx, dup); !errors.Is(err, driver.ErrConstraintViolated) {
		t.Fatalf("duplicate InsertJob() error = %v, want ErrConstraintViolated", err)
	}

	existing, err := st.JobByUniqKey(ctx, funcid, "K")
	if err != nil {
		t.Fatalf("JobByUniqKey() error = %v", err)
	}
	if existing.JobID != first {
		t.Errorf("JobByUniqKey() jobid = %d, want %d", existing.JobID, first)
	}

	// Removing the row frees the key.
	if err := st.RemoveJob(ctx, first); err != nil {
		t.Fatalf("RemoveJob() error = %v", err)
	}
	if _, err := st.InsertJob(ctx, dup); err != nil {
		t.Errorf("InsertJob() after removal error = %v", err)
	}
}

func TestGrabCandidatesOrderAndEligibility(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	funcid, _ := st.FuncID(ctx, "f")
	otherID, _ := st.FuncID(ctx, "other")

	now := int64(1000)
	rows := []*driver.JobRow{
		{FuncID: funcid, RunAfter: 900, Priority: 1},        // eligible
		{FuncID: funcid, RunAfter: 900, Priority: 5},        // eligible, higher priority
		{FuncID: funcid, RunAfter: 2000, Priority: 9},       // not yet due
		{FuncID: funcid, RunAfter: 900, GrabbedUntil: 1500}, // leased
		{FuncID: otherID, RunAfter: 900, Priority: 9},       // wrong func
		{FuncID: funcid, RunAfter: 900, Priority: 5},        // tie broken by jobid
	}
	for _, row := range rows {
		if _, err := st.InsertJob(ctx, row); err != nil {
			t.Fatalf("InsertJob() error = %v", err)
		}
	}

	cands, err := st.GrabCandidates(ctx, driver.CandidateQuery{
		FuncIDs: []int32{funcid},
		Now:     now,
		Limit:   10,
	})
	if err != nil {
		t.Fatalf("GrabCandidates() error = %v", err)
	}
	if len(cands) != 3 {
		t.Fatalf("GrabCandidates() returned %d rows, want 3", len(cands))
	}
	// priority DESC, jobid ASC.
	if cands[0].Priority != 5 || cands[1].Priority != 5 || cands[2].Priority != 1 {
		t.Errorf("priorities = %d,%d,%d; want 5,5,1", cands[0].Priority, cands[1].Priority, cands[2].Priority)
	}
	if cands[0].JobID > cands[1].JobID {
		t.Errorf("tie not broken by jobid: %d before %d", cands[0].JobID, cands[1].JobID)
	}
}

func TestConditionalUpdateIsExclusive(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	funcid, _ := st.FuncID(ctx, "f")
	jobid, err := st.InsertJob(ctx, &driver.JobRow{FuncID: funcid, RunAfter: 1})
	if err != nil {
		t.Fatalf("InsertJob() error = %v", err)
	}

	// Many goroutines race the same snapshot; exactly one wins.
	var zero int64
	var wg sync.WaitGroup
	wins := make([]int64, 16)
	for i := range wins {
		wg.Add(1)
		go func() {
			defer wg.Done()
			until := int64(5000 + i)
			n, err := st.UpdateJobIfUnchanged(ctx, jobid,
				driver.JobSet{GrabbedUntil: &until},
				driver.JobSnapshot{GrabbedUntil: &zero},
			)
			if err != nil {
				t.Errorf("UpdateJobIfUnchanged() error = %v", err)
			}
			wins[i] = n
		}()
	}
	wg.Wait()

	total := int64(0)
	for _, n := range wins {
		total += n
	}
	if total != 1 {
		t.Errorf("winners = %d, want exactly 1", total)
	}

	// A missing row affects zero rows without error.
	n, err := st.UpdateJobIfUnchanged(ctx, 9999,
		driver.JobSet{GrabbedUntil: &zero},
		driver.JobSnapshot{},
	)
	if err != nil || n != 0 {
		t.Errorf("UpdateJobIfUnchanged(missing) = %d, %v; want 0, nil", n, err)
	}
}

func TestReplaceJobRollsBackOnFault(t *testing.T) {
	ctx := context.Background()
	injected := errors.New("injected")
	st := memory.New(memory.WithFaultHook(func(point string) error {
		if point == driver.FaultReplaceAfterInsert {
			return injected
		}
		return nil
	}))
	funcid, _ := st.FuncID(ctx, "f")
	jobid, err := st.InsertJob(ctx, &driver.JobRow{FuncID: funcid, RunAfter: 1})
	if err != nil {
		t.Fatalf("InsertJob() error = %v", err)
	}

	_, err = st.ReplaceJob(ctx, jobid, nil, []*driver.JobRow{
		{FuncID: funcid, RunAfter: 1},
		{FuncID: funcid, RunAfter: 1},
	})
	if !errors.Is(err, injected) {
		t.Fatalf("ReplaceJob() error = %v, want injected fault", err)
	}

	// Original intact, replacements absent.
	if _, err := st.JobByID(ctx, jobid); err != nil {
		t.Errorf("original row gone after rollback: %v", err)
	}
	rows, err := st.ListJobs(ctx, funcid, 0)
	if err != nil {
		t.Fatalf("ListJobs() error = %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("row count after rollback = %d, want 1", len(rows))
	}
}

func TestReplaceJobCommits(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	funcid, _ := st.FuncID(ctx, "f")
	jobid, err := st.InsertJob(ctx, &driver.JobRow{FuncID: funcid, RunAfter: 1})
	if err != nil {
		t.Fatalf("InsertJob() error = %v", err)
	}

	exit := &driver.ExitStatusRow{JobID: jobid, FuncID: funcid, Status: 0, CompletionTime: 10, DeleteAfter: 100}
	ids, err := st.ReplaceJob(ctx, jobid, exit, []*driver.JobRow{
		{FuncID: funcid, RunAfter: 1},
		{FuncID: funcid, RunAfter: 1},
	})
	if err != nil {
		t.Fatalf("ReplaceJob() error = %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("ReplaceJob() returned %d ids, want 2", len(ids))
	}
	if _, err := st.JobByID(ctx, jobid); !errors.Is(err, driver.ErrNotFound) {
		t.Errorf("original row still present: err = %v", err)
	}
	for _, id := range ids {
		if _, err := st.JobByID(ctx, id); err != nil {
			t.Errorf("replacement %d missing: %v", id, err)
		}
	}
	if got, err := st.ExitStatus(ctx, jobid); err != nil || got.Status != 0 {
		t.Errorf("ExitStatus() = %+v, %v; want recorded status", got, err)
	}
}

func TestSweepExitStatuses(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	rows := []*driver.ExitStatusRow{
		{JobID: 1, Status: 0, DeleteAfter: 50},
		{JobID: 2, Status: 1, DeleteAfter: 150},
	}
	for _, row := range rows {
		if err := st.InsertExitStatus(ctx, row); err != nil {
			t.Fatalf("InsertExitStatus() error = %v", err)
		}
	}

	n, err := st.SweepExitStatuses(ctx, 100)
	if err != nil {
		t.Fatalf("SweepExitStatuses() error = %v", err)
	}
	if n != 1 {
		t.Errorf("SweepExitStatuses() = %d, want 1", n)
	}
	if _, err := st.ExitStatus(ctx, 1); !errors.Is(err, driver.ErrNotFound) {
		t.Errorf("swept row still readable: err = %v", err)
	}
	if _, err := st.ExitStatus(ctx, 2); err != nil {
		t.Errorf("unexpired row swept: err = %v", err)
	}
}

func TestErrorRows(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	for i, msg := range []string{"first", "second"} {
		err := st.InsertError(ctx, &driver.ErrorRow{ErrorTime: int64(i), JobID: 7, Message: msg})
		if err != nil {
			t.Fatalf("InsertError() error = %v", err)
		}
	}
	if err := st.InsertError(ctx, &driver.ErrorRow{JobID: 8, Message: "other job"}); err != nil {
		t.Fatalf("InsertError() error = %v", err)
	}

	n, err := st.CountErrors(ctx, 7)
	if err != nil || n != 2 {
		t.Errorf("CountErrors(7) = %d, %v; want 2, nil", n, err)
	}
	rows, err := st.ErrorsForJob(ctx, 7, 0)
	if err != nil {
		t.Fatalf("ErrorsForJob() error = %v", err)
	}
	if len(rows) != 2 || rows[0].Message != "first" || rows[1].Message != "second" {
		t.Errorf("ErrorsForJob() = %v, want first,second", rows)
	}
}

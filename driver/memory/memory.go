// Package memory provides a fully in-memory shard driver. Safe for
// concurrent access. Intended for unit testing and development; two
// clients opening the same DSN share one shard, which makes multi-worker
// race tests possible without a database.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/yshh/schwartz/driver"
)

// Ensure Store implements driver.Driver at compile time.
var _ driver.Driver = (*Store)(nil)

func init() {
	driver.Register("memory", open)
}

var (
	sharedMu sync.Mutex
	shared   = make(map[string]*Store)
)

// open returns the shared Store for dsn, creating it on first use.
func open(_ context.Context, dsn string, opts driver.Options) (driver.Driver, error) {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if s, ok := shared[dsn]; ok {
		return s, nil
	}
	s := New()
	s.faults = opts.Faults
	shared[dsn] = s
	return s, nil
}

// Store is an in-memory implementation of driver.Driver.
type Store struct {
	mu sync.Mutex

	nextJobID  int64
	nextFuncID int32

	jobs       map[int64]*driver.JobRow
	funcIDs    map[string]int32
	funcNames  map[int32]string
	errors     []*driver.ErrorRow
	exits      map[int64]*driver.ExitStatusRow
	uniq       map[uniqKey]int64
	faults     driver.FaultHook
	failNextOp error
}

type uniqKey struct {
	funcid int32
	key    string
}

// Option configures a Store.
type Option func(*Store)

// WithFaultHook enables test fault injection.
func WithFaultHook(h driver.FaultHook) Option {
	return func(s *Store) { s.faults = h }
}

// New returns a new empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		jobs:      make(map[int64]*driver.JobRow),
		funcIDs:   make(map[string]int32),
		funcNames: make(map[int32]string),
		exits:     make(map[int64]*driver.ExitStatusRow),
		uniq:      make(map[uniqKey]int64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FailNext makes the next operation return err, then clears. Used by
// tests to exercise shard health handling.
func (s *Store) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNextOp = err
}

// takeFailure consumes a pending injected failure. Caller holds s.mu.
func (s *Store) takeFailure() error {
	err := s.failNextOp
	s.failNextOp = nil
	return err
}

// Migrate is a no-op for the memory store.
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping reports a pending injected failure, if any.
func (s *Store) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.takeFailure()
}

// Close is a no-op for the memory store.
func (s *Store) Close() error { return nil }

func (s *Store) FuncID(_ context.Context, funcname string) (int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return 0, err
	}
	if id, ok := s.funcIDs[funcname]; ok {
		return id, nil
	}
	s.nextFuncID++
	s.funcIDs[funcname] = s.nextFuncID
	s.funcNames[s.nextFuncID] = funcname
	return s.nextFuncID, nil
}

func (s *Store) FuncName(_ context.Context, funcid int32) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name, ok := s.funcNames[funcid]
	if !ok {
		return "", driver.ErrNotFound
	}
	return name, nil
}

func (s *Store) InsertJob(_ context.Context, row *driver.JobRow) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return 0, err
	}
	return s.insertLocked(row)
}

// insertLocked performs the insert. Caller holds s.mu.
func (s *Store) insertLocked(row *driver.JobRow) (int64, error) {
	if row.UniqKey != nil {
		k := uniqKey{row.FuncID, *row.UniqKey}
		if _, exists := s.uniq[k]; exists {
			return 0, driver.ErrConstraintViolated
		}
		defer func() { s.uniq[k] = row.JobID }()
	}
	s.nextJobID++
	cp := *row
	cp.JobID = s.nextJobID
	s.jobs[cp.JobID] = &cp
	row.JobID = cp.JobID
	return cp.JobID, nil
}

func (s *Store) InsertJobs(_ context.Context, rows []*driver.JobRow) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		id, err := s.insertLocked(row)
		if err != nil {
			// Batch semantics: reuse the existing row on collision.
			if row.UniqKey != nil {
				if existing, ok := s.uniq[uniqKey{row.FuncID, *row.UniqKey}]; ok {
					ids = append(ids, existing)
					continue
				}
			}
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Store) JobByID(_ context.Context, jobid int64) (*driver.JobRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.jobs[jobid]
	if !ok {
		return nil, driver.ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (s *Store) JobByUniqKey(_ context.Context, funcid int32, key string) (*driver.JobRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobid, ok := s.uniq[uniqKey{funcid, key}]
	if !ok {
		return nil, driver.ErrNotFound
	}
	row, ok := s.jobs[jobid]
	if !ok {
		return nil, driver.ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (s *Store) GrabCandidates(_ context.Context, q driver.CandidateQuery) ([]*driver.JobRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return nil, err
	}
	allowed := make(map[int32]struct{}, len(q.FuncIDs))
	for _, id := range q.FuncIDs {
		allowed[id] = struct{}{}
	}
	var out []*driver.JobRow
	for _, row := range s.jobs {
		if _, ok := allowed[row.FuncID]; !ok {
			continue
		}
		if row.RunAfter > q.Now || row.GrabbedUntil > q.Now {
			continue
		}
		cp := *row
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].JobID < out[j].JobID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Store) ListJobs(_ context.Context, funcid int32, limit int) ([]*driver.JobRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*driver.JobRow
	for _, row := range s.jobs {
		if row.FuncID != funcid {
			continue
		}
		cp := *row
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) UpdateJobIfUnchanged(_ context.Context, jobid int64, set driver.JobSet, snap driver.JobSnapshot) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return 0, err
	}
	row, ok := s.jobs[jobid]
	if !ok {
		return 0, nil
	}
	if snap.GrabbedUntil != nil && row.GrabbedUntil != *snap.GrabbedUntil {
		return 0, nil
	}
	if set.GrabbedUntil != nil {
		row.GrabbedUntil = *set.GrabbedUntil
	}
	if set.RunAfter != nil {
		row.RunAfter = *set.RunAfter
	}
	return 1, nil
}

func (s *Store) RemoveJob(_ context.Context, jobid int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return err
	}
	row, ok := s.jobs[jobid]
	if !ok {
		return driver.ErrNotFound
	}
	s.removeLocked(row)
	return nil
}

// removeLocked deletes a row and its uniq index entry. Caller holds s.mu.
func (s *Store) removeLocked(row *driver.JobRow) {
	if row.UniqKey != nil {
		delete(s.uniq, uniqKey{row.FuncID, *row.UniqKey})
	}
	delete(s.jobs, row.JobID)
}

func (s *Store) InsertError(_ context.Context, row *driver.ErrorRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return err
	}
	cp := *row
	s.errors = append(s.errors, &cp)
	return nil
}

func (s *Store) CountErrors(_ context.Context, jobid int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, row := range s.errors {
		if row.JobID == jobid {
			n++
		}
	}
	return n, nil
}

func (s *Store) ErrorsForJob(_ context.Context, jobid int64, limit int) ([]*driver.ErrorRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*driver.ErrorRow
	for _, row := range s.errors {
		if row.JobID != jobid {
			continue
		}
		cp := *row
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) InsertExitStatus(_ context.Context, row *driver.ExitStatusRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return err
	}
	cp := *row
	s.exits[cp.JobID] = &cp
	return nil
}

func (s *Store) ExitStatus(_ context.Context, jobid int64) (*driver.ExitStatusRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.exits[jobid]
	if !ok {
		return nil, driver.ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (s *Store) SweepExitStatuses(_ context.Context, now int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for jobid, row := range s.exits {
		if row.DeleteAfter < now {
			delete(s.exits, jobid)
			n++
		}
	}
	return n, nil
}

func (s *Store) ReplaceJob(_ context.Context, jobid int64, exit *driver.ExitStatusRow, replacements []*driver.JobRow) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return nil, err
	}
	original, ok := s.jobs[jobid]
	if !ok {
		return nil, driver.ErrNotFound
	}

	// Stage the whole transaction against copies so a fault leaves the
	// store untouched.
	type staged struct {
		row *driver.JobRow
		id  int64
	}
	var inserts []staged
	seen := make(map[uniqKey]int64)
	nextID := s.nextJobID
	ids := make([]int64, 0, len(replacements))
	for _, row := range replacements {
		var k uniqKey
		if row.UniqKey != nil {
			k = uniqKey{row.FuncID, *row.UniqKey}
			if existing, exists := s.uniq[k]; exists {
				ids = append(ids, existing)
				continue
			}
			if stagedID, inBatch := seen[k]; inBatch {
				ids = append(ids, stagedID)
				continue
			}
		}
		nextID++
		cp := *row
		cp.JobID = nextID
		inserts = append(inserts, staged{&cp, nextID})
		ids = append(ids, nextID)
		if row.UniqKey != nil {
			seen[k] = nextID
		}
	}

	if s.faults != nil {
		if err := s.faults(driver.FaultReplaceAfterInsert); err != nil {
			return nil, err
		}
	}

	// Commit.
	s.nextJobID = nextID
	for _, st := range inserts {
		s.jobs[st.id] = st.row
		if st.row.UniqKey != nil {
			s.uniq[uniqKey{st.row.FuncID, *st.row.UniqKey}] = st.id
		}
	}
	if exit != nil {
		cp := *exit
		s.exits[cp.JobID] = &cp
	}
	s.removeLocked(original)
	return ids, nil
}

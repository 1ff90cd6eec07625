package job

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/xraph/unitybridge"
	"github.com/xraph/unitybridge/id"
)

// Store is the in-memory job table with secondary indexes for
// idempotency-key and request-id lookup. All methods copy on read and
// write; callers never share memory with the store.
//
// One coarse mutex guards everything. The engine is effectively
// single-writer (gateway and janitor), so finer locking buys nothing.
type Store struct {
	mu sync.RWMutex

	jobs     map[string]*Job
	byIdem   map[string]string // idempotency key → job id
	byReqID  map[string]string // request id → job id
	defaults LeaseDefaults
	logger   *slog.Logger
	now      func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithLeaseDefaults sets the fallback lease budgets applied during
// normalization.
func WithLeaseDefaults(d LeaseDefaults) StoreOption {
	return func(s *Store) {
		s.defaults = d
	}
}

// WithClock overrides the store's clock. Used in tests.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates an empty job store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		jobs:    make(map[string]*Job),
		byIdem:  make(map[string]string),
		byReqID: make(map[string]string),
		defaults: LeaseDefaults{
			HeartbeatTimeoutMS: 90_000,
			MaxRuntimeMS:       600_000,
		},
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) nowMS() int64 {
	return s.now().UnixMilli()
}

// UpsertJob normalizes and stores a job, maintaining both secondary
// indexes. Re-binding an existing request id to a new job drops the
// stale index entry. Returns the stored copy.
func (s *Store) UpsertJob(j *Job) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := j.Clone()
	stored.Normalize(s.nowMS(), s.defaults)

	key := stored.ID.String()
	if prev, ok := s.jobs[key]; ok {
		s.dropIndexes(prev)
	}
	s.jobs[key] = stored
	s.addIndexes(stored)

	return stored.Clone()
}

// GetJob retrieves a job by id.
func (s *Store) GetJob(jobID id.JobID) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[jobID.String()]
	if !ok {
		return nil, unitybridge.ErrJobNotFound
	}
	return j.Clone(), nil
}

// GetJobByIdempotencyKey returns the job bound to a client idempotency
// key, if any.
func (s *Store) GetJobByIdempotencyKey(key string) (*Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobID, ok := s.byIdem[key]
	if !ok {
		return nil, false
	}
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, false
	}
	return j.Clone(), true
}

// GetJobByRequestID returns the job bound to an engine request id, if
// any.
func (s *Store) GetJobByRequestID(requestID id.RequestID) (*Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobID, ok := s.byReqID[requestID.String()]
	if !ok {
		return nil, false
	}
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, false
	}
	return j.Clone(), true
}

// UpdateJob applies a mutation to the current record and re-normalizes
// it, so a patch can never desynchronize derived invariants. Returns
// the updated copy.
func (s *Store) UpdateJob(jobID id.JobID, apply func(*Job)) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := jobID.String()
	current, ok := s.jobs[key]
	if !ok {
		return nil, unitybridge.ErrJobNotFound
	}

	updated := current.Clone()
	apply(updated)
	updated.ID = current.ID // the patch cannot re-key the record
	updated.Normalize(s.nowMS(), s.defaults)

	s.dropIndexes(current)
	s.jobs[key] = updated
	s.addIndexes(updated)

	return updated.Clone(), nil
}

// DeleteJob removes a job and its index entries. Reports whether a job
// was removed.
func (s *Store) DeleteJob(jobID id.JobID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := jobID.String()
	j, ok := s.jobs[key]
	if !ok {
		return false
	}
	s.dropIndexes(j)
	delete(s.jobs, key)
	return true
}

// ListJobs returns all jobs ordered by creation time, oldest first.
func (s *Store) ListJobs() []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.Clone())
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt != out[k].CreatedAt {
			return out[i].CreatedAt < out[k].CreatedAt
		}
		return out[i].ID.String() < out[k].ID.String()
	})
	return out
}

// CountJobs returns the number of stored jobs.
func (s *Store) CountJobs() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.jobs)
}

// ReplaceJobs swaps the entire store contents, rebuilding both indexes.
// Used by recovery when hydrating from a snapshot.
func (s *Store) ReplaceJobs(jobs []*Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs = make(map[string]*Job, len(jobs))
	s.byIdem = make(map[string]string, len(jobs))
	s.byReqID = make(map[string]string, len(jobs))

	now := s.nowMS()
	for _, j := range jobs {
		if j == nil || j.ID.IsNil() {
			continue
		}
		stored := j.Clone()
		// Keep the original UpdatedAt when hydrating.
		updatedAt := stored.UpdatedAt
		stored.Normalize(now, s.defaults)
		if updatedAt > 0 {
			stored.UpdatedAt = updatedAt
		}
		s.jobs[stored.ID.String()] = stored
		s.addIndexes(stored)
	}
}

// dropIndexes removes the index entries that point at j. Entries taken
// over by a newer job are left alone.
func (s *Store) dropIndexes(j *Job) {
	key := j.ID.String()
	if j.IdempotencyKey != "" && s.byIdem[j.IdempotencyKey] == key {
		delete(s.byIdem, j.IdempotencyKey)
	}
	if !j.RequestID.IsNil() && s.byReqID[j.RequestID.String()] == key {
		delete(s.byReqID, j.RequestID.String())
	}
}

func (s *Store) addIndexes(j *Job) {
	if j.IdempotencyKey != "" {
		s.byIdem[j.IdempotencyKey] = j.ID.String()
	}
	if !j.RequestID.IsNil() {
		s.byReqID[j.RequestID.String()] = j.ID.String()
	}
}

package query

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/xraph/unitybridge"
	"github.com/xraph/unitybridge/id"
)

// Store keeps queries in memory under one mutex. Pending queries are
// pulled oldest-first; terminal queries linger until the sweeper prunes
// them.
type Store struct {
	mu      sync.Mutex
	queries map[string]*Query
	now     func() time.Time
}

// NewStore creates an empty query store.
func NewStore() *Store {
	return &Store{
		queries: make(map[string]*Query),
		now:     time.Now,
	}
}

// SetClock overrides the store's clock. Used in tests.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.now = now
}

func (s *Store) nowMS() int64 {
	return s.now().UnixMilli()
}

// Create stores a new pending query and returns its copy.
func (s *Store) Create(queryType string, payload json.RawMessage) *Query {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowMS()
	q := &Query{
		ID:          id.NewQueryID(),
		QueryType:   queryType,
		Payload:     append(json.RawMessage(nil), payload...),
		Status:      StatusPending,
		CreatedAtMS: now,
		UpdatedAtMS: now,
	}
	s.queries[q.ID.String()] = q
	return q.Clone()
}

// Get retrieves a query by id.
func (s *Store) Get(queryID id.QueryID) (*Query, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queries[queryID.String()]
	if !ok {
		return nil, unitybridge.ErrQueryNotFound
	}
	return q.Clone(), nil
}

// Pull atomically claims the oldest pending query whose type is in
// acceptedTypes (an empty list accepts every type), marks it
// dispatched, and increments its pull count.
func (s *Store) Pull(acceptedTypes []string) (*Query, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	accepted := make(map[string]struct{}, len(acceptedTypes))
	for _, t := range acceptedTypes {
		accepted[t] = struct{}{}
	}

	var oldest *Query
	for _, q := range s.queries {
		if q.Status != StatusPending {
			continue
		}
		if len(accepted) > 0 {
			if _, ok := accepted[q.QueryType]; !ok {
				continue
			}
		}
		if oldest == nil || q.CreatedAtMS < oldest.CreatedAtMS ||
			(q.CreatedAtMS == oldest.CreatedAtMS && q.ID.String() < oldest.ID.String()) {
			oldest = q
		}
	}
	if oldest == nil {
		return nil, false
	}

	now := s.nowMS()
	oldest.Status = StatusDispatched
	oldest.PullCount++
	oldest.DispatchedAtMS = now
	oldest.UpdatedAtMS = now
	return oldest.Clone(), true
}

// Resolve applies a report to a query. A report against a live query
// settles it; a first report against an already-terminal record (for
// example after a timeout) is recorded without changing the terminal
// status; any further report is a replay.
func (s *Store) Resolve(queryID id.QueryID, report json.RawMessage, success bool, detail *unitybridge.ErrorDetail) (q *Query, replay bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.queries[queryID.String()]
	if !ok {
		return nil, false, unitybridge.ErrQueryNotFound
	}

	if stored.Reported {
		return stored.Clone(), true, nil
	}

	now := s.nowMS()
	stored.Reported = true
	stored.Report = append(json.RawMessage(nil), report...)
	stored.UpdatedAtMS = now

	if !stored.Terminal() {
		if success {
			stored.Status = StatusSucceeded
		} else {
			stored.Status = StatusFailed
		}
		if detail != nil {
			stored.ErrorCode = detail.ErrorCode
			stored.ErrorMessage = detail.ErrorMessage
		}
		stored.CompletedAtMS = now
	}

	return stored.Clone(), false, nil
}

// MarkTimedOut moves a live query to timed_out. A query that already
// reached a terminal state is left alone.
func (s *Store) MarkTimedOut(queryID id.QueryID) (*Query, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.queries[queryID.String()]
	if !ok || stored.Terminal() {
		return nil, false
	}

	now := s.nowMS()
	stored.Status = StatusTimedOut
	stored.ErrorCode = unitybridge.CodeQueryTimeout
	stored.ErrorMessage = "no result reported within the query timeout"
	stored.UpdatedAtMS = now
	stored.CompletedAtMS = now
	return stored.Clone(), true
}

// Len returns the number of stored queries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.queries)
}

// Sweep prunes terminal queries completed before now-retention, then
// enforces the size cap by evicting the oldest terminal entries first.
// Returns how many queries were removed.
func (s *Store) Sweep(retention time.Duration, maxQueries int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowMS()
	cutoff := now - retention.Milliseconds()
	removed := 0

	for key, q := range s.queries {
		if q.Terminal() && q.CompletedAtMS > 0 && q.CompletedAtMS < cutoff {
			delete(s.queries, key)
			removed++
		}
	}

	if maxQueries > 0 && len(s.queries) > maxQueries {
		var terminal []*Query
		for _, q := range s.queries {
			if q.Terminal() {
				terminal = append(terminal, q)
			}
		}
		sort.Slice(terminal, func(i, j int) bool {
			if terminal[i].CompletedAtMS != terminal[j].CompletedAtMS {
				return terminal[i].CompletedAtMS < terminal[j].CompletedAtMS
			}
			return terminal[i].ID.String() < terminal[j].ID.String()
		})
		for _, q := range terminal {
			if len(s.queries) <= maxQueries {
				break
			}
			delete(s.queries, q.ID.String())
			removed++
		}
	}

	return removed
}

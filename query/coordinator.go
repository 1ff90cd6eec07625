package query

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xraph/unitybridge"
	"github.com/xraph/unitybridge/id"
)

// Result is the settled outcome of one query. Err is nil on success.
type Result struct {
	Query  *Query
	Report json.RawMessage
	Err    *unitybridge.ErrorDetail
}

// Emitter receives query lifecycle notifications. The hook registry
// implements it.
type Emitter interface {
	EmitQueryResolved(ctx context.Context, q *Query)
}

// waiter is the deferred completion handle for one query. The settled
// flag guarantees exactly-once resolution when the timeout races a
// legitimate report.
type waiter struct {
	ch      chan Result
	settled atomic.Bool
	timer   *time.Timer
}

// Coordinator bridges synchronous callers onto the asynchronous
// pull/report protocol.
type Coordinator struct {
	store     *Store
	timeout   time.Duration
	retention time.Duration
	maxStored int
	emitter   Emitter
	logger    *slog.Logger

	mu      sync.Mutex
	waiters map[string]*waiter
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithTimeout sets the per-query wait budget.
func WithTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRetention sets how long terminal queries are kept and the store
// size cap enforced by Sweep.
func WithRetention(d time.Duration, maxStored int) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.retention = d
		}
		if maxStored > 0 {
			c.maxStored = maxStored
		}
	}
}

// WithEmitter sets the lifecycle emitter.
func WithEmitter(e Emitter) CoordinatorOption {
	return func(c *Coordinator) {
		c.emitter = e
	}
}

// WithLogger sets the logger for the coordinator.
func WithLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// NewCoordinator creates a coordinator over the given store.
func NewCoordinator(store *Store, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		store:     store,
		timeout:   30 * time.Second,
		retention: 10 * time.Minute,
		maxStored: 500,
		logger:    slog.Default(),
		waiters:   make(map[string]*waiter),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enqueue creates a pending query and returns it with its completion
// channel. The channel receives exactly one Result: the engine's report
// or a timeout.
func (c *Coordinator) Enqueue(queryType string, payload json.RawMessage) (*Query, <-chan Result) {
	q := c.store.Create(queryType, payload)
	w := &waiter{ch: make(chan Result, 1)}

	queryID := q.ID
	w.timer = time.AfterFunc(c.timeout, func() {
		c.timeoutQuery(queryID)
	})

	c.mu.Lock()
	c.waiters[queryID.String()] = w
	c.mu.Unlock()

	return q, w.ch
}

// EnqueueAndWait creates a query and blocks until the engine reports,
// the query times out, or ctx is cancelled.
func (c *Coordinator) EnqueueAndWait(ctx context.Context, queryType string, payload json.RawMessage) (Result, error) {
	q, ch := c.Enqueue(queryType, payload)

	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		c.logger.Debug("query wait cancelled",
			slog.String("query_id", q.ID.String()),
			slog.String("query_type", queryType))
		return Result{}, ctx.Err()
	}
}

// Pull claims the oldest pending query matching acceptedTypes for the
// engine. An empty list accepts every type.
func (c *Coordinator) Pull(acceptedTypes []string) (*Query, bool) {
	return c.store.Pull(acceptedTypes)
}

// Report resolves a query with the engine's answer. The first report
// settles the waiter exactly once; duplicates and late reports against
// a terminal record are absorbed as replays.
func (c *Coordinator) Report(ctx context.Context, queryID id.QueryID, report json.RawMessage, success bool, errCode unitybridge.Code, errMessage string) (accepted, replay bool, err error) {
	var detail *unitybridge.ErrorDetail
	if !success {
		if errCode == "" {
			errCode = unitybridge.CodeInternal
		}
		d := unitybridge.Normalize(errCode, errMessage)
		detail = &d
	}

	q, replay, err := c.store.Resolve(queryID, report, success, detail)
	if err != nil {
		return false, false, err
	}
	if replay {
		return true, true, nil
	}

	c.settle(queryID, Result{Query: q, Report: q.Report, Err: detail})
	if c.emitter != nil {
		c.emitter.EmitQueryResolved(ctx, q)
	}
	return true, false, nil
}

// Get retrieves a query by id.
func (c *Coordinator) Get(queryID id.QueryID) (*Query, error) {
	return c.store.Get(queryID)
}

// Sweep prunes terminal queries past the retention window and enforces
// the size cap. Returns how many queries were removed.
func (c *Coordinator) Sweep() int {
	return c.store.Sweep(c.retention, c.maxStored)
}

// timeoutQuery fires when the per-query timer wins the race. It marks
// the record timed_out and rejects the waiter with a structured
// timeout error.
func (c *Coordinator) timeoutQuery(queryID id.QueryID) {
	q, ok := c.store.MarkTimedOut(queryID)
	if !ok {
		// A report settled the query first.
		return
	}

	c.logger.Warn("query timed out",
		slog.String("query_id", queryID.String()),
		slog.String("query_type", q.QueryType))

	detail := unitybridge.Normalize(unitybridge.CodeQueryTimeout, q.ErrorMessage)
	c.settle(queryID, Result{Query: q, Err: &detail})
	if c.emitter != nil {
		c.emitter.EmitQueryResolved(context.Background(), q)
	}
}

// settle delivers the result to the waiter at most once and releases
// it.
func (c *Coordinator) settle(queryID id.QueryID, res Result) {
	c.mu.Lock()
	w := c.waiters[queryID.String()]
	if w != nil {
		delete(c.waiters, queryID.String())
	}
	c.mu.Unlock()

	if w == nil || !w.settled.CompareAndSwap(false, true) {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.ch <- res
}

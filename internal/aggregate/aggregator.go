package aggregate

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/quorum-ai/quorum/internal/agent"
)

// Result is the joined set of per-agent outcomes for one query. Its size always
// equals the expected agent set: successes plus failures plus timeouts.
type Result struct {
	QueryID     string          `json:"query_id"`
	Outcomes    []agent.Outcome `json:"outcomes"`
	Partial     bool            `json:"partial"`
	CompletedAt time.Time       `json:"completed_at"`
}

// Event is the completion notification handed to the delivery gateway, emitted
// exactly once per query.
type Event struct {
	QueryID string
	Result  Result
}

// state tracks one in-flight query. Mutated only under its own mutex so queries
// never contend with each other.
type state struct {
	mu        sync.Mutex
	expected  []string
	received  map[string]agent.Outcome
	completed bool
	discarded bool
	done      chan struct{}
	timer     *time.Timer
	result    Result
}

// Aggregator joins concurrently arriving worker outcomes per query.
type Aggregator struct {
	logger *log.Logger

	mu      sync.RWMutex
	queries map[string]*state

	events chan Event

	// notify, when set, receives each recorded outcome as it arrives. Best
	// effort: used by the gateway for partial streaming pushes, never for
	// correctness.
	notify func(queryID string, out agent.Outcome)
}

// New creates an aggregator. eventBuffer sizes the completion-event channel.
func New(logger *log.Logger, eventBuffer int) *Aggregator {
	if logger == nil {
		logger = log.New(log.Writer(), "[AGG] ", log.LstdFlags)
	}
	if eventBuffer <= 0 {
		eventBuffer = 64
	}
	return &Aggregator{
		logger:  logger,
		queries: make(map[string]*state),
		events:  make(chan Event, eventBuffer),
	}
}

// Events exposes the completion-event stream consumed by the delivery gateway.
func (a *Aggregator) Events() <-chan Event { return a.events }

// SetNotify installs the per-outcome hook. Must be called before any Register.
func (a *Aggregator) SetNotify(fn func(queryID string, out agent.Outcome)) {
	a.notify = fn
}

// Register defines the completion target for a query. It must be called exactly
// once per query, strictly before any worker for that query is launched, so a
// fast worker can never complete against an unknown expected set. A deadline of
// zero disables the partial-result timeout.
func (a *Aggregator) Register(queryID string, expected []string, deadline time.Duration) error {
	if queryID == "" {
		return fmt.Errorf("query id is required")
	}
	if len(expected) == 0 {
		return fmt.Errorf("expected agent set must not be empty")
	}

	st := &state{
		expected: append([]string(nil), expected...),
		received: make(map[string]agent.Outcome, len(expected)),
		done:     make(chan struct{}),
	}

	a.mu.Lock()
	if _, dup := a.queries[queryID]; dup {
		a.mu.Unlock()
		return fmt.Errorf("query %s already registered", queryID)
	}
	a.queries[queryID] = st
	a.mu.Unlock()

	if deadline > 0 {
		st.timer = time.AfterFunc(deadline, func() { a.expire(queryID) })
	}
	return nil
}

// Record stores one agent outcome. It is idempotent per (queryID, agentID): a
// duplicate is logged as a consistency warning and ignored. Recording against an
// unknown or discarded query fails, which is what stops cancelled workers from
// mutating state.
func (a *Aggregator) Record(queryID, agentID string, out agent.Outcome) error {
	a.mu.RLock()
	st, ok := a.queries[queryID]
	a.mu.RUnlock()
	if !ok {
		return fmt.Errorf("query %s is not tracked", queryID)
	}

	st.mu.Lock()
	if st.discarded {
		st.mu.Unlock()
		return fmt.Errorf("query %s was cancelled", queryID)
	}
	if st.completed {
		st.mu.Unlock()
		return fmt.Errorf("query %s already completed", queryID)
	}
	if _, dup := st.received[agentID]; dup {
		st.mu.Unlock()
		a.logger.Printf("warn: duplicate outcome for query %s agent %s ignored", queryID, agentID)
		return nil
	}
	known := false
	for _, id := range st.expected {
		if id == agentID {
			known = true
			break
		}
	}
	if !known {
		st.mu.Unlock()
		return fmt.Errorf("agent %s is not expected for query %s", agentID, queryID)
	}
	out.AgentID = agentID
	st.received[agentID] = out
	complete := len(st.received) == len(st.expected)
	if complete {
		a.completeLocked(queryID, st, false)
	}
	st.mu.Unlock()

	if a.notify != nil {
		a.notify(queryID, out)
	}
	if complete {
		a.emit(queryID, st)
	}
	return nil
}

// expire fires the partial-result deadline: missing agents are marked Timeout
// and completion proceeds with whatever arrived.
func (a *Aggregator) expire(queryID string) {
	a.mu.RLock()
	st, ok := a.queries[queryID]
	a.mu.RUnlock()
	if !ok {
		return
	}

	st.mu.Lock()
	if st.completed || st.discarded {
		st.mu.Unlock()
		return
	}
	for _, id := range st.expected {
		if _, got := st.received[id]; !got {
			st.received[id] = agent.Outcome{AgentID: id, Status: agent.StatusTimeout, Error: "partial-result deadline elapsed"}
		}
	}
	a.completeLocked(queryID, st, true)
	st.mu.Unlock()

	a.logger.Printf("query %s completed partially on deadline", queryID)
	a.emit(queryID, st)
}

// completeLocked finalizes the result. Caller holds st.mu.
func (a *Aggregator) completeLocked(queryID string, st *state, partial bool) {
	if st.timer != nil {
		st.timer.Stop()
	}
	outcomes := make([]agent.Outcome, 0, len(st.expected))
	for _, id := range st.expected {
		outcomes = append(outcomes, st.received[id])
	}
	st.result = Result{
		QueryID:     queryID,
		Outcomes:    outcomes,
		Partial:     partial,
		CompletedAt: time.Now(),
	}
	st.completed = true
	close(st.done)
}

// emit publishes the completion event. Exactly once per query: only the caller
// that flipped completed reaches here.
func (a *Aggregator) emit(queryID string, st *state) {
	st.mu.Lock()
	ev := Event{QueryID: queryID, Result: st.result}
	st.mu.Unlock()
	a.events <- ev
}

// Result blocks until the query completes, the context is cancelled, or the
// query is discarded. On completion the returned outcome list is guaranteed to
// match the expected set's size.
func (a *Aggregator) Result(ctx context.Context, queryID string) (Result, error) {
	a.mu.RLock()
	st, ok := a.queries[queryID]
	a.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("query %s is not tracked", queryID)
	}

	select {
	case <-st.done:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.completed {
		// done closed by Discard without completion
		return Result{}, fmt.Errorf("query %s was cancelled", queryID)
	}
	return st.result, nil
}

// Discard drops partial state for a cancelled query without emitting an event.
// Waiters are released; subsequent Record calls fail.
func (a *Aggregator) Discard(queryID string) {
	a.mu.Lock()
	st, ok := a.queries[queryID]
	if ok {
		delete(a.queries, queryID)
	}
	a.mu.Unlock()
	if !ok {
		return
	}

	st.mu.Lock()
	if st.timer != nil {
		st.timer.Stop()
	}
	if !st.completed && !st.discarded {
		st.discarded = true
		close(st.done)
	}
	st.mu.Unlock()
}

// Forget releases bookkeeping for a completed query. Results already returned
// stay valid; later Record or Result calls fail.
func (a *Aggregator) Forget(queryID string) {
	a.mu.Lock()
	delete(a.queries, queryID)
	a.mu.Unlock()
}

// Pending reports how many queries are currently tracked.
func (a *Aggregator) Pending() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.queries)
}

package dispatch

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/quorum-ai/quorum/internal/agent"
	"github.com/quorum-ai/quorum/internal/aggregate"
	"github.com/quorum-ai/quorum/internal/budget"
	"github.com/quorum-ai/quorum/internal/telemetry"
)

// Per-query lifecycle states.
const (
	StateAdmitted   = "admitted"
	StateQueued     = "queued"
	StateAllocating = "allocating"
	StateDispatched = "dispatched"
	StateCompleted  = "completed"
	StateCancelled  = "cancelled"
	StateFailed     = "failed"
)

// Config is the runtime-mutable scheduler configuration. The scheduler reads a
// fresh copy for every admission decision; values that matter to an individual
// query (budget, deadline, retention) are snapshotted into its handle at
// admission so later changes never disturb in-flight work.
type Config struct {
	Capacity        int
	QueueDepth      int
	DefaultBudget   int64
	PartialDeadline time.Duration
	ResultRetention time.Duration
}

// Request is an inbound query submission.
type Request struct {
	Payload     string
	AgentIDs    []string
	TotalBudget int64 // zero means: use the configured default
	Context     map[string]interface{}
}

// Query is the immutable record of an admitted request.
type Query struct {
	ID          string
	Payload     string
	AgentIDs    []string
	TotalBudget int64
	SubmittedAt time.Time
	Context     map[string]interface{}
}

// QueryHandle tracks one admitted query through its lifecycle.
type QueryHandle struct {
	query    Query
	deadline time.Duration

	mu      sync.Mutex
	state   string
	alloc   budget.Allocation
	monitor *budget.Monitor

	ctx    context.Context
	cancel context.CancelFunc
}

// Query returns the immutable admitted query.
func (h *QueryHandle) Query() Query { return h.query }

// State returns the current lifecycle state.
func (h *QueryHandle) State() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Allocation returns a copy of the issued allocation, nil before dispatch.
func (h *QueryHandle) Allocation() budget.Allocation {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.alloc == nil {
		return nil
	}
	return h.alloc.Clone()
}

func (h *QueryHandle) setState(s string) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// Scheduler owns the bounded admission queue and the global worker-capacity
// counter, dispatches budgets and worker tasks, and applies backpressure when
// saturated. All shared state lives behind one mutex; per-query aggregation
// state is isolated inside the aggregator.
type Scheduler struct {
	logger *log.Logger
	agents *agent.Registry
	agg    *aggregate.Aggregator
	tele   *telemetry.Telemetry
	config func() Config

	mu       sync.Mutex
	inflight int // worker tasks currently running, across all queries
	queue    []*QueryHandle
	queries  map[string]*QueryHandle
}

// New builds a scheduler. config is called for every admission decision, which
// is how hot-reloaded settings take effect for newly admitted queries only.
func New(logger *log.Logger, agents *agent.Registry, agg *aggregate.Aggregator, tele *telemetry.Telemetry, config func() Config) *Scheduler {
	if logger == nil {
		logger = log.New(log.Writer(), "[DISPATCH] ", log.LstdFlags)
	}
	return &Scheduler{
		logger:  logger,
		agents:  agents,
		agg:     agg,
		tele:    tele,
		config:  config,
		queries: make(map[string]*QueryHandle),
	}
}

// Submit admits a query if worker capacity allows, otherwise enqueues it FIFO.
// It fails fast with budget.ErrInvalidBudget on bad allocator input and with
// ErrOverloaded once the queue-depth limit is reached. Admitted queries are
// never dropped silently.
func (s *Scheduler) Submit(ctx context.Context, req Request) (*QueryHandle, error) {
	cfg := s.config()

	total := req.TotalBudget
	if total == 0 {
		total = cfg.DefaultBudget
	}
	// Dry-run the allocator so invalid input is rejected at admission, before
	// any slot or queue position is consumed.
	if _, err := budget.Allocate(total, req.AgentIDs); err != nil {
		s.tele.RecordRejected(ctx, "invalid_budget")
		return nil, err
	}
	if s.agents != nil {
		if err := s.agents.Validate(req.AgentIDs); err != nil {
			s.tele.RecordRejected(ctx, "unknown_agent")
			return nil, err
		}
	}
	// A query needing more worker slots than will ever exist would park at the
	// queue head forever and block everything behind it.
	if len(req.AgentIDs) > cfg.Capacity {
		s.tele.RecordRejected(ctx, "too_many_agents")
		return nil, fmt.Errorf("%w: %d agents, capacity %d", ErrTooManyAgents, len(req.AgentIDs), cfg.Capacity)
	}

	_, span := s.tele.Tracer().Start(ctx, "dispatch.submit",
		trace.WithAttributes(attribute.Int("agents", len(req.AgentIDs))))
	defer span.End()

	qctx, cancel := context.WithCancel(context.Background())
	h := &QueryHandle{
		query: Query{
			ID:          uuid.NewString(),
			Payload:     req.Payload,
			AgentIDs:    append([]string(nil), req.AgentIDs...),
			TotalBudget: total,
			SubmittedAt: time.Now(),
			Context:     req.Context,
		},
		deadline: cfg.PartialDeadline,
		state:    StateAdmitted,
		ctx:      qctx,
		cancel:   cancel,
	}
	span.SetAttributes(attribute.String("query.id", h.query.ID))

	s.mu.Lock()
	need := len(h.query.AgentIDs)
	switch {
	case len(s.queue) == 0 && s.inflight+need <= cfg.Capacity:
		s.queries[h.query.ID] = h
		if err := s.dispatchLocked(h, cfg); err != nil {
			delete(s.queries, h.query.ID)
			s.mu.Unlock()
			cancel()
			return nil, err
		}
	case len(s.queue) >= cfg.QueueDepth:
		s.mu.Unlock()
		cancel()
		s.tele.RecordRejected(ctx, "overloaded")
		return nil, ErrOverloaded
	default:
		h.state = StateQueued
		s.queries[h.query.ID] = h
		s.queue = append(s.queue, h)
		s.tele.QueueDepthAdd(ctx, 1)
	}
	s.mu.Unlock()

	s.tele.RecordSubmitted(ctx, need)
	return h, nil
}

// dispatchLocked allocates the budget, registers the expected agent set with
// the aggregator, and launches one worker goroutine per agent. Registration
// strictly precedes every launch: a worker can therefore never complete before
// the aggregator knows the full expected set. Caller holds s.mu.
func (s *Scheduler) dispatchLocked(h *QueryHandle, cfg Config) error {
	h.mu.Lock()
	h.state = StateAllocating
	alloc, err := budget.Allocate(h.query.TotalBudget, h.query.AgentIDs)
	if err != nil {
		h.state = StateFailed
		h.mu.Unlock()
		return err
	}
	h.alloc = alloc
	h.monitor = budget.NewMonitor(alloc)
	h.mu.Unlock()

	if err := s.agg.Register(h.query.ID, h.query.AgentIDs, h.deadline); err != nil {
		h.setState(StateFailed)
		return fmt.Errorf("register query %s: %w", h.query.ID, err)
	}

	h.setState(StateDispatched)
	s.inflight += len(h.query.AgentIDs)
	s.tele.ObserveDispatchLatency(h.ctx, time.Since(h.query.SubmittedAt))

	for _, agentID := range h.query.AgentIDs {
		s.tele.InflightAdd(h.ctx, 1)
		go s.runWorker(h, agentID, alloc[agentID])
	}

	retention := cfg.ResultRetention
	go s.watch(h, retention)
	return nil
}

// watch waits for the query's aggregate to complete, then flips the handle
// state and schedules bookkeeping eviction.
func (s *Scheduler) watch(h *QueryHandle, retention time.Duration) {
	res, err := s.agg.Result(h.ctx, h.query.ID)
	if err != nil {
		// cancelled or discarded; Cancel already updated the state
		return
	}
	h.setState(StateCompleted)

	var tokens int64
	for _, out := range res.Outcomes {
		tokens += out.TokensUsed
	}
	s.tele.RecordCompleted(context.Background(), res.Partial, tokens)
	s.logger.Printf("query %s completed (%d outcomes, partial=%v)", h.query.ID, len(res.Outcomes), res.Partial)

	if retention > 0 {
		time.AfterFunc(retention, func() { s.forget(h.query.ID) })
	}
}

func (s *Scheduler) forget(queryID string) {
	s.mu.Lock()
	delete(s.queries, queryID)
	s.mu.Unlock()
	s.agg.Forget(queryID)
}

// release returns one worker slot and dispatches queued queries in FIFO order
// while capacity allows.
func (s *Scheduler) release() {
	cfg := s.config()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight--
	for len(s.queue) > 0 {
		head := s.queue[0]
		need := len(head.query.AgentIDs)
		// A capacity shrink after admission can leave the head needing more
		// slots than now exist; dispatch it once the scheduler is idle rather
		// than wedging the queue behind it.
		if s.inflight+need > cfg.Capacity && s.inflight > 0 {
			break
		}
		s.queue = s.queue[1:]
		s.tele.QueueDepthAdd(head.ctx, -1)
		if err := s.dispatchLocked(head, cfg); err != nil {
			s.logger.Printf("error: dispatch of queued query %s failed: %v", head.query.ID, err)
		}
	}
}

// Cancel propagates cancellation to every outstanding worker of the query and
// discards the aggregator's partial state. It never blocks on worker shutdown.
func (s *Scheduler) Cancel(queryID string) error {
	s.mu.Lock()
	h, ok := s.queries[queryID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownQuery, queryID)
	}
	if h.State() == StateQueued {
		for i, queued := range s.queue {
			if queued == h {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				s.tele.QueueDepthAdd(h.ctx, -1)
				break
			}
		}
	}
	delete(s.queries, queryID)
	s.mu.Unlock()

	h.cancel()
	h.setState(StateCancelled)
	s.agg.Discard(queryID)
	s.tele.RecordCancelled(context.Background())
	s.logger.Printf("query %s cancelled", queryID)
	return nil
}

// Result blocks until the query's aggregate result is complete or ctx expires.
func (s *Scheduler) Result(ctx context.Context, queryID string) (aggregate.Result, error) {
	s.mu.Lock()
	_, ok := s.queries[queryID]
	s.mu.Unlock()
	if !ok {
		return aggregate.Result{}, fmt.Errorf("%w: %s", ErrUnknownQuery, queryID)
	}
	return s.agg.Result(ctx, queryID)
}

// Handle returns the live handle for a tracked query.
func (s *Scheduler) Handle(queryID string) (*QueryHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.queries[queryID]
	return h, ok
}

// Stats is a point-in-time view of scheduler load.
type Stats struct {
	Inflight   int `json:"inflight_workers"`
	QueueDepth int `json:"queue_depth"`
	Tracked    int `json:"tracked_queries"`
}

// Stats reports current load counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Inflight: s.inflight, QueueDepth: len(s.queue), Tracked: len(s.queries)}
}

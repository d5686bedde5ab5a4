package delivery

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/quorum-ai/quorum/internal/agent"
	"github.com/quorum-ai/quorum/internal/aggregate"
)

// Sink delivers one completion envelope to an external channel.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, env Envelope) error
}

// Notification is what in-process subscribers (SSE handlers) receive: either a
// partial per-agent outcome or the final aggregate result.
type Notification struct {
	QueryID string            `json:"query_id"`
	Outcome *agent.Outcome    `json:"outcome,omitempty"`
	Result  *aggregate.Result `json:"result,omitempty"`
}

// Gateway is the delivery boundary. It consumes the aggregator's exactly-once
// completion events, pushes one envelope per query into each configured sink,
// and fans partial and final notifications out to in-process subscribers.
type Gateway struct {
	logger *log.Logger
	sinks  []Sink

	mu   sync.Mutex
	subs map[string][]chan Notification
}

// NewGateway builds a gateway over the given sinks.
func NewGateway(logger *log.Logger, sinks ...Sink) *Gateway {
	if logger == nil {
		logger = log.New(log.Writer(), "[DELIVERY] ", log.LstdFlags)
	}
	return &Gateway{
		logger: logger,
		sinks:  sinks,
		subs:   make(map[string][]chan Notification),
	}
}

// Subscribe registers an in-process listener for one query. The channel closes
// after the completion notification. The returned function unsubscribes early.
func (g *Gateway) Subscribe(queryID string) (<-chan Notification, func()) {
	ch := make(chan Notification, 16)
	g.mu.Lock()
	g.subs[queryID] = append(g.subs[queryID], ch)
	g.mu.Unlock()

	cancel := func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		listeners := g.subs[queryID]
		for i, sub := range listeners {
			if sub == ch {
				g.subs[queryID] = append(listeners[:i], listeners[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

// NotifyOutcome pushes a partial per-agent outcome to subscribers. Best effort:
// a slow subscriber loses partials, never the completion (Result delivery is
// the aggregate channel's job, not this one's).
func (g *Gateway) NotifyOutcome(queryID string, out agent.Outcome) {
	g.mu.Lock()
	listeners := append([]chan Notification(nil), g.subs[queryID]...)
	g.mu.Unlock()

	n := Notification{QueryID: queryID, Outcome: &out}
	for _, ch := range listeners {
		select {
		case ch <- n:
		default:
			g.logger.Printf("warn: dropping partial push for query %s: subscriber is slow", queryID)
		}
	}
}

// Run consumes completion events until ctx is cancelled or the channel closes.
func (g *Gateway) Run(ctx context.Context, events <-chan aggregate.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			g.dispatch(ctx, ev)
		}
	}
}

// dispatch pushes one completion event everywhere it must go. The aggregator
// emits each event exactly once, so a sink failure is logged and surfaced per
// sink rather than re-enqueued into the in-process stream.
func (g *Gateway) dispatch(ctx context.Context, ev aggregate.Event) {
	data, err := json.Marshal(ev.Result)
	if err != nil {
		g.logger.Printf("error: marshal result for query %s: %v", ev.QueryID, err)
		return
	}
	env := Envelope{
		EventID:        uuid.NewString(),
		EventType:      EventQueryCompleted,
		OccurredAt:     ev.Result.CompletedAt.UTC(),
		PayloadVersion: PayloadVersionV1,
		Data:           data,
	}

	for _, sink := range g.sinks {
		if err := sink.Deliver(ctx, env); err != nil {
			g.logger.Printf("error: sink %s failed for query %s: %v", sink.Name(), ev.QueryID, err)
			continue
		}
		g.logger.Printf("delivered query %s completion via %s", ev.QueryID, sink.Name())
	}

	g.mu.Lock()
	listeners := g.subs[ev.QueryID]
	delete(g.subs, ev.QueryID)
	g.mu.Unlock()

	res := ev.Result
	n := Notification{QueryID: ev.QueryID, Result: &res}
	for _, ch := range listeners {
		// Never block the delivery loop on one stalled subscriber; a dropped
		// push is recoverable through the result endpoint.
		select {
		case ch <- n:
		default:
			g.logger.Printf("warn: dropping completion push for query %s: subscriber is stalled", ev.QueryID)
		}
		close(ch)
	}
}

// StreamSink publishes envelopes to a Redis Stream.
type StreamSink struct {
	pub    *Publisher
	stream string
	maxLen int64
}

// NewStreamSink builds the Redis Stream sink.
func NewStreamSink(pub *Publisher, stream string, maxLen int64) *StreamSink {
	return &StreamSink{pub: pub, stream: stream, maxLen: maxLen}
}

func (s *StreamSink) Name() string { return "stream:" + s.stream }

func (s *StreamSink) Deliver(ctx context.Context, env Envelope) error {
	_, err := s.pub.Publish(ctx, s.stream, env, WithMaxLenApprox(s.maxLen))
	return err
}

package delivery

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/quorum-ai/quorum/internal/agent"
	"github.com/quorum-ai/quorum/internal/aggregate"
)

type captureSink struct {
	mu   sync.Mutex
	envs []Envelope
}

func (c *captureSink) Name() string { return "capture" }

func (c *captureSink) Deliver(_ context.Context, env Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, env)
	return nil
}

func (c *captureSink) delivered() []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Envelope(nil), c.envs...)
}

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func completedEvent(queryID string) aggregate.Event {
	return aggregate.Event{
		QueryID: queryID,
		Result: aggregate.Result{
			QueryID: queryID,
			Outcomes: []agent.Outcome{
				{AgentID: "research", Status: agent.StatusSuccess, TokensUsed: 12},
			},
			CompletedAt: time.Now(),
		},
	}
}

func TestGatewayDeliversCompletionToSinks(t *testing.T) {
	sink := &captureSink{}
	gw := NewGateway(testLogger(), sink)

	events := make(chan aggregate.Event, 1)
	events <- completedEvent("q-1")
	close(events)

	gw.Run(context.Background(), events)

	envs := sink.delivered()
	if len(envs) != 1 {
		t.Fatalf("expected 1 envelope, got %d", len(envs))
	}
	env := envs[0]
	if env.EventType != EventQueryCompleted {
		t.Fatalf("unexpected event type %q", env.EventType)
	}
	if env.EventID == "" || env.PayloadVersion != PayloadVersionV1 {
		t.Fatalf("envelope not filled in: %+v", env)
	}
	var res aggregate.Result
	if err := json.Unmarshal(env.Data, &res); err != nil {
		t.Fatalf("decoding envelope data: %v", err)
	}
	if res.QueryID != "q-1" || len(res.Outcomes) != 1 {
		t.Fatalf("unexpected result payload: %+v", res)
	}
}

func TestGatewaySubscribeReceivesPartialThenFinal(t *testing.T) {
	gw := NewGateway(testLogger())

	ch, cancel := gw.Subscribe("q-2")
	defer cancel()

	gw.NotifyOutcome("q-2", agent.Outcome{AgentID: "analysis", Status: agent.StatusSuccess})

	events := make(chan aggregate.Event, 1)
	events <- completedEvent("q-2")
	close(events)
	gw.Run(context.Background(), events)

	first := <-ch
	if first.Outcome == nil || first.Outcome.AgentID != "analysis" {
		t.Fatalf("expected partial outcome first, got %+v", first)
	}
	second := <-ch
	if second.Result == nil || second.Result.QueryID != "q-2" {
		t.Fatalf("expected final result second, got %+v", second)
	}
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after the final notification")
	}
}

func TestGatewayUnsubscribeStopsDelivery(t *testing.T) {
	gw := NewGateway(testLogger())

	ch, cancel := gw.Subscribe("q-3")
	cancel()

	if _, ok := <-ch; ok {
		t.Fatal("cancel should close the subscription channel")
	}

	// A partial after unsubscribe must not panic or resurrect the listener.
	gw.NotifyOutcome("q-3", agent.Outcome{AgentID: "research", Status: agent.StatusSuccess})
}

// A subscriber that never drains its buffer must not stall the delivery loop:
// sinks still receive the event and Run keeps processing other queries.
func TestGatewayStalledSubscriberDoesNotBlockDelivery(t *testing.T) {
	sink := &captureSink{}
	gw := NewGateway(testLogger(), sink)

	ch, cancel := gw.Subscribe("q-4")
	defer cancel()

	// Fill the buffer past capacity; nobody is reading.
	for i := 0; i < 40; i++ {
		gw.NotifyOutcome("q-4", agent.Outcome{AgentID: "research", Status: agent.StatusSuccess})
	}

	events := make(chan aggregate.Event, 2)
	events <- completedEvent("q-4")
	events <- completedEvent("q-5")
	close(events)

	done := make(chan struct{})
	go func() {
		defer close(done)
		gw.Run(context.Background(), events)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("delivery loop stalled on an unread subscriber")
	}

	if got := len(sink.delivered()); got != 2 {
		t.Fatalf("expected 2 sink deliveries, got %d", got)
	}
	// The channel is closed; the stalled subscriber may have lost the final
	// push but its buffered partials are still readable and the drain ends.
	for range ch {
	}
}

// A subscriber that keeps up sees every buffered partial and then completion.
func TestGatewayDrainedSubscriberGetsCompletion(t *testing.T) {
	gw := NewGateway(testLogger())

	ch, cancel := gw.Subscribe("q-6")
	defer cancel()

	for i := 0; i < 5; i++ {
		gw.NotifyOutcome("q-6", agent.Outcome{AgentID: "research", Status: agent.StatusSuccess})
	}
	for i := 0; i < 5; i++ {
		if n := <-ch; n.Outcome == nil {
			t.Fatalf("expected partial outcome, got %+v", n)
		}
	}

	events := make(chan aggregate.Event, 1)
	events <- completedEvent("q-6")
	close(events)
	gw.Run(context.Background(), events)

	final := <-ch
	if final.Result == nil || final.Result.QueryID != "q-6" {
		t.Fatalf("expected completion, got %+v", final)
	}
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after completion")
	}
}

func TestWebhookSinkRetriesUntilSuccess(t *testing.T) {
	var mu sync.Mutex
	var attempts int
	var lastEventHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		lastEventHeader = r.Header.Get("X-Quorum-Event")
		mu.Unlock()
		if n == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, 2*time.Second, 2, 5*time.Millisecond)
	env := Envelope{
		EventID:        "evt-1",
		EventType:      EventQueryCompleted,
		OccurredAt:     time.Now().UTC(),
		PayloadVersion: PayloadVersionV1,
		Data:           json.RawMessage(`{}`),
	}
	if err := sink.Deliver(context.Background(), env); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
	if lastEventHeader != EventQueryCompleted {
		t.Fatalf("unexpected event header %q", lastEventHeader)
	}
}

func TestWebhookSinkGivesUpAfterRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, time.Second, 1, time.Millisecond)
	env := Envelope{
		EventID:        "evt-2",
		EventType:      EventQueryCompleted,
		OccurredAt:     time.Now().UTC(),
		PayloadVersion: PayloadVersionV1,
		Data:           json.RawMessage(`{}`),
	}
	if err := sink.Deliver(context.Background(), env); err == nil {
		t.Fatal("expected an error after exhausting retries")
	}
}

package server

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	appconfig "github.com/quorum-ai/quorum/config"
	"github.com/quorum-ai/quorum/internal/agent"
	"github.com/quorum-ai/quorum/internal/aggregate"
	"github.com/quorum-ai/quorum/internal/delivery"
	"github.com/quorum-ai/quorum/internal/dispatch"
)

func testLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func testConfig() *appconfig.Config {
	cfg := &appconfig.Config{}
	cfg.Orchestrator.Capacity = 8
	cfg.Orchestrator.QueueDepth = 16
	cfg.Orchestrator.DefaultBudget = 1000
	cfg.Orchestrator.PartialDeadline = 30 * time.Second
	cfg.Orchestrator.ResultRetention = time.Minute
	cfg.Server.ResultTimeout = 5 * time.Second
	return cfg
}

// newTestServer stands up the full stack (registry, aggregator, scheduler,
// gateway, echo) over scripted agents.
func newTestServer(t testing.TB, cfg *appconfig.Config, agents ...agent.Agent) *Server {
	t.Helper()
	manager := appconfig.NewStaticManager(cfg)

	registry := agent.NewRegistry()
	for _, a := range agents {
		registry.Register(a)
	}

	agg := aggregate.New(testLogger(), 64)
	sched := dispatch.New(testLogger(), registry, agg, nil, func() dispatch.Config {
		oc := manager.Snapshot().Orchestrator
		return dispatch.Config{
			Capacity:        oc.Capacity,
			QueueDepth:      oc.QueueDepth,
			DefaultBudget:   oc.DefaultBudget,
			PartialDeadline: oc.PartialDeadline,
			ResultRetention: oc.ResultRetention,
		}
	})

	gw := delivery.NewGateway(testLogger())
	agg.SetNotify(gw.NotifyOutcome)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		gw.Run(ctx, agg.Events())
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return New(testLogger(), manager, sched, gw)
}

func submitQuery(t *testing.T, h http.Handler, body string) submitResponse {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/queries", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit returned %d: %s", rec.Code, rec.Body.String())
	}
	var resp submitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding submit response: %v", err)
	}
	return resp
}

func TestSubmitAndFetchResult(t *testing.T) {
	srv := newTestServer(t, testConfig(),
		agent.NewScriptedAgent("research", 0, 10, nil),
		agent.NewScriptedAgent("analysis", 0, 20, nil),
	)
	h := srv.Handler()

	resp := submitQuery(t, h, `{"payload":"compare options","agents":["research","analysis"],"budget":100}`)
	if resp.QueryID == "" {
		t.Fatal("submit response missing query id")
	}
	if resp.TotalBudget != 100 {
		t.Fatalf("unexpected total budget %d", resp.TotalBudget)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/queries/"+resp.QueryID+"/result?timeout=5", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("result returned %d: %s", rec.Code, rec.Body.String())
	}
	var res aggregate.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if len(res.Outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(res.Outcomes))
	}
	if res.Partial {
		t.Fatal("result should not be partial")
	}
}

func TestSubmitValidation(t *testing.T) {
	srv := newTestServer(t, testConfig(), agent.NewScriptedAgent("research", 0, 10, nil))
	h := srv.Handler()

	cases := []struct {
		name string
		body string
		code int
	}{
		{"missing payload", `{"agents":["research"]}`, http.StatusBadRequest},
		{"no agents", `{"payload":"x"}`, http.StatusBadRequest},
		{"unknown agent", `{"payload":"x","agents":["nope"]}`, http.StatusBadRequest},
		{"negative budget", `{"payload":"x","agents":["research"],"budget":-5}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/queries", strings.NewReader(tc.body))
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tc.code {
				t.Fatalf("got %d, want %d: %s", rec.Code, tc.code, rec.Body.String())
			}
		})
	}
}

func TestOverloadedReturns429(t *testing.T) {
	cfg := testConfig()
	cfg.Orchestrator.Capacity = 1
	cfg.Orchestrator.QueueDepth = 0
	srv := newTestServer(t, cfg, agent.NewScriptedAgent("research", 500*time.Millisecond, 10, nil))
	h := srv.Handler()

	submitQuery(t, h, `{"payload":"first","agents":["research"]}`)

	req := httptest.NewRequest(http.MethodPost, "/api/queries", strings.NewReader(`{"payload":"second","agents":["research"]}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCancelQuery(t *testing.T) {
	srv := newTestServer(t, testConfig(), agent.NewScriptedAgent("research", time.Second, 10, nil))
	h := srv.Handler()

	resp := submitQuery(t, h, `{"payload":"slow","agents":["research"]}`)

	req := httptest.NewRequest(http.MethodDelete, "/api/queries/"+resp.QueryID, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel returned %d: %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/queries/"+resp.QueryID, nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second cancel returned %d, want 404", rec.Code)
	}
}

func TestQueryStatusEndpoint(t *testing.T) {
	srv := newTestServer(t, testConfig(), agent.NewScriptedAgent("research", 0, 10, nil))
	h := srv.Handler()

	resp := submitQuery(t, h, `{"payload":"status check","agents":["research"],"budget":62}`)

	req := httptest.NewRequest(http.MethodGet, "/api/queries/"+resp.QueryID, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status returned %d: %s", rec.Code, rec.Body.String())
	}
	var status queryStatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decoding status: %v", err)
	}
	if status.TotalBudget != 62 || status.Payload != "status check" {
		t.Fatalf("unexpected status payload: %+v", status)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/queries/does-not-exist", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown query, got %d", rec.Code)
	}
}

func TestOpsStats(t *testing.T) {
	srv := newTestServer(t, testConfig(), agent.NewScriptedAgent("research", 0, 10, nil))
	h := srv.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/ops/stats", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats returned %d: %s", rec.Code, rec.Body.String())
	}
	var stats map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decoding stats: %v", err)
	}
	if stats["capacity"].(float64) != 8 {
		t.Fatalf("unexpected capacity in stats: %v", stats["capacity"])
	}
}

func TestAuthRequiredWhenSecretConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.Server.JWTSecret = "test-secret"
	srv := newTestServer(t, cfg, agent.NewScriptedAgent("research", 0, 10, nil))
	h := srv.Handler()

	req := httptest.NewRequest(http.MethodPost, "/api/queries", strings.NewReader(`{"payload":"x","agents":["research"]}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	token, err := SignToken("svc-test", []byte("test-secret"), time.Minute)
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	req = httptest.NewRequest(http.MethodPost, "/api/queries", strings.NewReader(`{"payload":"x","agents":["research"]}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 with token, got %d: %s", rec.Code, rec.Body.String())
	}

	// Health stays open.
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz returned %d", rec.Code)
	}
}

func TestStreamDeliversOutcomesAndCompletion(t *testing.T) {
	srv := newTestServer(t, testConfig(),
		agent.NewScriptedAgent("research", 300*time.Millisecond, 5, nil),
		agent.NewScriptedAgent("analysis", 450*time.Millisecond, 5, nil),
	)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp := submitQuery(t, srv.Handler(), `{"payload":"stream me","agents":["research","analysis"]}`)

	streamResp, err := http.Get(ts.URL + "/api/queries/" + resp.QueryID + "/events")
	if err != nil {
		t.Fatalf("opening stream: %v", err)
	}
	defer streamResp.Body.Close()
	if ct := streamResp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("unexpected content type %q", ct)
	}

	body, err := io.ReadAll(streamResp.Body)
	if err != nil {
		t.Fatalf("reading stream: %v", err)
	}
	text := string(body)
	if !strings.Contains(text, "event: completed") {
		t.Fatalf("stream never delivered completion:\n%s", text)
	}
}

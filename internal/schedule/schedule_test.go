package schedule

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	appconfig "github.com/quorum-ai/quorum/config"
	"github.com/quorum-ai/quorum/internal/dispatch"
)

type recordingSubmitter struct {
	mu       sync.Mutex
	requests []dispatch.Request
}

func (r *recordingSubmitter) Submit(_ context.Context, req dispatch.Request) (*dispatch.QueryHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	return &dispatch.QueryHandle{}, nil
}

func (r *recordingSubmitter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

func TestIsDue(t *testing.T) {
	now := time.Now()
	hourAgo := now.Add(-61 * time.Minute)
	justNow := now.Add(-time.Minute)
	twoDaysAgo := now.Add(-48 * time.Hour)

	cases := []struct {
		name string
		spec string
		last *time.Time
		want bool
	}{
		{"hourly never run", "@hourly", nil, true},
		{"hourly due", "@hourly", &hourAgo, true},
		{"hourly not due", "@hourly", &justNow, false},
		{"daily due", "@daily", &twoDaysAgo, true},
		{"daily not due", "@daily", &hourAgo, false},
		{"cron due", "*/5 * * * *", &hourAgo, true},
		{"cron never run", "0 0 * * *", nil, true},
		{"invalid spec degrades to daily", "garbage", &twoDaysAgo, true},
		{"invalid spec not due", "garbage", &justNow, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isDue(tc.spec, tc.last); got != tc.want {
				t.Fatalf("isDue(%q) = %v, want %v", tc.spec, got, tc.want)
			}
		})
	}
}

func TestTickSubmitsDueJobsOnce(t *testing.T) {
	cfg := &appconfig.Config{}
	cfg.Schedule.Enabled = true
	cfg.Schedule.Jobs = []appconfig.ScheduledQuery{
		{Name: "digest", Cron: "@hourly", Payload: "daily digest", Agents: []string{"research"}, Budget: 100},
	}
	manager := appconfig.NewStaticManager(cfg)

	sub := &recordingSubmitter{}
	r := NewRunner(log.New(io.Discard, "", 0), manager, sub, nil)

	r.tick(context.Background())
	// second tick inside the same hour must not refire
	r.tick(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for sub.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := sub.count(); got != 1 {
		t.Fatalf("expected exactly 1 submission, got %d", got)
	}

	sub.mu.Lock()
	req := sub.requests[0]
	sub.mu.Unlock()
	if req.Payload != "daily digest" || req.TotalBudget != 100 {
		t.Fatalf("unexpected request: %+v", req)
	}
	if req.Context["scheduled_job"] != "digest" {
		t.Fatalf("request missing job context: %+v", req.Context)
	}
}

func TestTickDisabledSubmitsNothing(t *testing.T) {
	cfg := &appconfig.Config{}
	cfg.Schedule.Enabled = false
	cfg.Schedule.Jobs = []appconfig.ScheduledQuery{
		{Name: "digest", Cron: "@hourly", Payload: "x", Agents: []string{"research"}},
	}
	manager := appconfig.NewStaticManager(cfg)

	sub := &recordingSubmitter{}
	r := NewRunner(log.New(io.Discard, "", 0), manager, sub, nil)
	r.tick(context.Background())

	time.Sleep(600 * time.Millisecond)
	if got := sub.count(); got != 0 {
		t.Fatalf("expected no submissions, got %d", got)
	}
}

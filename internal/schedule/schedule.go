// Package schedule fires recurring queries on a cron cadence. Deployments that
// run several orchestrator replicas use the optional Redis lock so each job
// fires on only one replica per interval.
package schedule

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/quorum-ai/quorum/config"
	"github.com/quorum-ai/quorum/internal/dispatch"
)

// Submitter is the slice of the scheduler the cron loop needs.
type Submitter interface {
	Submit(ctx context.Context, req dispatch.Request) (*dispatch.QueryHandle, error)
}

// Runner periodically submits the configured recurring queries.
type Runner struct {
	logger   *log.Logger
	manager  *appconfig.Manager
	sched    Submitter
	rdb      *redis.Client
	interval time.Duration
	stop     chan struct{}

	mu      sync.Mutex
	lastRun map[string]time.Time
}

// NewRunner builds the cron loop. rdb may be nil for single-replica setups.
func NewRunner(logger *log.Logger, manager *appconfig.Manager, sched Submitter, rdb *redis.Client) *Runner {
	if logger == nil {
		logger = log.New(log.Writer(), "[SCHED] ", log.LstdFlags)
	}
	return &Runner{
		logger:   logger,
		manager:  manager,
		sched:    sched,
		rdb:      rdb,
		interval: time.Minute,
		stop:     make(chan struct{}),
		lastRun:  make(map[string]time.Time),
	}
}

// Start runs the tick loop in the background.
func (r *Runner) Start() {
	ticker := time.NewTicker(r.interval)
	go func() {
		for {
			select {
			case <-r.stop:
				ticker.Stop()
				return
			case <-ticker.C:
				r.tick(context.Background())
			}
		}
	}()
}

// Stop halts the loop. In-flight submissions finish on their own.
func (r *Runner) Stop() {
	close(r.stop)
}

func (r *Runner) tick(ctx context.Context) {
	cfg := r.manager.Snapshot().Schedule
	if !cfg.Enabled {
		return
	}
	for _, job := range cfg.Jobs {
		r.mu.Lock()
		last, seen := r.lastRun[job.Name]
		r.mu.Unlock()

		var lastPtr *time.Time
		if seen {
			lastPtr = &last
		}
		if !isDue(job.Cron, lastPtr) {
			continue
		}

		// distributed lock to avoid duplicate submissions across replicas
		if r.rdb != nil {
			lockKey := "quorum:sched:lock:" + job.Name
			ok, err := r.rdb.SetNX(ctx, lockKey, "1", 2*time.Minute).Result()
			if err != nil {
				r.logger.Printf("schedule lock for %s failed: %v", job.Name, err)
				continue
			}
			if !ok {
				continue
			}
		}

		r.mu.Lock()
		r.lastRun[job.Name] = time.Now()
		r.mu.Unlock()

		go r.fire(ctx, job)
	}
}

func (r *Runner) fire(ctx context.Context, job appconfig.ScheduledQuery) {
	// jitter to avoid stampedes
	time.Sleep(time.Duration(250+int64(time.Now().UnixNano()%250)) * time.Millisecond)

	handle, err := r.sched.Submit(ctx, dispatch.Request{
		Payload:     job.Payload,
		AgentIDs:    job.Agents,
		TotalBudget: job.Budget,
		Context:     map[string]interface{}{"scheduled_job": job.Name},
	})
	if err != nil {
		r.logger.Printf("scheduled job %s rejected: %v", job.Name, err)
		return
	}
	r.logger.Printf("scheduled job %s submitted as query %s", job.Name, handle.Query().ID)
}

// isDue determines if a job with cronSpec should run now based on its last
// firing. Supports "@daily", "@hourly", and standard 5-field cron expressions.
func isDue(cronSpec string, last *time.Time) bool {
	now := time.Now()
	switch cronSpec {
	case "@daily":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= 24*time.Hour
	case "@hourly":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= time.Hour
	default:
		expr, err := cronexpr.Parse(cronSpec)
		if err != nil {
			// invalid spec degrades to daily
			if last == nil {
				return true
			}
			return now.Sub(*last) >= 24*time.Hour
		}
		if last == nil {
			return true
		}
		next := expr.Next(*last)
		return !next.After(now)
	}
}

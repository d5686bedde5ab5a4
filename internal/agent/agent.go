package agent

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Status classifies an agent outcome within an aggregate result.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimeout   Status = "timeout"
)

// Task is the unit of work handed to a single agent: one query payload plus the
// token allotment scoped to this agent by the allocator.
type Task struct {
	QueryID string
	AgentID string
	Payload string
	Budget  int64
	Context map[string]interface{}
}

// Outcome is one agent's result for a query. Outcomes are passed through to the
// caller unranked; scoring is the search/ranking collaborator's job.
type Outcome struct {
	AgentID    string                 `json:"agent_id"`
	Status     Status                 `json:"status"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Error      string                 `json:"error,omitempty"`
	TokensUsed int64                  `json:"tokens_used"`
	Elapsed    time.Duration          `json:"elapsed_ns"`
}

// Agent is the single capability every reasoning agent implements. Concrete
// agents sit behind this interface; there is no hierarchy.
type Agent interface {
	Name() string
	Execute(ctx context.Context, task Task) (Outcome, error)
}

// Registry holds the known agents by identifier.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewRegistry creates an empty agent registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register adds an agent, replacing any previous agent with the same name.
func (r *Registry) Register(a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[a.Name()] = a
}

// Lookup returns the agent registered under id.
func (r *Registry) Lookup(id string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	return a, ok
}

// Names returns the registered agent identifiers.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.agents))
	for name := range r.agents {
		out = append(out, name)
	}
	return out
}

// Validate checks that every requested agent id is registered.
func (r *Registry) Validate(ids []string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range ids {
		if _, ok := r.agents[id]; !ok {
			return fmt.Errorf("unknown agent: %s", id)
		}
	}
	return nil
}

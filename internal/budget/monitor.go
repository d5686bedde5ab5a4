package budget

import (
	"sync"
	"time"
)

// Monitor tracks per-agent token usage for one query against its allocation.
type Monitor struct {
	mu        sync.Mutex
	alloc     Allocation
	used      map[string]int64
	startTime time.Time
}

// NewMonitor clones the allocation and starts tracking usage against it.
func NewMonitor(alloc Allocation) *Monitor {
	return &Monitor{
		alloc:     alloc.Clone(),
		used:      make(map[string]int64, len(alloc)),
		startTime: time.Now(),
	}
}

// Add records tokens consumed by an agent, returning ErrExceeded once the
// agent's allotment is overdrawn. Usage is still accumulated on breach so the
// final aggregate reports what was actually spent.
func (m *Monitor) Add(agentID string, tokens int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.used[agentID] += tokens
	limit, ok := m.alloc[agentID]
	if !ok {
		return ErrExceeded{AgentID: agentID, Used: m.used[agentID], Limit: 0}
	}
	if m.used[agentID] > limit {
		return ErrExceeded{AgentID: agentID, Used: m.used[agentID], Limit: limit}
	}
	return nil
}

// Used returns the tokens recorded so far for one agent.
func (m *Monitor) Used(agentID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used[agentID]
}

// Usage returns total tokens recorded, a per-agent copy, and elapsed time.
func (m *Monitor) Usage() (total int64, perAgent map[string]int64, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	perAgent = make(map[string]int64, len(m.used))
	for k, v := range m.used {
		perAgent[k] = v
		total += v
	}
	return total, perAgent, time.Since(m.startTime)
}

// Allocation returns a clone of the allocation being enforced.
func (m *Monitor) Allocation() Allocation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alloc.Clone()
}

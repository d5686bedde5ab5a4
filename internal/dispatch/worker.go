package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/quorum-ai/quorum/internal/agent"
	"github.com/quorum-ai/quorum/internal/budget"
)

// runWorker is one WorkerTask: it executes a single agent with its scoped
// allotment and records exactly one outcome into the aggregator. The capacity
// slot is released on every path, including panic-free failure and
// cancellation.
func (s *Scheduler) runWorker(h *QueryHandle, agentID string, allotment int64) {
	defer func() {
		s.tele.InflightAdd(context.Background(), -1)
		s.release()
	}()

	out := s.executeAgent(h, agentID, allotment)
	if err := s.agg.Record(h.query.ID, agentID, out); err != nil {
		// The query was cancelled or already completed on deadline; the outcome
		// is intentionally dropped.
		s.logger.Printf("outcome for query %s agent %s not recorded: %v", h.query.ID, agentID, err)
	}
}

func (s *Scheduler) executeAgent(h *QueryHandle, agentID string, allotment int64) agent.Outcome {
	started := time.Now()

	a, ok := s.agents.Lookup(agentID)
	if !ok {
		return agent.Outcome{
			AgentID: agentID,
			Status:  agent.StatusFailed,
			Error:   "agent not registered",
		}
	}

	task := agent.Task{
		QueryID: h.query.ID,
		AgentID: agentID,
		Payload: h.query.Payload,
		Budget:  allotment,
		Context: h.query.Context,
	}

	out, err := a.Execute(h.ctx, task)
	if err != nil {
		status := agent.StatusFailed
		if errors.Is(err, context.Canceled) || h.ctx.Err() != nil {
			status = agent.StatusCancelled
		}
		return agent.Outcome{
			AgentID: agentID,
			Status:  status,
			Error:   err.Error(),
			Elapsed: time.Since(started),
		}
	}

	out.AgentID = agentID
	if out.Elapsed == 0 {
		out.Elapsed = time.Since(started)
	}
	if out.TokensUsed > 0 && h.monitor != nil {
		if err := h.monitor.Add(agentID, out.TokensUsed); err != nil {
			var exceeded budget.ErrExceeded
			if errors.As(err, &exceeded) {
				out.Status = agent.StatusFailed
				out.Error = exceeded.Error()
			}
		}
	}
	return out
}

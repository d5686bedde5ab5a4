package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// RemoteAgent invokes a reasoning agent hosted behind an HTTP endpoint. The
// endpoint receives the task as JSON and answers with the outcome payload plus
// the tokens it consumed.
type RemoteAgent struct {
	name     string
	endpoint string
	client   *http.Client
}

// NewRemoteAgent builds an agent proxy for the given endpoint.
func NewRemoteAgent(name, endpoint string, timeout time.Duration) *RemoteAgent {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RemoteAgent{
		name:     name,
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

func (a *RemoteAgent) Name() string { return a.name }

type remoteRequest struct {
	QueryID string                 `json:"query_id"`
	AgentID string                 `json:"agent_id"`
	Payload string                 `json:"payload"`
	Budget  int64                  `json:"token_budget"`
	Context map[string]interface{} `json:"context,omitempty"`
}

type remoteResponse struct {
	Data       map[string]interface{} `json:"data"`
	TokensUsed int64                  `json:"tokens_used"`
	Error      string                 `json:"error"`
}

// Execute posts the task to the remote endpoint and maps the reply to an Outcome.
func (a *RemoteAgent) Execute(ctx context.Context, task Task) (Outcome, error) {
	started := time.Now()

	body, err := json.Marshal(remoteRequest{
		QueryID: task.QueryID,
		AgentID: task.AgentID,
		Payload: task.Payload,
		Budget:  task.Budget,
		Context: task.Context,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("marshal task: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return Outcome{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return Outcome{}, fmt.Errorf("agent %s: %w", a.name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Outcome{}, fmt.Errorf("agent %s: read response: %w", a.name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Outcome{}, fmt.Errorf("agent %s: status %d: %s", a.name, resp.StatusCode, truncate(raw, 256))
	}

	var reply remoteResponse
	if err := json.Unmarshal(raw, &reply); err != nil {
		return Outcome{}, fmt.Errorf("agent %s: decode response: %w", a.name, err)
	}
	if reply.Error != "" {
		return Outcome{
			AgentID:    task.AgentID,
			Status:     StatusFailed,
			Error:      reply.Error,
			TokensUsed: reply.TokensUsed,
			Elapsed:    time.Since(started),
		}, nil
	}
	return Outcome{
		AgentID:    task.AgentID,
		Status:     StatusSuccess,
		Data:       reply.Data,
		TokensUsed: reply.TokensUsed,
		Elapsed:    time.Since(started),
	}, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

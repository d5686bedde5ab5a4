package agent

import (
	"context"
	"time"
)

// ScriptedAgent returns a canned outcome after an optional delay. It backs the
// development server's default agent set and most of the test suite.
type ScriptedAgent struct {
	name   string
	delay  time.Duration
	tokens int64
	data   map[string]interface{}
	fail   string
}

// NewScriptedAgent builds an agent that succeeds with data after delay.
func NewScriptedAgent(name string, delay time.Duration, tokens int64, data map[string]interface{}) *ScriptedAgent {
	return &ScriptedAgent{name: name, delay: delay, tokens: tokens, data: data}
}

// NewFailingAgent builds an agent that reports failure with the given message.
func NewFailingAgent(name string, delay time.Duration, msg string) *ScriptedAgent {
	return &ScriptedAgent{name: name, delay: delay, fail: msg}
}

func (a *ScriptedAgent) Name() string { return a.name }

func (a *ScriptedAgent) Execute(ctx context.Context, task Task) (Outcome, error) {
	started := time.Now()
	if a.delay > 0 {
		select {
		case <-time.After(a.delay):
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		}
	}
	if a.fail != "" {
		return Outcome{
			AgentID: task.AgentID,
			Status:  StatusFailed,
			Error:   a.fail,
			Elapsed: time.Since(started),
		}, nil
	}
	data := a.data
	if data == nil {
		data = map[string]interface{}{"echo": task.Payload}
	}
	return Outcome{
		AgentID:    task.AgentID,
		Status:     StatusSuccess,
		Data:       data,
		TokensUsed: a.tokens,
		Elapsed:    time.Since(started),
	}, nil
}

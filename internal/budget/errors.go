package budget

import (
	"errors"
	"fmt"
)

// ErrInvalidBudget is returned when allocator input is rejected before dispatch.
var ErrInvalidBudget = errors.New("invalid budget")

// ErrExceeded is returned when an agent's recorded usage surpasses its allotment.
type ErrExceeded struct {
	AgentID string
	Used    int64
	Limit   int64
}

func (e ErrExceeded) Error() string {
	return fmt.Sprintf("token allotment exceeded for agent %s: used=%d limit=%d", e.AgentID, e.Used, e.Limit)
}

package budget

import (
	"fmt"
	"math"
	"sort"
)

// Allocation maps an agent identifier to its allotted token count.
type Allocation map[string]int64

// Total returns the sum of all allotments.
func (a Allocation) Total() int64 {
	var sum int64
	for _, v := range a {
		sum += v
	}
	return sum
}

// Clone produces a deep copy of the allocation.
func (a Allocation) Clone() Allocation {
	clone := make(Allocation, len(a))
	for k, v := range a {
		clone[k] = v
	}
	return clone
}

// Allocate splits total tokens across the given agents.
//
// The split is deterministic: the same (total, agents) input always produces the
// same mapping, regardless of the order agent IDs are supplied in. The base share
// is rounded half-to-even and corrected downward so the sum never exceeds total;
// leftover units go one at a time to the agents with the lowest current allotment,
// ties broken by lexicographic agent ID order. The result is a fixed point:
// re-running Allocate on its own total yields the identical mapping.
func Allocate(total int64, agentIDs []string) (Allocation, error) {
	if total < 0 {
		return nil, fmt.Errorf("%w: total budget %d is negative", ErrInvalidBudget, total)
	}
	if len(agentIDs) < 1 {
		return nil, fmt.Errorf("%w: agent count must be at least 1", ErrInvalidBudget)
	}
	seen := make(map[string]struct{}, len(agentIDs))
	for _, id := range agentIDs {
		if id == "" {
			return nil, fmt.Errorf("%w: empty agent id", ErrInvalidBudget)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: duplicate agent id %q", ErrInvalidBudget, id)
		}
		seen[id] = struct{}{}
	}

	n := int64(len(agentIDs))
	base := int64(math.RoundToEven(float64(total) / float64(n)))
	// Half-to-even may round up; pull back so the base split never overshoots.
	for base > 0 && base*n > total {
		base--
	}

	alloc := make(Allocation, n)
	for _, id := range agentIDs {
		alloc[id] = base
	}

	ordered := make([]string, len(agentIDs))
	copy(ordered, agentIDs)
	sort.Strings(ordered)

	leftover := total - base*n
	for leftover > 0 {
		low := ordered[0]
		for _, id := range ordered[1:] {
			if alloc[id] < alloc[low] {
				low = id
			}
		}
		alloc[low]++
		leftover--
	}
	return alloc, nil
}

// Rebalance recomputes the split for a changed agent set without touching
// allotments already issued to running workers. Agents present in running keep
// their previous allotment verbatim; the remaining budget is divided across the
// rest. Used when concurrency or budget configuration changes mid-flight.
func Rebalance(prev Allocation, running map[string]bool, total int64, agentIDs []string) (Allocation, error) {
	if total < 0 {
		return nil, fmt.Errorf("%w: total budget %d is negative", ErrInvalidBudget, total)
	}
	if len(agentIDs) < 1 {
		return nil, fmt.Errorf("%w: agent count must be at least 1", ErrInvalidBudget)
	}

	pinned := make(Allocation)
	var free []string
	var reserved int64
	for _, id := range agentIDs {
		if running[id] {
			v, ok := prev[id]
			if !ok {
				return nil, fmt.Errorf("%w: running agent %q has no prior allotment", ErrInvalidBudget, id)
			}
			pinned[id] = v
			reserved += v
			continue
		}
		free = append(free, id)
	}

	remaining := total - reserved
	if remaining < 0 {
		remaining = 0
	}
	if len(free) == 0 {
		return pinned, nil
	}

	fresh, err := Allocate(remaining, free)
	if err != nil {
		return nil, err
	}
	for id, v := range fresh {
		pinned[id] = v
	}
	return pinned, nil
}

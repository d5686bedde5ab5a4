package dispatch

import "errors"

// ErrOverloaded is returned at admission when the queue-depth limit is
// exceeded. Callers are expected to retry later.
var ErrOverloaded = errors.New("scheduler overloaded: queue depth limit exceeded")

// ErrTooManyAgents is returned at admission when a query names more agents
// than the configured worker capacity. Such a query could never be dispatched,
// so it is rejected instead of queued.
var ErrTooManyAgents = errors.New("agent count exceeds worker capacity")

// ErrUnknownQuery is returned for operations on a query the scheduler does not
// track.
var ErrUnknownQuery = errors.New("unknown query")

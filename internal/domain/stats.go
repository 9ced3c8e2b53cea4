package domain

import "time"

// TaskDescriptor identifies a unit of work submitted to a worker pool (C1),
// used for verbose per-submit/per-completion logging.
type TaskDescriptor struct {
	PoolName  string
	TaskID    string
	Submitted time.Time
}

// PoolStats is the read-only snapshot returned by a worker pool's stats()
// call (spec §4.1).
type PoolStats struct {
	Name      string
	Capacity  int
	Active    int
	Queued    int
	Completed uint64
	Failed    uint64
	Rejected  uint64
}

// CircuitSnapshot is the read-only projection of a circuit breaker's state
// exposed by GET /health/adapters (spec §4.2, §6).
type CircuitSnapshot struct {
	AdapterName     string
	State           string
	ConsecFailures  int
	ConsecSuccesses int
	TimeoutCalls    uint64
	OpenedAt        time.Time
	NextRetryAt     time.Time
}

// RateLimitDecision is what C3 hands to the HTTP layer to fill the
// documented X-RateLimit-* response headers (spec §4.3, §6).
type RateLimitDecision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

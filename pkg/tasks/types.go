package tasks

import "time"

// KindChannel marks a task started by an inbound channel message.
const KindChannel = "channel"

// Status is the execution state of a task.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal returns true if the status is terminal
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Params describes a task being registered.
type Params struct {
	Kind      string
	SessionID string
	Metadata  map[string]interface{}
}

// Record is the bookkeeping entry of one task.
type Record struct {
	RunID     string                 `json:"runId"`
	Kind      string                 `json:"kind"`
	SessionID string                 `json:"sessionId"`
	Status    Status                 `json:"status"`
	StartedAt time.Time              `json:"startedAt"`
	EndedAt   *time.Time             `json:"endedAt,omitempty"`
	Elapsed   time.Duration          `json:"elapsed,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Filter selects records in List. Empty fields match everything.
type Filter struct {
	SessionID string
	Kind      string
	Status    Status
}

func (f Filter) matches(r *Record) bool {
	if f.SessionID != "" && r.SessionID != f.SessionID {
		return false
	}
	if f.Kind != "" && r.Kind != f.Kind {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	return true
}

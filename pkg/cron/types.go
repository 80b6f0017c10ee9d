package cron

import (
	"context"
	"time"
)

// JobFunc is one run of a housekeeping job.
type JobFunc func(ctx context.Context) error

// Job is a named recurring job.
type Job struct {
	Name     string   `json:"name"`
	Schedule string   `json:"schedule"`
	State    JobState `json:"state"`
}

// JobState tracks the outcome of past runs.
type JobState struct {
	NextRunAt    *time.Time    `json:"next_run_at,omitempty"`
	LastRunAt    *time.Time    `json:"last_run_at,omitempty"`
	LastStatus   RunStatus     `json:"last_status,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
	LastDuration time.Duration `json:"last_duration_ns,omitempty"`
	Runs         int           `json:"runs"`
	Failures     int           `json:"failures"`
}

// RunStatus is the result of one job run.
type RunStatus string

const (
	RunOK      RunStatus = "ok"
	RunError   RunStatus = "error"
	RunSkipped RunStatus = "skipped"
)

// ServiceOptions configures a Service.
type ServiceOptions struct {
	// Timeout bounds each run. Zero means DefaultTimeout.
	Timeout time.Duration
	// OnRun observes every finished run.
	OnRun func(name string, status RunStatus, duration time.Duration, err error)
}

// DefaultTimeout bounds a single run unless overridden.
const DefaultTimeout = time.Minute

// Package tasks tracks in-flight agent turns so they can be listed and aborted.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// DefaultRetention is how many finished records are kept for listing.
const DefaultRetention = 200

// ErrAborted is the cancellation cause of an aborted task.
var ErrAborted = errors.New("task aborted")

type entry struct {
	record *Record
	cancel context.CancelCauseFunc
}

// Registry is an in-memory task and abort registry.
type Registry struct {
	mu        sync.Mutex
	entries   map[string]*entry
	finished  []string
	retention int
	now       func() time.Time
	logger    zerolog.Logger
}

// NewRegistry creates an empty registry. retention <= 0 uses DefaultRetention.
func NewRegistry(logger zerolog.Logger, retention int) *Registry {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Registry{
		entries:   make(map[string]*entry),
		retention: retention,
		now:       time.Now,
		logger:    logger.With().Str("component", "tasks").Logger(),
	}
}

// Register records a running task. The returned context is cancelled when
// the task is aborted; context.Cause reports ErrAborted.
func (r *Registry) Register(parent context.Context, params Params) (context.Context, *Record, error) {
	runID, err := gonanoid.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate run ID: %w", err)
	}
	if params.Kind == "" {
		params.Kind = KindChannel
	}

	ctx, cancel := context.WithCancelCause(parent)
	record := &Record{
		RunID:     runID,
		Kind:      params.Kind,
		SessionID: params.SessionID,
		Status:    StatusRunning,
		StartedAt: r.now(),
		Metadata:  params.Metadata,
	}

	r.mu.Lock()
	r.entries[runID] = &entry{record: record, cancel: cancel}
	r.mu.Unlock()

	r.logger.Debug().
		Str("run_id", runID).
		Str("session_id", params.SessionID).
		Msg("Task registered")

	cp := *record
	return ctx, &cp, nil
}

// UpdateStatus moves a task to status. The first terminal status wins; later
// updates to a finished task are ignored.
func (r *Registry) UpdateStatus(runID string, status Status, data map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[runID]
	if !ok {
		return fmt.Errorf("run not found: %s", runID)
	}
	if e.record.Status.IsTerminal() {
		return nil
	}

	r.apply(e, status, data)
	r.logger.Debug().
		Str("run_id", runID).
		Str("status", string(status)).
		Msg("Task status updated")
	return nil
}

func (r *Registry) apply(e *entry, status Status, data map[string]interface{}) {
	e.record.Status = status
	if msg, ok := data["error"].(string); ok {
		e.record.Error = msg
	}
	if len(data) > 0 {
		if e.record.Metadata == nil {
			e.record.Metadata = make(map[string]interface{})
		}
		for k, v := range data {
			if k != "error" {
				e.record.Metadata[k] = v
			}
		}
	}
	if !status.IsTerminal() {
		return
	}

	end := r.now()
	e.record.EndedAt = &end
	e.record.Elapsed = end.Sub(e.record.StartedAt)
	e.cancel(nil)

	r.finished = append(r.finished, e.record.RunID)
	for len(r.finished) > r.retention {
		delete(r.entries, r.finished[0])
		r.finished = r.finished[1:]
	}
}

// Get returns a copy of the record.
func (r *Registry) Get(runID string) (*Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[runID]
	if !ok {
		return nil, false
	}
	cp := *e.record
	return &cp, true
}

// List returns matching records ordered by start time.
func (r *Registry) List(filter Filter) []Record {
	r.mu.Lock()
	out := make([]Record, 0, len(r.entries))
	for _, e := range r.entries {
		if filter.matches(e.record) {
			out = append(out, *e.record)
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].RunID < out[j].RunID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Abort cancels a running task and marks it cancelled. It returns false when
// the task is unknown or already finished.
func (r *Registry) Abort(runID, reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[runID]
	if !ok || e.record.Status.IsTerminal() {
		return false
	}
	if reason == "" {
		reason = "aborted"
	}
	e.cancel(fmt.Errorf("%w: %s", ErrAborted, reason))
	r.apply(e, StatusCancelled, map[string]interface{}{"error": reason})

	r.logger.Info().
		Str("run_id", runID).
		Str("session_id", e.record.SessionID).
		Str("reason", reason).
		Msg("Task aborted")
	return true
}

// AbortSession aborts every running task of a session and returns how many
// were aborted.
func (r *Registry) AbortSession(sessionID, reason string) int {
	running := r.List(Filter{SessionID: sessionID, Status: StatusRunning})
	n := 0
	for _, rec := range running {
		if r.Abort(rec.RunID, reason) {
			n++
		}
	}
	return n
}

package session

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/relay/internal/observability"
	"github.com/rs/zerolog/log"
)

const (
	DefaultIdleTimeout = 30 * time.Minute
	DefaultRetention   = 30 * 24 * time.Hour
)

// Archiver archives idle sessions and expires old archived ones. It is run
// periodically by the daemon scheduler.
type Archiver struct {
	store       Store
	idleTimeout time.Duration
	retention   time.Duration
	now         func() time.Time
}

// NewArchiver creates an archiver. Zero durations use the defaults.
func NewArchiver(store Store, idleTimeout, retention time.Duration) *Archiver {
	if idleTimeout == 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if retention == 0 {
		retention = DefaultRetention
	}

	return &Archiver{
		store:       store,
		idleTimeout: idleTimeout,
		retention:   retention,
		now:         time.Now,
	}
}

// Result summarizes one housekeeping pass.
type Result struct {
	Archived int
	Expired  int
}

// Run archives active sessions idle longer than the idle timeout, then
// expires archived sessions older than the retention window.
func (a *Archiver) Run(ctx context.Context) (Result, error) {
	var res Result
	now := a.now()

	n, err := a.transition(ctx, StatusActive, StatusArchived, now.Add(-a.idleTimeout))
	res.Archived = n
	if err != nil {
		return res, err
	}

	n, err = a.transition(ctx, StatusArchived, StatusExpired, now.Add(-a.retention))
	res.Expired = n
	if err != nil {
		return res, err
	}

	if active, err := a.store.CountSessions(ctx, StatusActive); err == nil {
		observability.SetActiveSessions(active)
	}

	if res.Archived > 0 || res.Expired > 0 {
		log.Info().
			Int("archived", res.Archived).
			Int("expired", res.Expired).
			Msg("Session housekeeping completed")
	}
	return res, nil
}

func (a *Archiver) transition(ctx context.Context, from, to Status, before time.Time) (int, error) {
	sessions, err := a.store.ListSessionsBefore(ctx, from, before)
	if err != nil {
		return 0, fmt.Errorf("failed to list %s sessions: %w", from, err)
	}

	changed := 0
	for _, s := range sessions {
		if err := a.store.UpdateSessionStatus(ctx, s.ID, to); err != nil {
			log.Error().
				Str("session_id", s.ID).
				Err(err).
				Msgf("Failed to mark session %s", to)
			continue
		}
		changed++
	}
	return changed, nil
}

// ArchiveNow archives one session regardless of idle time.
func (a *Archiver) ArchiveNow(ctx context.Context, sessionID string) error {
	return a.store.UpdateSessionStatus(ctx, sessionID, StatusArchived)
}

func (a *Archiver) GetIdleTimeout() time.Duration {
	return a.idleTimeout
}

package daemon

import (
	"context"
	"time"

	"github.com/harun/relay/pkg/cron"
)

const (
	jobInteractivePurge = "interactive-purge"
	jobSessionArchive   = "session-archive"

	purgeInterval   = 30 * time.Second
	archiveInterval = 5 * time.Minute
)

func (d *Daemon) registerJobs() error {
	if err := d.cronService.AddJob(jobInteractivePurge, cron.Every(purgeInterval), d.purgeQuestions); err != nil {
		return err
	}
	// Idle archiving is opt-in; retention alone never runs.
	if d.config.Session.IdleArchiveMinutes > 0 {
		if err := d.cronService.AddJob(jobSessionArchive, cron.Every(archiveInterval), d.archiveSessions); err != nil {
			return err
		}
	}
	return nil
}

func (d *Daemon) purgeQuestions(context.Context) error {
	if n := d.bridge.Purge(); n > 0 {
		d.log.Info().Int("purged", n).Msg("Expired interactive questions resolved empty")
	}
	return nil
}

func (d *Daemon) archiveSessions(ctx context.Context) error {
	res, err := d.archiver.Run(ctx)
	if err != nil {
		return err
	}
	if res.Archived > 0 || res.Expired > 0 {
		d.log.Info().Int("archived", res.Archived).Int("expired", res.Expired).Msg("Sessions archived")
	}
	return nil
}

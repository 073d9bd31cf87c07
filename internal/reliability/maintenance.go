package reliability

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/aristath/pitboss/internal/database"
)

// backupBudget bounds one scheduled backup cycle, upload included.
const backupBudget = 10 * time.Minute

// Maintenance runs the recurring care of the audit ledger: hourly WAL
// checkpoints, a nightly backup and a weekly vacuum.
type Maintenance struct {
	cron   *cron.Cron
	db     *database.DB
	backup *BackupService
	log    zerolog.Logger
}

// NewMaintenance builds the scheduler with all jobs registered. Schedules
// are standard five-field cron expressions.
func NewMaintenance(db *database.DB, backup *BackupService, log zerolog.Logger) (*Maintenance, error) {
	m := &Maintenance{
		cron:   cron.New(),
		db:     db,
		backup: backup,
		log:    log.With().Str("component", "maintenance").Logger(),
	}

	jobs := []struct {
		schedule string
		name     string
		run      func() error
	}{
		{"@hourly", "wal_checkpoint", m.checkpoint},
		{"30 3 * * *", "nightly_backup", m.nightlyBackup},
		{"0 4 * * 0", "weekly_vacuum", m.vacuum},
	}
	for _, job := range jobs {
		job := job
		_, err := m.cron.AddFunc(job.schedule, func() {
			if err := job.run(); err != nil {
				m.log.Error().Err(err).Str("job", job.name).Msg("Maintenance job failed")
				return
			}
			m.log.Debug().Str("job", job.name).Msg("Maintenance job completed")
		})
		if err != nil {
			return nil, fmt.Errorf("register %s: %w", job.name, err)
		}
		m.log.Info().Str("job", job.name).Str("schedule", job.schedule).Msg("Maintenance job registered")
	}

	return m, nil
}

// Start launches the schedule in the background.
func (m *Maintenance) Start() {
	m.cron.Start()
	m.log.Info().Msg("Maintenance scheduler started")
}

// Stop halts the schedule and waits for a running job to finish.
func (m *Maintenance) Stop() {
	<-m.cron.Stop().Done()
	m.log.Info().Msg("Maintenance scheduler stopped")
}

// Jobs returns the number of registered schedule entries.
func (m *Maintenance) Jobs() int {
	return len(m.cron.Entries())
}

func (m *Maintenance) checkpoint() error {
	if err := m.db.WALCheckpoint("TRUNCATE"); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	return nil
}

func (m *Maintenance) nightlyBackup() error {
	ctx, cancel := context.WithTimeout(context.Background(), backupBudget)
	defer cancel()

	archive, err := m.backup.RunNow(ctx)
	if err != nil {
		return fmt.Errorf("nightly backup: %w", err)
	}
	m.log.Info().Str("archive", archive).Msg("Nightly backup written")
	return nil
}

func (m *Maintenance) vacuum() error {
	if err := m.db.Vacuum(); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	return nil
}

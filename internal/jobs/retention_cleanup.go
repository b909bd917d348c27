package jobs

import (
	"context"
	"log"
	"time"

	"redactiq/internal/services"

	"github.com/robfig/cron/v3"
)

// RetentionCleanup deletes terminal job runs older than the retention
// window on a cron schedule. Pending and Running runs are never touched.
type RetentionCleanup struct {
	jobRuns       *services.JobRunService
	retentionDays int
	schedule      string
	cron          *cron.Cron
}

// NewRetentionCleanup creates the cleanup job. schedule is a standard cron
// expression (e.g. "0 3 * * *" for 3am daily).
func NewRetentionCleanup(jobRuns *services.JobRunService, retentionDays int, schedule string) *RetentionCleanup {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	return &RetentionCleanup{
		jobRuns:       jobRuns,
		retentionDays: retentionDays,
		schedule:      schedule,
		cron:          cron.New(),
	}
}

// Start registers and launches the schedule.
func (r *RetentionCleanup) Start() error {
	_, err := r.cron.AddFunc(r.schedule, r.run)
	if err != nil {
		return err
	}
	r.cron.Start()
	log.Printf("🧹 [CLEANUP] Retention cleanup scheduled (%s, keep %d days)", r.schedule, r.retentionDays)
	return nil
}

// Stop halts the schedule, waiting for an in-flight run to finish.
func (r *RetentionCleanup) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

func (r *RetentionCleanup) run() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cutoff := time.Now().AddDate(0, 0, -r.retentionDays)
	deleted, err := r.jobRuns.DeleteTerminalOlderThan(ctx, cutoff)
	if err != nil {
		log.Printf("❌ [CLEANUP] Retention cleanup failed: %v", err)
		return
	}
	if deleted > 0 {
		log.Printf("🧹 [CLEANUP] Deleted %d terminal job run(s) older than %s", deleted, cutoff.Format(time.RFC3339))
	}
}

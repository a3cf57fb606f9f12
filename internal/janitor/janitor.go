// Package janitor runs the background maintenance sweeps: zombie agents,
// pub/sub retention, and task garbage collection. Schedules are standard
// cron expressions checked once a minute.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
)

// Job is one scheduled sweep.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

// Janitor ticks once a minute and runs whichever jobs are due.
type Janitor struct {
	jobs []Job
	gron *gronx.Gronx
	tick time.Duration
}

// New validates every job's schedule and builds the janitor.
func New(jobs []Job) (*Janitor, error) {
	g := gronx.New()
	for _, j := range jobs {
		if !g.IsValid(j.Schedule) {
			return nil, fmt.Errorf("job %s: invalid cron expression %q", j.Name, j.Schedule)
		}
	}
	return &Janitor{jobs: jobs, gron: g, tick: time.Minute}, nil
}

// Run blocks until the context is done, firing due jobs each tick. Job
// errors are logged and never stop the loop.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.tick)
	defer ticker.Stop()
	slog.Info("janitor.started", "jobs", len(j.jobs))

	for {
		select {
		case <-ctx.Done():
			slog.Info("janitor.stopped")
			return ctx.Err()
		case now := <-ticker.C:
			j.runDue(ctx, now)
		}
	}
}

func (j *Janitor) runDue(ctx context.Context, now time.Time) {
	for _, job := range j.jobs {
		due, err := j.gron.IsDue(job.Schedule, now)
		if err != nil {
			slog.Warn("janitor.schedule_check_failed", "job", job.Name, "error", err)
			continue
		}
		if !due {
			continue
		}
		start := time.Now()
		if err := job.Run(ctx); err != nil {
			slog.Warn("janitor.job_failed", "job", job.Name, "error", err)
			continue
		}
		slog.Debug("janitor.job_done", "job", job.Name, "took", time.Since(start))
	}
}

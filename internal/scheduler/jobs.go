package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/RemindPipe/internal/models"
	"github.com/BTreeMap/RemindPipe/internal/schedule"
)

// Job names registered by the service.
const (
	JobSchedulePass = "schedule_pass"
	JobNoShowSweep  = "no_show_sweep"
)

// PassRunner runs a scheduling pass as of now.
type PassRunner interface {
	RunNow(ctx context.Context) (*schedule.Result, error)
}

// Sweeper resolves reminders whose response window has closed.
type Sweeper interface {
	SweepNoShows(ctx context.Context, asOf time.Time) ([]models.ReminderEvent, error)
}

// SchedulePassJob wraps a scheduling pass as a Job.
func SchedulePassJob(r PassRunner) Job {
	return func(ctx context.Context) error {
		res, err := r.RunNow(ctx)
		if res != nil && len(res.Scheduled) > 0 {
			slog.Info("Scheduler.SchedulePassJob: reminders scheduled", "count", len(res.Scheduled))
		}
		return err
	}
}

// NoShowSweepJob wraps the no-show sweep as a Job. now supplies the sweep time.
func NoShowSweepJob(s Sweeper, now func() time.Time) Job {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) error {
		_, err := s.SweepNoShows(ctx, now().UTC())
		return err
	}
}

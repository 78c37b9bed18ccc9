package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// DefaultRetentionSchedule runs the cleanup hourly
const DefaultRetentionSchedule = "@hourly"

// Pruner deletes records older than a cutoff
type Pruner interface {
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Retention prunes old decision records on a cron schedule
type Retention struct {
	pruner   Pruner
	maxAge   time.Duration
	schedule string
	cron     *cron.Cron
	logger   *logrus.Logger
	now      func() time.Time
}

// NewRetention creates a retention job keeping maxAge of history.
// An empty schedule selects DefaultRetentionSchedule.
func NewRetention(pruner Pruner, maxAge time.Duration, schedule string, logger *logrus.Logger) (*Retention, error) {
	if maxAge <= 0 {
		return nil, fmt.Errorf("retention must be positive, got %s", maxAge)
	}
	if schedule == "" {
		schedule = DefaultRetentionSchedule
	}
	if logger == nil {
		logger = logrus.New()
	}

	r := &Retention{
		pruner:   pruner,
		maxAge:   maxAge,
		schedule: schedule,
		cron:     cron.New(),
		logger:   logger,
		now:      time.Now,
	}
	if _, err := r.cron.AddFunc(schedule, func() { r.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", schedule, err)
	}
	return r, nil
}

// Start begins running the schedule in the background
func (r *Retention) Start() {
	r.cron.Start()
	r.logger.Infof("Audit retention scheduled (%s, keeping %s)", r.schedule, r.maxAge)
}

// Stop stops the schedule and waits for a running cleanup to finish or ctx to end
func (r *Retention) Stop(ctx context.Context) error {
	done := r.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce deletes records older than the retention window
func (r *Retention) RunOnce(ctx context.Context) (int64, error) {
	cutoff := r.now().UTC().Add(-r.maxAge)
	deleted, err := r.pruner.DeleteBefore(ctx, cutoff)
	if err != nil {
		r.logger.WithError(err).Error("Audit retention cleanup failed")
		return 0, err
	}
	if deleted > 0 {
		r.logger.Infof("Deleted %d audit records older than %s", deleted, cutoff.Format(time.RFC3339))
	}
	return deleted, nil
}

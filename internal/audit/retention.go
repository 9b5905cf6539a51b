package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// scheduleParser accepts 5-field expressions and descriptors such as @hourly.
var scheduleParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Retention periodically purges audit events older than a fixed age.
type Retention struct {
	store  *Store
	maxAge time.Duration
	logger *slog.Logger
	cron   *cronlib.Cron
}

// NewRetention schedules purges of events older than days. days <= 0 keeps
// everything and yields a Retention whose Start is a no-op.
func NewRetention(store *Store, days int, schedule string, logger *slog.Logger) (*Retention, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Retention{
		store:  store,
		maxAge: time.Duration(days) * 24 * time.Hour,
		logger: logger,
	}
	if days <= 0 {
		return r, nil
	}
	sched, err := scheduleParser.Parse(schedule)
	if err != nil {
		return nil, fmt.Errorf("parse audit retention schedule %q: %w", schedule, err)
	}
	r.cron = cronlib.New(cronlib.WithParser(scheduleParser))
	r.cron.Schedule(sched, cronlib.FuncJob(func() { _, _ = r.RunOnce(context.Background()) }))
	return r, nil
}

// RunOnce purges immediately.
func (r *Retention) RunOnce(ctx context.Context) (int64, error) {
	if r.maxAge <= 0 {
		return 0, nil
	}
	n, err := r.store.Purge(ctx, r.store.now().Add(-r.maxAge))
	if err != nil {
		r.logger.Warn("audit retention purge failed", "error", err)
		return 0, err
	}
	if n > 0 {
		r.logger.Info("audit retention purged events", "count", n)
	}
	return n, nil
}

func (r *Retention) Start() {
	if r.cron == nil {
		return
	}
	r.cron.Start()
}

// Stop halts the schedule and waits for a running purge to finish.
func (r *Retention) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
}

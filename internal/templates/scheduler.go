// ABOUTME: Cron scheduler that runs the template sync periodically
// ABOUTME: Uses a seconds-resolution schedule, falling back to standard five-field specs

package templates

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

const runTimeout = 10 * time.Minute

// Scheduler runs SyncAll on a cron schedule.
type Scheduler struct {
	cron   *cron.Cron
	syncer *Syncer
	logger *slog.Logger
}

// ParseSchedule accepts six-field (with seconds) or standard five-field specs.
func ParseSchedule(spec string) (cron.Schedule, error) {
	sched, err := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor).Parse(spec)
	if err == nil {
		return sched, nil
	}
	if sched, err2 := cron.ParseStandard(spec); err2 == nil {
		return sched, nil
	}
	return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
}

// NewScheduler registers the sync job. It does not start running until Start.
func NewScheduler(syncer *Syncer, spec string, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sched, err := ParseSchedule(spec)
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		cron:   cron.New(cron.WithSeconds()),
		syncer: syncer,
		logger: logger.With("component", "template_scheduler"),
	}
	s.cron.Schedule(sched, cron.FuncJob(s.run))
	return s, nil
}

func (s *Scheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	start := time.Now()
	synced, failed := s.syncer.SyncAll(ctx)
	s.logger.Info("scheduled template sync finished",
		"synced", synced,
		"failed", failed,
		"duration", time.Since(start))
}

// Start begins running the schedule in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("template scheduler started")
}

// Stop halts the schedule and waits for a running sync to finish or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("template sync still running at shutdown")
	}
}

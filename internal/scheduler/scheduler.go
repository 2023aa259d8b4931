// Package scheduler runs the daily feeding batch on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"loftrace/internal/feeding"
	"loftrace/internal/metrics"
	"loftrace/internal/notify"
)

// Runner is the feeding batch as the scheduler sees it.
type Runner interface {
	RunDay(ctx context.Context, day time.Time) ([]feeding.Report, error)
}

type Options struct {
	Schedule string
	Timeout  time.Duration
	Notifier notify.Notifier
	Now      func() time.Time
}

type Scheduler struct {
	cron     *cron.Cron
	batch    Runner
	log      *slog.Logger
	schedule string
	timeout  time.Duration
	notifier notify.Notifier
	now      func() time.Time
}

func New(batch Runner, logger *slog.Logger, opts Options) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Minute
	}
	// Game days are UTC, so the schedule is too. An overrunning batch skips the next slot.
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	return &Scheduler{
		cron:     c,
		batch:    batch,
		log:      logger,
		schedule: opts.Schedule,
		timeout:  opts.Timeout,
		notifier: opts.Notifier,
		now:      opts.Now,
	}
}

// Start registers the daily run and starts the cron loop. Runs use ctx as their parent.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.schedule, func() {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Error("scheduled feeding failed", "err", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule %q: %w", s.schedule, err)
	}
	s.log.Info("starting feeding scheduler", "schedule", s.schedule)
	s.cron.Start()
	return nil
}

// Stop stops scheduling and waits for a running batch to return.
func (s *Scheduler) Stop() {
	s.log.Info("stopping feeding scheduler")
	<-s.cron.Stop().Done()
}

// RunOnce feeds for the current game day. The error covers both a failed batch and
// individual pigeons that could not be fed.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	day := s.now()
	start := time.Now()
	reports, err := s.batch.RunDay(ctx, day)
	metrics.FeedingRunDuration.Observe(time.Since(start).Seconds())

	errs := []error{err}
	for _, r := range reports {
		errs = append(errs, r.Err())
	}
	if len(reports) > 0 {
		notifyCtx, cancelNotify := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		if nerr := s.notifier.FeedingDone(notifyCtx, reports); nerr != nil {
			s.log.Warn("feeding notification failed", "err", nerr)
		}
		cancelNotify()
	}
	if joined := errors.Join(errs...); joined != nil {
		return joined
	}
	s.log.Info("feeding day complete", "day", feeding.GameDay(day), "took", time.Since(start).String())
	return nil
}

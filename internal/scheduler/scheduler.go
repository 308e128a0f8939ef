// Package scheduler runs the engine's periodic jobs: notification retries,
// scheduled matching passes and outbox housekeeping.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jask/recon/internal/config"
	"github.com/jask/recon/internal/logger"
	"github.com/jask/recon/internal/service"
)

const (
	pruneSchedule  = "@daily"
	pruneRetention = 30 * 24 * time.Hour
	jobTimeout     = 10 * time.Minute
)

// Scheduler wraps a cron runner over the services.
type Scheduler struct {
	svc  *service.Services
	cron *cron.Cron
	Now  func() time.Time
}

// New registers the configured jobs. An empty schedule disables its job.
func New(svc *service.Services, cfg config.Config) (*Scheduler, error) {
	s := &Scheduler{
		svc: svc,
		cron: cron.New(
			cron.WithLocation(cfg.Location()),
			cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)),
		),
	}
	jobs := []struct {
		name     string
		schedule string
		run      func(context.Context) error
	}{
		{"notify", cfg.Notify.Schedule, s.DeliverNotifications},
		{"matching", cfg.Matching.Schedule, s.MatchAll},
		{"prune", pruneSchedule, s.Prune},
	}
	for _, j := range jobs {
		if j.schedule == "" {
			continue
		}
		if _, err := s.cron.AddFunc(j.schedule, func() { s.runJob(j.name, j.run) }); err != nil {
			return nil, fmt.Errorf("schedule %s job %q: %w", j.name, j.schedule, err)
		}
		logger.L.Info("job scheduled", "job", j.name, "schedule", j.schedule)
	}
	return s, nil
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Start runs the cron loop in the background.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts scheduling and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// Entries reports how many jobs are registered.
func (s *Scheduler) Entries() int { return len(s.cron.Entries()) }

func (s *Scheduler) runJob(name string, run func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	start := time.Now()
	if err := run(ctx); err != nil {
		logger.L.Error("job failed", "job", name, "err", err)
		return
	}
	logger.L.Debug("job finished", "job", name, "elapsed", time.Since(start))
}

// DeliverNotifications retries due outbox rows.
func (s *Scheduler) DeliverNotifications(ctx context.Context) error {
	_, err := s.svc.Notifier.DeliverPending(ctx)
	return err
}

// MatchAll runs one pass per active account. A pass already running
// elsewhere is skipped; other failures are collected.
func (s *Scheduler) MatchAll(ctx context.Context) error {
	accounts, err := s.svc.Accounts.List(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, a := range accounts {
		if !a.IsActive {
			continue
		}
		res, err := s.svc.Matcher.RunMatchingPass(ctx, a.ID)
		switch {
		case errors.Is(err, service.ErrPassInProgress):
			logger.L.Info("matching pass skipped; already running", "account_id", a.ID)
		case err != nil:
			errs = append(errs, fmt.Errorf("account %s: %w", a.ID, err))
		default:
			logger.L.Debug("scheduled pass", "account_id", a.ID, "matched", res.Matched, "unmatched", res.Unmatched)
		}
		if ctx.Err() != nil {
			break
		}
	}
	return errors.Join(errs...)
}

// Prune drops delivered outbox rows past retention and expired run locks.
func (s *Scheduler) Prune(ctx context.Context) error {
	now := s.now()
	_, err := s.svc.Maintenance.Prune(ctx, now.Add(-pruneRetention), now)
	return err
}

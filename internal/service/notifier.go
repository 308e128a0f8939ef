package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/jask/recon/internal/config"
	"github.com/jask/recon/internal/database/repository"
	"github.com/jask/recon/internal/logger"
)

const (
	baseBackoff = 30 * time.Second
	maxBackoff  = time.Hour
)

// Notifier delivers outbox rows to the expected-events feed. The ledger is
// the source of truth: a failed delivery never reverts a match, it is retried
// with exponential backoff until MaxAttempts.
type Notifier struct {
	DB          *sql.DB
	Feed        EventFeed
	Limiter     *rate.Limiter
	MaxAttempts int
	BatchSize   int
	Now         func() time.Time
}

// DeliveryStats counts the outcome of one delivery run.
type DeliveryStats struct {
	Sent      int
	Conflicts int
	Retried   int
	Failed    int
	Skipped   int
}

func NewNotifier(db *sql.DB, feed EventFeed, c config.NotifyConfig) *Notifier {
	lim := rate.NewLimiter(rate.Inf, 1)
	if c.RatePerSecond > 0 {
		lim = rate.NewLimiter(rate.Limit(c.RatePerSecond), 1)
	}
	return &Notifier{DB: db, Feed: feed, Limiter: lim, MaxAttempts: c.MaxAttempts, BatchSize: c.BatchSize}
}

func (n *Notifier) now() time.Time {
	if n.Now != nil {
		return n.Now()
	}
	return time.Now()
}

// Deliver attempts the given outbox rows right away. Failures are logged and
// left for DeliverPending.
func (n *Notifier) Deliver(ctx context.Context, ids ...string) {
	repo := repository.NewNotificationRepo(n.DB)
	for _, id := range ids {
		note, err := repo.Get(ctx, id)
		if err != nil {
			logger.L.Error("load notification", "notification_id", id, "err", err)
			continue
		}
		if note.Status != repository.NotificationPending {
			continue
		}
		blocked, err := repo.Blocked(ctx, *note)
		if err != nil || blocked {
			continue
		}
		if _, err := n.send(ctx, *note); err != nil {
			logger.L.Error("deliver notification", "notification_id", id, "err", err)
		}
	}
}

// DeliverPending retries every due outbox row, oldest first.
func (n *Notifier) DeliverPending(ctx context.Context) (DeliveryStats, error) {
	var stats DeliveryStats
	limit := n.BatchSize
	if limit <= 0 {
		limit = 100
	}
	due, err := repository.NewNotificationRepo(n.DB).Due(ctx, n.now(), limit)
	if err != nil {
		return stats, err
	}
	failed := make(map[string]bool)
	for _, note := range due {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		// Keep per-event order: once a row for an event fails, later rows for it wait.
		if failed[note.EventID] {
			stats.Skipped++
			continue
		}
		status, err := n.send(ctx, note)
		if err != nil {
			return stats, err
		}
		switch status {
		case repository.NotificationSent:
			stats.Sent++
		case repository.NotificationConflict:
			stats.Conflicts++
		case repository.NotificationFailed:
			stats.Failed++
			failed[note.EventID] = true
		default:
			stats.Retried++
			failed[note.EventID] = true
		}
	}
	if len(due) > 0 {
		logger.L.Info("notifications delivered",
			"sent", stats.Sent, "conflicts", stats.Conflicts, "retried", stats.Retried,
			"failed", stats.Failed, "skipped", stats.Skipped)
	}
	return stats, nil
}

// send calls the feed once and records the outcome. The returned error is
// only set when the outcome itself could not be stored.
func (n *Notifier) send(ctx context.Context, note repository.Notification) (repository.NotificationStatus, error) {
	if n.Limiter != nil {
		if err := n.Limiter.Wait(ctx); err != nil {
			return repository.NotificationPending, err
		}
	}
	var callErr error
	switch note.Kind {
	case repository.NotifyMatched:
		callErr = n.Feed.MarkMatched(ctx, note.EventID, note.TransactionID, note.AmountMinor)
	case repository.NotifyReleased:
		callErr = n.Feed.MarkReleased(ctx, note.EventID, note.TransactionID)
	}

	repo := repository.NewNotificationRepo(n.DB)
	// The outcome is recorded even if ctx was cancelled mid-call.
	wctx := context.WithoutCancel(ctx)
	log := logger.L.With("notification_id", note.ID, "event_id", note.EventID, "transaction_id", note.TransactionID, "kind", note.Kind)

	switch {
	case callErr == nil:
		return repository.NotificationSent, repo.Finish(wctx, note.ID, repository.NotificationSent, nil)
	case errors.Is(callErr, repository.ErrEventSettled):
		msg := callErr.Error()
		log.Warn("expected event already settled; match kept", "err", callErr)
		return repository.NotificationConflict, repo.Finish(wctx, note.ID, repository.NotificationConflict, &msg)
	case errors.Is(callErr, repository.ErrNotFound):
		msg := callErr.Error()
		log.Error("expected event missing from feed", "err", callErr)
		return repository.NotificationFailed, repo.Finish(wctx, note.ID, repository.NotificationFailed, &msg)
	}

	msg := callErr.Error()
	if n.MaxAttempts > 0 && note.Attempts+1 >= n.MaxAttempts {
		log.Error("notification failed permanently", "attempts", note.Attempts+1, "err", callErr)
		return repository.NotificationFailed, repo.Finish(wctx, note.ID, repository.NotificationFailed, &msg)
	}
	next := n.now().Add(backoff(note.Attempts))
	log.Warn("notification failed; will retry", "attempts", note.Attempts+1, "next_attempt_at", next, "err", callErr)
	return repository.NotificationPending, repo.Retry(wctx, note.ID, msg, next)
}

func backoff(attempts int) time.Duration {
	d := baseBackoff
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

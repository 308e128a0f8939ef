package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jask/recon/internal/database/repository"
)

func TestPrune(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.event(t, repository.ExpectedEvent{ID: "INV-1", AmountMinor: 5000, ExpectedDate: day("2024-01-15")})

	sent := f.enqueue(t, repository.NotifyMatched, "INV-1", "tx-1", 5000)
	f.svc.Notifier.Deliver(f.ctx, sent)
	require.Equal(t, repository.NotificationSent, f.notification(t, sent).Status)
	pending := f.enqueue(t, repository.NotifyMatched, "other", "tx-2", 100)

	locks := repository.NewLockRepo(f.db)
	now := time.Now()
	ok, err := locks.Acquire(f.ctx, "A1", "stale", now.Add(-time.Hour), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	removed, err := f.svc.Maintenance.Prune(f.ctx, now.Add(time.Hour), now)
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)

	_, err = repository.NewNotificationRepo(f.db).Get(f.ctx, sent)
	require.ErrorIs(t, err, repository.ErrNotFound)
	require.Equal(t, repository.NotificationPending, f.notification(t, pending).Status)

	var n int
	require.NoError(t, f.db.QueryRowContext(f.ctx, `SELECT COUNT(*) FROM match_run_locks`).Scan(&n))
	require.Zero(t, n)
}

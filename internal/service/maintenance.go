package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jask/recon/internal/database"
	"github.com/jask/recon/internal/database/repository"
	"github.com/jask/recon/internal/logger"
)

// MaintenanceService houses housekeeping run by the scheduler. It never
// touches ledger history: only delivered outbox rows and expired run locks.
type MaintenanceService struct {
	DB *sql.DB
}

// Prune removes SENT and CONFLICT notifications last updated before cutoff
// and run locks that expired before now.
func (s *MaintenanceService) Prune(ctx context.Context, cutoff, now time.Time) (int64, error) {
	if s.DB == nil {
		return 0, fmt.Errorf("maintenance: db not configured")
	}
	var removed int64
	err := database.WithTx(ctx, s.DB, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM event_notifications WHERE status IN (?, ?) AND updated_at < ?`,
			repository.NotificationSent, repository.NotificationConflict, cutoff.UTC().Truncate(time.Second))
		if err != nil {
			return fmt.Errorf("prune notifications: %w", err)
		}
		removed, _ = res.RowsAffected()
		if _, err := tx.ExecContext(ctx, `DELETE FROM match_run_locks WHERE expires_at < ?`, now.UTC().Truncate(time.Second)); err != nil {
			return fmt.Errorf("prune locks: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		logger.L.Info("outbox pruned", "removed", removed)
	}
	return removed, nil
}

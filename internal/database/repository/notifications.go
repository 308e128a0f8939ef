package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// NotificationRepo is the outbox of feed updates still to be delivered.
type NotificationRepo struct{ db DBTX }

func NewNotificationRepo(db DBTX) *NotificationRepo { return &NotificationRepo{db: db} }

func (r *NotificationRepo) Enqueue(ctx context.Context, n Notification) error {
	now := ts(time.Now())
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO event_notifications(
	 id, kind, event_id, transaction_id, match_id, amount, status, attempts, next_attempt_at, created_at, updated_at)
	VALUES(?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
	`, n.ID, n.Kind, n.EventID, n.TransactionID, n.MatchID, n.AmountMinor, NotificationPending, now, now, now)
	return err
}

func (r *NotificationRepo) Get(ctx context.Context, id string) (*Notification, error) {
	row := r.db.QueryRowContext(ctx, notificationSelect+` WHERE id = ?`, id)
	n, err := scanNotification(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &n, nil
}

// Due returns pending notifications whose next attempt is at or before now,
// oldest first. A notification waits while an older one for the same event is
// still pending, so feed updates for an event apply in ledger order.
func (r *NotificationRepo) Due(ctx context.Context, now time.Time, limit int) ([]Notification, error) {
	rows, err := r.db.QueryContext(ctx, notificationSelect+` n
	WHERE n.status = ? AND n.next_attempt_at <= ?
	 AND NOT EXISTS (SELECT 1 FROM event_notifications p WHERE p.event_id = n.event_id AND p.status = ? AND p.rowid < n.rowid)
	ORDER BY n.rowid ASC LIMIT ?`, NotificationPending, ts(now), NotificationPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// Blocked reports whether an older notification for the same event is still pending.
func (r *NotificationRepo) Blocked(ctx context.Context, n Notification) (bool, error) {
	var blocked bool
	err := r.db.QueryRowContext(ctx, `
	SELECT EXISTS (SELECT 1 FROM event_notifications p
	 WHERE p.event_id = ? AND p.status = ? AND p.rowid < (SELECT rowid FROM event_notifications WHERE id = ?))`,
		n.EventID, NotificationPending, n.ID).Scan(&blocked)
	return blocked, err
}

// Finish records a terminal outcome (SENT, CONFLICT or FAILED).
func (r *NotificationRepo) Finish(ctx context.Context, id string, status NotificationStatus, lastErr *string) error {
	_, err := r.db.ExecContext(ctx, `
	UPDATE event_notifications SET status = ?, attempts = attempts + 1, last_error = ?, updated_at = ?
	WHERE id = ? AND status = ?`, status, lastErr, ts(time.Now()), id, NotificationPending)
	return err
}

// Retry records a failed attempt and schedules the next one.
func (r *NotificationRepo) Retry(ctx context.Context, id, lastErr string, next time.Time) error {
	_, err := r.db.ExecContext(ctx, `
	UPDATE event_notifications SET attempts = attempts + 1, last_error = ?, next_attempt_at = ?, updated_at = ?
	WHERE id = ? AND status = ?`, lastErr, ts(next), ts(time.Now()), id, NotificationPending)
	return err
}

// CountByStatus returns outbox counts per status.
func (r *NotificationRepo) CountByStatus(ctx context.Context) (map[NotificationStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM event_notifications GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[NotificationStatus]int)
	for rows.Next() {
		var s NotificationStatus
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		out[s] = n
	}
	return out, rows.Err()
}

const notificationSelect = `SELECT id, kind, event_id, transaction_id, match_id, amount, status, attempts, last_error,
 next_attempt_at, created_at, updated_at FROM event_notifications`

func scanNotification(row scanner) (Notification, error) {
	var n Notification
	var lastErr sql.NullString
	if err := row.Scan(&n.ID, &n.Kind, &n.EventID, &n.TransactionID, &n.MatchID, &n.AmountMinor, &n.Status, &n.Attempts,
		&lastErr, &n.NextAttemptAt, &n.CreatedAt, &n.UpdatedAt); err != nil {
		return Notification{}, err
	}
	n.LastError = nullStr(lastErr)
	return n, nil
}

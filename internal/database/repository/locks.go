package repository

import (
	"context"
	"time"
)

// LockRepo holds per-account matching pass leases.
type LockRepo struct{ db DBTX }

func NewLockRepo(db DBTX) *LockRepo { return &LockRepo{db: db} }

// Acquire takes the account's lease for ttl. It returns false when another
// holder's lease has not yet expired.
func (r *LockRepo) Acquire(ctx context.Context, accountID, token string, now time.Time, ttl time.Duration) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
	INSERT INTO match_run_locks(account_id, token, acquired_at, expires_at) VALUES(?, ?, ?, ?)
	ON CONFLICT(account_id) DO UPDATE SET
	 token = excluded.token,
	 acquired_at = excluded.acquired_at,
	 expires_at = excluded.expires_at
	WHERE match_run_locks.expires_at <= excluded.acquired_at`,
		accountID, token, ts(now), ts(now.Add(ttl)))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release drops the lease if token still holds it.
func (r *LockRepo) Release(ctx context.Context, accountID, token string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM match_run_locks WHERE account_id = ? AND token = ?`, accountID, token)
	return err
}

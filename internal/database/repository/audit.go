package repository

import (
	"context"
	"database/sql"
)

// AuditRepo appends to the audit log. Entries are never modified.
type AuditRepo struct{ db DBTX }

func NewAuditRepo(db DBTX) *AuditRepo { return &AuditRepo{db: db} }

func (r *AuditRepo) Add(ctx context.Context, e AuditEntry) error {
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO audit_log(id, transaction_id, action, actor, reason, prior_status, new_status, prior_match_id, new_match_id, created_at)
	VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.TransactionID, e.Action, e.Actor, e.Reason, e.PriorStatus, e.NewStatus, e.PriorMatchID, e.NewMatchID, ts(e.CreatedAt))
	return err
}

func (r *AuditRepo) ListForTransaction(ctx context.Context, transactionID string) ([]AuditEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
	SELECT id, transaction_id, action, actor, reason, prior_status, new_status, prior_match_id, new_match_id, created_at
	FROM audit_log WHERE transaction_id = ? ORDER BY created_at ASC, rowid ASC`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var prior, next sql.NullString
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.Action, &e.Actor, &e.Reason, &e.PriorStatus, &e.NewStatus,
			&prior, &next, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.PriorMatchID = nullStr(prior)
		e.NewMatchID = nullStr(next)
		out = append(out, e)
	}
	return out, rows.Err()
}

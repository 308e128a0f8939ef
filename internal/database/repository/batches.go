package repository

import (
	"context"
	"database/sql"
	"errors"
)

// BatchRepo stores import batches and their row-level errors.
type BatchRepo struct{ db DBTX }

func NewBatchRepo(db DBTX) *BatchRepo { return &BatchRepo{db: db} }

func (r *BatchRepo) Create(ctx context.Context, b ImportBatch) error {
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO import_batches(
	 id, account_id, source_format, file_name, file_size, file_hash, total_rows, status, started_at)
	VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, b.ID, b.AccountID, b.SourceFormat, b.FileName, b.FileSize, b.FileHash, b.Total, b.Status, ts(b.StartedAt))
	return err
}

func (r *BatchRepo) SetStatus(ctx context.Context, id string, status BatchStatus) error {
	_, err := r.db.ExecContext(ctx, `UPDATE import_batches SET status = ? WHERE id = ? AND finished_at IS NULL`, status, id)
	return err
}

// Close writes final counts and status. Closed batches are immutable: the
// update only applies while finished_at is still NULL.
func (r *BatchRepo) Close(ctx context.Context, b ImportBatch) error {
	res, err := r.db.ExecContext(ctx, `
	UPDATE import_batches SET
	 processed_rows = ?, succeeded_rows = ?, failed_rows = ?, duplicate_rows = ?,
	 status = ?, failure_reason = ?, date_from = ?, date_to = ?, finished_at = ?
	WHERE id = ? AND finished_at IS NULL
	`, b.Processed, b.Succeeded, b.Failed, b.Duplicate, b.Status, b.FailureReason, b.DateFrom, b.DateTo, ts(*b.FinishedAt), b.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

func (r *BatchRepo) AddRowError(ctx context.Context, batchID string, e RowError) error {
	_, err := r.db.ExecContext(ctx, `INSERT OR REPLACE INTO import_row_errors(batch_id, line, reason) VALUES(?, ?, ?)`, batchID, e.Line, e.Reason)
	return err
}

func (r *BatchRepo) Get(ctx context.Context, id string) (*ImportBatch, error) {
	row := r.db.QueryRowContext(ctx, batchSelect+` WHERE id = ?`, id)
	b, err := scanBatch(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	errs, err := r.rowErrors(ctx, id)
	if err != nil {
		return nil, err
	}
	b.Errors = errs
	return &b, nil
}

func (r *BatchRepo) ListByAccount(ctx context.Context, accountID string) ([]ImportBatch, error) {
	rows, err := r.db.QueryContext(ctx, batchSelect+` WHERE account_id = ? ORDER BY started_at DESC, id`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ImportBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r *BatchRepo) rowErrors(ctx context.Context, batchID string) ([]RowError, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT line, reason FROM import_row_errors WHERE batch_id = ? ORDER BY line`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RowError
	for rows.Next() {
		var e RowError
		if err := rows.Scan(&e.Line, &e.Reason); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const batchSelect = `SELECT id, account_id, source_format, file_name, file_size, file_hash,
 total_rows, processed_rows, succeeded_rows, failed_rows, duplicate_rows, status, failure_reason,
 date_from, date_to, started_at, finished_at FROM import_batches`

func scanBatch(row scanner) (ImportBatch, error) {
	var b ImportBatch
	var reason, from, to sql.NullString
	var finished sql.NullTime
	if err := row.Scan(&b.ID, &b.AccountID, &b.SourceFormat, &b.FileName, &b.FileSize, &b.FileHash,
		&b.Total, &b.Processed, &b.Succeeded, &b.Failed, &b.Duplicate, &b.Status, &reason,
		&from, &to, &b.StartedAt, &finished); err != nil {
		return ImportBatch{}, err
	}
	b.FailureReason = nullStr(reason)
	b.DateFrom = nullStr(from)
	b.DateTo = nullStr(to)
	b.FinishedAt = nullTime(finished)
	return b, nil
}

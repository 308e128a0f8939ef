package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// TransactionFilters defines list filters.
type TransactionFilters struct {
	AccountID string
	Status    TxStatus
	From      time.Time // inclusive; zero = open
	To        time.Time // inclusive; zero = open
	Search    string
}

// TransactionRepo handles transactions.
type TransactionRepo struct {
	db DBTX
}

func NewTransactionRepo(db DBTX) *TransactionRepo { return &TransactionRepo{db: db} }

// InsertIfAbsent admits t unless a transaction with the same fingerprint already
// exists on the account. The check and insert are one statement, so concurrent
// imports of overlapping statements cannot both admit the same line.
func (r *TransactionRepo) InsertIfAbsent(ctx context.Context, t Transaction) (bool, error) {
	now := ts(time.Now())
	res, err := r.db.ExecContext(ctx, `
	INSERT INTO transactions(
	 id, account_id, batch_id, txn_date, reference, description, amount, direction,
	 counterparty_name, counterparty_account, channel, fingerprint, status, created_at, updated_at)
	VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(account_id, fingerprint) DO NOTHING;
	`,
		t.ID, t.AccountID, t.BatchID, t.Date.Format(DateLayout), t.Reference, t.Description, t.AmountMinor, t.Direction,
		t.CounterpartyName, t.CounterpartyAccount, t.Channel, t.Fingerprint, t.Status, now, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// TransitionStatus moves a transaction from one status to another and sets its
// variance. It fails with ErrConflict when the current status is not from.
func (r *TransactionRepo) TransitionStatus(ctx context.Context, id string, from, to TxStatus, variance *int64) error {
	res, err := r.db.ExecContext(ctx, `UPDATE transactions SET status = ?, variance = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, variance, ts(time.Now()), id, from)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

func (r *TransactionRepo) Get(ctx context.Context, id string) (*Transaction, error) {
	row := r.db.QueryRowContext(ctx, txSelect+` WHERE id = ?`, id)
	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

// ListUnmatched returns the account's UNMATCHED transactions oldest first.
func (r *TransactionRepo) ListUnmatched(ctx context.Context, accountID string) ([]Transaction, error) {
	return r.List(ctx, TransactionFilters{AccountID: accountID, Status: StatusUnmatched})
}

// List returns transactions ordered oldest first, ties broken by creation then id.
func (r *TransactionRepo) List(ctx context.Context, f TransactionFilters) ([]Transaction, error) {
	var where []string
	var args []any

	if f.AccountID != "" {
		where = append(where, "account_id = ?")
		args = append(args, f.AccountID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if !f.From.IsZero() {
		where = append(where, "txn_date >= ?")
		args = append(args, f.From.Format(DateLayout))
	}
	if !f.To.IsZero() {
		where = append(where, "txn_date <= ?")
		args = append(args, f.To.Format(DateLayout))
	}
	if f.Search != "" {
		where = append(where, "(description LIKE ? OR reference LIKE ?)")
		args = append(args, "%"+f.Search+"%", "%"+f.Search+"%")
	}

	query := txSelect
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY txn_date ASC, created_at ASC, id ASC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CountByStatus returns per-status counts for an account.
func (r *TransactionRepo) CountByStatus(ctx context.Context, accountID string) (map[TxStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM transactions WHERE account_id = ? GROUP BY status`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[TxStatus]int)
	for rows.Next() {
		var s TxStatus
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		out[s] = n
	}
	return out, rows.Err()
}

// UnresolvedVariance sums |variance| over PARTIALLY_MATCHED and DISPUTED
// transactions of the account.
func (r *TransactionRepo) UnresolvedVariance(ctx context.Context, accountID string) (int64, error) {
	var total int64
	err := r.db.QueryRowContext(ctx, `
	SELECT COALESCE(SUM(ABS(variance)), 0) FROM transactions
	WHERE account_id = ? AND status IN (?, ?) AND variance IS NOT NULL`,
		accountID, StatusPartiallyMatched, StatusDisputed).Scan(&total)
	return total, err
}

const txSelect = `SELECT id, account_id, batch_id, txn_date, reference, description, amount, direction,
 counterparty_name, counterparty_account, channel, fingerprint, status, variance, created_at, updated_at FROM transactions`

func scanTransaction(row scanner) (Transaction, error) {
	var t Transaction
	var date string
	var variance sql.NullInt64
	if err := row.Scan(&t.ID, &t.AccountID, &t.BatchID, &date, &t.Reference, &t.Description, &t.AmountMinor, &t.Direction,
		&t.CounterpartyName, &t.CounterpartyAccount, &t.Channel, &t.Fingerprint, &t.Status, &variance, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return Transaction{}, err
	}
	d, err := parseDate(date)
	if err != nil {
		return Transaction{}, err
	}
	t.Date = d
	if variance.Valid {
		v := variance.Int64
		t.VarianceMinor = &v
	}
	return t, nil
}

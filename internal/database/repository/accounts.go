package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// AccountRepo handles accounts.
type AccountRepo struct {
	db DBTX
}

func NewAccountRepo(db DBTX) *AccountRepo {
	return &AccountRepo{db: db}
}

func (r *AccountRepo) Upsert(ctx context.Context, a Account) error {
	now := ts(time.Now())
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO accounts(id, name, channel, provider, is_primary, is_active, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
	 name=excluded.name,
	 channel=excluded.channel,
	 provider=excluded.provider,
	 is_primary=excluded.is_primary,
	 is_active=excluded.is_active,
	 updated_at=excluded.updated_at;
	`, a.ID, a.Name, a.Channel, a.Provider, a.IsPrimary, a.IsActive, now, now)
	return err
}

func (r *AccountRepo) SetActive(ctx context.Context, id string, active bool) error {
	res, err := r.db.ExecContext(ctx, `UPDATE accounts SET is_active = ?, updated_at = ? WHERE id = ?`, active, ts(time.Now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *AccountRepo) Get(ctx context.Context, id string) (*Account, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, name, channel, provider, is_primary, is_active, created_at, updated_at FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

func (r *AccountRepo) List(ctx context.Context) ([]Account, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name, channel, provider, is_primary, is_active, created_at, updated_at FROM accounts ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// HasTransactions reports whether any transaction references the account.
func (r *AccountRepo) HasTransactions(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM transactions WHERE account_id = ?)`, id).Scan(&exists)
	return exists, err
}

func scanAccount(row scanner) (Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.Name, &a.Channel, &a.Provider, &a.IsPrimary, &a.IsActive, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

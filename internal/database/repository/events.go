package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ExpectedEventRepo is the sqlite mirror of the collaborator-owned expected
// events feed. Collaborators load events with Upsert; the engine reads them with
// Query and writes settlement back-references with MarkMatched/MarkReleased.
type ExpectedEventRepo struct{ db *sql.DB }

func NewExpectedEventRepo(db *sql.DB) *ExpectedEventRepo { return &ExpectedEventRepo{db: db} }

// Upsert loads or refreshes an event. Settlement state is left untouched.
func (r *ExpectedEventRepo) Upsert(ctx context.Context, ev ExpectedEvent) error {
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO expected_events(
	 id, account_id, entity_type, entity_id, reference, receipt_id, direction, amount, expected_date, allow_partial, updated_at)
	VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
	 account_id=excluded.account_id,
	 entity_type=excluded.entity_type,
	 entity_id=excluded.entity_id,
	 reference=excluded.reference,
	 receipt_id=excluded.receipt_id,
	 direction=excluded.direction,
	 amount=excluded.amount,
	 expected_date=excluded.expected_date,
	 allow_partial=excluded.allow_partial,
	 updated_at=excluded.updated_at;
	`, ev.ID, ev.AccountID, ev.EntityType, ev.EntityID, ev.Reference, ev.ReceiptID, ev.Direction, ev.AmountMinor,
		ev.ExpectedDate.Format(DateLayout), ev.AllowPartial, ts(time.Now()))
	return err
}

func (r *ExpectedEventRepo) Get(ctx context.Context, id string) (*ExpectedEvent, error) {
	row := r.db.QueryRowContext(ctx, eventSelect+` WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &ev, nil
}

// Query returns the account's events expected within [from, to], including
// fully matched ones (callers filter on FullyMatched).
func (r *ExpectedEventRepo) Query(ctx context.Context, accountID string, from, to time.Time) ([]ExpectedEvent, error) {
	rows, err := r.db.QueryContext(ctx, eventSelect+`
	WHERE account_id = ? AND expected_date >= ? AND expected_date <= ?
	ORDER BY expected_date ASC, id ASC`, accountID, from.Format(DateLayout), to.Format(DateLayout))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ExpectedEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// MarkMatched records that transactionID settles amount of the event. It is
// idempotent per (event, transaction) and refuses events already fully matched.
func (r *ExpectedEventRepo) MarkMatched(ctx context.Context, eventID, transactionID string, amount int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM expected_events WHERE id = ?)`, eventID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}

	now := ts(time.Now())
	res, err := tx.ExecContext(ctx, `
	INSERT INTO event_settlements(event_id, transaction_id, amount, created_at) VALUES(?, ?, ?, ?)
	ON CONFLICT(event_id, transaction_id) DO NOTHING`, eventID, transactionID, amount, now)
	if err != nil {
		return fmt.Errorf("record settlement: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tx.Commit()
	}

	res, err = tx.ExecContext(ctx, `
	UPDATE expected_events SET
	 settled_amount = settled_amount + ?,
	 fully_matched = CASE WHEN allow_partial = 0 OR settled_amount + ? >= amount THEN 1 ELSE 0 END,
	 matched_transaction_id = ?,
	 updated_at = ?
	WHERE id = ? AND fully_matched = 0`, amount, amount, transactionID, now, eventID)
	if err != nil {
		return fmt.Errorf("settle event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrEventSettled
	}
	return tx.Commit()
}

// MarkReleased reverses a settlement made by MarkMatched. Releasing an unknown
// settlement is a no-op.
func (r *ExpectedEventRepo) MarkReleased(ctx context.Context, eventID, transactionID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var amount int64
	err = tx.QueryRowContext(ctx, `SELECT amount FROM event_settlements WHERE event_id = ? AND transaction_id = ?`, eventID, transactionID).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return tx.Commit()
	}
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM event_settlements WHERE event_id = ? AND transaction_id = ?`, eventID, transactionID); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
	UPDATE expected_events SET
	 settled_amount = MAX(settled_amount - ?, 0),
	 fully_matched = CASE WHEN allow_partial = 1 AND settled_amount - ? >= amount THEN 1 ELSE 0 END,
	 matched_transaction_id = CASE WHEN matched_transaction_id = ? THEN NULL ELSE matched_transaction_id END,
	 updated_at = ?
	WHERE id = ?`, amount, amount, transactionID, ts(time.Now()), eventID)
	if err != nil {
		return err
	}
	return tx.Commit()
}

const eventSelect = `SELECT id, account_id, entity_type, entity_id, reference, receipt_id, direction, amount,
 expected_date, allow_partial, settled_amount, fully_matched, matched_transaction_id, updated_at FROM expected_events`

func scanEvent(row scanner) (ExpectedEvent, error) {
	var ev ExpectedEvent
	var date string
	var matched sql.NullString
	if err := row.Scan(&ev.ID, &ev.AccountID, &ev.EntityType, &ev.EntityID, &ev.Reference, &ev.ReceiptID, &ev.Direction,
		&ev.AmountMinor, &date, &ev.AllowPartial, &ev.SettledMinor, &ev.FullyMatched, &matched, &ev.UpdatedAt); err != nil {
		return ExpectedEvent{}, err
	}
	d, err := parseDate(date)
	if err != nil {
		return ExpectedEvent{}, err
	}
	ev.ExpectedDate = d
	ev.MatchedTransactionID = nullStr(matched)
	return ev, nil
}

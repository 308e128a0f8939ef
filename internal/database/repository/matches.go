package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mattn/go-sqlite3"
)

// MatchRepo stores the append-only match ledger. Rows are never updated except
// to mark them superseded.
type MatchRepo struct{ db DBTX }

func NewMatchRepo(db DBTX) *MatchRepo { return &MatchRepo{db: db} }

// Insert appends a match. The partial unique indexes reject a second active
// match for the transaction or a second active exclusive match for the event;
// both surface as ErrConflict.
func (r *MatchRepo) Insert(ctx context.Context, m Match) error {
	var eventDate *string
	if m.EventDate != nil {
		d := m.EventDate.Format(DateLayout)
		eventDate = &d
	}
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO matches(
	 id, transaction_id, event_id, event_entity_type, event_entity_id, event_amount, event_date, exclusive,
	 confidence, rule_id, rules_version, variance, actor, memo, created_at)
	VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.TransactionID, m.EventID, m.EventEntityType, m.EventEntityID, m.EventAmount, eventDate, m.Exclusive,
		m.Confidence, m.RuleID, m.RulesVersion, m.VarianceMinor, m.Actor, m.Memo, ts(m.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return err
	}
	return nil
}

// ActiveForTransaction returns the transaction's current match, or ErrNotFound.
func (r *MatchRepo) ActiveForTransaction(ctx context.Context, transactionID string) (*Match, error) {
	row := r.db.QueryRowContext(ctx, matchSelect+` WHERE transaction_id = ? AND superseded_at IS NULL`, transactionID)
	m, err := scanMatch(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

func (r *MatchRepo) Get(ctx context.Context, id string) (*Match, error) {
	row := r.db.QueryRowContext(ctx, matchSelect+` WHERE id = ?`, id)
	m, err := scanMatch(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

// ActiveExclusiveEventIDs returns the ids of events currently held by an
// active exclusive match.
func (r *MatchRepo) ActiveExclusiveEventIDs(ctx context.Context) (map[string]bool, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT event_id FROM matches WHERE superseded_at IS NULL AND exclusive = 1 AND event_id IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

// ActiveSettledByEvent sums, per event, the transaction amounts of the
// account's active non-exclusive matches: how much of each partial-settlement
// event the ledger already holds, whether or not the feed has heard of it.
func (r *MatchRepo) ActiveSettledByEvent(ctx context.Context, accountID string) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx, `
	SELECT m.event_id, SUM(ABS(t.amount)) FROM matches m
	JOIN transactions t ON t.id = m.transaction_id
	WHERE t.account_id = ? AND m.superseded_at IS NULL AND m.exclusive = 0 AND m.event_id IS NOT NULL
	GROUP BY m.event_id`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int64)
	for rows.Next() {
		var id string
		var sum int64
		if err := rows.Scan(&id, &sum); err != nil {
			return nil, err
		}
		out[id] = sum
	}
	return out, rows.Err()
}

// ActiveSettledForEvent is ActiveSettledByEvent for one event, leaving out
// the match held by exceptTransactionID.
func (r *MatchRepo) ActiveSettledForEvent(ctx context.Context, eventID, exceptTransactionID string) (int64, error) {
	var sum int64
	err := r.db.QueryRowContext(ctx, `
	SELECT COALESCE(SUM(ABS(t.amount)), 0) FROM matches m
	JOIN transactions t ON t.id = m.transaction_id
	WHERE m.event_id = ? AND m.superseded_at IS NULL AND m.exclusive = 0 AND m.transaction_id <> ?`,
		eventID, exceptTransactionID).Scan(&sum)
	return sum, err
}

// Supersede marks an active match as replaced. by may be nil when nothing
// replaces it (unmatch, ignore).
func (r *MatchRepo) Supersede(ctx context.Context, id string, by *string, reason string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
	UPDATE matches SET superseded_at = ?, superseded_by = ?, supersede_reason = ?
	WHERE id = ? AND superseded_at IS NULL`, ts(at), by, reason, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// SetSupersededBy links an already superseded match to its replacement.
func (r *MatchRepo) SetSupersededBy(ctx context.Context, id, by string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE matches SET superseded_by = ? WHERE id = ? AND superseded_at IS NOT NULL`, by, id)
	return err
}

// History returns every match ever recorded for the transaction, oldest first.
func (r *MatchRepo) History(ctx context.Context, transactionID string) ([]Match, error) {
	rows, err := r.db.QueryContext(ctx, matchSelect+` WHERE transaction_id = ? ORDER BY created_at ASC, rowid ASC`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CountActiveByConfidence counts the account's active matches per confidence.
func (r *MatchRepo) CountActiveByConfidence(ctx context.Context, accountID string) (map[Confidence]int, error) {
	rows, err := r.db.QueryContext(ctx, `
	SELECT m.confidence, COUNT(*) FROM matches m
	JOIN transactions t ON t.id = m.transaction_id
	WHERE t.account_id = ? AND m.superseded_at IS NULL
	GROUP BY m.confidence`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[Confidence]int)
	for rows.Next() {
		var c Confidence
		var n int
		if err := rows.Scan(&c, &n); err != nil {
			return nil, err
		}
		out[c] = n
	}
	return out, rows.Err()
}

const matchSelect = `SELECT id, transaction_id, event_id, event_entity_type, event_entity_id, event_amount, event_date,
 exclusive, confidence, rule_id, rules_version, variance, actor, memo, created_at, superseded_at, superseded_by, supersede_reason
 FROM matches`

func scanMatch(row scanner) (Match, error) {
	var m Match
	var eventID, eventDate, ruleID, by, reason sql.NullString
	var eventAmount sql.NullInt64
	var supersededAt sql.NullTime
	if err := row.Scan(&m.ID, &m.TransactionID, &eventID, &m.EventEntityType, &m.EventEntityID, &eventAmount, &eventDate,
		&m.Exclusive, &m.Confidence, &ruleID, &m.RulesVersion, &m.VarianceMinor, &m.Actor, &m.Memo, &m.CreatedAt,
		&supersededAt, &by, &reason); err != nil {
		return Match{}, err
	}
	m.EventID = nullStr(eventID)
	m.RuleID = nullStr(ruleID)
	m.SupersededBy = nullStr(by)
	m.SupersedeReason = nullStr(reason)
	m.SupersededAt = nullTime(supersededAt)
	if eventAmount.Valid {
		v := eventAmount.Int64
		m.EventAmount = &v
	}
	if eventDate.Valid {
		d, err := parseDate(eventDate.String)
		if err != nil {
			return Match{}, err
		}
		m.EventDate = &d
	}
	return m, nil
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

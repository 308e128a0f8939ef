package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// RuleRepo stores match rules.
type RuleRepo struct{ db DBTX }

func NewRuleRepo(db DBTX) *RuleRepo { return &RuleRepo{db: db} }

func (r *RuleRepo) Upsert(ctx context.Context, mr MatchRule) error {
	now := ts(time.Now())
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO match_rules(
	 id, name, priority, kind, confidence, amount_tolerance, date_window_days, pattern, entity_type, is_active, created_at, updated_at)
	VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
	 name=excluded.name,
	 priority=excluded.priority,
	 kind=excluded.kind,
	 confidence=excluded.confidence,
	 amount_tolerance=excluded.amount_tolerance,
	 date_window_days=excluded.date_window_days,
	 pattern=excluded.pattern,
	 entity_type=excluded.entity_type,
	 is_active=excluded.is_active,
	 updated_at=excluded.updated_at;
	`, mr.ID, mr.Name, mr.Priority, mr.Kind, mr.Confidence, mr.AmountTolerance, mr.DateWindowDays,
		mr.Pattern, mr.EntityType, mr.IsActive, now, now)
	return err
}

func (r *RuleRepo) SetActive(ctx context.Context, id string, active bool) error {
	res, err := r.db.ExecContext(ctx, `UPDATE match_rules SET is_active = ?, updated_at = ? WHERE id = ?`, active, ts(time.Now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *RuleRepo) Get(ctx context.Context, id string) (*MatchRule, error) {
	row := r.db.QueryRowContext(ctx, ruleSelect+` WHERE id = ?`, id)
	mr, err := scanRule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &mr, nil
}

// List returns all rules ordered by priority then id.
func (r *RuleRepo) List(ctx context.Context) ([]MatchRule, error) {
	return r.query(ctx, ruleSelect+` ORDER BY priority ASC, id ASC`)
}

// ListActive returns active rules ordered by priority then id.
func (r *RuleRepo) ListActive(ctx context.Context) ([]MatchRule, error) {
	return r.query(ctx, ruleSelect+` WHERE is_active = 1 ORDER BY priority ASC, id ASC`)
}

func (r *RuleRepo) query(ctx context.Context, q string) ([]MatchRule, error) {
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []MatchRule
	for rows.Next() {
		mr, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, mr)
	}
	return out, rows.Err()
}

const ruleSelect = `SELECT id, name, priority, kind, confidence, amount_tolerance, date_window_days,
 pattern, entity_type, is_active, created_at, updated_at FROM match_rules`

func scanRule(row scanner) (MatchRule, error) {
	var mr MatchRule
	err := row.Scan(&mr.ID, &mr.Name, &mr.Priority, &mr.Kind, &mr.Confidence, &mr.AmountTolerance, &mr.DateWindowDays,
		&mr.Pattern, &mr.EntityType, &mr.IsActive, &mr.CreatedAt, &mr.UpdatedAt)
	return mr, err
}

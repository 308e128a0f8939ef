package repository

import (
	"context"
	"time"
)

// SuggestionRepo stores ambiguous candidates for manual review.
type SuggestionRepo struct{ db DBTX }

func NewSuggestionRepo(db DBTX) *SuggestionRepo { return &SuggestionRepo{db: db} }

// Replace swaps the transaction's suggestions for ss.
func (r *SuggestionRepo) Replace(ctx context.Context, transactionID string, ss []Suggestion) error {
	if err := r.Clear(ctx, transactionID); err != nil {
		return err
	}
	now := ts(time.Now())
	for _, s := range ss {
		if _, err := r.db.ExecContext(ctx, `
		INSERT INTO match_suggestions(transaction_id, event_id, rule_id, score, created_at) VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(transaction_id, event_id) DO UPDATE SET score = MAX(score, excluded.score)`,
			transactionID, s.EventID, s.RuleID, s.Score, now); err != nil {
			return err
		}
	}
	return nil
}

func (r *SuggestionRepo) Clear(ctx context.Context, transactionID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM match_suggestions WHERE transaction_id = ?`, transactionID)
	return err
}

// ListForTransaction returns suggestions best score first.
func (r *SuggestionRepo) ListForTransaction(ctx context.Context, transactionID string) ([]Suggestion, error) {
	rows, err := r.db.QueryContext(ctx, `
	SELECT transaction_id, event_id, rule_id, score, created_at FROM match_suggestions
	WHERE transaction_id = ? ORDER BY score DESC, event_id ASC`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Suggestion
	for rows.Next() {
		var s Suggestion
		if err := rows.Scan(&s.TransactionID, &s.EventID, &s.RuleID, &s.Score, &s.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

package service

import (
	"context"
	"database/sql"
	"time"

	"github.com/jask/recon/internal/database/repository"
)

// Analytics aggregates the ledger for reporting. It never writes.
type Analytics struct {
	DB       *sql.DB
	Location *time.Location
	Now      func() time.Time
}

// AgingBuckets counts UNMATCHED transactions by age in days.
type AgingBuckets struct {
	Days0To7     int   `json:"days_0_7"`
	Days8To30    int   `json:"days_8_30"`
	Days31Plus   int   `json:"days_31_plus"`
	Amount0To7   int64 `json:"amount_0_7"`
	Amount8To30  int64 `json:"amount_8_30"`
	Amount31Plus int64 `json:"amount_31_plus"`
}

// Summary is the per-account reconciliation picture.
type Summary struct {
	AccountID           string                        `json:"account_id"`
	AsOf                time.Time                     `json:"as_of"`
	Total               int                           `json:"total"`
	Matched             int                           `json:"matched"`
	MatchRate           float64                       `json:"match_rate"`
	StatusCounts        map[repository.TxStatus]int   `json:"status_counts"`
	Aging               AgingBuckets                  `json:"aging"`
	UnresolvedVariance  int64                         `json:"unresolved_variance"`
	UnmatchedAmount     int64                         `json:"unmatched_amount"`
	MatchesByConfidence map[repository.Confidence]int `json:"matches_by_confidence"`
}

func (a *Analytics) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

// Summary computes match rate, aging and variance totals for an account.
// Matched counts MATCHED, PARTIALLY_MATCHED and MANUAL_MATCH transactions.
func (a *Analytics) Summary(ctx context.Context, accountID string) (Summary, error) {
	txRepo := repository.NewTransactionRepo(a.DB)
	s := Summary{AccountID: accountID, AsOf: a.now().UTC()}

	counts, err := txRepo.CountByStatus(ctx, accountID)
	if err != nil {
		return s, err
	}
	s.StatusCounts = counts
	for status, n := range counts {
		s.Total += n
		if status.IsMatched() {
			s.Matched += n
		}
	}
	if s.Total > 0 {
		s.MatchRate = float64(s.Matched) / float64(s.Total)
	}

	unmatched, err := txRepo.ListUnmatched(ctx, accountID)
	if err != nil {
		return s, err
	}
	today := a.today()
	for _, t := range unmatched {
		age := int(today.Sub(t.Date).Hours() / 24)
		amt := t.AbsAmount()
		s.UnmatchedAmount += amt
		switch {
		case age <= 7:
			s.Aging.Days0To7++
			s.Aging.Amount0To7 += amt
		case age <= 30:
			s.Aging.Days8To30++
			s.Aging.Amount8To30 += amt
		default:
			s.Aging.Days31Plus++
			s.Aging.Amount31Plus += amt
		}
	}

	if s.UnresolvedVariance, err = txRepo.UnresolvedVariance(ctx, accountID); err != nil {
		return s, err
	}
	if s.MatchesByConfidence, err = repository.NewMatchRepo(a.DB).CountActiveByConfidence(ctx, accountID); err != nil {
		return s, err
	}
	return s, nil
}

// today is the current calendar day in the reporting location, expressed as
// a UTC midnight like stored transaction dates.
func (a *Analytics) today() time.Time {
	loc := a.Location
	if loc == nil {
		loc = time.UTC
	}
	n := a.now().In(loc)
	return time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, time.UTC)
}

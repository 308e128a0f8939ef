package report

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jask/recon/internal/database/repository"
	"github.com/jask/recon/internal/service"
)

func TestMoney(t *testing.T) {
	t.Parallel()
	require.Equal(t, "50.00", Money(5000))
	require.Equal(t, "-0.30", Money(-30))
	require.Equal(t, "0.00", Money(0))
	require.Equal(t, "1234567.89", Money(123456789))
}

func TestBatch(t *testing.T) {
	t.Parallel()
	from, to := "2024-01-01", "2024-01-31"
	out := Batch(repository.ImportBatch{
		ID: "b-1", AccountID: "A1", SourceFormat: "generic", FileName: "jan.csv",
		Total: 10, Succeeded: 9, Failed: 1, Status: repository.BatchCompleted,
		DateFrom: &from, DateTo: &to,
		Errors: []repository.RowError{{Line: 5, Reason: `invalid amount "12x4"`}},
	})
	require.Contains(t, out, "jan.csv")
	require.Contains(t, out, "10 total, 9 ok, 0 duplicate, 1 failed")
	require.Contains(t, out, "2024-01-01 to 2024-01-31")
	require.Contains(t, out, `invalid amount "12x4"`)
}

func TestSummary(t *testing.T) {
	t.Parallel()
	out := Summary(service.Summary{
		AccountID: "A1", AsOf: time.Date(2024, 1, 20, 9, 0, 0, 0, time.UTC),
		Total: 5, Matched: 2, MatchRate: 0.4,
		StatusCounts:        map[repository.TxStatus]int{repository.StatusUnmatched: 3, repository.StatusMatched: 2},
		Aging:               service.AgingBuckets{Days0To7: 1, Amount0To7: 1000, Days31Plus: 2, Amount31Plus: 5000},
		UnresolvedVariance:  30,
		UnmatchedAmount:     6000,
		MatchesByConfidence: map[repository.Confidence]int{repository.ConfidenceHigh: 2},
	})
	require.Contains(t, out, "40.0% (2 matched)")
	require.Contains(t, out, "60.00")
	require.Contains(t, out, "0.30")
	require.Contains(t, out, "31+ days")
	require.Contains(t, out, "UNMATCHED")
}

func TestHistory(t *testing.T) {
	t.Parallel()
	event, rule, reason := "INV-77", "exact-amount-date", "wrong invoice"
	at := time.Date(2024, 1, 20, 9, 0, 0, 0, time.UTC)
	out := History(service.TransactionHistory{
		Transaction: repository.Transaction{
			ID: "t-1", Date: at, AmountMinor: 5000, Reference: "QA123XYZ", Status: repository.StatusUnmatched,
		},
		Matches: []repository.Match{{
			ID: "m-1", EventID: &event, RuleID: &rule, Confidence: repository.ConfidenceHigh, Actor: "system",
			CreatedAt: at, SupersededAt: &at, SupersedeReason: &reason,
		}},
		Audit: []repository.AuditEntry{{
			Action: "unmatch", Actor: "alice", PriorStatus: repository.StatusMatched,
			NewStatus: repository.StatusUnmatched, Reason: reason, CreatedAt: at,
		}},
	})
	require.Contains(t, out, "QA123XYZ")
	require.Contains(t, out, "INV-77")
	require.Contains(t, out, "exact-amount-date")
	require.Contains(t, out, "unmatch")
	require.Contains(t, out, "alice")
}

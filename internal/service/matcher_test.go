package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/jask/recon/internal/database"
	"github.com/jask/recon/internal/database/repository"
)

func TestMatch_ReceiptScenarioIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.importRows(t, row("2024-01-15", "50.00", "QA123XYZ", "Payment received"))
	f.event(t, repository.ExpectedEvent{ID: "INV-77", ReceiptID: "QA123XYZ", AmountMinor: 5000, ExpectedDate: day("2024-01-15")})

	res, err := f.svc.Matcher.RunMatchingPass(f.ctx, "A1")
	require.NoError(t, err)
	require.Equal(t, 1, res.Evaluated)
	require.Equal(t, 1, res.Matched)
	require.NotEmpty(t, res.RulesVersion)

	tx := f.txByRef(t, "QA123XYZ")
	require.Equal(t, repository.StatusMatched, tx.Status)
	m, err := f.svc.Ledger.ActiveMatch(f.ctx, tx.ID)
	require.NoError(t, err)
	require.Equal(t, repository.ConfidenceHigh, m.Confidence)
	require.Equal(t, "INV-77", *m.EventID)
	require.Equal(t, res.RulesVersion, m.RulesVersion)
	require.Equal(t, "system", m.Actor)

	ev, err := f.svc.Events.Get(f.ctx, "INV-77")
	require.NoError(t, err)
	require.True(t, ev.FullyMatched)
	require.Equal(t, tx.ID, *ev.MatchedTransactionID)

	again, err := f.svc.Matcher.RunMatchingPass(f.ctx, "A1")
	require.NoError(t, err)
	require.Zero(t, again.Evaluated)
	require.Zero(t, again.Matched)

	h, err := f.svc.Ledger.History(f.ctx, tx.ID)
	require.NoError(t, err)
	require.Len(t, h.Matches, 1)
}

func TestMatch_ReceiptRuleToleratesDateDrift(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.importRows(t, row("2024-01-17", "50.00", "QA123XYZ", ""))
	f.event(t, repository.ExpectedEvent{ID: "INV-77", ReceiptID: "qa123xyz", AmountMinor: 5000, ExpectedDate: day("2024-01-15")})

	_, err := f.svc.Matcher.RunMatchingPass(f.ctx, "A1")
	require.NoError(t, err)
	m, err := f.svc.Ledger.ActiveMatch(f.ctx, f.txByRef(t, "QA123XYZ").ID)
	require.NoError(t, err)
	require.Equal(t, "channel-receipt-id", *m.RuleID)
	require.Equal(t, repository.ConfidenceHigh, m.Confidence)
}

func TestMatch_ExactRuleWinsOverFuzzy(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.importRows(t, row("2024-01-10", "25.00", "TRF-1", "Transfer"))
	f.event(t, repository.ExpectedEvent{ID: "E-1", AmountMinor: 2500, ExpectedDate: day("2024-01-10")})

	_, err := f.svc.Matcher.RunMatchingPass(f.ctx, "A1")
	require.NoError(t, err)
	m, err := f.svc.Ledger.ActiveMatch(f.ctx, f.txByRef(t, "TRF-1").ID)
	require.NoError(t, err)
	require.Equal(t, "exact-amount-date", *m.RuleID)
	require.Equal(t, repository.ConfidenceHigh, m.Confidence)
}

func TestMatch_AmbiguousCandidatesStayUnmatched(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.importRows(t, row("2024-01-10", "25.00", "TRF-1", "Transfer"))
	f.event(t, repository.ExpectedEvent{ID: "E-1", AmountMinor: 2500, ExpectedDate: day("2024-01-10")})
	f.event(t, repository.ExpectedEvent{ID: "E-2", AmountMinor: 2500, ExpectedDate: day("2024-01-10")})

	res, err := f.svc.Matcher.RunMatchingPass(f.ctx, "A1")
	require.NoError(t, err)
	require.Equal(t, 0, res.Matched)
	require.Equal(t, 1, res.Ambiguous)

	tx := f.txByRef(t, "TRF-1")
	require.Equal(t, repository.StatusUnmatched, tx.Status)
	require.Zero(t, f.activeMatches(t, tx.ID))

	h, err := f.svc.Ledger.History(f.ctx, tx.ID)
	require.NoError(t, err)
	require.Len(t, h.Suggestions, 2)
	require.Equal(t, "exact-amount-date", h.Suggestions[0].RuleID)

	// Resolving one candidate elsewhere makes the other unique.
	require.NoError(t, f.svc.Events.MarkMatched(f.ctx, "E-1", "elsewhere", 2500))
	res, err = f.svc.Matcher.RunMatchingPass(f.ctx, "A1")
	require.NoError(t, err)
	require.Equal(t, 1, res.Matched)
	h, err = f.svc.Ledger.History(f.ctx, tx.ID)
	require.NoError(t, err)
	require.Empty(t, h.Suggestions)
	require.Equal(t, "E-2", *h.Matches[0].EventID)
}

func TestMatch_ReferencePatternCarriesMediumConfidence(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.importRows(t, row("2024-01-12", "10.00", "", "Payment for inv-88 thanks"))
	f.event(t, repository.ExpectedEvent{ID: "evt-88", EntityID: "INV-88", AmountMinor: 1000, ExpectedDate: day("2024-01-15")})
	f.event(t, repository.ExpectedEvent{ID: "evt-89", EntityID: "INV-89", AmountMinor: 1000, ExpectedDate: day("2024-01-15")})

	_, err := f.svc.Matcher.RunMatchingPass(f.ctx, "A1")
	require.NoError(t, err)

	txs, err := repository.NewTransactionRepo(f.db).List(f.ctx, repository.TransactionFilters{AccountID: "A1"})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	m, err := f.svc.Ledger.ActiveMatch(f.ctx, txs[0].ID)
	require.NoError(t, err)
	require.Equal(t, "evt-88", *m.EventID)
	require.Equal(t, repository.ConfidenceMedium, m.Confidence)
}

func TestMatch_PartialWithinTolerance(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.svc.Matcher.Params.PartialAbs = 50

	f.importRows(t, row("2024-01-11", "49.70", "TRF-9", ""))
	f.event(t, repository.ExpectedEvent{ID: "E-9", AmountMinor: 5000, ExpectedDate: day("2024-01-10")})

	res, err := f.svc.Matcher.RunMatchingPass(f.ctx, "A1")
	require.NoError(t, err)
	require.Equal(t, 1, res.Matched)
	require.Equal(t, 1, res.Partial)

	tx := f.txByRef(t, "TRF-9")
	require.Equal(t, repository.StatusPartiallyMatched, tx.Status)
	require.Equal(t, int64(-30), *tx.VarianceMinor)
	m, err := f.svc.Ledger.ActiveMatch(f.ctx, tx.ID)
	require.NoError(t, err)
	require.Equal(t, repository.ConfidenceLow, m.Confidence)
	require.Equal(t, int64(5000), *m.EventAmount)
}

func TestMatch_VarianceBeyondPartialToleranceStaysUnmatched(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.importRows(t, row("2024-01-10", "49.70", "TRF-9", ""))
	f.event(t, repository.ExpectedEvent{ID: "E-9", AmountMinor: 5000, ExpectedDate: day("2024-01-10")})

	res, err := f.svc.Matcher.RunMatchingPass(f.ctx, "A1")
	require.NoError(t, err)
	require.Equal(t, 1, res.Unmatched)
	require.Equal(t, repository.StatusUnmatched, f.txByRef(t, "TRF-9").Status)
}

func TestMatch_DirectionMustAgree(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.importRows(t, row("2024-01-10", "-25.00", "TRF-1", ""))
	f.event(t, repository.ExpectedEvent{ID: "E-1", AmountMinor: 2500, ExpectedDate: day("2024-01-10")})

	res, err := f.svc.Matcher.RunMatchingPass(f.ctx, "A1")
	require.NoError(t, err)
	require.Equal(t, 1, res.Unmatched)
}

func TestMatch_EventSettledOnlyOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.importRows(t,
		row("2024-01-10", "25.00", "TRF-1", ""),
		row("2024-01-10", "25.00", "TRF-2", ""),
	)
	f.event(t, repository.ExpectedEvent{ID: "E-1", AmountMinor: 2500, ExpectedDate: day("2024-01-10")})

	res, err := f.svc.Matcher.RunMatchingPass(f.ctx, "A1")
	require.NoError(t, err)
	require.Equal(t, 1, res.Matched)
	require.Equal(t, 1, res.Unmatched)

	var n int
	require.NoError(t, f.db.QueryRowContext(f.ctx, `SELECT COUNT(*) FROM matches WHERE event_id = 'E-1' AND superseded_at IS NULL`).Scan(&n))
	require.Equal(t, 1, n)
}

func TestMatch_IsDeterministic(t *testing.T) {
	t.Parallel()

	assign := func() map[string]string {
		f := newFixture(t)
		f.importRows(t,
			row("2024-01-10", "25.00", "TRF-1", ""),
			row("2024-01-11", "25.00", "TRF-2", ""),
			row("2024-01-12", "25.00", "TRF-3", ""),
		)
		f.event(t, repository.ExpectedEvent{ID: "E-1", AmountMinor: 2500, ExpectedDate: day("2024-01-10")})
		f.event(t, repository.ExpectedEvent{ID: "E-2", AmountMinor: 2500, ExpectedDate: day("2024-01-12")})
		f.event(t, repository.ExpectedEvent{ID: "E-3", AmountMinor: 2500, ExpectedDate: day("2024-01-13")})
		_, err := f.svc.Matcher.RunMatchingPass(f.ctx, "A1")
		require.NoError(t, err)

		out := make(map[string]string)
		for _, ref := range []string{"TRF-1", "TRF-2", "TRF-3"} {
			tx := f.txByRef(t, ref)
			m, err := f.svc.Ledger.ActiveMatch(f.ctx, tx.ID)
			if errors.Is(err, ErrNoActiveMatch) {
				out[ref] = ""
				continue
			}
			require.NoError(t, err)
			out[ref] = *m.EventID + "/" + *m.RuleID
		}
		return out
	}

	first := assign()
	require.Equal(t, "E-1/exact-amount-date", first["TRF-1"])
	for i := 0; i < 3; i++ {
		require.Equal(t, first, assign())
	}
}

func TestMatch_IgnoredTransactionsAreSkipped(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.importRows(t, row("2024-01-10", "25.00", "TRF-1", ""))
	f.event(t, repository.ExpectedEvent{ID: "E-1", AmountMinor: 2500, ExpectedDate: day("2024-01-10")})
	tx := f.txByRef(t, "TRF-1")
	require.NoError(t, f.svc.Exceptions.Ignore(f.ctx, tx.ID, "ops", "bank fee reversal"))

	res, err := f.svc.Matcher.RunMatchingPass(f.ctx, "A1")
	require.NoError(t, err)
	require.Zero(t, res.Evaluated)
	require.Equal(t, repository.StatusIgnored, f.txByRef(t, "TRF-1").Status)
}

func TestMatch_ConcurrentPassRejected(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	ok, err := repository.NewLockRepo(f.db).Acquire(f.ctx, "A1", "other-process", fixedNow, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.svc.Matcher.RunMatchingPass(f.ctx, "A1")
	require.ErrorIs(t, err, ErrPassInProgress)

	// Once the other holder's lease expires the pass can run.
	f.svc.Matcher.Now = func() time.Time { return fixedNow.Add(2 * time.Minute) }
	_, err = f.svc.Matcher.RunMatchingPass(f.ctx, "A1")
	require.NoError(t, err)
}

func TestMatch_CancelledPassKeepsCommittedWork(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.importRows(t, row("2024-01-10", "25.00", "TRF-1", ""))
	ctx, cancel := context.WithCancel(f.ctx)
	cancel()
	_, err := f.svc.Matcher.RunMatchingPass(ctx, "A1")
	require.ErrorIs(t, err, context.Canceled)

	// Nothing was left locked, so a fresh pass runs.
	_, err = f.svc.Matcher.RunMatchingPass(f.ctx, "A1")
	require.NoError(t, err)
}

type failingFeed struct {
	*repository.ExpectedEventRepo
}

func (failingFeed) MarkMatched(context.Context, string, string, int64) error {
	return errors.New("ledger service unavailable")
}

func TestMatch_NotificationFailureKeepsMatch(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.svc.Notifier.Feed = failingFeed{f.svc.Events}

	f.importRows(t, row("2024-01-15", "50.00", "QA123XYZ", ""))
	f.event(t, repository.ExpectedEvent{ID: "INV-77", ReceiptID: "QA123XYZ", AmountMinor: 5000, ExpectedDate: day("2024-01-15")})

	res, err := f.svc.Matcher.RunMatchingPass(f.ctx, "A1")
	require.NoError(t, err)
	require.Equal(t, 1, res.Matched)
	require.Equal(t, repository.StatusMatched, f.txByRef(t, "QA123XYZ").Status)

	ev, err := f.svc.Events.Get(f.ctx, "INV-77")
	require.NoError(t, err)
	require.False(t, ev.FullyMatched)

	counts, err := repository.NewNotificationRepo(f.db).CountByStatus(f.ctx)
	require.NoError(t, err)
	require.Equal(t, 1, counts[repository.NotificationPending])

	// The retry job delivers once the feed recovers.
	f.svc.Notifier.Feed = f.svc.Events
	f.svc.Notifier.Now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	stats, err := f.svc.Notifier.DeliverPending(f.ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Sent)

	ev, err = f.svc.Events.Get(f.ctx, "INV-77")
	require.NoError(t, err)
	require.True(t, ev.FullyMatched)
}

func TestMatch_PartialEventSettledFromLedger(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.svc.Notifier.Feed = failingFeed{f.svc.Events}
	f.svc.Matcher.Params.PartialPercent = decimal.NewFromInt(60)
	for _, r := range database.DefaultRules() {
		if r.Kind == repository.RuleFuzzyTolerant {
			r.AmountTolerance = 10000
			require.NoError(t, f.svc.Rules.Save(f.ctx, r))
		}
	}
	f.event(t, repository.ExpectedEvent{ID: "INV-P", AmountMinor: 10000, ExpectedDate: day("2024-01-10"), AllowPartial: true})

	f.importRows(t, row("2024-01-10", "50.00", "TRF-1", ""))
	res, err := f.svc.Matcher.RunMatchingPass(f.ctx, "A1")
	require.NoError(t, err)
	require.Equal(t, 1, res.Partial)
	require.Equal(t, repository.StatusPartiallyMatched, f.txByRef(t, "TRF-1").Status)

	// The feed never heard of the first settlement.
	ev, err := f.svc.Events.Get(f.ctx, "INV-P")
	require.NoError(t, err)
	require.Zero(t, ev.SettledMinor)

	f.importRows(t,
		row("2024-01-11", "100.00", "TRF-2", ""),
		row("2024-01-12", "50.00", "TRF-3", ""),
	)
	res, err = f.svc.Matcher.RunMatchingPass(f.ctx, "A1")
	require.NoError(t, err)
	require.Equal(t, 1, res.Matched)
	require.Equal(t, repository.StatusUnmatched, f.txByRef(t, "TRF-2").Status)

	tx3 := f.txByRef(t, "TRF-3")
	require.Equal(t, repository.StatusMatched, tx3.Status)
	m, err := f.svc.Ledger.ActiveMatch(f.ctx, tx3.ID)
	require.NoError(t, err)
	require.Equal(t, int64(5000), *m.EventAmount)

	settled, err := repository.NewMatchRepo(f.db).ActiveSettledByEvent(f.ctx, "A1")
	require.NoError(t, err)
	require.Equal(t, int64(10000), settled["INV-P"])

	// Nothing is left to settle, for the matcher or a person.
	_, err = f.svc.Exceptions.ManualMatch(f.ctx, ManualMatchRequest{TransactionID: f.txByRef(t, "TRF-2").ID, EventID: "INV-P", Actor: "bob"})
	require.ErrorIs(t, err, ErrEventAlreadyMatched)
}

func TestMatch_RejectsInactiveAccount(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, f.svc.Accounts.SetActive(f.ctx, "A1", false))
	_, err := f.svc.Matcher.RunMatchingPass(f.ctx, "A1")
	require.ErrorIs(t, err, ErrAccountInactive)
}

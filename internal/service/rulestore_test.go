package service

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jask/recon/internal/database/repository"
)

const ruleYAML = `
rules:
  - id: purchase-order
    name: Purchase order number
    priority: 25
    kind: REFERENCE_PATTERN
    pattern: '(?i)\b(PO-\d+)\b'
    date_window_days: 10
  - id: fuzzy-tolerant
    priority: 40
    kind: FUZZY_TOLERANT
    amount_tolerance: 100
    date_window_days: 3
    active: false
`

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	n, err := f.svc.Rules.LoadYAML(f.ctx, strings.NewReader(ruleYAML))
	require.NoError(t, err)
	require.Equal(t, 2, n)

	rules, err := f.svc.Rules.List(f.ctx)
	require.NoError(t, err)
	byID := make(map[string]repository.MatchRule)
	for _, mr := range rules {
		byID[mr.ID] = mr
	}
	po := byID["purchase-order"]
	require.True(t, po.IsActive)
	require.Equal(t, repository.ConfidenceMedium, po.Confidence)
	require.Equal(t, "Purchase order number", po.Name)
	require.False(t, byID["fuzzy-tolerant"].IsActive)
	require.Equal(t, "fuzzy-tolerant", byID["fuzzy-tolerant"].Name)

	set, err := f.svc.Rules.Snapshot(f.ctx)
	require.NoError(t, err)
	var ids []string
	for _, r := range set.Rules {
		ids = append(ids, r.ID)
	}
	require.Equal(t, []string{"exact-amount-date", "channel-receipt-id", "purchase-order", "invoice-reference"}, ids)
}

func TestLoadYAML_RejectsWholeFile(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	doc := `
rules:
  - id: ok
    priority: 5
    kind: EXACT_AMOUNT_DATE
  - id: broken
    priority: 6
    kind: REFERENCE_PATTERN
    pattern: '(unclosed'
`
	_, err := f.svc.Rules.LoadYAML(f.ctx, strings.NewReader(doc))
	require.ErrorIs(t, err, ErrInvalidRule)

	rules, err := f.svc.Rules.List(f.ctx)
	require.NoError(t, err)
	for _, mr := range rules {
		require.NotEqual(t, "ok", mr.ID)
	}
}

func TestSave_Validation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	cases := []repository.MatchRule{
		{Kind: repository.RuleExactAmountDate},
		{ID: "x", Kind: "SOUNDEX"},
		{ID: "x", Kind: repository.RuleReferencePattern},
		{ID: "x", Kind: repository.RuleFuzzyTolerant, AmountTolerance: -1},
		{ID: "x", Kind: repository.RuleFuzzyTolerant, Confidence: "SURE"},
	}
	for _, mr := range cases {
		require.ErrorIs(t, f.svc.Rules.Save(f.ctx, mr), ErrInvalidRule, "%+v", mr)
	}

	require.NoError(t, f.svc.Rules.Save(f.ctx, repository.MatchRule{
		ID: "receipt-wide", Priority: 15, Kind: repository.RuleChannelReceiptID, DateWindowDays: 14, IsActive: true,
	}))
	rules, err := f.svc.Rules.ActiveRules(f.ctx)
	require.NoError(t, err)
	require.Equal(t, "receipt-wide", rules[1].ID)
	require.Equal(t, repository.ConfidenceHigh, rules[1].Confidence)
}

func TestRuleChangeAppliesToNextPass(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.importRows(t, row("2024-01-05", "75.00", "", "Settlement PO-31 March"))
	f.event(t, repository.ExpectedEvent{ID: "E-PO", EntityType: "purchase_order", EntityID: "PO-31", AmountMinor: 7500, ExpectedDate: day("2024-01-12")})

	res, err := f.svc.Matcher.RunMatchingPass(f.ctx, "A1")
	require.NoError(t, err)
	require.Equal(t, 1, res.Unmatched)
	before := res.RulesVersion

	_, err = f.svc.Rules.LoadYAML(f.ctx, strings.NewReader(ruleYAML))
	require.NoError(t, err)
	res, err = f.svc.Matcher.RunMatchingPass(f.ctx, "A1")
	require.NoError(t, err)
	require.Equal(t, 1, res.Matched)
	require.NotEqual(t, before, res.RulesVersion)

	m, err := f.svc.Ledger.ActiveMatch(f.ctx, f.txByRef(t, "").ID)
	require.NoError(t, err)
	require.Equal(t, "purchase-order", *m.RuleID)
	require.Equal(t, res.RulesVersion, m.RulesVersion)
	require.Equal(t, repository.ConfidenceMedium, m.Confidence)
}

func TestNewRuleSet_OrderAndVersion(t *testing.T) {
	t.Parallel()
	a := repository.MatchRule{ID: "a", Priority: 20, Kind: repository.RuleExactAmountDate, Confidence: repository.ConfidenceHigh, IsActive: true}
	b := repository.MatchRule{ID: "b", Priority: 10, Kind: repository.RuleFuzzyTolerant, Confidence: repository.ConfidenceLow, IsActive: true}
	c := repository.MatchRule{ID: "c", Priority: 10, Kind: repository.RuleFuzzyTolerant, Confidence: repository.ConfidenceLow, IsActive: true}
	off := repository.MatchRule{ID: "off", Priority: 1, Kind: repository.RuleExactAmountDate, Confidence: repository.ConfidenceHigh}

	s1, err := NewRuleSet([]repository.MatchRule{a, c, off, b})
	require.NoError(t, err)
	s2, err := NewRuleSet([]repository.MatchRule{b, a, c})
	require.NoError(t, err)
	require.Len(t, s1.Rules, 3)
	require.Equal(t, "b", s1.Rules[0].ID)
	require.Equal(t, "c", s1.Rules[1].ID)
	require.Equal(t, "a", s1.Rules[2].ID)
	require.Equal(t, s1.Version, s2.Version)
	require.Len(t, s1.Version, 16)

	// Timestamps are not part of the version.
	a.UpdatedAt = time.Now()
	s3, err := NewRuleSet([]repository.MatchRule{a, b, c})
	require.NoError(t, err)
	require.Equal(t, s1.Version, s3.Version)

	a.DateWindowDays = 2
	s4, err := NewRuleSet([]repository.MatchRule{a, b, c})
	require.NoError(t, err)
	require.NotEqual(t, s1.Version, s4.Version)
}

func TestDefaultConfidence(t *testing.T) {
	t.Parallel()
	require.Equal(t, repository.ConfidenceHigh, DefaultConfidence(repository.RuleExactAmountDate))
	require.Equal(t, repository.ConfidenceHigh, DefaultConfidence(repository.RuleChannelReceiptID))
	require.Equal(t, repository.ConfidenceMedium, DefaultConfidence(repository.RuleReferencePattern))
	require.Equal(t, repository.ConfidenceLow, DefaultConfidence(repository.RuleFuzzyTolerant))
}

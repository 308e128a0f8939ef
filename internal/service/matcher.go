package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/jask/recon/internal/config"
	"github.com/jask/recon/internal/database"
	"github.com/jask/recon/internal/database/repository"
	"github.com/jask/recon/internal/logger"
)

// MatchParams are the deployment-tunable bounds of a matching pass.
type MatchParams struct {
	LookbackDays  int
	LookaheadDays int
	// A non-zero variance qualifies when |variance| <= max(PartialAbs,
	// PartialPercent% of the expected amount). Zero values disable partials.
	PartialAbs     int64
	PartialPercent decimal.Decimal
	LockTTL        time.Duration
}

// ParamsFromConfig converts the matching section of the config.
func ParamsFromConfig(c config.MatchingConfig) (MatchParams, error) {
	p := MatchParams{
		LookbackDays:  c.LookbackDays,
		LookaheadDays: c.LookaheadDays,
		PartialAbs:    c.PartialToleranceMinor,
		LockTTL:       c.LockTTL,
	}
	if c.PartialTolerancePercent != "" {
		pct, err := decimal.NewFromString(c.PartialTolerancePercent)
		if err != nil {
			return p, fmt.Errorf("matching.partial_tolerance_percent: %w", err)
		}
		p.PartialPercent = pct
	}
	return p, nil
}

func (p MatchParams) withinPartial(variance, expected int64) bool {
	limit := p.PartialAbs
	if p.PartialPercent.IsPositive() {
		pct := decimal.NewFromInt(expected).Mul(p.PartialPercent).Div(decimal.NewFromInt(100)).IntPart()
		if pct > limit {
			limit = pct
		}
	}
	return abs(variance) <= limit
}

// Matcher links UNMATCHED transactions to expected events.
type Matcher struct {
	DB       *sql.DB
	Accounts *AccountService
	Rules    *RuleStore
	Feed     EventFeed
	Ledger   *Ledger
	Notifier *Notifier
	Params   MatchParams
	Now      func() time.Time
}

// PassResult summarises one matching pass. Matched includes Partial.
type PassResult struct {
	AccountID    string
	RulesVersion string
	Evaluated    int
	Matched      int
	Partial      int
	Ambiguous    int
	Unmatched    int
}

func (m *Matcher) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// RunMatchingPass snapshots the active rules and runs a pass with them.
func (m *Matcher) RunMatchingPass(ctx context.Context, accountID string) (PassResult, error) {
	rs, err := m.Rules.Snapshot(ctx)
	if err != nil {
		return PassResult{AccountID: accountID}, fmt.Errorf("snapshot rules: %w", err)
	}
	return m.Run(ctx, accountID, rs)
}

// Run matches the account's UNMATCHED transactions, oldest first, with rs.
// At most one pass per account runs at a time; a concurrent call fails with
// ErrPassInProgress. Cancellation stops between transactions and keeps
// whatever was already committed.
func (m *Matcher) Run(ctx context.Context, accountID string, rs RuleSet) (PassResult, error) {
	res := PassResult{AccountID: accountID, RulesVersion: rs.Version}
	if _, err := m.Accounts.Active(ctx, accountID); err != nil {
		return res, err
	}

	locks := repository.NewLockRepo(m.DB)
	token := uuid.NewString()
	ttl := m.Params.LockTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	ok, err := locks.Acquire(ctx, accountID, token, m.now(), ttl)
	if err != nil {
		return res, fmt.Errorf("acquire pass lock: %w", err)
	}
	if !ok {
		return res, ErrPassInProgress
	}
	defer func() {
		if err := locks.Release(context.WithoutCancel(ctx), accountID, token); err != nil {
			logger.L.Error("release pass lock", "account_id", accountID, "err", err)
		}
	}()

	txs, err := repository.NewTransactionRepo(m.DB).ListUnmatched(ctx, accountID)
	if err != nil {
		return res, err
	}
	if len(txs) == 0 {
		return res, nil
	}

	from := txs[0].Date.AddDate(0, 0, -m.Params.LookbackDays)
	to := txs[len(txs)-1].Date.AddDate(0, 0, m.Params.LookaheadDays)
	events, err := m.Feed.Query(ctx, accountID, from, to)
	if err != nil {
		return res, fmt.Errorf("query expected events: %w", err)
	}
	matches := repository.NewMatchRepo(m.DB)
	held, err := matches.ActiveExclusiveEventIDs(ctx)
	if err != nil {
		return res, err
	}
	settled, err := matches.ActiveSettledByEvent(ctx, accountID)
	if err != nil {
		return res, err
	}

	for _, t := range txs {
		if err := ctx.Err(); err != nil {
			logger.L.Warn("matching pass cancelled", "account_id", accountID, "evaluated", res.Evaluated)
			return res, err
		}
		res.Evaluated++

		pool := m.candidates(t, events, held, settled)
		pick, ambiguous := evaluate(rs, m.Params, t, pool)
		if pick == nil {
			if len(ambiguous) > 0 {
				res.Ambiguous++
			} else {
				res.Unmatched++
			}
			if err := m.suggest(ctx, t, ambiguous); err != nil {
				return res, err
			}
			continue
		}

		notify, err := m.link(ctx, t, *pick, rs.Version)
		if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrEventAlreadyMatched) || errors.Is(err, ErrActiveMatchExists) {
			// Changed underneath the pass; the next pass sees the new state.
			logger.L.Warn("skip transaction", "account_id", accountID, "transaction_id", t.ID, "err", err)
			res.Unmatched++
			continue
		}
		if err != nil {
			return res, err
		}
		if pick.event.AllowPartial {
			settled[pick.event.ID] += t.AbsAmount()
		} else {
			held[pick.event.ID] = true
		}
		res.Matched++
		if pick.variance != 0 {
			res.Partial++
		}
		if m.Notifier != nil {
			m.Notifier.Deliver(ctx, notify...)
		}
	}

	logger.L.Info("matching pass complete",
		"account_id", accountID,
		"rules_version", rs.Version,
		"evaluated", res.Evaluated,
		"matched", res.Matched,
		"partial", res.Partial,
		"ambiguous", res.Ambiguous,
		"unmatched", res.Unmatched,
	)
	return res, nil
}

// candidates returns events t could settle before any rule is applied:
// same direction, inside the pass window, not already settled or held.
// Partial-settlement events are offered at their outstanding amount as the
// ledger sees it; the feed's settled amount lags behind undelivered
// notifications.
func (m *Matcher) candidates(t repository.Transaction, events []repository.ExpectedEvent, held map[string]bool, settled map[string]int64) []repository.ExpectedEvent {
	lo := t.Date.AddDate(0, 0, -m.Params.LookbackDays)
	hi := t.Date.AddDate(0, 0, m.Params.LookaheadDays)
	var out []repository.ExpectedEvent
	for _, ev := range events {
		if held[ev.ID] || ev.Direction != t.Direction {
			continue
		}
		if ev.FullyMatched && !ev.AllowPartial {
			continue
		}
		if ev.ExpectedDate.Before(lo) || ev.ExpectedDate.After(hi) {
			continue
		}
		if ev.AllowPartial {
			outstanding := ev.AmountMinor - settled[ev.ID]
			if outstanding <= 0 {
				continue
			}
			ev.AmountMinor = outstanding
		}
		out = append(out, ev)
	}
	return out
}

type hit struct {
	rule     CompiledRule
	event    repository.ExpectedEvent
	variance int64
}

type ambiguousHit struct {
	ruleID string
	event  repository.ExpectedEvent
}

// evaluate walks rules in order and returns the first unique hit. Candidates
// of rules that hit more than once are returned when nothing matched.
func evaluate(rs RuleSet, p MatchParams, t repository.Transaction, pool []repository.ExpectedEvent) (*hit, []ambiguousHit) {
	var ambiguous []ambiguousHit
	seen := make(map[string]bool)
	for _, r := range rs.Rules {
		var hits []hit
		for _, ev := range pool {
			if v, ok := r.qualifies(p, t, ev); ok {
				hits = append(hits, hit{rule: r, event: ev, variance: v})
			}
		}
		switch {
		case len(hits) == 1:
			return &hits[0], nil
		case len(hits) > 1:
			for _, h := range hits {
				if !seen[h.event.ID] {
					seen[h.event.ID] = true
					ambiguous = append(ambiguous, ambiguousHit{ruleID: r.ID, event: h.event})
				}
			}
		}
	}
	return nil, ambiguous
}

// qualifies applies the rule's predicate and returns the variance
// (|transaction amount| - expected amount).
func (r CompiledRule) qualifies(p MatchParams, t repository.Transaction, ev repository.ExpectedEvent) (int64, bool) {
	variance := t.AbsAmount() - ev.AmountMinor
	days := daysApart(t.Date, ev.ExpectedDate)

	switch r.Kind {
	case repository.RuleExactAmountDate:
		return 0, variance == 0 && days == 0
	case repository.RuleChannelReceiptID:
		if !receiptMatches(t, ev.ReceiptID) {
			return 0, false
		}
	case repository.RuleReferencePattern:
		if !r.referenceMatches(t, ev) {
			return 0, false
		}
	case repository.RuleFuzzyTolerant:
	default:
		return 0, false
	}
	if days > r.DateWindowDays {
		return 0, false
	}
	if abs(variance) > r.AmountTolerance {
		return 0, false
	}
	if variance != 0 && !p.withinPartial(variance, ev.AmountMinor) {
		return 0, false
	}
	return variance, true
}

func receiptMatches(t repository.Transaction, receipt string) bool {
	receipt = strings.ToUpper(strings.TrimSpace(receipt))
	if receipt == "" {
		return false
	}
	return strings.Contains(strings.ToUpper(t.Reference), receipt) ||
		strings.Contains(strings.ToUpper(t.Description), receipt)
}

func (r CompiledRule) referenceMatches(t repository.Transaction, ev repository.ExpectedEvent) bool {
	if r.re == nil {
		return false
	}
	if r.EntityType != "" && !strings.EqualFold(r.EntityType, ev.EntityType) {
		return false
	}
	for _, text := range []string{t.Reference, t.Description} {
		if text == "" {
			continue
		}
		sub := r.re.FindStringSubmatch(text)
		if sub == nil {
			continue
		}
		if len(sub) < 2 {
			return true
		}
		key := strings.TrimSpace(sub[1])
		return strings.EqualFold(key, ev.EntityID) || (ev.Reference != "" && strings.EqualFold(key, ev.Reference))
	}
	return false
}

// link commits the match, status change and outbox row in one transaction.
func (m *Matcher) link(ctx context.Context, t repository.Transaction, h hit, version string) ([]string, error) {
	status := repository.StatusMatched
	if h.variance != 0 {
		status = repository.StatusPartiallyMatched
	}
	ev := h.event
	ruleID := h.rule.ID
	eventID := ev.ID
	amount := ev.AmountMinor
	date := ev.ExpectedDate
	match := repository.Match{
		EventID:         &eventID,
		EventEntityType: ev.EntityType,
		EventEntityID:   ev.EntityID,
		EventAmount:     &amount,
		EventDate:       &date,
		Exclusive:       !ev.AllowPartial,
		Confidence:      h.rule.Confidence,
		RuleID:          &ruleID,
		RulesVersion:    version,
		VarianceMinor:   h.variance,
		Actor:           "system",
	}
	var notify []string
	err := database.WithTx(ctx, m.DB, func(tx *sql.Tx) error {
		ids, err := m.Ledger.attach(ctx, tx, t, status, match)
		notify = ids
		return err
	})
	if err != nil {
		return nil, err
	}
	logger.L.Info("transaction matched",
		"account_id", t.AccountID,
		"transaction_id", t.ID,
		"event_id", ev.ID,
		"rule_id", ruleID,
		"confidence", h.rule.Confidence,
		"variance", h.variance,
	)
	return notify, nil
}

// suggest replaces the transaction's suggestions with the ambiguous
// candidates, best similarity first.
func (m *Matcher) suggest(ctx context.Context, t repository.Transaction, amb []ambiguousHit) error {
	repo := repository.NewSuggestionRepo(m.DB)
	if len(amb) == 0 {
		return repo.Clear(ctx, t.ID)
	}
	out := make([]repository.Suggestion, 0, len(amb))
	for _, a := range amb {
		out = append(out, repository.Suggestion{
			TransactionID: t.ID,
			EventID:       a.event.ID,
			RuleID:        a.ruleID,
			Score:         similarity(t, a.event),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].EventID < out[j].EventID
	})
	return database.WithTx(ctx, m.DB, func(tx *sql.Tx) error {
		return repository.NewSuggestionRepo(tx).Replace(ctx, t.ID, out)
	})
}

// similarity is the best levenshtein ratio between the transaction's
// reference/description and the event's identifiers, rounded to 4 places.
func similarity(t repository.Transaction, ev repository.ExpectedEvent) float64 {
	best := 0.0
	for _, a := range []string{t.Reference, t.Description} {
		for _, b := range []string{ev.EntityID, ev.Reference, ev.ReceiptID} {
			a, b := strings.ToUpper(strings.TrimSpace(a)), strings.ToUpper(strings.TrimSpace(b))
			if a == "" || b == "" {
				continue
			}
			n := max(len(a), len(b))
			score := 1 - float64(levenshtein.ComputeDistance(a, b))/float64(n)
			if score > best {
				best = score
			}
		}
	}
	return math.Round(best*10000) / 10000
}

func daysApart(a, b time.Time) int {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return int(d.Hours() / 24)
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

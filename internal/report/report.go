// Package report renders engine results for the terminal.
package report

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/shopspring/decimal"

	"github.com/jask/recon/internal/database/repository"
	"github.com/jask/recon/internal/service"
)

const dateTimeLayout = "2006-01-02 15:04"

// Money formats minor units as a signed major-unit amount with two decimals.
func Money(minor int64) string {
	return decimal.New(minor, -2).StringFixed(2)
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		Headers(headers...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

func fields(title string, kv ...string) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(title))
	for i := 0; i+1 < len(kv); i += 2 {
		b.WriteString("\n")
		b.WriteString(labelStyle.Render(fmt.Sprintf("%-20s", kv[i])))
		b.WriteString(valueStyle.Render(kv[i+1]))
	}
	return boxStyle.Render(b.String())
}

// Batch renders an import batch and its row errors.
func Batch(b repository.ImportBatch) string {
	var out []string
	kv := []string{
		"batch", b.ID,
		"account", b.AccountID,
		"format", b.SourceFormat,
		"status", status(string(b.Status)),
		"rows", fmt.Sprintf("%d total, %d ok, %d duplicate, %d failed", b.Total, b.Succeeded, b.Duplicate, b.Failed),
	}
	if b.FileName != "" {
		kv = append(kv, "file", b.FileName)
	}
	if b.DateFrom != nil && b.DateTo != nil {
		kv = append(kv, "dates", *b.DateFrom+" to "+*b.DateTo)
	}
	if b.FailureReason != nil {
		kv = append(kv, "failure", *b.FailureReason)
	}
	out = append(out, fields("Import batch", kv...))
	if len(b.Errors) > 0 {
		t := newTable("line", "reason")
		for _, e := range b.Errors {
			t.Row(fmt.Sprint(e.Line), e.Reason)
		}
		out = append(out, t.Render())
	}
	return strings.Join(out, "\n")
}

// Batches renders a list of batches, newest first.
func Batches(bs []repository.ImportBatch) string {
	t := newTable("batch", "file", "status", "total", "ok", "dup", "failed", "started")
	for _, b := range bs {
		t.Row(b.ID, b.FileName, status(string(b.Status)), fmt.Sprint(b.Total), fmt.Sprint(b.Succeeded),
			fmt.Sprint(b.Duplicate), fmt.Sprint(b.Failed), b.StartedAt.Format(dateTimeLayout))
	}
	return t.Render()
}

// Pass renders the outcome of a matching pass.
func Pass(r service.PassResult) string {
	return fields("Matching pass",
		"account", r.AccountID,
		"rules version", r.RulesVersion,
		"evaluated", fmt.Sprint(r.Evaluated),
		"matched", fmt.Sprintf("%d (%d partial)", r.Matched, r.Partial),
		"ambiguous", fmt.Sprint(r.Ambiguous),
		"unmatched", fmt.Sprint(r.Unmatched),
	)
}

// Summary renders account analytics.
func Summary(s service.Summary) string {
	head := fields("Reconciliation summary",
		"account", s.AccountID,
		"as of", s.AsOf.Format(dateTimeLayout),
		"transactions", fmt.Sprint(s.Total),
		"match rate", fmt.Sprintf("%.1f%% (%d matched)", s.MatchRate*100, s.Matched),
		"unmatched amount", Money(s.UnmatchedAmount),
		"open variance", Money(s.UnresolvedVariance),
	)

	aging := newTable("age", "count", "amount")
	aging.Row("0-7 days", fmt.Sprint(s.Aging.Days0To7), Money(s.Aging.Amount0To7))
	aging.Row("8-30 days", fmt.Sprint(s.Aging.Days8To30), Money(s.Aging.Amount8To30))
	aging.Row("31+ days", fmt.Sprint(s.Aging.Days31Plus), Money(s.Aging.Amount31Plus))

	statuses := newTable("status", "count")
	keys := make([]string, 0, len(s.StatusCounts))
	for k := range s.StatusCounts {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	for _, k := range keys {
		statuses.Row(status(k), fmt.Sprint(s.StatusCounts[repository.TxStatus(k)]))
	}

	conf := newTable("confidence", "active matches")
	for _, c := range []repository.Confidence{
		repository.ConfidenceHigh, repository.ConfidenceMedium, repository.ConfidenceLow, repository.ConfidenceManual,
	} {
		conf.Row(string(c), fmt.Sprint(s.MatchesByConfidence[c]))
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		head,
		lipgloss.JoinHorizontal(lipgloss.Top, aging.Render(), " ", statuses.Render(), " ", conf.Render()),
	)
}

// History renders a transaction with its match and audit trail.
func History(h service.TransactionHistory) string {
	t := h.Transaction
	out := []string{fields("Transaction",
		"id", t.ID,
		"date", t.Date.Format(repository.DateLayout),
		"amount", Money(t.AmountMinor),
		"reference", t.Reference,
		"description", t.Description,
		"status", status(string(t.Status)),
	)}

	if len(h.Matches) > 0 {
		mt := newTable("match", "event", "confidence", "rule", "variance", "actor", "created", "superseded")
		for _, m := range h.Matches {
			superseded := ""
			if m.SupersededAt != nil {
				superseded = m.SupersededAt.Format(dateTimeLayout)
				if m.SupersedeReason != nil {
					superseded += " (" + *m.SupersedeReason + ")"
				}
			}
			mt.Row(m.ID, deref(m.EventID, m.Memo), string(m.Confidence), deref(m.RuleID, ""),
				Money(m.VarianceMinor), m.Actor, m.CreatedAt.Format(dateTimeLayout), superseded)
		}
		out = append(out, mt.Render())
	}
	if len(h.Suggestions) > 0 {
		st := newTable("suggested event", "rule", "score")
		for _, sg := range h.Suggestions {
			st.Row(sg.EventID, sg.RuleID, fmt.Sprintf("%.2f", sg.Score))
		}
		out = append(out, st.Render())
	}
	if len(h.Audit) > 0 {
		at := newTable("when", "action", "actor", "from", "to", "reason")
		for _, a := range h.Audit {
			at.Row(a.CreatedAt.Format(dateTimeLayout), a.Action, a.Actor, string(a.PriorStatus), string(a.NewStatus), a.Reason)
		}
		out = append(out, at.Render())
	}
	return strings.Join(out, "\n")
}

func deref(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}

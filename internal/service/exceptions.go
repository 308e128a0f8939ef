package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/jask/recon/internal/database"
	"github.com/jask/recon/internal/database/repository"
	"github.com/jask/recon/internal/logger"
)

// ExceptionHandler applies human overrides: manual matches, unmatching,
// disputes and ignores. Every action writes an audit entry in the same SQL
// transaction as the state change.
type ExceptionHandler struct {
	DB       *sql.DB
	Ledger   *Ledger
	Feed     EventFeed
	Notifier *Notifier
}

// ManualMatchRequest links a transaction to an event, or to nothing when
// EventID is empty (a memo resolution).
type ManualMatchRequest struct {
	TransactionID string
	EventID       string
	Actor         string
	Reason        string
	Memo          string
}

// ManualMatch records a MANUAL match and moves the transaction to
// MANUAL_MATCH, superseding any active match. Replacing a HIGH match, or
// recording a memo without an event, requires a reason.
func (h *ExceptionHandler) ManualMatch(ctx context.Context, req ManualMatchRequest) (repository.Match, error) {
	ev, err := h.event(ctx, req.EventID)
	if err != nil {
		return repository.Match{}, err
	}
	memo := strings.TrimSpace(req.Memo)
	reason := strings.TrimSpace(req.Reason)
	if ev == nil && reason == "" && memo == "" {
		return repository.Match{}, ErrReasonRequired
	}
	if memo == "" {
		memo = reason
	}

	var created repository.Match
	var notify []string
	err = h.inTx(ctx, req.TransactionID, func(tx *sql.Tx, t repository.Transaction, active *repository.Match) error {
		if !CanTransition(t.Status, repository.StatusManualMatch) {
			return ErrInvalidTransition
		}
		if active != nil && active.Confidence == repository.ConfidenceHigh && reason == "" {
			return ErrReasonRequired
		}
		m, err := h.manualMatch(ctx, tx, t, ev, req.Actor, memo)
		if err != nil {
			return err
		}
		var prior *string
		if active != nil {
			prior = &active.ID
			ids, err := h.Ledger.detach(ctx, tx, t, *active, &m.ID, "replaced by manual match")
			if err != nil {
				return err
			}
			notify = append(notify, ids...)
		}
		ids, err := h.Ledger.attach(ctx, tx, t, repository.StatusManualMatch, m)
		if err != nil {
			return err
		}
		notify = append(notify, ids...)
		created = m
		return h.Ledger.audit(ctx, tx, t, "manual_match", req.Actor, reason, repository.StatusManualMatch, prior, &m.ID)
	})
	if err != nil {
		return repository.Match{}, err
	}
	h.deliver(ctx, notify)
	logger.L.Info("manual match", "transaction_id", req.TransactionID, "event_id", req.EventID, "actor", req.Actor)
	return created, nil
}

// Unmatch returns a matched transaction to UNMATCHED. A reason is required
// when the active match is HIGH confidence.
func (h *ExceptionHandler) Unmatch(ctx context.Context, transactionID, actor, reason string) error {
	reason = strings.TrimSpace(reason)
	var notify []string
	err := h.inTx(ctx, transactionID, func(tx *sql.Tx, t repository.Transaction, active *repository.Match) error {
		if !t.Status.IsMatched() {
			return ErrInvalidTransition
		}
		if active == nil {
			return ErrNoActiveMatch
		}
		if active.Confidence == repository.ConfidenceHigh && reason == "" {
			return ErrReasonRequired
		}
		ids, err := h.Ledger.detach(ctx, tx, t, *active, nil, reasonOr(reason, "unmatched"))
		if err != nil {
			return err
		}
		notify = ids
		if err := h.Ledger.setStatus(ctx, tx, t, repository.StatusUnmatched, nil); err != nil {
			return err
		}
		return h.Ledger.audit(ctx, tx, t, "unmatch", actor, reason, repository.StatusUnmatched, &active.ID, nil)
	})
	if err != nil {
		return err
	}
	h.deliver(ctx, notify)
	logger.L.Info("transaction unmatched", "transaction_id", transactionID, "actor", actor)
	return nil
}

// MarkDisputed moves a transaction to DISPUTED. The active match, if any,
// stays in place until the dispute is resolved.
func (h *ExceptionHandler) MarkDisputed(ctx context.Context, transactionID, actor, reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return ErrReasonRequired
	}
	err := h.inTx(ctx, transactionID, func(tx *sql.Tx, t repository.Transaction, active *repository.Match) error {
		if !CanTransition(t.Status, repository.StatusDisputed) {
			return ErrInvalidTransition
		}
		var prior *string
		if active != nil {
			prior = &active.ID
		}
		if err := h.Ledger.setStatus(ctx, tx, t, repository.StatusDisputed, t.VarianceMinor); err != nil {
			return err
		}
		return h.Ledger.audit(ctx, tx, t, "dispute", actor, reason, repository.StatusDisputed, prior, prior)
	})
	if err != nil {
		return err
	}
	logger.L.Info("transaction disputed", "transaction_id", transactionID, "actor", actor)
	return nil
}

// ResolveDispute closes a dispute. With no event the transaction returns to
// UNMATCHED and its match is released. With the currently matched event the
// match is confirmed; with another event the match is replaced by a MANUAL
// one. Both end in MATCHED, or PARTIALLY_MATCHED when the amounts differ.
func (h *ExceptionHandler) ResolveDispute(ctx context.Context, transactionID, eventID, actor, reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return ErrReasonRequired
	}
	ev, err := h.event(ctx, eventID)
	if err != nil {
		return err
	}
	var notify []string
	err = h.inTx(ctx, transactionID, func(tx *sql.Tx, t repository.Transaction, active *repository.Match) error {
		if t.Status != repository.StatusDisputed {
			return ErrInvalidTransition
		}
		var prior *string
		if active != nil {
			prior = &active.ID
		}

		if ev == nil {
			if active != nil {
				ids, err := h.Ledger.detach(ctx, tx, t, *active, nil, reason)
				if err != nil {
					return err
				}
				notify = ids
			}
			if err := h.Ledger.setStatus(ctx, tx, t, repository.StatusUnmatched, nil); err != nil {
				return err
			}
			return h.Ledger.audit(ctx, tx, t, "resolve_dispute", actor, reason, repository.StatusUnmatched, prior, nil)
		}

		if active != nil && active.EventID != nil && *active.EventID == ev.ID {
			variance := active.VarianceMinor
			to := resolvedStatus(variance)
			if err := h.Ledger.setStatus(ctx, tx, t, to, &variance); err != nil {
				return err
			}
			return h.Ledger.audit(ctx, tx, t, "resolve_dispute", actor, reason, to, prior, prior)
		}

		m, err := h.manualMatch(ctx, tx, t, ev, actor, reason)
		if err != nil {
			return err
		}
		if active != nil {
			ids, err := h.Ledger.detach(ctx, tx, t, *active, &m.ID, reason)
			if err != nil {
				return err
			}
			notify = append(notify, ids...)
		}
		to := resolvedStatus(m.VarianceMinor)
		ids, err := h.Ledger.attach(ctx, tx, t, to, m)
		if err != nil {
			return err
		}
		notify = append(notify, ids...)
		return h.Ledger.audit(ctx, tx, t, "resolve_dispute", actor, reason, to, prior, &m.ID)
	})
	if err != nil {
		return err
	}
	h.deliver(ctx, notify)
	logger.L.Info("dispute resolved", "transaction_id", transactionID, "event_id", eventID, "actor", actor)
	return nil
}

// Ignore moves a transaction to IGNORED, releasing any active match. Ignored
// transactions are skipped by matching passes until reopened.
func (h *ExceptionHandler) Ignore(ctx context.Context, transactionID, actor, reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return ErrReasonRequired
	}
	var notify []string
	err := h.inTx(ctx, transactionID, func(tx *sql.Tx, t repository.Transaction, active *repository.Match) error {
		if !CanTransition(t.Status, repository.StatusIgnored) {
			return ErrInvalidTransition
		}
		var prior *string
		if active != nil {
			prior = &active.ID
			ids, err := h.Ledger.detach(ctx, tx, t, *active, nil, reason)
			if err != nil {
				return err
			}
			notify = ids
		}
		if err := h.Ledger.setStatus(ctx, tx, t, repository.StatusIgnored, nil); err != nil {
			return err
		}
		return h.Ledger.audit(ctx, tx, t, "ignore", actor, reason, repository.StatusIgnored, prior, nil)
	})
	if err != nil {
		return err
	}
	h.deliver(ctx, notify)
	logger.L.Info("transaction ignored", "transaction_id", transactionID, "actor", actor)
	return nil
}

// Reopen returns an IGNORED transaction to UNMATCHED.
func (h *ExceptionHandler) Reopen(ctx context.Context, transactionID, actor, reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return ErrReasonRequired
	}
	err := h.inTx(ctx, transactionID, func(tx *sql.Tx, t repository.Transaction, _ *repository.Match) error {
		if t.Status != repository.StatusIgnored {
			return ErrInvalidTransition
		}
		if err := h.Ledger.setStatus(ctx, tx, t, repository.StatusUnmatched, nil); err != nil {
			return err
		}
		return h.Ledger.audit(ctx, tx, t, "reopen", actor, reason, repository.StatusUnmatched, nil, nil)
	})
	if err != nil {
		return err
	}
	logger.L.Info("transaction reopened", "transaction_id", transactionID, "actor", actor)
	return nil
}

// History returns the transaction's full match and audit trail.
func (h *ExceptionHandler) History(ctx context.Context, transactionID string) (TransactionHistory, error) {
	return h.Ledger.History(ctx, transactionID)
}

// inTx loads the transaction and its active match inside a SQL transaction
// and runs fn.
func (h *ExceptionHandler) inTx(ctx context.Context, transactionID string,
	fn func(tx *sql.Tx, t repository.Transaction, active *repository.Match) error) error {
	return database.WithTx(ctx, h.DB, func(tx *sql.Tx) error {
		t, err := repository.NewTransactionRepo(tx).Get(ctx, transactionID)
		if errors.Is(err, repository.ErrNotFound) {
			return ErrTransactionNotFound
		}
		if err != nil {
			return err
		}
		active, err := repository.NewMatchRepo(tx).ActiveForTransaction(ctx, transactionID)
		if errors.Is(err, repository.ErrNotFound) {
			active = nil
		} else if err != nil {
			return err
		}
		return fn(tx, *t, active)
	})
}

// event resolves eventID through the feed. It must run outside inTx: the
// feed shares the single sqlite connection.
func (h *ExceptionHandler) event(ctx context.Context, eventID string) (*repository.ExpectedEvent, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return nil, nil
	}
	ev, err := h.Feed.Get(ctx, eventID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrEventNotFound
	}
	return ev, err
}

// manualMatch builds a MANUAL match of t against ev. A partial-settlement
// event is matched against what the ledger leaves outstanding on it, not
// counting t's own current match.
func (h *ExceptionHandler) manualMatch(ctx context.Context, tx *sql.Tx, t repository.Transaction, ev *repository.ExpectedEvent,
	actor, memo string) (repository.Match, error) {
	m := repository.Match{
		ID:         uuid.NewString(),
		Confidence: repository.ConfidenceManual,
		Actor:      actor,
		Memo:       memo,
		Exclusive:  true,
	}
	if ev == nil {
		return m, nil
	}
	if ev.AccountID != t.AccountID {
		return m, ErrEventAccountMismatch
	}
	amount := ev.AmountMinor
	if ev.AllowPartial {
		settled, err := repository.NewMatchRepo(tx).ActiveSettledForEvent(ctx, ev.ID, t.ID)
		if err != nil {
			return m, err
		}
		amount -= settled
		if amount <= 0 {
			return m, ErrEventAlreadyMatched
		}
	} else if ev.FullyMatched && (ev.MatchedTransactionID == nil || *ev.MatchedTransactionID != t.ID) {
		return m, ErrEventAlreadyMatched
	}
	eventID, date := ev.ID, ev.ExpectedDate
	m.EventID = &eventID
	m.EventEntityType = ev.EntityType
	m.EventEntityID = ev.EntityID
	m.EventAmount = &amount
	m.EventDate = &date
	m.Exclusive = !ev.AllowPartial
	m.VarianceMinor = t.AbsAmount() - amount
	return m, nil
}

func (h *ExceptionHandler) deliver(ctx context.Context, ids []string) {
	if h.Notifier != nil && len(ids) > 0 {
		h.Notifier.Deliver(ctx, ids...)
	}
}

func resolvedStatus(variance int64) repository.TxStatus {
	if variance != 0 {
		return repository.StatusPartiallyMatched
	}
	return repository.StatusMatched
}

func reasonOr(reason, fallback string) string {
	if reason != "" {
		return reason
	}
	return fallback
}

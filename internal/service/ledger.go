package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jask/recon/internal/database"
	"github.com/jask/recon/internal/database/repository"
)

// Ledger owns the transaction state machine and the append-only match log.
// Its write helpers run inside a caller's SQL transaction so a status change,
// its match rows, the audit entry and the outbox rows commit together.
type Ledger struct {
	DB  *sql.DB
	Now func() time.Time
}

var transitions = map[repository.TxStatus][]repository.TxStatus{
	repository.StatusUnmatched: {
		repository.StatusMatched, repository.StatusPartiallyMatched, repository.StatusManualMatch,
		repository.StatusDisputed, repository.StatusIgnored,
	},
	repository.StatusMatched: {
		repository.StatusUnmatched, repository.StatusManualMatch, repository.StatusDisputed, repository.StatusIgnored,
	},
	repository.StatusPartiallyMatched: {
		repository.StatusUnmatched, repository.StatusManualMatch, repository.StatusDisputed, repository.StatusIgnored,
	},
	repository.StatusManualMatch: {
		repository.StatusUnmatched, repository.StatusManualMatch, repository.StatusDisputed, repository.StatusIgnored,
	},
	repository.StatusDisputed: {repository.StatusUnmatched, repository.StatusMatched, repository.StatusPartiallyMatched},
	repository.StatusIgnored:  {repository.StatusUnmatched},
}

// CanTransition reports whether the state machine allows from → to.
func CanTransition(from, to repository.TxStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (l *Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now().UTC().Truncate(time.Second)
	}
	return database.Now()
}

// attach records m as t's active match and moves t to status to. It returns
// the ids of outbox rows written. Any active match must already be superseded.
func (l *Ledger) attach(ctx context.Context, tx *sql.Tx, t repository.Transaction, to repository.TxStatus, m repository.Match) ([]string, error) {
	if !CanTransition(t.Status, to) {
		return nil, fmt.Errorf("%w: %s → %s", ErrInvalidTransition, t.Status, to)
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.TransactionID = t.ID
	m.CreatedAt = l.now()

	matches := repository.NewMatchRepo(tx)
	if err := matches.Insert(ctx, m); err != nil {
		if !errors.Is(err, repository.ErrConflict) {
			return nil, err
		}
		if _, aerr := matches.ActiveForTransaction(ctx, t.ID); aerr == nil {
			return nil, ErrActiveMatchExists
		}
		return nil, ErrEventAlreadyMatched
	}
	variance := m.VarianceMinor
	if err := l.setStatus(ctx, tx, t, to, &variance); err != nil {
		return nil, err
	}
	if err := repository.NewSuggestionRepo(tx).Clear(ctx, t.ID); err != nil {
		return nil, err
	}
	if m.EventID == nil {
		return nil, nil
	}
	id, err := l.enqueue(ctx, tx, repository.NotifyMatched, *m.EventID, t, m.ID)
	if err != nil {
		return nil, err
	}
	return []string{id}, nil
}

// detach supersedes the active match m. by names the replacing match, if any.
func (l *Ledger) detach(ctx context.Context, tx *sql.Tx, t repository.Transaction, m repository.Match, by *string, reason string) ([]string, error) {
	if err := repository.NewMatchRepo(tx).Supersede(ctx, m.ID, by, reason, l.now()); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, ErrNoActiveMatch
		}
		return nil, err
	}
	if m.EventID == nil {
		return nil, nil
	}
	id, err := l.enqueue(ctx, tx, repository.NotifyReleased, *m.EventID, t, m.ID)
	if err != nil {
		return nil, err
	}
	return []string{id}, nil
}

// setStatus moves t to status to, conditioned on t still being in t.Status.
func (l *Ledger) setStatus(ctx context.Context, tx *sql.Tx, t repository.Transaction, to repository.TxStatus, variance *int64) error {
	err := repository.NewTransactionRepo(tx).TransitionStatus(ctx, t.ID, t.Status, to, variance)
	if errors.Is(err, repository.ErrConflict) {
		return fmt.Errorf("%w: transaction %s is no longer %s", ErrInvalidTransition, t.ID, t.Status)
	}
	return err
}

func (l *Ledger) enqueue(ctx context.Context, tx *sql.Tx, kind repository.NotificationKind, eventID string, t repository.Transaction, matchID string) (string, error) {
	n := repository.Notification{
		ID:            uuid.NewString(),
		Kind:          kind,
		EventID:       eventID,
		TransactionID: t.ID,
		MatchID:       matchID,
		AmountMinor:   t.AbsAmount(),
	}
	if err := repository.NewNotificationRepo(tx).Enqueue(ctx, n); err != nil {
		return "", err
	}
	return n.ID, nil
}

func (l *Ledger) audit(ctx context.Context, tx *sql.Tx, t repository.Transaction, action, actor, reason string,
	to repository.TxStatus, prior, next *string) error {
	return repository.NewAuditRepo(tx).Add(ctx, repository.AuditEntry{
		ID:            uuid.NewString(),
		TransactionID: t.ID,
		Action:        action,
		Actor:         actor,
		Reason:        reason,
		PriorStatus:   t.Status,
		NewStatus:     to,
		PriorMatchID:  prior,
		NewMatchID:    next,
		CreatedAt:     l.now(),
	})
}

// TransactionHistory is everything the ledger knows about one transaction.
type TransactionHistory struct {
	Transaction repository.Transaction
	Matches     []repository.Match
	Audit       []repository.AuditEntry
	Suggestions []repository.Suggestion
}

// History returns all matches (superseded included) and audit entries, oldest first.
func (l *Ledger) History(ctx context.Context, transactionID string) (TransactionHistory, error) {
	t, err := repository.NewTransactionRepo(l.DB).Get(ctx, transactionID)
	if errors.Is(err, repository.ErrNotFound) {
		return TransactionHistory{}, ErrTransactionNotFound
	}
	if err != nil {
		return TransactionHistory{}, err
	}
	h := TransactionHistory{Transaction: *t}
	if h.Matches, err = repository.NewMatchRepo(l.DB).History(ctx, transactionID); err != nil {
		return h, err
	}
	if h.Audit, err = repository.NewAuditRepo(l.DB).ListForTransaction(ctx, transactionID); err != nil {
		return h, err
	}
	if h.Suggestions, err = repository.NewSuggestionRepo(l.DB).ListForTransaction(ctx, transactionID); err != nil {
		return h, err
	}
	return h, nil
}

// ActiveMatch returns the transaction's current match.
func (l *Ledger) ActiveMatch(ctx context.Context, transactionID string) (*repository.Match, error) {
	m, err := repository.NewMatchRepo(l.DB).ActiveForTransaction(ctx, transactionID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNoActiveMatch
	}
	return m, err
}

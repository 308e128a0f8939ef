package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// DateLayout is the storage layout for calendar dates (transaction and expected dates).
const DateLayout = time.DateOnly

var (
	// ErrNotFound is returned by Get-style lookups with no row.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a conditional write lost a race.
	ErrConflict = errors.New("conflict")
	// ErrEventSettled is returned by the feed when an event is already fully matched.
	ErrEventSettled = errors.New("expected event already fully matched")
)

// DBTX is satisfied by both *sql.DB and *sql.Tx so repos can run inside a transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Channel string

const (
	ChannelBank        Channel = "BANK"
	ChannelMobileMoney Channel = "MOBILE_MONEY"
)

type Direction string

const (
	DirectionCredit Direction = "CREDIT"
	DirectionDebit  Direction = "DEBIT"
)

// TxStatus is the reconciliation state of a statement line.
type TxStatus string

const (
	StatusUnmatched        TxStatus = "UNMATCHED"
	StatusMatched          TxStatus = "MATCHED"
	StatusPartiallyMatched TxStatus = "PARTIALLY_MATCHED"
	StatusManualMatch      TxStatus = "MANUAL_MATCH"
	StatusDisputed         TxStatus = "DISPUTED"
	StatusIgnored          TxStatus = "IGNORED"
)

// IsMatched reports whether the status implies exactly one active match.
func (s TxStatus) IsMatched() bool {
	return s == StatusMatched || s == StatusPartiallyMatched || s == StatusManualMatch
}

type BatchStatus string

const (
	BatchPending    BatchStatus = "PENDING"
	BatchProcessing BatchStatus = "PROCESSING"
	BatchCompleted  BatchStatus = "COMPLETED"
	BatchFailed     BatchStatus = "FAILED"
)

type RuleKind string

const (
	RuleExactAmountDate  RuleKind = "EXACT_AMOUNT_DATE"
	RuleReferencePattern RuleKind = "REFERENCE_PATTERN"
	RuleChannelReceiptID RuleKind = "CHANNEL_RECEIPT_ID"
	RuleFuzzyTolerant    RuleKind = "FUZZY_TOLERANT"
)

type Confidence string

const (
	ConfidenceHigh   Confidence = "HIGH"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceLow    Confidence = "LOW"
	ConfidenceManual Confidence = "MANUAL"
)

type NotificationKind string

const (
	NotifyMatched  NotificationKind = "MATCHED"
	NotifyReleased NotificationKind = "RELEASED"
)

type NotificationStatus string

const (
	NotificationPending  NotificationStatus = "PENDING"
	NotificationSent     NotificationStatus = "SENT"
	NotificationConflict NotificationStatus = "CONFLICT"
	NotificationFailed   NotificationStatus = "FAILED"
)

// Account represents an account row.
type Account struct {
	ID        string
	Name      string
	Channel   Channel
	Provider  string
	IsPrimary bool
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ImportBatch represents one statement ingestion run.
type ImportBatch struct {
	ID            string
	AccountID     string
	SourceFormat  string
	FileName      string
	FileSize      int64
	FileHash      string
	Total         int
	Processed     int
	Succeeded     int
	Failed        int
	Duplicate     int
	Status        BatchStatus
	FailureReason *string
	DateFrom      *string
	DateTo        *string
	StartedAt     time.Time
	FinishedAt    *time.Time
	Errors        []RowError
}

// RowError records why one statement row was rejected.
type RowError struct {
	Line   int
	Reason string
}

// Transaction represents a normalized statement line.
type Transaction struct {
	ID                  string
	AccountID           string
	BatchID             string
	Date                time.Time
	Reference           string
	Description         string
	AmountMinor         int64
	Direction           Direction
	CounterpartyName    string
	CounterpartyAccount string
	Channel             Channel
	Fingerprint         string
	Status              TxStatus
	VarianceMinor       *int64
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// AbsAmount is the unsigned amount in minor units.
func (t Transaction) AbsAmount() int64 {
	if t.AmountMinor < 0 {
		return -t.AmountMinor
	}
	return t.AmountMinor
}

// MatchRule represents a rule.
type MatchRule struct {
	ID              string     `yaml:"id"`
	Name            string     `yaml:"name"`
	Priority        int        `yaml:"priority"`
	Kind            RuleKind   `yaml:"kind"`
	Confidence      Confidence `yaml:"confidence"`
	AmountTolerance int64      `yaml:"amount_tolerance"`
	DateWindowDays  int        `yaml:"date_window_days"`
	Pattern         string     `yaml:"pattern"`
	EntityType      string     `yaml:"entity_type"`
	IsActive        bool       `yaml:"-"`
	CreatedAt       time.Time  `yaml:"-"`
	UpdatedAt       time.Time  `yaml:"-"`
}

// ExpectedEvent is a collaborator's record of money that should move.
type ExpectedEvent struct {
	ID                   string
	AccountID            string
	EntityType           string
	EntityID             string
	Reference            string
	ReceiptID            string
	Direction            Direction
	AmountMinor          int64
	ExpectedDate         time.Time
	AllowPartial         bool
	SettledMinor         int64
	FullyMatched         bool
	MatchedTransactionID *string
	UpdatedAt            time.Time
}

// Match links a transaction to an expected event (or to nothing, for memos).
type Match struct {
	ID              string
	TransactionID   string
	EventID         *string
	EventEntityType string
	EventEntityID   string
	EventAmount     *int64
	EventDate       *time.Time
	Exclusive       bool
	Confidence      Confidence
	RuleID          *string
	RulesVersion    string
	VarianceMinor   int64
	Actor           string
	Memo            string
	CreatedAt       time.Time
	SupersededAt    *time.Time
	SupersededBy    *string
	SupersedeReason *string
}

// Active reports whether the match is the transaction's current one.
func (m Match) Active() bool { return m.SupersededAt == nil }

// Suggestion is an ambiguous candidate surfaced for manual review.
type Suggestion struct {
	TransactionID string
	EventID       string
	RuleID        string
	Score         float64
	CreatedAt     time.Time
}

// AuditEntry records one human action on a transaction.
type AuditEntry struct {
	ID            string
	TransactionID string
	Action        string
	Actor         string
	Reason        string
	PriorStatus   TxStatus
	NewStatus     TxStatus
	PriorMatchID  *string
	NewMatchID    *string
	CreatedAt     time.Time
}

// Notification is an outbox row for the expected-events feed.
type Notification struct {
	ID            string
	Kind          NotificationKind
	EventID       string
	TransactionID string
	MatchID       string
	AmountMinor   int64
	Status        NotificationStatus
	Attempts      int
	LastError     *string
	NextAttemptAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// scanner handles both Row and Rows.
type scanner interface {
	Scan(dest ...any) error
}

func ts(t time.Time) time.Time { return t.UTC().Truncate(time.Second) }

func nullStr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func parseDate(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, time.UTC)
}

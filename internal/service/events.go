package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jask/recon/internal/database/repository"
	"github.com/jask/recon/internal/logger"
)

// EventInput is an expected event as collaborators submit it.
type EventInput struct {
	ID           string `json:"id"`
	EntityType   string `json:"entity_type"`
	EntityID     string `json:"entity_id"`
	Reference    string `json:"reference"`
	ReceiptID    string `json:"receipt_id"`
	Direction    string `json:"direction"`
	AmountMinor  int64  `json:"amount_minor"`
	ExpectedDate string `json:"expected_date"`
	AllowPartial bool   `json:"allow_partial"`
}

// Event validates the input and converts it for accountID.
func (in EventInput) Event(accountID string) (repository.ExpectedEvent, error) {
	id := strings.TrimSpace(in.ID)
	if id == "" {
		return repository.ExpectedEvent{}, fmt.Errorf("%w: id required", ErrInvalidEvent)
	}
	if in.AmountMinor <= 0 {
		return repository.ExpectedEvent{}, fmt.Errorf("%w: %s: amount must be positive", ErrInvalidEvent, id)
	}
	dir := repository.Direction(strings.ToUpper(strings.TrimSpace(in.Direction)))
	switch dir {
	case "":
		dir = repository.DirectionCredit
	case repository.DirectionCredit, repository.DirectionDebit:
	default:
		return repository.ExpectedEvent{}, fmt.Errorf("%w: %s: direction %q", ErrInvalidEvent, id, in.Direction)
	}
	date, err := time.ParseInLocation(repository.DateLayout, strings.TrimSpace(in.ExpectedDate), time.UTC)
	if err != nil {
		return repository.ExpectedEvent{}, fmt.Errorf("%w: %s: expected_date %q", ErrInvalidEvent, id, in.ExpectedDate)
	}
	entityID := strings.TrimSpace(in.EntityID)
	if entityID == "" {
		entityID = id
	}
	return repository.ExpectedEvent{
		ID:           id,
		AccountID:    accountID,
		EntityType:   strings.TrimSpace(in.EntityType),
		EntityID:     entityID,
		Reference:    strings.TrimSpace(in.Reference),
		ReceiptID:    strings.TrimSpace(in.ReceiptID),
		Direction:    dir,
		AmountMinor:  in.AmountMinor,
		ExpectedDate: date,
		AllowPartial: in.AllowPartial,
	}, nil
}

// EventLoader admits expected events into the local feed mirror.
type EventLoader struct {
	Accounts *AccountService
	Events   *repository.ExpectedEventRepo
}

// Upsert validates every input before writing any. Settlement state of
// existing events is preserved.
func (l *EventLoader) Upsert(ctx context.Context, accountID string, inputs []EventInput) (int, error) {
	if _, err := l.Accounts.Get(ctx, accountID); err != nil {
		return 0, err
	}
	events := make([]repository.ExpectedEvent, 0, len(inputs))
	for _, in := range inputs {
		ev, err := in.Event(accountID)
		if err != nil {
			return 0, err
		}
		events = append(events, ev)
	}
	for i, ev := range events {
		if err := l.Events.Upsert(ctx, ev); err != nil {
			return i, fmt.Errorf("upsert event %s: %w", ev.ID, err)
		}
	}
	logger.L.Info("expected events loaded", "account_id", accountID, "count", len(events))
	return len(events), nil
}

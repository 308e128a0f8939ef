package service

import (
	"context"
	"time"

	"github.com/jask/recon/internal/database/repository"
)

// EventFeed is the collaborator-owned source of expected financial events.
// MarkMatched must refuse (repository.ErrEventSettled) an event that is
// already fully matched.
type EventFeed interface {
	Query(ctx context.Context, accountID string, from, to time.Time) ([]repository.ExpectedEvent, error)
	Get(ctx context.Context, eventID string) (*repository.ExpectedEvent, error)
	MarkMatched(ctx context.Context, eventID, transactionID string, amount int64) error
	MarkReleased(ctx context.Context, eventID, transactionID string) error
}

var _ EventFeed = (*repository.ExpectedEventRepo)(nil)

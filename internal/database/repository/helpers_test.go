package repository_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jask/recon/internal/database"
	"github.com/jask/recon/internal/database/repository"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	require.NoError(t, database.RunMigrations(dbPath))
	db, err := database.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func day(s string) time.Time {
	d, err := time.ParseInLocation(repository.DateLayout, s, time.UTC)
	if err != nil {
		panic(err)
	}
	return d
}

// seedTransaction inserts an account, a batch and one UNMATCHED transaction.
func seedTransaction(t *testing.T, ctx context.Context, db *sql.DB, id string) repository.Transaction {
	t.Helper()
	require.NoError(t, repository.NewAccountRepo(db).Upsert(ctx, repository.Account{
		ID: "A1", Name: "Till", Channel: repository.ChannelMobileMoney, IsActive: true,
	}))
	batches := repository.NewBatchRepo(db)
	if _, err := batches.Get(ctx, "B1"); errors.Is(err, repository.ErrNotFound) {
		require.NoError(t, batches.Create(ctx, repository.ImportBatch{
			ID: "B1", AccountID: "A1", SourceFormat: "test", Status: repository.BatchProcessing, StartedAt: time.Now(),
		}))
	}
	tx := repository.Transaction{
		ID: id, AccountID: "A1", BatchID: "B1", Date: day("2024-01-15"), Reference: "QA123XYZ",
		AmountMinor: 5000, Direction: repository.DirectionCredit, Channel: repository.ChannelMobileMoney,
		Fingerprint: "fp-" + id, Status: repository.StatusUnmatched,
	}
	ok, err := repository.NewTransactionRepo(db).InsertIfAbsent(ctx, tx)
	require.NoError(t, err)
	require.True(t, ok)
	return tx
}

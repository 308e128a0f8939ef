package service

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jask/recon/internal/config"
	"github.com/jask/recon/internal/database"
	"github.com/jask/recon/internal/database/repository"
	"github.com/jask/recon/internal/statement"
)

var fixedNow = time.Date(2024, 1, 20, 9, 0, 0, 0, time.UTC)

type fixture struct {
	ctx context.Context
	db  *sql.DB
	svc *Services
}

func testConfig() config.Config {
	return config.Config{
		Import:  config.ImportConfig{Workers: 4, DefaultFormat: "generic"},
		Formats: config.DefaultFormats(),
		Matching: config.MatchingConfig{
			LookbackDays:            7,
			LookaheadDays:           7,
			PartialTolerancePercent: "0",
			LockTTL:                 15 * time.Minute,
		},
		Notify: config.NotifyConfig{MaxAttempts: 3, BatchSize: 100},
		UI:     config.UIConfig{Timezone: "UTC"},
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	dbPath := filepath.Join(t.TempDir(), "test.db")
	require.NoError(t, database.RunMigrations(dbPath))
	db, err := database.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	svc, err := New(db, testConfig())
	require.NoError(t, err)
	clock := func() time.Time { return fixedNow }
	svc.Matcher.Now = clock
	svc.Ledger.Now = clock
	svc.Analytics.Now = clock
	svc.Importer.Now = clock

	require.NoError(t, svc.Rules.SeedDefaults(ctx))
	require.NoError(t, svc.Accounts.Register(ctx, repository.Account{
		ID: "A1", Name: "M-Pesa till", Channel: repository.ChannelMobileMoney, Provider: "mpesa", IsActive: true,
	}))
	return &fixture{ctx: ctx, db: db, svc: svc}
}

func genericFormat() config.StatementFormat {
	return config.DefaultFormats()[0]
}

// importRows imports generic-format rows (date, amount, reference, description).
func (f *fixture) importRows(t *testing.T, rows ...statement.RawRow) repository.ImportBatch {
	t.Helper()
	for i := range rows {
		if rows[i].Line == 0 {
			rows[i].Line = i + 2
		}
	}
	b, err := f.svc.Importer.Import(f.ctx, ImportRequest{AccountID: "A1", Format: genericFormat(), Rows: rows})
	require.NoError(t, err)
	return b
}

func (f *fixture) event(t *testing.T, ev repository.ExpectedEvent) {
	t.Helper()
	if ev.AccountID == "" {
		ev.AccountID = "A1"
	}
	if ev.Direction == "" {
		ev.Direction = repository.DirectionCredit
	}
	if ev.EntityType == "" {
		ev.EntityType = "invoice"
	}
	if ev.EntityID == "" {
		ev.EntityID = ev.ID
	}
	require.NoError(t, f.svc.Events.Upsert(f.ctx, ev))
}

func (f *fixture) txByRef(t *testing.T, ref string) repository.Transaction {
	t.Helper()
	txs, err := repository.NewTransactionRepo(f.db).List(f.ctx, repository.TransactionFilters{AccountID: "A1"})
	require.NoError(t, err)
	for _, tx := range txs {
		if tx.Reference == ref {
			return tx
		}
	}
	t.Fatalf("no transaction with reference %q", ref)
	return repository.Transaction{}
}

func (f *fixture) activeMatches(t *testing.T, txID string) int {
	t.Helper()
	var n int
	require.NoError(t, f.db.QueryRowContext(f.ctx,
		`SELECT COUNT(*) FROM matches WHERE transaction_id = ? AND superseded_at IS NULL`, txID).Scan(&n))
	return n
}

func day(s string) time.Time {
	d, err := time.ParseInLocation(repository.DateLayout, s, time.UTC)
	if err != nil {
		panic(fmt.Sprintf("bad date %q", s))
	}
	return d
}

func row(date, amount, ref, desc string) statement.RawRow {
	return statement.RawRow{Date: date, Amount: amount, Reference: ref, Description: desc}
}

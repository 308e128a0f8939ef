package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jask/recon/internal/config"
	"github.com/jask/recon/internal/database"
	"github.com/jask/recon/internal/database/repository"
	"github.com/jask/recon/internal/logger"
	"github.com/jask/recon/internal/statement"
)

// Importer turns statement rows into UNMATCHED transactions. Rows are
// processed by a bounded worker pool; dedup relies on the per-account
// fingerprint constraint, so row order and overlapping imports are safe.
type Importer struct {
	DB       *sql.DB
	Accounts *AccountService
	Workers  int
	Location *time.Location
	Now      func() time.Time
}

// ImportRequest is one statement to ingest.
type ImportRequest struct {
	AccountID string
	Format    config.StatementFormat
	FileName  string
	FileSize  int64
	FileHash  string
	Rows      []statement.RawRow
}

func (s *Importer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return database.Now()
}

// ImportFile reads a CSV or XLSX export and imports it.
func (s *Importer) ImportFile(ctx context.Context, accountID string, f config.StatementFormat, fileName string, r io.Reader) (repository.ImportBatch, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return repository.ImportBatch{}, fmt.Errorf("read statement: %w", err)
	}
	rows, err := statement.Read(bytes.NewReader(data), fileName, f)
	if err != nil {
		return repository.ImportBatch{}, err
	}
	sum := sha256.Sum256(data)
	return s.Import(ctx, ImportRequest{
		AccountID: accountID,
		Format:    f,
		FileName:  fileName,
		FileSize:  int64(len(data)),
		FileHash:  fmt.Sprintf("%x", sum[:]),
		Rows:      rows,
	})
}

type rowOutcome int

const (
	rowSucceeded rowOutcome = iota
	rowDuplicate
	rowFailed
)

// Import creates a batch, ingests every row and closes the batch. A bad row
// is recorded against the batch and never aborts it; the batch fails only
// when storage does (or ctx is cancelled), and can simply be re-run.
func (s *Importer) Import(ctx context.Context, req ImportRequest) (repository.ImportBatch, error) {
	acct, err := s.Accounts.Active(ctx, req.AccountID)
	if err != nil {
		return repository.ImportBatch{}, err
	}
	if req.Format.Channel != "" && !strings.EqualFold(req.Format.Channel, string(acct.Channel)) {
		return repository.ImportBatch{}, fmt.Errorf("%w: format %s is for %s, account %s is %s",
			ErrFormatChannel, req.Format.Name, req.Format.Channel, acct.ID, acct.Channel)
	}

	batches := repository.NewBatchRepo(s.DB)
	batch := repository.ImportBatch{
		ID:           uuid.NewString(),
		AccountID:    acct.ID,
		SourceFormat: req.Format.Name,
		FileName:     req.FileName,
		FileSize:     req.FileSize,
		FileHash:     req.FileHash,
		Total:        len(req.Rows),
		Status:       repository.BatchPending,
		StartedAt:    s.now(),
	}
	if err := batches.Create(ctx, batch); err != nil {
		return batch, fmt.Errorf("create batch: %w", err)
	}
	if err := batches.SetStatus(ctx, batch.ID, repository.BatchProcessing); err != nil {
		return batch, err
	}
	log := logger.L.With("account_id", acct.ID, "batch_id", batch.ID, "format", req.Format.Name)
	log.Info("import started", "rows", len(req.Rows), "file", req.FileName)

	var (
		mu       sync.Mutex
		from, to time.Time
	)
	record := func(o rowOutcome, d time.Time) {
		mu.Lock()
		defer mu.Unlock()
		batch.Processed++
		switch o {
		case rowSucceeded:
			batch.Succeeded++
		case rowDuplicate:
			batch.Duplicate++
		case rowFailed:
			batch.Failed++
			return
		}
		if from.IsZero() || d.Before(from) {
			from = d
		}
		if to.IsZero() || d.After(to) {
			to = d
		}
	}

	workers := s.Workers
	if workers <= 0 {
		workers = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, row := range req.Rows {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			o, d, err := s.importRow(gctx, acct, batch.ID, req.Format, row)
			if err != nil {
				return err
			}
			record(o, d)
			return nil
		})
	}
	runErr := g.Wait()
	if runErr == nil {
		runErr = ctx.Err()
	}

	fin := s.now()
	batch.FinishedAt = &fin
	batch.Status = repository.BatchCompleted
	if runErr != nil {
		reason := runErr.Error()
		batch.Status = repository.BatchFailed
		batch.FailureReason = &reason
	}
	if !from.IsZero() {
		f, t := from.Format(repository.DateLayout), to.Format(repository.DateLayout)
		batch.DateFrom, batch.DateTo = &f, &t
	}
	// Close even when ctx is cancelled so the batch never stays PROCESSING.
	wctx := context.WithoutCancel(ctx)
	if err := batches.Close(wctx, batch); err != nil {
		return batch, fmt.Errorf("close batch: %w", errors.Join(err, runErr))
	}

	closed, err := batches.Get(wctx, batch.ID)
	if err != nil {
		return batch, err
	}
	log.Info("import finished",
		"status", closed.Status,
		"total", closed.Total,
		"succeeded", closed.Succeeded,
		"failed", closed.Failed,
		"duplicate", closed.Duplicate,
	)
	if runErr != nil {
		return *closed, fmt.Errorf("import batch %s: %w", batch.ID, runErr)
	}
	return *closed, nil
}

// importRow returns an error only for failures that should fail the batch.
func (s *Importer) importRow(ctx context.Context, acct repository.Account, batchID string, f config.StatementFormat, row statement.RawRow) (rowOutcome, time.Time, error) {
	loc := s.Location
	if loc == nil {
		loc = time.UTC
	}
	line, err := statement.Normalize(row, f.DateLayouts, f.AmountStrip, loc)
	if err != nil {
		rerr := repository.RowError{Line: row.Line, Reason: err.Error()}
		if err := repository.NewBatchRepo(s.DB).AddRowError(ctx, batchID, rerr); err != nil {
			return rowFailed, time.Time{}, fmt.Errorf("record row error: %w", err)
		}
		return rowFailed, time.Time{}, nil
	}

	fp := statement.Fingerprint(acct.ID, line)
	t := repository.Transaction{
		ID:                  uuid.NewString(),
		AccountID:           acct.ID,
		BatchID:             batchID,
		Date:                line.Date,
		Reference:           line.Reference,
		Description:         line.Description,
		AmountMinor:         line.AmountMinor,
		Direction:           line.Direction,
		CounterpartyName:    line.CounterpartyName,
		CounterpartyAccount: line.CounterpartyAccount,
		Channel:             acct.Channel,
		Fingerprint:         fp,
		Status:              repository.StatusUnmatched,
	}
	inserted, err := repository.NewTransactionRepo(s.DB).InsertIfAbsent(ctx, t)
	if err != nil {
		return rowFailed, time.Time{}, fmt.Errorf("line %d insert: %w", row.Line, err)
	}
	if !inserted {
		return rowDuplicate, line.Date, nil
	}
	return rowSucceeded, line.Date, nil
}

// Batch returns an import batch with its row errors.
func (s *Importer) Batch(ctx context.Context, id string) (repository.ImportBatch, error) {
	b, err := repository.NewBatchRepo(s.DB).Get(ctx, id)
	if err != nil {
		return repository.ImportBatch{}, fmt.Errorf("batch %s: %w", id, err)
	}
	return *b, nil
}

// Batches lists the account's import batches.
func (s *Importer) Batches(ctx context.Context, accountID string) ([]repository.ImportBatch, error) {
	return repository.NewBatchRepo(s.DB).ListByAccount(ctx, accountID)
}

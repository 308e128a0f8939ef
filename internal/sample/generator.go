// Package sample generates synthetic statements and expected events for
// demos and load checks.
package sample

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jask/recon/internal/config"
	"github.com/jask/recon/internal/database/repository"
	"github.com/jask/recon/internal/service"
	"github.com/jask/recon/internal/statement"
)

// Result reports what Seed wrote.
type Result struct {
	Batch  repository.ImportBatch
	Events int
}

var payers = []string{"JANE WANJIKU", "ACME LTD", "PETER OTIENO", "MAMA MBOGA", "KAMAU & SONS"}

// Seed imports n statement lines for accountID ending on end, plus expected
// events: most lines get an event with the same receipt, some drift a day or
// two, some differ by a few shillings and the rest have none. The same seed
// always produces the same data.
func Seed(ctx context.Context, svc *service.Services, accountID string, n int, end time.Time, seed int64) (Result, error) {
	rng := rand.New(rand.NewSource(seed))
	end = time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC)

	rows := make([]statement.RawRow, 0, n)
	events := make([]service.EventInput, 0, n)
	for i := 0; i < n; i++ {
		date := end.AddDate(0, 0, -rng.Intn(30))
		amount := int64(rng.Intn(20000)+100) * 100
		receipt := fmt.Sprintf("S%03dX%05d", i%1000, rng.Intn(100000))
		rows = append(rows, statement.RawRow{
			Line:             i + 2,
			Date:             date.Format(repository.DateLayout),
			Amount:           decimal.New(amount, -2).StringFixed(2),
			Reference:        receipt,
			Description:      "Payment from " + payers[rng.Intn(len(payers))],
			CounterpartyName: payers[rng.Intn(len(payers))],
		})

		ev := service.EventInput{
			ID:           fmt.Sprintf("INV-%s-%04d", accountID, i),
			EntityType:   "invoice",
			ReceiptID:    receipt,
			AmountMinor:  amount,
			ExpectedDate: date.Format(repository.DateLayout),
		}
		switch r := rng.Intn(10); {
		case r < 6:
		case r < 8:
			ev.ExpectedDate = date.AddDate(0, 0, rng.Intn(2)+1).Format(repository.DateLayout)
		case r < 9:
			ev.ReceiptID = ""
			ev.AmountMinor = amount + int64(rng.Intn(50)+1)
		default:
			continue
		}
		events = append(events, ev)
	}

	var res Result
	format := config.StatementFormat{Name: "sample", Channel: string(repository.ChannelMobileMoney), DateLayouts: []string{repository.DateLayout}}
	b, err := svc.Importer.Import(ctx, service.ImportRequest{AccountID: accountID, Format: format, FileName: "sample", Rows: rows})
	if err != nil {
		return res, err
	}
	res.Batch = b
	if res.Events, err = svc.EventLoader.Upsert(ctx, accountID, events); err != nil {
		return res, err
	}
	return res, nil
}

package statement

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/jask/recon/internal/config"
)

// ReadCSV splits a delimited export into raw rows using the format's column
// map. Lines that cannot be tokenized come back with ReadErr set so the
// importer can count them without aborting the file.
func ReadCSV(r io.Reader, f config.StatementFormat) ([]RawRow, error) {
	csvr := csv.NewReader(bufio.NewReader(r))
	csvr.TrimLeadingSpace = true
	csvr.FieldsPerRecord = -1
	csvr.LazyQuotes = true
	if d := []rune(f.Delimiter); len(d) == 1 {
		csvr.Comma = d[0]
	}

	var out []RawRow
	first := true
	for {
		rec, err := csvr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				out = append(out, RawRow{Line: perr.StartLine, ReadErr: perr.Err.Error()})
				first = false
				continue
			}
			return nil, err
		}
		line, _ := csvr.FieldPos(0)
		if first && f.HasHeader {
			first = false
			continue
		}
		first = false
		if blank(rec) {
			continue
		}
		out = append(out, fromRecord(line, rec, f))
	}
	return out, nil
}

// ReadXLSX reads the first sheet of a workbook.
func ReadXLSX(r io.Reader, f config.StatementFormat) ([]RawRow, error) {
	xl, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer xl.Close()

	sheet := xl.GetSheetName(0)
	rows, err := xl.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheet, err)
	}
	var out []RawRow
	for i, rec := range rows {
		if i == 0 && f.HasHeader {
			continue
		}
		if blank(rec) {
			continue
		}
		out = append(out, fromRecord(i+1, rec, f))
	}
	return out, nil
}

// Read dispatches on the file name extension.
func Read(r io.Reader, fileName string, f config.StatementFormat) ([]RawRow, error) {
	name := strings.ToLower(fileName)
	if strings.HasSuffix(name, ".xlsx") || strings.HasSuffix(name, ".xlsm") {
		return ReadXLSX(r, f)
	}
	return ReadCSV(r, f)
}

func fromRecord(line int, rec []string, f config.StatementFormat) RawRow {
	row := RawRow{
		Line:                line,
		Date:                col(rec, f.DateCol),
		Amount:              col(rec, f.AmountCol),
		Reference:           col(rec, f.ReferenceCol),
		Description:         col(rec, f.DescriptionCol),
		Direction:           col(rec, f.DirectionCol),
		CounterpartyName:    col(rec, f.CounterpartyCol),
		CounterpartyAccount: col(rec, f.CounterpartyAccountCol),
	}
	if f.AmountCol >= len(rec) || f.DateCol >= len(rec) {
		row.ReadErr = fmt.Sprintf("expected at least %d columns, got %d", max(f.AmountCol, f.DateCol)+1, len(rec))
	}
	return row
}

func col(rec []string, idx int) string {
	if idx < 0 || idx >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[idx])
}

func blank(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

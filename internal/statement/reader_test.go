package statement

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/jask/recon/internal/config"
)

func mobileFormat(t *testing.T) config.StatementFormat {
	t.Helper()
	for _, f := range config.DefaultFormats() {
		if f.Name == "mobile-money" {
			return f
		}
	}
	t.Fatal("mobile-money format missing")
	return config.StatementFormat{}
}

func TestReadCSVMobileMoney(t *testing.T) {
	t.Parallel()
	data := strings.Join([]string{
		"Receipt No,Completion Time,Details,Direction,Amount,Counterparty,Account",
		"QA123XYZ,2024-01-15 10:22:01,Payment from tenant,CR,\"5,000.00\",JANE W,2547000000",
		"",
		"QB456ABC,2024-01-16 08:00:00,Paid to supplier,DR,1200,ACME LTD,",
	}, "\n")

	rows, err := ReadCSV(strings.NewReader(data), mobileFormat(t))
	require.NoError(t, err)
	require.Len(t, rows, 2)

	require.Equal(t, 2, rows[0].Line)
	require.Equal(t, "QA123XYZ", rows[0].Reference)
	require.Equal(t, "5,000.00", rows[0].Amount)
	require.Equal(t, "CR", rows[0].Direction)
	require.Equal(t, "JANE W", rows[0].CounterpartyName)
	require.Equal(t, "2547000000", rows[0].CounterpartyAccount)

	require.Equal(t, 4, rows[1].Line)
	require.Equal(t, "ACME LTD", rows[1].CounterpartyName)
}

func TestReadCSVShortRow(t *testing.T) {
	t.Parallel()
	f := config.DefaultFormats()[0]
	rows, err := ReadCSV(strings.NewReader("date,amount,ref,desc\n2024-01-15\n"), f)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.NotEmpty(t, rows[0].ReadErr)
}

func TestReadXLSX(t *testing.T) {
	t.Parallel()
	wb := excelize.NewFile()
	sheet := wb.GetSheetName(0)
	require.NoError(t, wb.SetSheetRow(sheet, "A1", &[]any{"Date", "Amount", "Reference", "Description", "Counterparty"}))
	require.NoError(t, wb.SetSheetRow(sheet, "A2", &[]any{"2024-01-15", "5000", "INV-77", "Invoice 77 settlement", "ACME"}))
	require.NoError(t, wb.SetSheetRow(sheet, "A3", &[]any{"2024-01-16", "-20", "", "Bank charge", ""}))
	buf, err := wb.WriteToBuffer()
	require.NoError(t, err)

	rows, err := Read(buf, "statement.xlsx", config.DefaultFormats()[0])
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, 2, rows[0].Line)
	require.Equal(t, "INV-77", rows[0].Reference)
	require.Equal(t, "-20", rows[1].Amount)
	require.Equal(t, "Bank charge", rows[1].Description)
}

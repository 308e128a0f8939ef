package statement

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jask/recon/internal/database/repository"
)

func TestParseAmount(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want int64
	}{
		{"5000", 500000},
		{"50.00", 5000},
		{"1,234.56", 123456},
		{"-20", -2000},
		{"(12.50)", -1250},
		{"KES 1,000", 100000},
		{"$7.5", 750},
		{"12.345", 1235},
		{"-12.345", -1235},
		{"99.99-", -9999},
		{"1,500.00 KES", 150000},
		{"KSh 250", 25000},
		{"-USD 3.10", -310},
		{"92233720368547758.07", 9223372036854775807},
	}
	for _, tc := range cases {
		got, err := ParseAmount(tc.in, ",")
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.want, got, tc.in)
	}

	for _, bad := range []string{
		"", "abc", "12x4", "1.2.3", "KES",
		"12abc", "abc12", "1e3", "0x10", "12 34", "--5",
		"99999999999999999999.00", "92233720368547758.08", "(99999999999999999999)",
	} {
		_, err := ParseAmount(bad, ",")
		require.Error(t, err, bad)
	}
}

func TestParseDate(t *testing.T) {
	t.Parallel()
	layouts := []string{"2006-01-02", "02/01/2006", "2/01/2006"}
	want := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)

	for _, in := range []string{"2024-01-15", "15/01/2024"} {
		got, err := ParseDate(in, layouts, time.UTC)
		require.NoError(t, err, in)
		require.Equal(t, want, got)
	}

	nairobi, err := time.LoadLocation("Africa/Nairobi")
	require.NoError(t, err)
	got, err := ParseDate("2024-01-15 23:30:00", []string{"2006-01-02 15:04:05"}, nairobi)
	require.NoError(t, err)
	require.Equal(t, want, got)

	_, err = ParseDate("yesterday", layouts, time.UTC)
	require.Error(t, err)
}

func TestNormalizeDirectionOverridesSign(t *testing.T) {
	t.Parallel()
	l, err := Normalize(RawRow{Date: "2024-01-15", Amount: "250", Direction: "DR"}, nil, ",", time.UTC)
	require.NoError(t, err)
	require.Equal(t, repository.DirectionDebit, l.Direction)
	require.Equal(t, int64(-25000), l.AmountMinor)

	l, err = Normalize(RawRow{Date: "2024-01-15", Amount: "-250"}, nil, ",", time.UTC)
	require.NoError(t, err)
	require.Equal(t, repository.DirectionDebit, l.Direction)

	l, err = Normalize(RawRow{Date: "2024-01-15", Amount: "250", Description: "  rent   march "}, nil, ",", time.UTC)
	require.NoError(t, err)
	require.Equal(t, repository.DirectionCredit, l.Direction)
	require.Equal(t, "rent march", l.Description)

	_, err = Normalize(RawRow{Date: "2024-01-15", Amount: "250", Direction: "sideways"}, nil, ",", time.UTC)
	require.ErrorContains(t, err, "direction")

	_, err = Normalize(RawRow{Line: 3, ReadErr: "bare quote"}, nil, ",", time.UTC)
	require.ErrorContains(t, err, "bare quote")
}

func TestFingerprint(t *testing.T) {
	t.Parallel()
	base := Line{Date: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC), AmountMinor: 5000, Reference: "qa123xyz "}
	same := base
	same.Reference = "QA123XYZ"
	require.Equal(t, Fingerprint("A1", base), Fingerprint("A1", same))
	require.NotEqual(t, Fingerprint("A1", base), Fingerprint("A2", base))

	noRef1 := Line{Date: base.Date, AmountMinor: 5000, Description: "CASH DEPOSIT"}
	noRef2 := Line{Date: base.Date, AmountMinor: 5000, Description: "SALARY"}
	require.NotEqual(t, Fingerprint("A1", noRef1), Fingerprint("A1", noRef2))
}

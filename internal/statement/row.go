// Package statement reads raw statement exports into rows and normalizes the
// fields the importer needs.
package statement

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/jask/recon/internal/database/repository"
)

// RawRow is one unparsed statement line. Line is 1-based within the source
// file (header included) so errors can point at the original row.
type RawRow struct {
	Line                int    `json:"line"`
	Date                string `json:"date"`
	Amount              string `json:"amount"`
	Reference           string `json:"reference"`
	Description         string `json:"description"`
	Direction           string `json:"direction"`
	CounterpartyName    string `json:"counterparty_name"`
	CounterpartyAccount string `json:"counterparty_account"`
	// ReadErr is set when the line could not be split into fields.
	ReadErr string `json:"-"`
}

// Line is a row after normalization.
type Line struct {
	Date                time.Time
	AmountMinor         int64
	Direction           repository.Direction
	Reference           string
	Description         string
	CounterpartyName    string
	CounterpartyAccount string
}

var ErrEmptyField = errors.New("empty field")

// Normalize parses the date, amount and direction of r. Dates are parsed in
// loc and stored as the calendar day in UTC.
func Normalize(r RawRow, layouts []string, strip string, loc *time.Location) (Line, error) {
	if r.ReadErr != "" {
		return Line{}, errors.New(r.ReadErr)
	}
	date, err := ParseDate(r.Date, layouts, loc)
	if err != nil {
		return Line{}, fmt.Errorf("date: %w", err)
	}
	amount, err := ParseAmount(r.Amount, strip)
	if err != nil {
		return Line{}, fmt.Errorf("amount: %w", err)
	}
	dir := repository.DirectionCredit
	if amount < 0 {
		dir = repository.DirectionDebit
	}
	if strings.TrimSpace(r.Direction) != "" {
		d, err := ParseDirection(r.Direction)
		if err != nil {
			return Line{}, fmt.Errorf("direction: %w", err)
		}
		dir = d
		if amount < 0 {
			amount = -amount
		}
		if dir == repository.DirectionDebit {
			amount = -amount
		}
	}
	return Line{
		Date:                date,
		AmountMinor:         amount,
		Direction:           dir,
		Reference:           strings.TrimSpace(r.Reference),
		Description:         strings.Join(strings.Fields(r.Description), " "),
		CounterpartyName:    strings.TrimSpace(r.CounterpartyName),
		CounterpartyAccount: strings.TrimSpace(r.CounterpartyAccount),
	}, nil
}

// ParseAmount converts a major-unit amount string to signed minor units,
// rounding half away from zero. It accepts thousands separators, currency
// symbols, known currency codes, and accounting negatives like "(12.50)".
// Anything else left around the digits, exponents, and amounts that do not
// fit in int64 minor units are rejected.
func ParseAmount(s, strip string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrEmptyField
	}
	orig := s
	neg := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		neg = true
		s = s[1 : len(s)-1]
	}
	for _, c := range strip {
		s = strings.ReplaceAll(s, string(c), "")
	}
	s = trimCurrency(s)
	if strings.HasPrefix(s, "-") {
		neg = !neg
		s = trimCurrency(s[1:])
	}
	if strings.HasSuffix(s, "-") {
		neg = !neg
		s = trimCurrency(strings.TrimSuffix(s, "-"))
	}
	if !plainNumber.MatchString(s) {
		return 0, fmt.Errorf("invalid amount %q", orig)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", orig)
	}
	minor := d.Shift(2).Round(0)
	if minor.GreaterThan(maxMinor) {
		return 0, fmt.Errorf("amount %q out of range", orig)
	}
	if neg {
		minor = minor.Neg()
	}
	return minor.IntPart(), nil
}

var (
	plainNumber = regexp.MustCompile(`^(\d+(\.\d*)?|\.\d+)$`)
	maxMinor    = decimal.NewFromInt(math.MaxInt64)
)

// currencyCodes are the codes and shilling spellings seen on bank and
// mobile-money exports, upper-cased.
var currencyCodes = map[string]bool{
	"KES": true, "KSH": true, "TSH": true, "USH": true, "SH": true,
	"UGX": true, "TZS": true, "RWF": true, "BIF": true, "ETB": true, "SOS": true,
	"NGN": true, "GHS": true, "XOF": true, "XAF": true, "ZAR": true, "ZMW": true, "MWK": true, "MZN": true,
	"EGP": true, "MAD": true, "INR": true, "USD": true, "EUR": true, "GBP": true,
}

// trimCurrency strips surrounding spaces, currency symbols and one known
// currency code on either side.
func trimCurrency(s string) string {
	s = strings.TrimFunc(s, isCurrencyMark)
	if i := strings.IndexFunc(s, notLetter); i > 0 && currencyCodes[strings.ToUpper(s[:i])] {
		s = strings.TrimFunc(s[i:], isCurrencyMark)
	}
	if j := strings.LastIndexFunc(s, notLetter); j >= 0 {
		_, size := utf8.DecodeRuneInString(s[j:])
		if code := s[j+size:]; code != "" && currencyCodes[strings.ToUpper(code)] {
			s = strings.TrimFunc(s[:j+size], isCurrencyMark)
		}
	}
	return s
}

func isCurrencyMark(r rune) bool {
	return unicode.IsSpace(r) || unicode.Is(unicode.Sc, r)
}

func notLetter(r rune) bool { return !unicode.IsLetter(r) }

// ParseDate tries each layout in order.
func ParseDate(s string, layouts []string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, ErrEmptyField
	}
	if loc == nil {
		loc = time.UTC
	}
	if len(layouts) == 0 {
		layouts = []string{time.DateOnly}
	}
	for _, layout := range layouts {
		t, err := time.ParseInLocation(layout, s, loc)
		if err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", s)
}

// ParseDirection maps provider direction markers to CREDIT/DEBIT.
func ParseDirection(s string) (repository.Direction, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CR", "CREDIT", "C", "IN", "RECEIVED", "DEPOSIT":
		return repository.DirectionCredit, nil
	case "DR", "DEBIT", "D", "OUT", "SENT", "PAID", "WITHDRAWAL":
		return repository.DirectionDebit, nil
	}
	return "", fmt.Errorf("unknown direction %q", s)
}

// Fingerprint identifies a statement line within an account. The reference
// is the distinguishing key; lines without one fall back to the description.
func Fingerprint(accountID string, l Line) string {
	key := strings.ToUpper(strings.TrimSpace(l.Reference))
	if key == "" {
		key = strings.ToUpper(l.Description)
	}
	joined := strings.Join([]string{accountID, l.Date.Format(repository.DateLayout), fmt.Sprintf("%d", l.AmountMinor), key}, "|")
	sum := sha256.Sum256([]byte(joined))
	return fmt.Sprintf("%x", sum[:])
}

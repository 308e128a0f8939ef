package database

import (
	"context"

	"github.com/jask/recon/internal/database/repository"
)

// DefaultRules is the baseline rule set: strongest evidence first.
func DefaultRules() []repository.MatchRule {
	return []repository.MatchRule{
		{
			ID:         "exact-amount-date",
			Name:       "Exact amount and date",
			Priority:   10,
			Kind:       repository.RuleExactAmountDate,
			Confidence: repository.ConfidenceHigh,
			IsActive:   true,
		},
		{
			ID:             "channel-receipt-id",
			Name:           "Mobile-money receipt id",
			Priority:       20,
			Kind:           repository.RuleChannelReceiptID,
			Confidence:     repository.ConfidenceHigh,
			DateWindowDays: 3,
			IsActive:       true,
		},
		{
			ID:             "invoice-reference",
			Name:           "Invoice number in reference",
			Priority:       30,
			Kind:           repository.RuleReferencePattern,
			Confidence:     repository.ConfidenceMedium,
			DateWindowDays: 7,
			Pattern:        `(?i)\b(INV-?\d+)\b`,
			IsActive:       true,
		},
		{
			ID:              "fuzzy-tolerant",
			Name:            "Amount within tolerance",
			Priority:        40,
			Kind:            repository.RuleFuzzyTolerant,
			Confidence:      repository.ConfidenceLow,
			AmountTolerance: 100,
			DateWindowDays:  3,
			IsActive:        true,
		},
	}
}

// SeedDefaults ensures the baseline match rules exist for new databases.
// It is idempotent and safe to run on every startup.
func SeedDefaults(ctx context.Context, db repository.DBTX) error {
	rules := repository.NewRuleRepo(db)
	existing, err := rules.List(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	for _, mr := range DefaultRules() {
		if err := rules.Upsert(ctx, mr); err != nil {
			return err
		}
	}
	return nil
}

package service

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jask/recon/internal/database"
	"github.com/jask/recon/internal/database/repository"
	"github.com/jask/recon/internal/logger"
)

// RuleStore persists match rules and hands out immutable snapshots.
type RuleStore struct {
	DB *sql.DB
}

// RuleSet is the versioned rule configuration a matching pass runs with.
// It is never mutated after construction.
type RuleSet struct {
	Version string
	Rules   []CompiledRule
}

// CompiledRule is a rule with its pattern compiled.
type CompiledRule struct {
	repository.MatchRule
	re *regexp.Regexp
}

// DefaultConfidence is the confidence tier a rule kind carries unless configured.
func DefaultConfidence(k repository.RuleKind) repository.Confidence {
	switch k {
	case repository.RuleExactAmountDate, repository.RuleChannelReceiptID:
		return repository.ConfidenceHigh
	case repository.RuleReferencePattern:
		return repository.ConfidenceMedium
	default:
		return repository.ConfidenceLow
	}
}

// ActiveRules returns active rules by ascending priority, ties by id.
func (s *RuleStore) ActiveRules(ctx context.Context) ([]repository.MatchRule, error) {
	return repository.NewRuleRepo(s.DB).ListActive(ctx)
}

func (s *RuleStore) List(ctx context.Context) ([]repository.MatchRule, error) {
	return repository.NewRuleRepo(s.DB).List(ctx)
}

// Snapshot reads the active rules into a RuleSet.
func (s *RuleStore) Snapshot(ctx context.Context) (RuleSet, error) {
	rules, err := s.ActiveRules(ctx)
	if err != nil {
		return RuleSet{}, err
	}
	return NewRuleSet(rules)
}

// Save validates and upserts a rule.
func (s *RuleStore) Save(ctx context.Context, mr repository.MatchRule) error {
	mr, err := normalizeRule(mr)
	if err != nil {
		return err
	}
	if err := repository.NewRuleRepo(s.DB).Upsert(ctx, mr); err != nil {
		return err
	}
	logger.L.Info("rule saved", "rule_id", mr.ID, "kind", mr.Kind, "priority", mr.Priority, "active", mr.IsActive)
	return nil
}

func (s *RuleStore) SetActive(ctx context.Context, id string, active bool) error {
	err := repository.NewRuleRepo(s.DB).SetActive(ctx, id, active)
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("rule %q: %w", id, err)
	}
	return err
}

// SeedDefaults installs the baseline rules into an empty store.
func (s *RuleStore) SeedDefaults(ctx context.Context) error {
	return database.SeedDefaults(ctx, s.DB)
}

type ruleFile struct {
	Rules []ruleEntry `yaml:"rules"`
}

type ruleEntry struct {
	repository.MatchRule `yaml:",inline"`
	Active               *bool `yaml:"active"`
}

// LoadYAML upserts every rule in a YAML document of the form
// "rules: [{id, name, priority, kind, ...}]". Rules default to active. The
// whole file is validated before anything is written.
func (s *RuleStore) LoadYAML(ctx context.Context, r io.Reader) (int, error) {
	var doc ruleFile
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("decode rules: %w", err)
	}
	rules := make([]repository.MatchRule, 0, len(doc.Rules))
	for _, e := range doc.Rules {
		mr := e.MatchRule
		mr.IsActive = e.Active == nil || *e.Active
		n, err := normalizeRule(mr)
		if err != nil {
			return 0, err
		}
		rules = append(rules, n)
	}
	err := database.WithTx(ctx, s.DB, func(tx *sql.Tx) error {
		repo := repository.NewRuleRepo(tx)
		for _, mr := range rules {
			if err := repo.Upsert(ctx, mr); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	logger.L.Info("rules loaded", "count", len(rules))
	return len(rules), nil
}

func normalizeRule(mr repository.MatchRule) (repository.MatchRule, error) {
	mr.ID = strings.TrimSpace(mr.ID)
	if mr.ID == "" {
		return mr, fmt.Errorf("%w: id required", ErrInvalidRule)
	}
	if mr.Name == "" {
		mr.Name = mr.ID
	}
	switch mr.Kind {
	case repository.RuleExactAmountDate, repository.RuleChannelReceiptID, repository.RuleReferencePattern, repository.RuleFuzzyTolerant:
	default:
		return mr, fmt.Errorf("%w: %s: unknown kind %q", ErrInvalidRule, mr.ID, mr.Kind)
	}
	switch mr.Confidence {
	case "":
		mr.Confidence = DefaultConfidence(mr.Kind)
	case repository.ConfidenceHigh, repository.ConfidenceMedium, repository.ConfidenceLow:
	default:
		return mr, fmt.Errorf("%w: %s: confidence %q", ErrInvalidRule, mr.ID, mr.Confidence)
	}
	if mr.AmountTolerance < 0 || mr.DateWindowDays < 0 {
		return mr, fmt.Errorf("%w: %s: tolerances must be non-negative", ErrInvalidRule, mr.ID)
	}
	if mr.Kind == repository.RuleReferencePattern && mr.Pattern == "" {
		return mr, fmt.Errorf("%w: %s: pattern required", ErrInvalidRule, mr.ID)
	}
	if mr.Pattern != "" {
		if _, err := regexp.Compile(mr.Pattern); err != nil {
			return mr, fmt.Errorf("%w: %s: %v", ErrInvalidRule, mr.ID, err)
		}
	}
	return mr, nil
}

// NewRuleSet sorts rules by (priority, id), drops inactive ones, compiles
// patterns and derives the version from the ordered content.
func NewRuleSet(rules []repository.MatchRule) (RuleSet, error) {
	active := make([]repository.MatchRule, 0, len(rules))
	for _, mr := range rules {
		if mr.IsActive {
			active = append(active, mr)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		if active[i].Priority != active[j].Priority {
			return active[i].Priority < active[j].Priority
		}
		return active[i].ID < active[j].ID
	})

	h := sha256.New()
	out := make([]CompiledRule, 0, len(active))
	for _, mr := range active {
		cr := CompiledRule{MatchRule: mr}
		if mr.Pattern != "" {
			re, err := regexp.Compile(mr.Pattern)
			if err != nil {
				return RuleSet{}, fmt.Errorf("%w: %s: %v", ErrInvalidRule, mr.ID, err)
			}
			cr.re = re
		}
		fmt.Fprintf(h, "%s|%d|%s|%s|%d|%d|%s|%s\n", mr.ID, mr.Priority, mr.Kind, mr.Confidence,
			mr.AmountTolerance, mr.DateWindowDays, mr.Pattern, mr.EntityType)
		out = append(out, cr)
	}
	return RuleSet{Version: fmt.Sprintf("%x", h.Sum(nil))[:16], Rules: out}, nil
}

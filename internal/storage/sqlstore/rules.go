package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/scrypster/kinship/internal/storage"
	"github.com/scrypster/kinship/pkg/types"
)

const ruleColumns = `id, name, rule_type, attribute_pattern, entity_type, strategy,
	confidence_threshold, priority, active, created_at, updated_at`

// ValidateRule checks a rule's fields and fills wildcard defaults.
// Pattern compilation is checked by the rule engine.
func ValidateRule(r *types.ResolutionRule) error {
	if r == nil {
		return fmt.Errorf("%w: rule is nil", storage.ErrInvalidInput)
	}
	r.Name = strings.TrimSpace(r.Name)
	if r.RuleType == "" {
		r.RuleType = types.Wildcard
	}
	if r.EntityType == "" {
		r.EntityType = types.Wildcard
	}
	switch {
	case r.Name == "":
		return fmt.Errorf("%w: rule name is required", storage.ErrInvalidInput)
	case strings.TrimSpace(r.AttributePattern) == "":
		return fmt.Errorf("%w: rule attribute pattern is required", storage.ErrInvalidInput)
	case r.RuleType != types.Wildcard && !types.ConflictType(r.RuleType).IsValid():
		return fmt.Errorf("%w: unknown rule type %q", storage.ErrInvalidInput, r.RuleType)
	case r.EntityType != types.Wildcard && !types.EntityType(r.EntityType).IsValid():
		return fmt.Errorf("%w: unknown rule entity type %q", storage.ErrInvalidInput, r.EntityType)
	case !r.Strategy.IsValid():
		return fmt.Errorf("%w: unknown strategy %q", storage.ErrInvalidInput, r.Strategy)
	case !types.IsValidScore(r.ConfidenceThreshold):
		return fmt.Errorf("%w: confidence threshold %v out of range", storage.ErrInvalidInput, r.ConfidenceThreshold)
	case r.Priority < 1 || r.Priority > 10:
		return fmt.Errorf("%w: priority %d must be between 1 and 10", storage.ErrInvalidInput, r.Priority)
	}
	return nil
}

// UpsertRule inserts a rule or replaces the rule with the same ID.
func (s *Store) UpsertRule(ctx context.Context, r *types.ResolutionRule) error {
	if err := ValidateRule(r); err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = newID("rule")
	}
	ts := now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = ts
	}
	r.UpdatedAt = ts

	_, err := s.exec(ctx, `
		INSERT INTO conflict_resolution_rules (`+ruleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			rule_type = excluded.rule_type,
			attribute_pattern = excluded.attribute_pattern,
			entity_type = excluded.entity_type,
			strategy = excluded.strategy,
			confidence_threshold = excluded.confidence_threshold,
			priority = excluded.priority,
			active = excluded.active,
			updated_at = excluded.updated_at`,
		r.ID, r.Name, r.RuleType, r.AttributePattern, r.EntityType, string(r.Strategy),
		r.ConfidenceThreshold, r.Priority, r.Active, r.CreatedAt.UTC(), r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert rule: %w", err)
	}
	return nil
}

// GetRule retrieves a rule by ID.
func (s *Store) GetRule(ctx context.Context, id string) (*types.ResolutionRule, error) {
	row := s.queryRow(ctx, `SELECT `+ruleColumns+` FROM conflict_resolution_rules WHERE id = ?`, id)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return r, nil
}

// ListRules lists rules, highest priority first.
func (s *Store) ListRules(ctx context.Context, activeOnly bool) ([]*types.ResolutionRule, error) {
	w := &where{}
	if activeOnly {
		w.add("active = ?", true)
	}
	rows, err := s.query(ctx, `SELECT `+ruleColumns+` FROM conflict_resolution_rules`+w.String()+
		` ORDER BY priority DESC, id ASC`, w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var out []*types.ResolutionRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRule(row rowScanner) (*types.ResolutionRule, error) {
	var (
		r        types.ResolutionRule
		strategy string
	)
	if err := row.Scan(&r.ID, &r.Name, &r.RuleType, &r.AttributePattern, &r.EntityType, &strategy,
		&r.ConfidenceThreshold, &r.Priority, &r.Active, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Strategy = types.ResolutionStrategy(strategy)
	return &r, nil
}

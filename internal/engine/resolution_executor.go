package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/scrypster/kinship/internal/storage"
	"github.com/scrypster/kinship/pkg/types"
)

// DefaultResolver is recorded as resolved_by when callers pass none.
const DefaultResolver = "system"

// ResolutionExecutor applies resolution strategies to active conflicts.
// Each conflict is resolved in its own transaction: the value write-back,
// the evolution record, the resolved mark and the audit row commit together.
type ResolutionExecutor struct {
	store  storage.Store
	rules  *RuleEngine
	cfg    Config
	logger *zap.Logger
}

// NewResolutionExecutor creates a new resolution executor.
func NewResolutionExecutor(store storage.Store, rules *RuleEngine, cfg Config, logger *zap.Logger) *ResolutionExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResolutionExecutor{
		store:  store,
		rules:  rules,
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

// assess previews the matched rule for a conflict and reports whether the
// conflict may be resolved without a human.
func assess(c *types.Conflict, rule *types.ResolutionRule) (*types.SuggestedResolution, bool) {
	if rule == nil {
		return nil, false
	}
	best := maxConfidence(c.Values)
	suggestion := &types.SuggestedResolution{
		Strategy:   rule.Strategy,
		Confidence: best,
		RuleID:     rule.ID,
	}

	d, err := decide(rule.Strategy, c.Values)
	if err == nil {
		suggestion.Value = d.value
		suggestion.Confidence = d.confidence
	}

	auto := err == nil &&
		c.Severity != types.SeverityCritical &&
		c.ConflictType != types.ConflictMergeCandidate &&
		best >= rule.ConfidenceThreshold
	return suggestion, auto
}

// ResolveConflicts resolves each conflict independently with bounded
// concurrency. Results are in input order. Conflicts whose rule asks for
// review, or that are not auto-resolvable, are deferred and reported as
// successful.
func (x *ResolutionExecutor) ResolveConflicts(ctx context.Context, ids []string, resolvedBy string) []BatchResult {
	if resolvedBy == "" {
		resolvedBy = DefaultResolver
	}
	results := make([]BatchResult, len(ids))

	var g errgroup.Group
	g.SetLimit(x.cfg.BatchConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			results[i] = x.resolveOne(ctx, id, resolvedBy)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (x *ResolutionExecutor) resolveOne(ctx context.Context, id, resolvedBy string) BatchResult {
	result := BatchResult{ConflictID: id}

	err := x.store.WithTx(ctx, func(tx storage.GraphStore) error {
		c, e, err := loadActiveConflict(ctx, tx, id)
		if err != nil {
			return err
		}

		rule := x.rules.Match(e.Type, c.ConflictType, c.Attribute)
		_, auto := assess(c, rule)
		if !auto {
			if err := tx.DeferConflict(ctx, c.ID); err != nil {
				return fmt.Errorf("failed to defer conflict: %w", err)
			}
			result.Deferred = true
			result.Strategy = types.StrategyUserReview
			return nil
		}

		d, err := decide(rule.Strategy, c.Values)
		if err != nil {
			return err
		}
		res, err := x.apply(ctx, tx, c, e, d, resolvedBy, rule.ID)
		if err != nil {
			return err
		}
		result.AuditID = res.ID
		result.Strategy = res.Strategy
		return nil
	})
	if err != nil {
		result.Error = err
		result.ErrorText = err.Error()
		x.logger.Warn("conflict resolution failed", zap.String("conflict_id", id), zap.Error(err))
		return result
	}

	result.Success = true
	x.logger.Debug("conflict processed",
		zap.String("conflict_id", id),
		zap.Bool("deferred", result.Deferred),
		zap.String("strategy", string(result.Strategy)),
	)
	return result
}

// ResolveManually resolves a conflict with an operator-supplied value. It
// works on deferred and critical conflicts alike.
func (x *ResolutionExecutor) ResolveManually(ctx context.Context, id string, value interface{}, resolvedBy, note string) (*types.Resolution, error) {
	if value == nil {
		return nil, fmt.Errorf("%w: a resolved value is required", storage.ErrInvalidInput)
	}
	if resolvedBy == "" {
		resolvedBy = DefaultResolver
	}

	reasoning := "manual override by " + resolvedBy
	if note = strings.TrimSpace(note); note != "" {
		reasoning += ": " + note
	}

	var res *types.Resolution
	err := x.store.WithTx(ctx, func(tx storage.GraphStore) error {
		c, e, err := loadActiveConflict(ctx, tx, id)
		if err != nil {
			return err
		}
		res, err = x.apply(ctx, tx, c, e, &decision{
			strategy:   types.StrategyManualOverride,
			value:      value,
			confidence: 1.0,
			source:     resolvedBy,
			reasoning:  reasoning,
		}, resolvedBy, "")
		return err
	})
	if err != nil {
		return nil, err
	}

	x.logger.Info("conflict resolved manually",
		zap.String("conflict_id", id),
		zap.String("resolved_by", resolvedBy),
		zap.String("audit_id", res.ID),
	)
	return res, nil
}

// loadActiveConflict reads a conflict and its entity inside a transaction.
func loadActiveConflict(ctx context.Context, tx storage.GraphStore, id string) (*types.Conflict, *types.Entity, error) {
	c, err := tx.GetConflict(ctx, id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, nil, err
	case err != nil:
		return nil, nil, fmt.Errorf("%w: failed to load conflict %s: %w", ErrResolutionFailure, id, err)
	case !c.IsActive():
		return nil, nil, fmt.Errorf("conflict %s: %w", id, storage.ErrAlreadyResolved)
	}

	e, err := tx.GetByID(ctx, c.EntityID)
	if err != nil {
		return nil, nil, fmt.Errorf("entity of conflict %s: %w", id, err)
	}
	return c, e, nil
}

// apply writes the decided value back, records it in the evolution log and
// the audit ledger, and marks the conflict resolved.
func (x *ResolutionExecutor) apply(ctx context.Context, tx storage.GraphStore, c *types.Conflict, e *types.Entity,
	d *decision, resolvedBy, ruleID string) (*types.Resolution, error) {
	previous := currentValue(e, c.Attribute)

	if err := writeBack(ctx, tx, e, c, d.value); err != nil {
		return nil, err
	}

	res := &types.Resolution{
		ConflictID:     c.ID,
		EntityID:       c.EntityID,
		ConflictType:   c.ConflictType,
		Severity:       c.Severity,
		Attribute:      c.Attribute,
		OriginalValues: c.Values,
		ResolvedValue:  d.value,
		Strategy:       d.strategy,
		Confidence:     d.confidence,
		Reasoning:      d.reasoning,
		ResolvedBy:     resolvedBy,
		RuleID:         ruleID,
	}
	if err := tx.AppendResolution(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to append resolution: %w", err)
	}

	if err := tx.AppendEvolution(ctx, &types.EvolutionRecord{
		EntityID:          e.ID,
		Attribute:         c.Attribute,
		PreviousValue:     previous,
		NewValue:          d.value,
		ChangeType:        types.ChangeResolution,
		EvidenceMessageID: d.source,
		Confidence:        d.confidence,
	}); err != nil {
		return nil, fmt.Errorf("failed to record resolution history: %w", err)
	}

	if err := tx.MarkConflictResolved(ctx, c.ID, res.ID, res.CreatedAt); err != nil {
		return nil, err
	}
	return res, nil
}

// currentValue returns the entity's present value for a conflict attribute,
// or nil when the entity holds none.
func currentValue(e *types.Entity, attribute string) interface{} {
	switch attribute {
	case attrName:
		return e.Name
	case attrType:
		return string(e.Type)
	case attrCanonicalForm:
		if e.CanonicalForm == "" {
			return nil
		}
		return e.CanonicalForm
	}
	if v, ok := e.Metadata[attribute]; ok {
		return v
	}
	return nil
}

// writeBack stores the resolved value on the entity or its relationships.
func writeBack(ctx context.Context, tx storage.GraphStore, e *types.Entity, c *types.Conflict, value interface{}) error {
	if c.ConflictType == types.ConflictMergeCandidate {
		// merges are explicit; the decision is only recorded
		return nil
	}

	switch baseAttribute(c.Attribute) {
	case attrStrength:
		return writeStrength(ctx, tx, c, value)
	case attrRelationship:
		return writeSingleValuedRelationship(ctx, tx, e, c, value)
	}

	switch c.Attribute {
	case attrName:
		name, ok := valueString(value)
		if !ok {
			return fmt.Errorf("%w: name must be a non-empty string, got %T", ErrResolutionFailure, value)
		}
		if err := keepLosingNames(ctx, tx, e, c, name); err != nil {
			return err
		}
		e.Name = name
	case attrType:
		s, _ := valueString(value)
		t := types.EntityType(s)
		if !t.IsValid() {
			return fmt.Errorf("%w: %v is not an entity type", ErrResolutionFailure, value)
		}
		e.Type = t
	case attrCanonicalForm:
		s, ok := valueString(value)
		if !ok {
			return fmt.Errorf("%w: canonical form must be a non-empty string, got %T", ErrResolutionFailure, value)
		}
		e.CanonicalForm = s
	default:
		if e.Metadata == nil {
			e.Metadata = map[string]interface{}{}
		}
		e.Metadata[c.Attribute] = value
	}

	if err := tx.Update(ctx, e); err != nil {
		return fmt.Errorf("%w: failed to write back %s: %w", ErrResolutionFailure, c.Attribute, err)
	}
	return nil
}

// keepLosingNames stores every losing name as a variation alias.
func keepLosingNames(ctx context.Context, tx storage.GraphStore, e *types.Entity, c *types.Conflict, winner string) error {
	candidates := append([]types.ConflictValue{{Value: e.Name, Confidence: e.Confidence}}, c.Values...)
	for _, v := range candidates {
		name, ok := valueString(v.Value)
		if !ok || types.NormalizeName(name) == types.NormalizeName(winner) {
			continue
		}
		if _, err := tx.CreateAlias(ctx, &types.Alias{
			EntityID:   e.ID,
			Alias:      name,
			Kind:       types.AliasVariation,
			Confidence: v.Confidence,
		}); err != nil {
			return fmt.Errorf("failed to keep losing name %q: %w", name, err)
		}
	}
	return nil
}

// writeStrength sets every relationship listed as a value source to the
// resolved strength.
func writeStrength(ctx context.Context, tx storage.GraphStore, c *types.Conflict, value interface{}) error {
	strength, ok := valueFloat(value)
	if !ok || !types.IsValidScore(strength) {
		return fmt.Errorf("%w: strength must be a number in [0, 1], got %v", ErrResolutionFailure, value)
	}
	for _, v := range c.Values {
		rel, err := tx.GetRelationship(ctx, v.Source)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to load relationship %s: %w", v.Source, err)
		}
		rel.Strength = strength
		if err := tx.UpdateRelationship(ctx, rel); err != nil {
			return fmt.Errorf("failed to write back strength: %w", err)
		}
	}
	return nil
}

// writeSingleValuedRelationship keeps the edge to the winning target and
// removes the other edges of the same type leaving the entity.
func writeSingleValuedRelationship(ctx context.Context, tx storage.GraphStore, e *types.Entity, c *types.Conflict, value interface{}) error {
	winner, ok := valueString(value)
	if !ok {
		return fmt.Errorf("%w: relationship target must be an entity ID, got %T", ErrResolutionFailure, value)
	}
	relType := types.RelationshipType(strings.TrimPrefix(c.Attribute, attrRelationship+":"))

	rels, err := tx.ListRelationships(ctx, e.ID)
	if err != nil {
		return fmt.Errorf("failed to list relationships: %w", err)
	}
	for _, rel := range rels {
		if rel.SourceEntityID != e.ID || rel.Type != relType || rel.TargetEntityID == winner {
			continue
		}
		if err := tx.DeleteRelationship(ctx, rel.ID); err != nil {
			return fmt.Errorf("failed to remove superseded relationship %s: %w", rel.ID, err)
		}
	}
	return nil
}

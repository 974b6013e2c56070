package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/scrypster/kinship/internal/storage"
	"github.com/scrypster/kinship/internal/storage/sqlstore"
	"github.com/scrypster/kinship/pkg/types"
)

const (
	mergedNameConfidence = 0.9

	// maxMergeChain bounds how far a merge chain is followed.
	maxMergeChain = 32
)

// EntityMerger folds a duplicate entity into another one.
type EntityMerger struct {
	store  storage.Store
	logger *zap.Logger
}

// NewEntityMerger creates a new entity merger.
func NewEntityMerger(store storage.Store, logger *zap.Logger) *EntityMerger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EntityMerger{store: store, logger: logger}
}

// MergeEntities moves everything attached to source onto target and deletes
// source, all in one transaction. Merging an entity that was already merged
// returns ErrNotFound naming where it went.
func (m *EntityMerger) MergeEntities(ctx context.Context, sourceID, targetID string) (*MergeResult, error) {
	sourceID, targetID = strings.TrimSpace(sourceID), strings.TrimSpace(targetID)
	if sourceID == "" || targetID == "" {
		return nil, fmt.Errorf("%w: source and target IDs are required", storage.ErrInvalidInput)
	}
	if sourceID == targetID {
		return nil, fmt.Errorf("%w: cannot merge entity %s into itself", storage.ErrInvalidInput, sourceID)
	}

	result := &MergeResult{SourceID: sourceID, TargetID: targetID}
	err := m.store.WithTx(ctx, func(tx storage.GraphStore) error {
		source, target, err := m.loadPair(ctx, tx, sourceID, targetID)
		if err != nil {
			return err
		}

		moved, err := tx.ReassignMentions(ctx, sourceID, targetID)
		if err != nil {
			return fmt.Errorf("failed to reassign mentions: %w", err)
		}
		result.MentionsMoved = moved

		if err := m.moveRelationships(ctx, tx, sourceID, targetID, result); err != nil {
			return err
		}
		if err := m.moveAliases(ctx, tx, source, targetID, result); err != nil {
			return err
		}

		target.MentionCount += source.MentionCount
		if source.LastMentionedAt != nil &&
			(target.LastMentionedAt == nil || source.LastMentionedAt.After(*target.LastMentionedAt)) {
			t := *source.LastMentionedAt
			target.LastMentionedAt = &t
		}
		if err := tx.Update(ctx, target); err != nil {
			return fmt.Errorf("failed to update merge target: %w", err)
		}

		if err := tx.AppendEvolution(ctx, &types.EvolutionRecord{
			EntityID:      targetID,
			Attribute:     sqlstore.MergedFromAttribute,
			PreviousValue: sourceID,
			NewValue:      targetID,
			ChangeType:    types.ChangeMerge,
			Confidence:    1.0,
		}); err != nil {
			return fmt.Errorf("failed to record merge: %w", err)
		}

		if err := tx.Delete(ctx, sourceID); err != nil {
			return fmt.Errorf("failed to delete merged entity: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("merged entities",
		zap.String("source_id", sourceID),
		zap.String("target_id", targetID),
		zap.Int("mentions_moved", result.MentionsMoved),
		zap.Int("relationships_moved", result.RelationshipsMoved),
		zap.Int("relationships_folded", result.RelationshipsFolded),
		zap.Int("aliases_added", result.AliasesAdded),
	)
	return result, nil
}

// loadPair fetches both entities, explaining missing ones through the merge log.
func (m *EntityMerger) loadPair(ctx context.Context, tx storage.GraphStore, sourceID, targetID string) (*types.Entity, *types.Entity, error) {
	source, err := tx.GetByID(ctx, sourceID)
	if errors.Is(err, storage.ErrNotFound) {
		if into, lookupErr := tx.FindMergeTarget(ctx, sourceID); lookupErr == nil {
			return nil, nil, fmt.Errorf("entity %s already merged into %s: %w", sourceID, into, storage.ErrNotFound)
		}
		return nil, nil, fmt.Errorf("source entity %s: %w", sourceID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get source entity: %w", err)
	}

	target, err := tx.GetByID(ctx, targetID)
	if errors.Is(err, storage.ErrNotFound) {
		end, cyclic := followMergeChain(ctx, tx, targetID, sourceID)
		if cyclic {
			return nil, nil, fmt.Errorf("%w: entity %s was merged into %s; merging back would form a cycle",
				storage.ErrInvalidInput, targetID, sourceID)
		}
		if end != targetID {
			return nil, nil, fmt.Errorf("target entity %s was merged into %s: %w", targetID, end, storage.ErrNotFound)
		}
		return nil, nil, fmt.Errorf("target entity %s: %w", targetID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get target entity: %w", err)
	}
	return source, target, nil
}

// followMergeChain walks merge records from id and reports the last entity
// reached and whether the chain passes through stop.
func followMergeChain(ctx context.Context, tx storage.GraphStore, id, stop string) (string, bool) {
	current := id
	for i := 0; i < maxMergeChain; i++ {
		next, err := tx.FindMergeTarget(ctx, current)
		if err != nil {
			return current, false
		}
		if next == stop {
			return next, true
		}
		current = next
	}
	return current, false
}

// moveRelationships rewires every edge of source onto target. Edges that
// would become self-loops are dropped; edges that collide with an existing
// target edge are folded into it.
func (m *EntityMerger) moveRelationships(ctx context.Context, tx storage.GraphStore, sourceID, targetID string, result *MergeResult) error {
	rels, err := tx.ListRelationships(ctx, sourceID)
	if err != nil {
		return fmt.Errorf("failed to list relationships: %w", err)
	}

	for _, rel := range rels {
		src, dst := rel.SourceEntityID, rel.TargetEntityID
		if src == sourceID {
			src = targetID
		}
		if dst == sourceID {
			dst = targetID
		}

		if src == dst {
			if err := tx.DeleteRelationship(ctx, rel.ID); err != nil {
				return fmt.Errorf("failed to drop self-loop %s: %w", rel.ID, err)
			}
			result.RelationshipsDropped++
			continue
		}

		existing, err := tx.FindRelationship(ctx, src, dst, rel.Type)
		switch {
		case err == nil && existing.ID != rel.ID:
			foldRelationship(existing, rel)
			if err := tx.UpdateRelationship(ctx, existing); err != nil {
				return fmt.Errorf("failed to fold relationship %s: %w", rel.ID, err)
			}
			if err := tx.DeleteRelationship(ctx, rel.ID); err != nil {
				return fmt.Errorf("failed to remove folded relationship %s: %w", rel.ID, err)
			}
			result.RelationshipsFolded++
		case err == nil || errors.Is(err, storage.ErrNotFound):
			rel.SourceEntityID, rel.TargetEntityID = src, dst
			if err := tx.UpdateRelationship(ctx, rel); err != nil {
				return fmt.Errorf("failed to move relationship %s: %w", rel.ID, err)
			}
			result.RelationshipsMoved++
		default:
			return fmt.Errorf("failed to look up relationship: %w", err)
		}
	}
	return nil
}

// foldRelationship merges the observations of from into into.
func foldRelationship(into, from *types.Relationship) {
	into.MentionCount += from.MentionCount
	into.Strength = max(into.Strength, from.Strength)
	if from.FirstMentionedAt.Before(into.FirstMentionedAt) {
		into.FirstMentionedAt = from.FirstMentionedAt
	}
	if from.LastMentionedAt.After(into.LastMentionedAt) {
		into.LastMentionedAt = from.LastMentionedAt
	}
	if into.Context == "" {
		into.Context = from.Context
	}
}

// moveAliases copies the source's aliases to target and records the source
// name as a variation alias.
func (m *EntityMerger) moveAliases(ctx context.Context, tx storage.GraphStore, source *types.Entity, targetID string, result *MergeResult) error {
	aliases, err := tx.GetAliases(ctx, source.ID)
	if err != nil {
		return fmt.Errorf("failed to list aliases: %w", err)
	}

	candidates := make([]*types.Alias, 0, len(aliases)+1)
	for _, a := range aliases {
		candidates = append(candidates, &types.Alias{
			EntityID:   targetID,
			Alias:      a.Alias,
			Kind:       a.Kind,
			Confidence: a.Confidence,
		})
	}
	candidates = append(candidates, &types.Alias{
		EntityID:   targetID,
		Alias:      source.Name,
		Kind:       types.AliasVariation,
		Confidence: mergedNameConfidence,
	})

	for _, a := range candidates {
		created, err := tx.CreateAlias(ctx, a)
		if err != nil {
			return fmt.Errorf("failed to copy alias %q: %w", a.Alias, err)
		}
		if created {
			result.AliasesAdded++
		}
	}
	return nil
}

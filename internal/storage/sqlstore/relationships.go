package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/scrypster/kinship/internal/storage"
	"github.com/scrypster/kinship/pkg/types"
)

const relationshipColumns = `id, source_entity_id, target_entity_id, type, strength,
	first_mentioned_at, last_mentioned_at, mention_count, context, created_at, updated_at`

func validateRelationship(r *types.Relationship) error {
	if r == nil {
		return fmt.Errorf("%w: relationship is nil", storage.ErrInvalidInput)
	}
	switch {
	case r.SourceEntityID == "" || r.TargetEntityID == "":
		return fmt.Errorf("%w: relationship endpoints are required", storage.ErrInvalidInput)
	case r.SourceEntityID == r.TargetEntityID:
		return fmt.Errorf("%w: relationship cannot link an entity to itself", storage.ErrInvalidInput)
	case !r.Type.IsValid():
		return fmt.Errorf("%w: unknown relationship type %q", storage.ErrInvalidInput, r.Type)
	case !types.IsValidScore(r.Strength):
		return fmt.Errorf("%w: relationship strength %v out of range", storage.ErrInvalidInput, r.Strength)
	case r.MentionCount < 0:
		return fmt.Errorf("%w: mention count must not be negative", storage.ErrInvalidInput)
	case !r.FirstMentionedAt.IsZero() && !r.LastMentionedAt.IsZero() && r.LastMentionedAt.Before(r.FirstMentionedAt):
		return fmt.Errorf("%w: last_mentioned_at precedes first_mentioned_at", storage.ErrInvalidInput)
	}
	return nil
}

// UpsertRelationship inserts an edge or folds an observation into the existing one.
func (s *Store) UpsertRelationship(ctx context.Context, r *types.Relationship) error {
	if err := validateRelationship(r); err != nil {
		return err
	}
	ts := now()
	if r.FirstMentionedAt.IsZero() {
		r.FirstMentionedAt = ts
	}
	if r.LastMentionedAt.IsZero() {
		r.LastMentionedAt = r.FirstMentionedAt
	}
	observations := r.MentionCount
	if observations < 1 {
		observations = 1
	}

	existing, err := s.FindRelationship(ctx, r.SourceEntityID, r.TargetEntityID, r.Type)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if r.ID == "" {
			r.ID = newID("rel")
		}
		r.MentionCount = observations
		r.CreatedAt = ts
		r.UpdatedAt = ts
		_, err := s.exec(ctx, `
			INSERT INTO entity_relationships (`+relationshipColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.SourceEntityID, r.TargetEntityID, string(r.Type), r.Strength,
			r.FirstMentionedAt.UTC(), r.LastMentionedAt.UTC(), r.MentionCount,
			nullableString(r.Context), r.CreatedAt, r.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert relationship: %w", err)
		}
		return nil
	case err != nil:
		return err
	}

	existing.MentionCount += observations
	existing.Strength = r.Strength
	if r.FirstMentionedAt.Before(existing.FirstMentionedAt) {
		existing.FirstMentionedAt = r.FirstMentionedAt
	}
	if r.LastMentionedAt.After(existing.LastMentionedAt) {
		existing.LastMentionedAt = r.LastMentionedAt
	}
	if r.Context != "" {
		existing.Context = r.Context
	}
	if err := s.UpdateRelationship(ctx, existing); err != nil {
		return err
	}
	*r = *existing
	return nil
}

// GetRelationship retrieves an edge by ID.
func (s *Store) GetRelationship(ctx context.Context, id string) (*types.Relationship, error) {
	row := s.queryRow(ctx, `SELECT `+relationshipColumns+` FROM entity_relationships WHERE id = ?`, id)
	r, err := scanRelationship(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("relationship %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get relationship: %w", err)
	}
	return r, nil
}

// FindRelationship retrieves the edge for (source, target, type).
func (s *Store) FindRelationship(ctx context.Context, sourceID, targetID string, relType types.RelationshipType) (*types.Relationship, error) {
	row := s.queryRow(ctx, `SELECT `+relationshipColumns+` FROM entity_relationships
		WHERE source_entity_id = ? AND target_entity_id = ? AND type = ?`,
		sourceID, targetID, string(relType))
	r, err := scanRelationship(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("relationship %s -%s-> %s: %w", sourceID, relType, targetID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find relationship: %w", err)
	}
	return r, nil
}

// ListRelationships returns every edge touching entityID.
func (s *Store) ListRelationships(ctx context.Context, entityID string) ([]*types.Relationship, error) {
	rows, err := s.query(ctx, `SELECT `+relationshipColumns+` FROM entity_relationships
		WHERE source_entity_id = ? OR target_entity_id = ?
		ORDER BY last_mentioned_at DESC, id ASC`, entityID, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list relationships: %w", err)
	}
	defer rows.Close()

	var out []*types.Relationship
	for rows.Next() {
		r, err := scanRelationship(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan relationship: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateRelationship rewrites an edge by ID.
func (s *Store) UpdateRelationship(ctx context.Context, r *types.Relationship) error {
	if err := validateRelationship(r); err != nil {
		return err
	}
	r.UpdatedAt = now()
	res, err := s.exec(ctx, `
		UPDATE entity_relationships
		SET source_entity_id = ?, target_entity_id = ?, type = ?, strength = ?,
			first_mentioned_at = ?, last_mentioned_at = ?, mention_count = ?, context = ?, updated_at = ?
		WHERE id = ?`,
		r.SourceEntityID, r.TargetEntityID, string(r.Type), r.Strength,
		r.FirstMentionedAt.UTC(), r.LastMentionedAt.UTC(), r.MentionCount,
		nullableString(r.Context), r.UpdatedAt, r.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update relationship: %w", err)
	}
	if err := affected(res); err != nil {
		return fmt.Errorf("relationship %s: %w", r.ID, err)
	}
	return nil
}

// DeleteRelationship removes an edge.
func (s *Store) DeleteRelationship(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM entity_relationships WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete relationship: %w", err)
	}
	if err := affected(res); err != nil {
		return fmt.Errorf("relationship %s: %w", id, err)
	}
	return nil
}

func scanRelationship(row rowScanner) (*types.Relationship, error) {
	var (
		r       types.Relationship
		relType string
		note    sql.NullString
	)
	if err := row.Scan(&r.ID, &r.SourceEntityID, &r.TargetEntityID, &relType, &r.Strength,
		&r.FirstMentionedAt, &r.LastMentionedAt, &r.MentionCount, &note,
		&r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Type = types.RelationshipType(relType)
	r.Context = note.String
	return &r, nil
}

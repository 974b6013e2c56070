package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/scrypster/kinship/internal/storage"
	"github.com/scrypster/kinship/pkg/types"
)

// MergedFromAttribute is the evolution attribute written on a merge survivor.
const MergedFromAttribute = "merged_from"

const evolutionColumns = `id, entity_id, attribute, previous_value, new_value, change_type,
	evidence_message_id, confidence, created_at`

// AppendEvolution appends an attribute-history record.
func (s *Store) AppendEvolution(ctx context.Context, rec *types.EvolutionRecord) error {
	if rec == nil {
		return fmt.Errorf("%w: evolution record is nil", storage.ErrInvalidInput)
	}
	if rec.ChangeType == "" {
		rec.ChangeType = types.ChangeObserved
	}
	switch rec.ChangeType {
	case types.ChangeObserved, types.ChangeResolution, types.ChangeMerge, types.ChangeUpdate:
	default:
		return fmt.Errorf("%w: unknown evolution change type %q", storage.ErrInvalidInput, rec.ChangeType)
	}
	switch {
	case rec.EntityID == "":
		return fmt.Errorf("%w: evolution entity_id is required", storage.ErrInvalidInput)
	case rec.Attribute == "":
		return fmt.Errorf("%w: evolution attribute is required", storage.ErrInvalidInput)
	case !types.IsValidScore(rec.Confidence):
		return fmt.Errorf("%w: evolution confidence %v out of range", storage.ErrInvalidInput, rec.Confidence)
	}
	if rec.ID == "" {
		rec.ID = newID("evo")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now()
	}

	prev, err := marshalJSON(rec.PreviousValue)
	if err != nil {
		return err
	}
	next, err := marshalJSON(rec.NewValue)
	if err != nil {
		return err
	}

	_, err = s.exec(ctx, `
		INSERT INTO entity_evolution (`+evolutionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.EntityID, rec.Attribute, prev, next, string(rec.ChangeType),
		nullableString(rec.EvidenceMessageID), rec.Confidence, rec.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append evolution record: %w", err)
	}
	return nil
}

// ListEvolution returns an entity's history, oldest first.
func (s *Store) ListEvolution(ctx context.Context, entityID string) ([]*types.EvolutionRecord, error) {
	rows, err := s.query(ctx, `SELECT `+evolutionColumns+` FROM entity_evolution
		WHERE entity_id = ? ORDER BY created_at ASC, id ASC`, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list evolution: %w", err)
	}
	defer rows.Close()

	var out []*types.EvolutionRecord
	for rows.Next() {
		var (
			rec        types.EvolutionRecord
			prev, next sql.NullString
			changeType string
			evidence   sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.EntityID, &rec.Attribute, &prev, &next, &changeType,
			&evidence, &rec.Confidence, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan evolution record: %w", err)
		}
		rec.ChangeType = types.EvolutionChange(changeType)
		rec.EvidenceMessageID = evidence.String
		if rec.PreviousValue, err = unmarshalValue(prev); err != nil {
			return nil, err
		}
		if rec.NewValue, err = unmarshalValue(next); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// FindMergeTarget returns the entity that absorbed sourceID in a merge.
func (s *Store) FindMergeTarget(ctx context.Context, sourceID string) (string, error) {
	key, err := marshalJSON(sourceID)
	if err != nil {
		return "", err
	}
	var targetID string
	err = s.queryRow(ctx, `SELECT entity_id FROM entity_evolution
		WHERE change_type = ? AND attribute = ? AND previous_value = ?
		ORDER BY created_at DESC LIMIT 1`,
		string(types.ChangeMerge), MergedFromAttribute, key).Scan(&targetID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("merge of %s: %w", sourceID, storage.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to find merge target: %w", s.translate(err))
	}
	return targetID, nil
}

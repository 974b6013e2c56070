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

const entityColumns = `id, name, normalized_name, type, canonical_form, confidence,
	mention_count, last_mentioned_at, metadata, created_at, updated_at`

// validateEntity checks the fields a caller controls and derives NormalizedName.
func validateEntity(e *types.Entity) error {
	if e == nil {
		return fmt.Errorf("%w: entity is nil", storage.ErrInvalidInput)
	}
	e.Name = strings.TrimSpace(e.Name)
	if e.Name == "" {
		return fmt.Errorf("%w: entity name is required", storage.ErrInvalidInput)
	}
	e.NormalizedName = types.NormalizeName(e.Name)
	if e.NormalizedName == "" {
		return fmt.Errorf("%w: entity name %q has no letters or digits", storage.ErrInvalidInput, e.Name)
	}
	if !e.Type.IsValid() {
		return fmt.Errorf("%w: unknown entity type %q", storage.ErrInvalidInput, e.Type)
	}
	if !types.IsValidScore(e.Confidence) {
		return fmt.Errorf("%w: entity confidence %v out of range", storage.ErrInvalidInput, e.Confidence)
	}
	if e.MentionCount < 0 {
		return fmt.Errorf("%w: mention count must not be negative", storage.ErrInvalidInput)
	}
	return nil
}

// Create inserts a new entity.
func (s *Store) Create(ctx context.Context, e *types.Entity) error {
	if err := validateEntity(e); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = newID("ent")
	}
	ts := now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = ts
	}
	e.UpdatedAt = ts

	metadata, err := marshalMap(e.Metadata)
	if err != nil {
		return err
	}

	_, err = s.exec(ctx, `
		INSERT INTO entities (`+entityColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Name, e.NormalizedName, string(e.Type), nullableString(e.CanonicalForm), e.Confidence,
		e.MentionCount, nullableTime(e.LastMentionedAt), metadata, e.CreatedAt.UTC(), e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create entity: %w", err)
	}
	return nil
}

// GetByID retrieves an entity by ID.
func (s *Store) GetByID(ctx context.Context, id string) (*types.Entity, error) {
	row := s.queryRow(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = ?`, id)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entity %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}
	return e, nil
}

// FindByNormalizedName returns entities sharing the normalized form of name.
func (s *Store) FindByNormalizedName(ctx context.Context, name string, entityType types.EntityType) ([]*types.Entity, error) {
	normalized := types.NormalizeName(name)
	if normalized == "" {
		return nil, nil
	}

	w := &where{}
	w.add("normalized_name = ?", normalized)
	if entityType != "" {
		w.add("type = ?", string(entityType))
	}

	rows, err := s.query(ctx, `SELECT `+entityColumns+` FROM entities`+w.String()+
		` ORDER BY confidence DESC, mention_count DESC, created_at ASC`, w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find entities by name: %w", err)
	}
	return collectEntities(rows)
}

// Update rewrites the mutable fields of an entity.
func (s *Store) Update(ctx context.Context, e *types.Entity) error {
	if err := validateEntity(e); err != nil {
		return err
	}
	e.UpdatedAt = now()

	metadata, err := marshalMap(e.Metadata)
	if err != nil {
		return err
	}

	res, err := s.exec(ctx, `
		UPDATE entities
		SET name = ?, normalized_name = ?, type = ?, canonical_form = ?, confidence = ?,
			mention_count = ?, last_mentioned_at = ?, metadata = ?, updated_at = ?
		WHERE id = ?`,
		e.Name, e.NormalizedName, string(e.Type), nullableString(e.CanonicalForm), e.Confidence,
		e.MentionCount, nullableTime(e.LastMentionedAt), metadata, e.UpdatedAt, e.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update entity: %w", err)
	}
	if err := affected(res); err != nil {
		return fmt.Errorf("entity %s: %w", e.ID, err)
	}
	return nil
}

// Search lists entities matching the filter.
func (s *Store) Search(ctx context.Context, filter storage.EntityFilter) ([]*types.Entity, error) {
	filter.Normalize()

	w := &where{}
	if filter.Type != "" {
		w.add("type = ?", string(filter.Type))
	}
	if filter.NameContains != "" {
		w.add("normalized_name LIKE ?", "%"+types.NormalizeName(filter.NameContains)+"%")
	}
	if filter.MinConfidence > 0 {
		w.add("confidence >= ?", filter.MinConfidence)
	}
	if !filter.MentionedAfter.IsZero() {
		w.add("last_mentioned_at > ?", filter.MentionedAfter.UTC())
	}

	order := filter.SortBy + " DESC"
	if filter.SortBy == "name" {
		order = "normalized_name ASC"
	}

	args := append(w.args, filter.Limit, filter.Offset)
	rows, err := s.query(ctx, `SELECT `+entityColumns+` FROM entities`+w.String()+
		` ORDER BY `+order+`, id ASC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search entities: %w", err)
	}
	return collectEntities(rows)
}

// Delete removes an entity; dependent rows cascade.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM entities WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete entity: %w", err)
	}
	if err := affected(res); err != nil {
		return fmt.Errorf("entity %s: %w", id, err)
	}
	return nil
}

// GetMostMentioned returns the most mentioned entities.
func (s *Store) GetMostMentioned(ctx context.Context, limit int, entityType types.EntityType) ([]*types.Entity, error) {
	return s.Search(ctx, storage.EntityFilter{
		Type:   entityType,
		SortBy: "mention_count",
		Limit:  limit,
	})
}

func scanEntity(row rowScanner) (*types.Entity, error) {
	var (
		e             types.Entity
		entityType    string
		canonicalForm sql.NullString
		lastMentioned sql.NullTime
		metadata      sql.NullString
	)
	if err := row.Scan(&e.ID, &e.Name, &e.NormalizedName, &entityType, &canonicalForm, &e.Confidence,
		&e.MentionCount, &lastMentioned, &metadata, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Type = types.EntityType(entityType)
	e.CanonicalForm = canonicalForm.String
	e.LastMentionedAt = timePtr(lastMentioned)
	if err := unmarshalJSON(metadata, &e.Metadata); err != nil {
		return nil, err
	}
	return &e, nil
}

func collectEntities(rows *sql.Rows) ([]*types.Entity, error) {
	defer rows.Close()
	var out []*types.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate entities: %w", err)
	}
	return out, nil
}

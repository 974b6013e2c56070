package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/scrypster/kinship/internal/storage"
	"github.com/scrypster/kinship/pkg/types"
)

const aliasColumns = `a.id, a.entity_id, a.alias, a.kind, a.confidence, a.created_at`

// CreateAlias inserts an alias; a duplicate (entity_id, alias) is a no-op.
func (s *Store) CreateAlias(ctx context.Context, a *types.Alias) (bool, error) {
	if a == nil {
		return false, fmt.Errorf("%w: alias is nil", storage.ErrInvalidInput)
	}
	a.Alias = strings.TrimSpace(a.Alias)
	switch {
	case a.EntityID == "":
		return false, fmt.Errorf("%w: alias entity_id is required", storage.ErrInvalidInput)
	case a.Alias == "":
		return false, fmt.Errorf("%w: alias text is required", storage.ErrInvalidInput)
	case !a.Kind.IsValid():
		return false, fmt.Errorf("%w: unknown alias kind %q", storage.ErrInvalidInput, a.Kind)
	case !types.IsValidScore(a.Confidence):
		return false, fmt.Errorf("%w: alias confidence %v out of range", storage.ErrInvalidInput, a.Confidence)
	}
	if a.ID == "" {
		a.ID = newID("ali")
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now()
	}

	res, err := s.exec(ctx, `
		INSERT INTO entity_aliases (id, entity_id, alias, kind, confidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_id, alias) DO NOTHING`,
		a.ID, a.EntityID, a.Alias, string(a.Kind), a.Confidence, a.CreatedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to create alias: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n > 0 {
		return true, nil
	}

	// Report the stored row's identity back to the caller.
	var existingID string
	if err := s.queryRow(ctx, `SELECT id FROM entity_aliases WHERE entity_id = ? AND alias = ?`,
		a.EntityID, a.Alias).Scan(&existingID); err == nil {
		a.ID = existingID
	}
	return false, nil
}

// GetAliases lists the aliases of one entity.
func (s *Store) GetAliases(ctx context.Context, entityID string) ([]*types.Alias, error) {
	rows, err := s.query(ctx, `SELECT `+aliasColumns+` FROM entity_aliases a
		WHERE a.entity_id = ? ORDER BY a.confidence DESC, a.alias ASC`, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list aliases: %w", err)
	}
	defer rows.Close()

	var out []*types.Alias
	for rows.Next() {
		a, err := scanAlias(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alias: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// FindAliases returns exact, case-sensitive alias hits for entities of one type.
func (s *Store) FindAliases(ctx context.Context, text string, entityType types.EntityType) ([]storage.AliasMatch, error) {
	w := &where{}
	w.add("a.alias = ?", strings.TrimSpace(text))
	if entityType != "" {
		w.add("e.type = ?", string(entityType))
	}

	rows, err := s.query(ctx, `
		SELECT `+aliasColumns+`,
			e.id, e.name, e.normalized_name, e.type, e.canonical_form, e.confidence,
			e.mention_count, e.last_mentioned_at, e.metadata, e.created_at, e.updated_at
		FROM entity_aliases a
		JOIN entities e ON e.id = a.entity_id`+w.String()+`
		ORDER BY a.confidence DESC, e.confidence DESC, e.id ASC`, w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find aliases: %w", err)
	}
	defer rows.Close()

	var out []storage.AliasMatch
	for rows.Next() {
		var (
			a             types.Alias
			kind          string
			e             types.Entity
			entityType    string
			canonicalForm sql.NullString
			lastMentioned sql.NullTime
			metadata      sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.EntityID, &a.Alias, &kind, &a.Confidence, &a.CreatedAt,
			&e.ID, &e.Name, &e.NormalizedName, &entityType, &canonicalForm, &e.Confidence,
			&e.MentionCount, &lastMentioned, &metadata, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan alias match: %w", err)
		}
		a.Kind = types.AliasKind(kind)
		e.Type = types.EntityType(entityType)
		e.CanonicalForm = canonicalForm.String
		e.LastMentionedAt = timePtr(lastMentioned)
		if err := unmarshalJSON(metadata, &e.Metadata); err != nil {
			return nil, err
		}
		out = append(out, storage.AliasMatch{Alias: &a, Entity: &e})
	}
	return out, rows.Err()
}

func scanAlias(row rowScanner) (*types.Alias, error) {
	var (
		a    types.Alias
		kind string
	)
	if err := row.Scan(&a.ID, &a.EntityID, &a.Alias, &kind, &a.Confidence, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.Kind = types.AliasKind(kind)
	return &a, nil
}

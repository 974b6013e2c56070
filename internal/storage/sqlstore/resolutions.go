package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/scrypster/kinship/internal/storage"
	"github.com/scrypster/kinship/pkg/types"
)

const resolutionColumns = `id, conflict_id, entity_id, conflict_type, severity, attribute,
	original_values, resolved_value, strategy, confidence, reasoning, resolved_by, rule_id, created_at`

// AppendResolution inserts an audit row. Rows are never updated or deleted.
func (s *Store) AppendResolution(ctx context.Context, r *types.Resolution) error {
	if r == nil {
		return fmt.Errorf("%w: resolution is nil", storage.ErrInvalidInput)
	}
	switch {
	case r.ConflictID == "" || r.EntityID == "":
		return fmt.Errorf("%w: resolution conflict_id and entity_id are required", storage.ErrInvalidInput)
	case !r.Strategy.IsValid():
		return fmt.Errorf("%w: unknown strategy %q", storage.ErrInvalidInput, r.Strategy)
	case !types.IsValidScore(r.Confidence):
		return fmt.Errorf("%w: resolution confidence %v out of range", storage.ErrInvalidInput, r.Confidence)
	case r.Reasoning == "":
		return fmt.Errorf("%w: resolution reasoning is required", storage.ErrInvalidInput)
	case r.ResolvedBy == "":
		return fmt.Errorf("%w: resolved_by is required", storage.ErrInvalidInput)
	}
	if r.ID == "" {
		r.ID = newID("res")
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now()
	}

	original, err := marshalJSON(r.OriginalValues)
	if err != nil {
		return err
	}
	resolved, err := marshalJSON(r.ResolvedValue)
	if err != nil {
		return err
	}

	_, err = s.exec(ctx, `
		INSERT INTO conflict_resolutions (`+resolutionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ConflictID, r.EntityID, string(r.ConflictType), string(r.Severity), r.Attribute,
		original, resolved, string(r.Strategy), r.Confidence, r.Reasoning, r.ResolvedBy,
		nullableString(r.RuleID), r.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append resolution: %w", err)
	}
	return nil
}

// GetResolution retrieves an audit row by ID.
func (s *Store) GetResolution(ctx context.Context, id string) (*types.Resolution, error) {
	row := s.queryRow(ctx, `SELECT `+resolutionColumns+` FROM conflict_resolutions WHERE id = ?`, id)
	r, err := scanResolution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("resolution %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resolution: %w", err)
	}
	return r, nil
}

// ListResolutions returns audit rows matching the filter, newest first.
func (s *Store) ListResolutions(ctx context.Context, filter storage.ResolutionFilter) ([]*types.Resolution, error) {
	filter.Normalize()

	w := &where{}
	if filter.EntityID != "" {
		w.add("entity_id = ?", filter.EntityID)
	}
	if filter.ConflictID != "" {
		w.add("conflict_id = ?", filter.ConflictID)
	}
	w.within("created_at", storage.TimeWindow{From: filter.CreatedAfter, To: filter.CreatedBefore})

	args := append(w.args, filter.Limit, filter.Offset)
	rows, err := s.query(ctx, `SELECT `+resolutionColumns+` FROM conflict_resolutions`+w.String()+
		` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list resolutions: %w", err)
	}
	defer rows.Close()

	var out []*types.Resolution
	for rows.Next() {
		r, err := scanResolution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resolution: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ResolutionStats counts resolutions recorded within the window, per strategy.
func (s *Store) ResolutionStats(ctx context.Context, window storage.TimeWindow) (*storage.ResolutionStats, error) {
	w := &where{}
	w.within("created_at", window)

	rows, err := s.query(ctx, `
		SELECT strategy,
			COUNT(*),
			SUM(CASE WHEN confidence < 0.5 THEN 1 ELSE 0 END),
			SUM(CASE WHEN confidence >= 0.5 AND confidence < 0.8 THEN 1 ELSE 0 END),
			SUM(CASE WHEN confidence >= 0.8 THEN 1 ELSE 0 END),
			SUM(confidence)
		FROM conflict_resolutions`+w.String()+`
		GROUP BY strategy`, w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count resolutions: %w", err)
	}
	defer rows.Close()

	stats := &storage.ResolutionStats{ByStrategy: map[types.ResolutionStrategy]int{}}
	for rows.Next() {
		var (
			strategy                 string
			total, low, medium, high int
			sum                      float64
		)
		if err := rows.Scan(&strategy, &total, &low, &medium, &high, &sum); err != nil {
			return nil, fmt.Errorf("failed to scan resolution counts: %w", err)
		}
		stats.ByStrategy[types.ResolutionStrategy(strategy)] = total
		stats.Total += total
		stats.Low += low
		stats.Medium += medium
		stats.High += high
		stats.ConfidenceSum += sum
	}
	return stats, rows.Err()
}

// LastResolutionAt returns the newest resolution time for (entity, attribute).
func (s *Store) LastResolutionAt(ctx context.Context, entityID, attribute string) (*time.Time, error) {
	var last time.Time
	err := s.queryRow(ctx, `SELECT created_at FROM conflict_resolutions
		WHERE entity_id = ? AND attribute = ? ORDER BY created_at DESC LIMIT 1`,
		entityID, attribute).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query last resolution: %w", s.translate(err))
	}
	last = last.UTC()
	return &last, nil
}

func scanResolution(row rowScanner) (*types.Resolution, error) {
	var (
		r            types.Resolution
		conflictType string
		severity     string
		original     sql.NullString
		resolved     sql.NullString
		strategy     string
		ruleID       sql.NullString
	)
	if err := row.Scan(&r.ID, &r.ConflictID, &r.EntityID, &conflictType, &severity, &r.Attribute,
		&original, &resolved, &strategy, &r.Confidence, &r.Reasoning, &r.ResolvedBy,
		&ruleID, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.ConflictType = types.ConflictType(conflictType)
	r.Severity = types.Severity(severity)
	r.Strategy = types.ResolutionStrategy(strategy)
	r.RuleID = ruleID.String
	if err := unmarshalJSON(original, &r.OriginalValues); err != nil {
		return nil, err
	}
	value, err := unmarshalValue(resolved)
	if err != nil {
		return nil, err
	}
	r.ResolvedValue = value
	return &r, nil
}

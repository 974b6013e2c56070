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

// Conflict status values stored in entity_conflicts.status.
const (
	statusActive   = "active"
	statusDeferred = "deferred"
	statusResolved = "resolved"
)

const conflictColumns = `id, entity_id, entity_type, conflict_type, attribute, severity,
	conflicting_values, suggested_resolution, auto_resolvable, status, detected_at,
	resolved_at, resolution_id`

func validateConflict(c *types.Conflict) error {
	if c == nil {
		return fmt.Errorf("%w: conflict is nil", storage.ErrInvalidInput)
	}
	switch {
	case c.EntityID == "":
		return fmt.Errorf("%w: conflict entity_id is required", storage.ErrInvalidInput)
	case c.Attribute == "":
		return fmt.Errorf("%w: conflict attribute is required", storage.ErrInvalidInput)
	case !c.ConflictType.IsValid():
		return fmt.Errorf("%w: unknown conflict type %q", storage.ErrInvalidInput, c.ConflictType)
	case !c.Severity.IsValid():
		return fmt.Errorf("%w: unknown severity %q", storage.ErrInvalidInput, c.Severity)
	case len(c.Values) == 0:
		return fmt.Errorf("%w: conflict has no values", storage.ErrInvalidInput)
	}
	for _, v := range c.Values {
		if !types.IsValidScore(v.Confidence) {
			return fmt.Errorf("%w: conflict value confidence %v out of range", storage.ErrInvalidInput, v.Confidence)
		}
	}
	return nil
}

// SaveConflict inserts a conflict, or refreshes the active conflict for the
// same (entity, type, attribute) instead of duplicating it.
func (s *Store) SaveConflict(ctx context.Context, c *types.Conflict) error {
	if err := validateConflict(c); err != nil {
		return err
	}

	if c.ID == "" {
		existing, err := s.FindActiveConflict(ctx, c.EntityID, c.ConflictType, c.Attribute)
		switch {
		case err == nil:
			c.ID = existing.ID
			c.DetectedAt = existing.DetectedAt
			c.Deferred = c.Deferred || existing.Deferred
		case errors.Is(err, storage.ErrNotFound):
			return s.insertConflict(ctx, c)
		default:
			return err
		}
	}

	values, suggested, err := marshalConflictColumns(c)
	if err != nil {
		return err
	}
	res, err := s.exec(ctx, `
		UPDATE entity_conflicts
		SET entity_type = ?, severity = ?, conflicting_values = ?, suggested_resolution = ?,
			auto_resolvable = ?, status = ?, updated_at = ?
		WHERE id = ? AND resolved_at IS NULL`,
		string(c.EntityType), string(c.Severity), values, suggested,
		c.AutoResolvable, conflictStatus(c), now(), c.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to refresh conflict: %w", err)
	}
	if err := affected(res); err == nil {
		return nil
	}

	current, err := s.GetConflict(ctx, c.ID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return s.insertConflict(ctx, c)
	case err != nil:
		return err
	case !current.IsActive():
		return fmt.Errorf("conflict %s: %w", c.ID, storage.ErrAlreadyResolved)
	}
	return nil
}

func (s *Store) insertConflict(ctx context.Context, c *types.Conflict) error {
	if c.ID == "" {
		c.ID = newID("cfl")
	}
	if c.DetectedAt.IsZero() {
		c.DetectedAt = now()
	}
	values, suggested, err := marshalConflictColumns(c)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `
		INSERT INTO entity_conflicts (`+conflictColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, ?)`,
		c.ID, c.EntityID, string(c.EntityType), string(c.ConflictType), c.Attribute,
		string(c.Severity), values, suggested, c.AutoResolvable, conflictStatus(c),
		c.DetectedAt.UTC(), now(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert conflict: %w", err)
	}
	return nil
}

// GetConflict retrieves a conflict by ID.
func (s *Store) GetConflict(ctx context.Context, id string) (*types.Conflict, error) {
	row := s.queryRow(ctx, `SELECT `+conflictColumns+` FROM entity_conflicts WHERE id = ?`, id)
	c, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conflict %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conflict: %w", err)
	}
	return c, nil
}

// FindActiveConflict returns the unresolved conflict for (entity, type, attribute).
func (s *Store) FindActiveConflict(ctx context.Context, entityID string, conflictType types.ConflictType, attribute string) (*types.Conflict, error) {
	row := s.queryRow(ctx, `SELECT `+conflictColumns+` FROM entity_conflicts
		WHERE entity_id = ? AND conflict_type = ? AND attribute = ? AND resolved_at IS NULL`,
		entityID, string(conflictType), attribute)
	c, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("active %s conflict on %s.%s: %w", conflictType, entityID, attribute, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find active conflict: %w", err)
	}
	return c, nil
}

// ListConflicts lists conflicts matching the filter, newest first.
func (s *Store) ListConflicts(ctx context.Context, filter storage.ConflictFilter) ([]*types.Conflict, error) {
	filter.Normalize()

	w := &where{}
	if filter.EntityID != "" {
		w.add("entity_id = ?", filter.EntityID)
	}
	if filter.EntityType != "" {
		w.add("entity_type = ?", string(filter.EntityType))
	}
	if filter.ConflictType != "" {
		w.add("conflict_type = ?", string(filter.ConflictType))
	}
	if filter.Severity != "" {
		w.add("severity = ?", string(filter.Severity))
	}
	if filter.AutoResolvable != nil {
		w.add("auto_resolvable = ?", *filter.AutoResolvable)
	}
	if filter.Deferred != nil {
		if *filter.Deferred {
			w.add("status = ?", statusDeferred)
		} else {
			w.add("status <> ?", statusDeferred)
		}
	}
	if filter.ActiveOnly {
		w.add("resolved_at IS NULL")
	}
	if !filter.DetectedAfter.IsZero() {
		w.add("detected_at >= ?", filter.DetectedAfter.UTC())
	}
	if !filter.DetectedBefore.IsZero() {
		w.add("detected_at < ?", filter.DetectedBefore.UTC())
	}

	args := append(w.args, filter.Limit)
	rows, err := s.query(ctx, `SELECT `+conflictColumns+` FROM entity_conflicts`+w.String()+
		` ORDER BY detected_at DESC, id ASC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()

	var out []*types.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ConflictStats counts conflicts detected within the window, per type.
func (s *Store) ConflictStats(ctx context.Context, window storage.TimeWindow) (*storage.ConflictStats, error) {
	w := &where{}
	w.within("detected_at", window)

	args := append([]any{statusDeferred}, w.args...)
	rows, err := s.query(ctx, `
		SELECT conflict_type,
			COUNT(*),
			SUM(CASE WHEN resolved_at IS NULL THEN 1 ELSE 0 END),
			SUM(CASE WHEN resolved_at IS NULL AND status = ? THEN 1 ELSE 0 END)
		FROM entity_conflicts`+w.String()+`
		GROUP BY conflict_type`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count conflicts: %w", err)
	}
	defer rows.Close()

	stats := &storage.ConflictStats{ByType: map[types.ConflictType]int{}}
	for rows.Next() {
		var (
			conflictType            string
			total, active, deferred int
		)
		if err := rows.Scan(&conflictType, &total, &active, &deferred); err != nil {
			return nil, fmt.Errorf("failed to scan conflict counts: %w", err)
		}
		stats.ByType[types.ConflictType(conflictType)] = total
		stats.Total += total
		stats.Active += active
		stats.Deferred += deferred
	}
	return stats, rows.Err()
}

// MarkConflictResolved closes an active conflict exactly once.
func (s *Store) MarkConflictResolved(ctx context.Context, id, resolutionID string, resolvedAt time.Time) error {
	if resolvedAt.IsZero() {
		resolvedAt = now()
	}
	res, err := s.exec(ctx, `
		UPDATE entity_conflicts
		SET status = ?, resolved_at = ?, resolution_id = ?, updated_at = ?
		WHERE id = ? AND resolved_at IS NULL`,
		statusResolved, resolvedAt.UTC(), nullableString(resolutionID), now(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark conflict resolved: %w", err)
	}
	return s.guardActive(ctx, id, res)
}

// DeferConflict flags an active conflict for manual review.
func (s *Store) DeferConflict(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `
		UPDATE entity_conflicts SET status = ?, updated_at = ?
		WHERE id = ? AND resolved_at IS NULL`,
		statusDeferred, now(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to defer conflict: %w", err)
	}
	return s.guardActive(ctx, id, res)
}

// guardActive distinguishes "no such conflict" from "already resolved"
// after a guarded update touched no rows.
func (s *Store) guardActive(ctx context.Context, id string, res sql.Result) error {
	if err := affected(res); err == nil {
		return nil
	}
	if _, err := s.GetConflict(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("conflict %s: %w", id, storage.ErrAlreadyResolved)
}

func conflictStatus(c *types.Conflict) string {
	switch {
	case c.ResolvedAt != nil:
		return statusResolved
	case c.Deferred:
		return statusDeferred
	default:
		return statusActive
	}
}

func marshalConflictColumns(c *types.Conflict) (values, suggested any, err error) {
	if values, err = marshalJSON(c.Values); err != nil {
		return nil, nil, err
	}
	if c.SuggestedResolution != nil {
		if suggested, err = marshalJSON(c.SuggestedResolution); err != nil {
			return nil, nil, err
		}
	}
	return values, suggested, nil
}

func scanConflict(row rowScanner) (*types.Conflict, error) {
	var (
		c            types.Conflict
		entityType   sql.NullString
		conflictType string
		severity     string
		values       sql.NullString
		suggested    sql.NullString
		status       string
		resolvedAt   sql.NullTime
		resolutionID sql.NullString
	)
	if err := row.Scan(&c.ID, &c.EntityID, &entityType, &conflictType, &c.Attribute, &severity,
		&values, &suggested, &c.AutoResolvable, &status, &c.DetectedAt,
		&resolvedAt, &resolutionID); err != nil {
		return nil, err
	}
	c.EntityType = types.EntityType(entityType.String)
	c.ConflictType = types.ConflictType(conflictType)
	c.Severity = types.Severity(severity)
	c.Deferred = status == statusDeferred
	c.ResolvedAt = timePtr(resolvedAt)
	c.ResolutionID = resolutionID.String
	if err := unmarshalJSON(values, &c.Values); err != nil {
		return nil, err
	}
	if suggested.Valid {
		c.SuggestedResolution = &types.SuggestedResolution{}
		if err := unmarshalJSON(suggested, c.SuggestedResolution); err != nil {
			return nil, err
		}
	}
	return &c, nil
}

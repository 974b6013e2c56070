package storage

import (
	"errors"
	"time"

	"github.com/scrypster/kinship/pkg/types"
)

var (
	// ErrNotFound indicates that the requested entity, conflict, rule or row was not found.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates a validation failure: bad offsets, out-of-range
	// scores or an invalid enumeration value.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConstraintViolation indicates a uniqueness or referential conflict
	// that could not be treated as a no-op.
	ErrConstraintViolation = errors.New("constraint violation")

	// ErrAlreadyResolved indicates the conflict was resolved by another caller.
	ErrAlreadyResolved = errors.New("conflict already resolved")
)

// EntityFilter provides filtering and pagination options for entity searches.
type EntityFilter struct {
	// Type restricts results to one entity type. Empty means any type.
	Type types.EntityType

	// NameContains matches a substring of the normalized name. Empty means no filter.
	NameContains string

	// MinConfidence filters to entities with confidence >= this value.
	MinConfidence float64

	// MentionedAfter filters to entities last mentioned strictly after this time.
	// Zero value means no lower bound.
	MentionedAfter time.Time

	// SortBy specifies the field to sort by (mention_count, confidence, updated_at, name).
	SortBy string

	// Limit is the maximum number of entities returned (default: 50, max: 5000).
	Limit int

	// Offset is the number of entities to skip.
	Offset int
}

// Normalize applies defaults and validates the EntityFilter.
func (f *EntityFilter) Normalize() {
	// Whitelist validation for SortBy to prevent SQL injection
	allowedSortFields := map[string]bool{
		"mention_count": true,
		"confidence":    true,
		"updated_at":    true,
		"name":          true,
	}

	if !allowedSortFields[f.SortBy] {
		f.SortBy = "mention_count"
	}

	if f.Limit < 1 {
		f.Limit = 50
	}

	if f.Limit > 5000 {
		f.Limit = 5000
	}

	if f.Offset < 0 {
		f.Offset = 0
	}
}

// ConflictFilter narrows ListConflicts. Every set field must match.
type ConflictFilter struct {
	EntityID       string
	EntityType     types.EntityType
	ConflictType   types.ConflictType
	Severity       types.Severity
	AutoResolvable *bool
	Deferred       *bool

	// ActiveOnly restricts results to conflicts with resolved_at IS NULL.
	ActiveOnly bool

	// DetectedAfter / DetectedBefore bound detected_at (inclusive lower, exclusive upper).
	// Zero values mean unbounded.
	DetectedAfter  time.Time
	DetectedBefore time.Time

	// Limit is the maximum number of rows (default: 100, max: 10000).
	Limit int
}

// Normalize applies defaults to the ConflictFilter.
func (f *ConflictFilter) Normalize() {
	if f.Limit < 1 {
		f.Limit = 100
	}
	if f.Limit > 10000 {
		f.Limit = 10000
	}
}

// ResolutionFilter narrows ListResolutions.
type ResolutionFilter struct {
	EntityID   string
	ConflictID string

	// CreatedAfter / CreatedBefore bound created_at (inclusive lower, exclusive upper).
	CreatedAfter  time.Time
	CreatedBefore time.Time

	// Limit is the maximum number of rows (default: 1000, max: 10000).
	Limit int

	// Offset skips rows for paging.
	Offset int
}

// Normalize applies defaults to the ResolutionFilter.
func (f *ResolutionFilter) Normalize() {
	if f.Limit < 1 {
		f.Limit = 1000
	}
	if f.Limit > 10000 {
		f.Limit = 10000
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
}

// TimeWindow bounds an aggregate query (inclusive From, exclusive To).
// Zero values mean unbounded.
type TimeWindow struct {
	From time.Time
	To   time.Time
}

// ConflictStats aggregates the conflicts detected within a window.
type ConflictStats struct {
	Total    int
	Active   int
	Deferred int
	ByType   map[types.ConflictType]int
}

// ResolutionStats aggregates the resolutions recorded within a window.
// Confidence bands are [0, 0.5), [0.5, 0.8) and [0.8, 1].
type ResolutionStats struct {
	Total         int
	ByStrategy    map[types.ResolutionStrategy]int
	Low           int
	Medium        int
	High          int
	ConfidenceSum float64
}

// AliasMatch is an alias lookup hit together with the entity it names.
type AliasMatch struct {
	Alias  *types.Alias
	Entity *types.Entity
}

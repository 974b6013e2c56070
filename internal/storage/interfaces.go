// Package storage provides composable storage interfaces for the Kinship entity graph.
//
// The storage layer is designed with small, focused interfaces that can be
// implemented independently and composed as needed. The Entity Store owns every
// graph row; the linker and the conflict/resolution engine only read and request
// mutations through these interfaces and never issue raw queries themselves.
package storage

import (
	"context"
	"time"

	"github.com/scrypster/kinship/pkg/types"
)

// EntityRepository provides CRUD and lookup operations for entities.
// NormalizedName is always recomputed from Name on Create and Update.
type EntityRepository interface {
	// Create inserts a new entity. A missing ID is generated.
	// Returns ErrInvalidInput for bad type, name or score values.
	Create(ctx context.Context, entity *types.Entity) error

	// GetByID retrieves an entity by ID.
	// Returns ErrNotFound if the entity doesn't exist.
	GetByID(ctx context.Context, id string) (*types.Entity, error)

	// FindByNormalizedName returns entities whose normalized name equals
	// NormalizeName(name), ordered by confidence descending.
	// An empty entityType matches every type.
	FindByNormalizedName(ctx context.Context, name string, entityType types.EntityType) ([]*types.Entity, error)

	// Update modifies an existing entity.
	// Returns ErrNotFound if the entity doesn't exist.
	Update(ctx context.Context, entity *types.Entity) error

	// Search lists entities matching the filter.
	Search(ctx context.Context, filter EntityFilter) ([]*types.Entity, error)

	// Delete removes an entity; mentions, aliases, relationships and
	// evolution rows cascade. Returns ErrNotFound if the entity doesn't exist.
	Delete(ctx context.Context, id string) error

	// GetMostMentioned returns up to limit entities ordered by mention count.
	// An empty entityType matches every type.
	GetMostMentioned(ctx context.Context, limit int, entityType types.EntityType) ([]*types.Entity, error)
}

// AliasStore manages alternate names of entities.
type AliasStore interface {
	// CreateAlias inserts an alias, ignoring duplicates of (entity_id, alias).
	// Returns true when a new row was written.
	CreateAlias(ctx context.Context, alias *types.Alias) (bool, error)

	// GetAliases lists the aliases of one entity, highest confidence first.
	GetAliases(ctx context.Context, entityID string) ([]*types.Alias, error)

	// FindAliases returns aliases whose text equals text exactly (case-sensitive)
	// and whose entity has the given type, highest alias confidence first.
	FindAliases(ctx context.Context, text string, entityType types.EntityType) ([]AliasMatch, error)
}

// MentionStore manages mentions of entities inside conversation messages.
type MentionStore interface {
	// CreateMention inserts a mention. Returns ErrInvalidInput for bad offsets
	// or scores and ErrNotFound when the entity doesn't exist.
	CreateMention(ctx context.Context, mention *types.Mention) error

	// ListMentions returns up to limit mentions of an entity, newest first.
	ListMentions(ctx context.Context, entityID string, limit int) ([]*types.Mention, error)

	// ReassignMentions moves every mention of fromID to toID and returns the count.
	ReassignMentions(ctx context.Context, fromID, toID string) (int, error)
}

// RelationshipStore manages directed edges between entities.
type RelationshipStore interface {
	// UpsertRelationship inserts an edge or, when (source, target, type)
	// already exists, bumps its mention count, widens its time window and
	// stores the new strength. rel is updated with the stored row.
	UpsertRelationship(ctx context.Context, rel *types.Relationship) error

	// GetRelationship retrieves an edge by ID.
	GetRelationship(ctx context.Context, id string) (*types.Relationship, error)

	// FindRelationship retrieves the edge for (source, target, type).
	FindRelationship(ctx context.Context, sourceID, targetID string, relType types.RelationshipType) (*types.Relationship, error)

	// ListRelationships returns every edge in which entityID is source or target.
	ListRelationships(ctx context.Context, entityID string) ([]*types.Relationship, error)

	// UpdateRelationship rewrites endpoints, strength, counts and timestamps of an edge.
	UpdateRelationship(ctx context.Context, rel *types.Relationship) error

	// DeleteRelationship removes an edge.
	DeleteRelationship(ctx context.Context, id string) error
}

// EvolutionLog is the append-only attribute history of entities.
type EvolutionLog interface {
	// AppendEvolution appends a record. There is no update path.
	AppendEvolution(ctx context.Context, rec *types.EvolutionRecord) error

	// ListEvolution returns the history of an entity, oldest first.
	ListEvolution(ctx context.Context, entityID string) ([]*types.EvolutionRecord, error)

	// FindMergeTarget returns the ID of the entity sourceID was merged into.
	// Returns ErrNotFound when sourceID was never merged.
	FindMergeTarget(ctx context.Context, sourceID string) (string, error)
}

// ConflictStore manages detected conflicts and their lifecycle.
type ConflictStore interface {
	// SaveConflict inserts or refreshes an active conflict.
	SaveConflict(ctx context.Context, conflict *types.Conflict) error

	// GetConflict retrieves a conflict by ID.
	GetConflict(ctx context.Context, id string) (*types.Conflict, error)

	// FindActiveConflict returns the unresolved conflict for (entity, type, attribute).
	// Returns ErrNotFound when there is none.
	FindActiveConflict(ctx context.Context, entityID string, conflictType types.ConflictType, attribute string) (*types.Conflict, error)

	// ListConflicts lists conflicts matching every set filter field.
	ListConflicts(ctx context.Context, filter ConflictFilter) ([]*types.Conflict, error)

	// ConflictStats counts every conflict detected within the window.
	ConflictStats(ctx context.Context, window TimeWindow) (*ConflictStats, error)

	// MarkConflictResolved sets resolved_at and the resolution link.
	// Returns ErrAlreadyResolved when another caller resolved it first.
	MarkConflictResolved(ctx context.Context, id, resolutionID string, resolvedAt time.Time) error

	// DeferConflict flags an active conflict for manual review.
	DeferConflict(ctx context.Context, id string) error
}

// ResolutionLedger is the insert-only audit trail of resolutions.
// Decisions are revisited by appending compensating resolutions, never by editing rows.
type ResolutionLedger interface {
	// AppendResolution inserts an audit row.
	AppendResolution(ctx context.Context, res *types.Resolution) error

	// GetResolution retrieves an audit row by ID.
	GetResolution(ctx context.Context, id string) (*types.Resolution, error)

	// ListResolutions returns audit rows matching the filter, newest first.
	ListResolutions(ctx context.Context, filter ResolutionFilter) ([]*types.Resolution, error)

	// ResolutionStats counts every resolution recorded within the window.
	ResolutionStats(ctx context.Context, window TimeWindow) (*ResolutionStats, error)

	// LastResolutionAt returns when (entityID, attribute) was last resolved,
	// or nil when it never was.
	LastResolutionAt(ctx context.Context, entityID, attribute string) (*time.Time, error)
}

// RuleStore persists conflict resolution rules.
type RuleStore interface {
	// UpsertRule inserts a rule or replaces the rule with the same ID.
	UpsertRule(ctx context.Context, rule *types.ResolutionRule) error

	// GetRule retrieves a rule by ID.
	GetRule(ctx context.Context, id string) (*types.ResolutionRule, error)

	// ListRules lists rules, optionally only the active ones, highest priority first.
	ListRules(ctx context.Context, activeOnly bool) ([]*types.ResolutionRule, error)
}

// GraphStore is the full set of entity-graph operations. Both the store
// itself and a transaction handed out by WithTx implement it.
type GraphStore interface {
	EntityRepository
	AliasStore
	MentionStore
	RelationshipStore
	EvolutionLog
	ConflictStore
	ResolutionLedger
	RuleStore
}

// Store is a GraphStore that can run all-or-nothing write transactions.
type Store interface {
	GraphStore

	// WithTx runs fn inside a single-writer transaction. Writes performed
	// through tx are committed when fn returns nil and rolled back otherwise.
	// Concurrent WithTx calls on the same store are serialized.
	WithTx(ctx context.Context, fn func(tx GraphStore) error) error

	// Close releases any resources held by the store.
	Close() error
}

package types

import "time"

// Relationship represents a directed edge between two entities.
// Edges are unique per (source, target, type); repeated observations bump
// MentionCount and widen the first/last-mentioned window instead of adding rows.
type Relationship struct {
	// Core identification fields
	ID             string           `json:"id"`               // Unique identifier (format: rel:uuid)
	SourceEntityID string           `json:"source_entity_id"` // Source entity ID
	TargetEntityID string           `json:"target_entity_id"` // Target entity ID
	Type           RelationshipType `json:"type"`             // Relationship type (e.g., "works_for")

	// Relationship properties
	Strength         float64   `json:"strength"`           // Relationship strength (0.0-1.0)
	FirstMentionedAt time.Time `json:"first_mentioned_at"` // First time the edge was observed
	LastMentionedAt  time.Time `json:"last_mentioned_at"`  // Most recent observation
	MentionCount     int       `json:"mention_count"`      // Number of observations
	Context          string    `json:"context,omitempty"`  // Short description of the relationship
	CreatedAt        time.Time `json:"created_at"`         // Creation timestamp
	UpdatedAt        time.Time `json:"updated_at"`         // Last update timestamp
}

// Involves reports whether the entity is either endpoint of the edge.
func (r *Relationship) Involves(entityID string) bool {
	return r.SourceEntityID == entityID || r.TargetEntityID == entityID
}

// OtherEnd returns the endpoint that is not entityID.
func (r *Relationship) OtherEnd(entityID string) string {
	if r.SourceEntityID == entityID {
		return r.TargetEntityID
	}
	return r.SourceEntityID
}

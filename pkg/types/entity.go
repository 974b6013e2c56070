package types

import "time"

// Entity represents a canonical real-world thing tracked across conversations.
// Entities can be people, organizations, products, concepts, locations, etc.
type Entity struct {
	// Core identification fields
	ID             string     `json:"id"`                       // Unique identifier (format: ent:uuid)
	Name           string     `json:"name"`                     // Display name
	NormalizedName string     `json:"normalized_name"`          // Derived from Name by NormalizeName
	Type           EntityType `json:"type"`                     // Entity type (see EntityType constants)
	CanonicalForm  string     `json:"canonical_form,omitempty"` // Preferred spelling, when known
	CreatedAt      time.Time  `json:"created_at"`               // Creation timestamp
	UpdatedAt      time.Time  `json:"updated_at"`               // Last update timestamp

	// Quality and statistics
	Confidence      float64    `json:"confidence"`                  // Confidence this entity is real (0.0-1.0)
	MentionCount    int        `json:"mention_count"`               // Number of mentions referencing this entity
	LastMentionedAt *time.Time `json:"last_mentioned_at,omitempty"` // Most recent mention

	// Free-form attributes (role, location, tags, ...)
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// DisplayName returns the canonical form when set, the name otherwise.
func (e *Entity) DisplayName() string {
	if e.CanonicalForm != "" {
		return e.CanonicalForm
	}
	return e.Name
}

// Alias is an alternate text form known to refer to an entity.
type Alias struct {
	ID         string    `json:"id"`
	EntityID   string    `json:"entity_id"`
	Alias      string    `json:"alias"`
	Kind       AliasKind `json:"kind"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
}

// Mention is one occurrence of an entity's text inside a specific message.
type Mention struct {
	ID               string           `json:"id"`
	EntityID         string           `json:"entity_id"`
	ConversationID   string           `json:"conversation_id"`
	MessageID        string           `json:"message_id"`
	MentionText      string           `json:"mention_text"`
	StartPosition    int              `json:"start_position"`
	EndPosition      int              `json:"end_position"`
	Confidence       float64          `json:"confidence"`
	ExtractionMethod ExtractionMethod `json:"extraction_method"`
	CreatedAt        time.Time        `json:"created_at"`

	// Attributes holds attribute assertions the extractor attached to this
	// mention, e.g. {"role": "CEO"}. ValidFrom/ValidTo bound when they hold.
	Attributes map[string]interface{} `json:"attributes,omitempty"`
	ValidFrom  *time.Time             `json:"valid_from,omitempty"`
	ValidTo    *time.Time             `json:"valid_to,omitempty"`
}

// EvolutionChange describes why an evolution record was appended.
type EvolutionChange string

const (
	// ChangeObserved is an attribute change reported by an upstream extractor.
	ChangeObserved EvolutionChange = "observed"
	// ChangeResolution is written when a conflict resolution updates the entity.
	ChangeResolution EvolutionChange = "resolution"
	// ChangeMerge is written on the surviving entity of a merge.
	ChangeMerge EvolutionChange = "merge"
	// ChangeUpdate is a direct edit through the repository.
	ChangeUpdate EvolutionChange = "update"
)

// EvolutionRecord is one append-only entry in an entity's attribute history.
type EvolutionRecord struct {
	ID                string          `json:"id"`
	EntityID          string          `json:"entity_id"`
	Attribute         string          `json:"attribute"`
	PreviousValue     interface{}     `json:"previous_value,omitempty"`
	NewValue          interface{}     `json:"new_value,omitempty"`
	ChangeType        EvolutionChange `json:"change_type"`
	EvidenceMessageID string          `json:"evidence_message_id,omitempty"`
	Confidence        float64         `json:"confidence"`
	CreatedAt         time.Time       `json:"created_at"`
}

package types

import "time"

// ConflictType categorizes a disagreement between pieces of evidence.
type ConflictType string

const (
	// ConflictAttribute: evidence disagrees on a normally-stable field (name, type, canonical form, metadata).
	ConflictAttribute ConflictType = "attribute"

	// ConflictRelationship: the same logical edge is recorded with materially different strengths.
	ConflictRelationship ConflictType = "relationship"

	// ConflictTemporal: a time-varying attribute has different values over overlapping or unknown periods.
	ConflictTemporal ConflictType = "temporal"

	// ConflictSemantic: relationships that cannot hold at the same time (e.g. two employers).
	ConflictSemantic ConflictType = "semantic"

	// ConflictMergeCandidate: another entity probably denotes the same thing.
	ConflictMergeCandidate ConflictType = "merge_candidate"
)

// ValidConflictTypes lists every conflict type.
var ValidConflictTypes = []ConflictType{
	ConflictAttribute,
	ConflictRelationship,
	ConflictTemporal,
	ConflictSemantic,
	ConflictMergeCandidate,
}

// IsValid reports whether t is a known conflict type.
func (t ConflictType) IsValid() bool {
	for _, valid := range ValidConflictTypes {
		if valid == t {
			return true
		}
	}
	return false
}

// Severity ranks how damaging a conflict is if left unresolved.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ValidSeverities lists severities from least to most severe.
var ValidSeverities = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// IsValid reports whether s is a known severity.
func (s Severity) IsValid() bool {
	for _, valid := range ValidSeverities {
		if valid == s {
			return true
		}
	}
	return false
}

// ResolutionStrategy is the algorithm used to pick a winning value.
// The set is closed; the executor switches over every member.
type ResolutionStrategy string

const (
	StrategyLatestWins        ResolutionStrategy = "latest_wins"
	StrategyHighestConfidence ResolutionStrategy = "highest_confidence"
	StrategyMerge             ResolutionStrategy = "merge"
	StrategyUserReview        ResolutionStrategy = "user_review"
	StrategyManualOverride    ResolutionStrategy = "manual_override"
)

// ValidStrategies lists every resolution strategy.
var ValidStrategies = []ResolutionStrategy{
	StrategyLatestWins,
	StrategyHighestConfidence,
	StrategyMerge,
	StrategyUserReview,
	StrategyManualOverride,
}

// IsValid reports whether s is a known strategy.
func (s ResolutionStrategy) IsValid() bool {
	for _, valid := range ValidStrategies {
		if valid == s {
			return true
		}
	}
	return false
}

// ConflictValue is one side of a conflict: a value plus the evidence behind it.
type ConflictValue struct {
	Value      interface{} `json:"value"`
	Confidence float64     `json:"confidence"`
	Source     string      `json:"source"` // message ID, relationship ID or "entity:<id>"
	Timestamp  time.Time   `json:"timestamp"`
}

// SuggestedResolution previews what the matching rule would decide.
type SuggestedResolution struct {
	Strategy   ResolutionStrategy `json:"strategy"`
	Value      interface{}        `json:"value,omitempty"`
	Confidence float64            `json:"confidence"`
	RuleID     string             `json:"rule_id,omitempty"`
}

// Conflict is a detected disagreement between two or more pieces of evidence.
// A conflict is active while ResolvedAt is nil; Deferred marks active
// conflicts waiting for manual review.
type Conflict struct {
	ID                  string               `json:"id"`
	EntityID            string               `json:"entity_id"`
	EntityType          EntityType           `json:"entity_type"`
	ConflictType        ConflictType         `json:"conflict_type"`
	Attribute           string               `json:"attribute"`
	Severity            Severity             `json:"severity"`
	Values              []ConflictValue      `json:"values"`
	SuggestedResolution *SuggestedResolution `json:"suggested_resolution,omitempty"`
	AutoResolvable      bool                 `json:"auto_resolvable"`
	Deferred            bool                 `json:"deferred"`
	DetectedAt          time.Time            `json:"detected_at"`
	ResolvedAt          *time.Time           `json:"resolved_at,omitempty"`
	ResolutionID        string               `json:"resolution_id,omitempty"`
}

// IsActive reports whether the conflict has not been resolved yet.
func (c *Conflict) IsActive() bool {
	return c.ResolvedAt == nil
}

// Resolution is the immutable audit record of how a conflict was decided.
type Resolution struct {
	ID             string             `json:"id"`
	ConflictID     string             `json:"conflict_id"`
	EntityID       string             `json:"entity_id"`
	ConflictType   ConflictType       `json:"conflict_type"`
	Severity       Severity           `json:"severity"`
	Attribute      string             `json:"attribute"`
	OriginalValues []ConflictValue    `json:"original_values"`
	ResolvedValue  interface{}        `json:"resolved_value"`
	Strategy       ResolutionStrategy `json:"strategy"`
	Confidence     float64            `json:"confidence"`
	Reasoning      string             `json:"reasoning"`
	ResolvedBy     string             `json:"resolved_by"`
	RuleID         string             `json:"rule_id,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
}

// Wildcard matches any entity type, rule type or attribute in a resolution rule.
const Wildcard = "*"

// ResolutionRule maps conflicts (by entity type and attribute pattern) to a strategy.
type ResolutionRule struct {
	ID                  string             `json:"id" yaml:"id"`
	Name                string             `json:"name" yaml:"name"`
	RuleType            string             `json:"rule_type" yaml:"rule_type"`                 // conflict type or "*"
	AttributePattern    string             `json:"attribute_pattern" yaml:"attribute_pattern"` // regex, glob or "*"
	EntityType          string             `json:"entity_type" yaml:"entity_type"`             // entity type or "*"
	Strategy            ResolutionStrategy `json:"strategy" yaml:"strategy"`
	ConfidenceThreshold float64            `json:"confidence_threshold" yaml:"confidence_threshold"`
	Priority            int                `json:"priority" yaml:"priority"` // 1-10, higher wins
	Active              bool               `json:"active" yaml:"active"`
	CreatedAt           time.Time          `json:"created_at" yaml:"-"`
	UpdatedAt           time.Time          `json:"updated_at" yaml:"-"`
}

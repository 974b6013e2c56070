// Package engine links entity mentions to the graph, detects conflicting
// evidence about entities and resolves those conflicts through a prioritized
// rule set. Every mutation goes through a storage.Store transaction; the
// engine never issues SQL itself.
package engine

import (
	"errors"
	"strings"
	"time"

	"github.com/scrypster/kinship/pkg/types"
)

// ErrResolutionFailure indicates a conflict could not be resolved: its payload
// was malformed, no value could be derived, or write-back was rejected.
var ErrResolutionFailure = errors.New("resolution failure")

// Config holds the tunables of the linker, detector, executor and sweeper.
type Config struct {
	// FuzzyThreshold is the minimum similarity accepted as a fuzzy link (default: 0.8).
	FuzzyThreshold float64

	// MaxCandidates caps the candidates returned by LinkEntity (default: 5).
	MaxCandidates int

	// MaxCandidateScan bounds how many entities a fuzzy scan compares (default: 500).
	MaxCandidateScan int

	// DynamicAttributes are attributes expected to change over time. Differing
	// values with overlapping or unknown validity are temporal conflicts.
	DynamicAttributes []string

	// StrengthDelta is the minimum strength difference between the two
	// directions of a symmetric relationship that counts as a conflict (default: 0.3).
	StrengthDelta float64

	// MaxMentionScan bounds the mentions read per detection (default: 200).
	MaxMentionScan int

	// BatchConcurrency bounds parallel work in ResolveConflicts and Sweep (default: 4).
	BatchConcurrency int

	// SweepLimit is how many of the most-mentioned entities a sweep visits (default: 100).
	SweepLimit int

	// SweepRatePerSecond paces detections during a sweep (default: 20).
	SweepRatePerSecond float64

	// SweepBurst is the token bucket size of the sweep limiter (default: 5).
	SweepBurst int
}

// DefaultDynamicAttributes lists the attributes that naturally evolve.
var DefaultDynamicAttributes = []string{"location", "status", "role", "title", "position", "employer"}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		FuzzyThreshold:     0.8,
		MaxCandidates:      5,
		MaxCandidateScan:   500,
		DynamicAttributes:  append([]string(nil), DefaultDynamicAttributes...),
		StrengthDelta:      0.3,
		MaxMentionScan:     200,
		BatchConcurrency:   4,
		SweepLimit:         100,
		SweepRatePerSecond: 20,
		SweepBurst:         5,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FuzzyThreshold <= 0 || c.FuzzyThreshold > 1 {
		c.FuzzyThreshold = d.FuzzyThreshold
	}
	if c.MaxCandidates < 1 {
		c.MaxCandidates = d.MaxCandidates
	}
	if c.MaxCandidateScan < 1 {
		c.MaxCandidateScan = d.MaxCandidateScan
	}
	if c.DynamicAttributes == nil {
		c.DynamicAttributes = d.DynamicAttributes
	}
	if c.StrengthDelta <= 0 {
		c.StrengthDelta = d.StrengthDelta
	}
	if c.MaxMentionScan < 1 {
		c.MaxMentionScan = d.MaxMentionScan
	}
	if c.BatchConcurrency < 1 {
		c.BatchConcurrency = d.BatchConcurrency
	}
	if c.SweepLimit < 1 {
		c.SweepLimit = d.SweepLimit
	}
	if c.SweepRatePerSecond <= 0 {
		c.SweepRatePerSecond = d.SweepRatePerSecond
	}
	if c.SweepBurst < 1 {
		c.SweepBurst = d.SweepBurst
	}
	return c
}

func (c Config) isDynamic(attribute string) bool {
	base := baseAttribute(attribute)
	for _, a := range c.DynamicAttributes {
		if a == base {
			return true
		}
	}
	return false
}

// Structural conflict attributes carry a qualifier after the first colon so
// that one entity can hold several of them at once, e.g.
// "strength:related_to:ent:42" or "identity:ent:42".
const (
	attrName          = "name"
	attrType          = "type"
	attrCanonicalForm = "canonical_form"
	attrStrength      = "strength"
	attrRelationship  = "relationship"
	attrIdentity      = "identity"
)

// baseAttribute strips the qualifier from a conflict attribute.
// Rules match against the base name.
func baseAttribute(attribute string) string {
	if i := strings.IndexByte(attribute, ':'); i >= 0 {
		return attribute[:i]
	}
	return attribute
}

// MatchType reports how LinkEntity resolved a text.
type MatchType string

const (
	MatchExact MatchType = "exact"
	MatchAlias MatchType = "alias"
	MatchFuzzy MatchType = "fuzzy"
	MatchNone  MatchType = "none"
)

// MatchKind distinguishes pattern hits from edit-distance similarity.
type MatchKind string

const (
	MatchKindExact      MatchKind = "exact"
	MatchKindAlias      MatchKind = "alias"
	MatchKindPattern    MatchKind = "pattern"
	MatchKindSimilarity MatchKind = "similarity"
)

// LinkContext carries optional conversational context for LinkEntity.
type LinkContext struct {
	// ConversationID is logged with the link decision.
	ConversationID string

	// RecentEntityIDs are entities mentioned shortly before in the same
	// conversation. Similarity candidates among them get a small boost.
	RecentEntityIDs []string
}

// Candidate is one entity LinkEntity considered.
type Candidate struct {
	Entity      *types.Entity `json:"entity"`
	Similarity  float64       `json:"similarity"`
	MatchKind   MatchKind     `json:"match_kind"`
	Explanation string        `json:"explanation"`
}

// AliasSuggestion is an alias proposed for a linked entity.
type AliasSuggestion struct {
	Alias      string          `json:"alias"`
	Kind       types.AliasKind `json:"kind"`
	Confidence float64         `json:"confidence"`
}

// LinkResult is the outcome of LinkEntity.
type LinkResult struct {
	LinkedEntity     *types.Entity     `json:"linked_entity,omitempty"`
	MatchType        MatchType         `json:"match_type"`
	Candidates       []Candidate       `json:"candidates"`
	ShouldCreateNew  bool              `json:"should_create_new"`
	SuggestedAliases []AliasSuggestion `json:"suggested_aliases,omitempty"`
}

// MergeResult summarizes an entity merge.
type MergeResult struct {
	SourceID             string `json:"source_id"`
	TargetID             string `json:"target_id"`
	MentionsMoved        int    `json:"mentions_moved"`
	RelationshipsMoved   int    `json:"relationships_moved"`
	RelationshipsFolded  int    `json:"relationships_folded"`
	RelationshipsDropped int    `json:"relationships_dropped"`
	AliasesAdded         int    `json:"aliases_added"`
}

// BatchResult is the per-conflict outcome of ResolveConflicts.
type BatchResult struct {
	ConflictID string                   `json:"conflict_id"`
	Success    bool                     `json:"success"`
	Deferred   bool                     `json:"deferred"`
	AuditID    string                   `json:"audit_id,omitempty"`
	Strategy   types.ResolutionStrategy `json:"strategy,omitempty"`
	Error      error                    `json:"-"`
	ErrorText  string                   `json:"error,omitempty"`
}

// Period bounds a report. Zero values are unbounded.
type Period struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// ConfidenceBands counts resolutions by confidence (low < 0.5 <= medium < 0.8 <= high).
type ConfidenceBands struct {
	Low    int `json:"low"`
	Medium int `json:"medium"`
	High   int `json:"high"`
}

// ResolutionReport aggregates detection and resolution activity over a period.
type ResolutionReport struct {
	Period            Period                           `json:"period"`
	ConflictsDetected int                              `json:"conflicts_detected"`
	AutoResolved      int                              `json:"auto_resolved"`
	ManuallyResolved  int                              `json:"manually_resolved"`
	Deferred          int                              `json:"deferred"`
	StillActive       int                              `json:"still_active"`
	ByStrategy        map[types.ResolutionStrategy]int `json:"by_strategy"`
	ByConflictType    map[types.ConflictType]int       `json:"by_conflict_type"`
	ConfidenceBands   ConfidenceBands                  `json:"confidence_bands"`
	AverageConfidence float64                          `json:"average_confidence"`
}

// ActiveConflictFilter narrows GetActiveConflicts.
type ActiveConflictFilter struct {
	Severity       types.Severity   `json:"severity,omitempty"`
	AutoResolvable *bool            `json:"auto_resolvable,omitempty"`
	EntityType     types.EntityType `json:"entity_type,omitempty"`
	Deferred       *bool            `json:"deferred,omitempty"`
	Limit          int              `json:"limit,omitempty"`
}

// SweepSummary reports one pass of the conflict sweeper.
type SweepSummary struct {
	EntitiesScanned   int `json:"entities_scanned"`
	ConflictsDetected int `json:"conflicts_detected"`
	AutoResolvable    int `json:"auto_resolvable"`
	Resolved          int `json:"resolved"`
	Deferred          int `json:"deferred"`
	Failed            int `json:"failed"`
	DetectionErrors   int `json:"detection_errors"`
}

// Package types defines the core data structures of the Kinship knowledge graph.
// These types represent entities, their aliases and mentions, the relationships
// between them, and the conflict/resolution records that keep each entity's
// merged view consistent across conversations.
package types

import (
	"strings"
	"unicode"
)

// EntityType classifies what kind of real-world thing an entity is.
type EntityType string

// Entity type constants
const (
	EntityTypePerson       EntityType = "person"
	EntityTypeOrganization EntityType = "organization"
	EntityTypeProduct      EntityType = "product"
	EntityTypeConcept      EntityType = "concept"
	EntityTypeLocation     EntityType = "location"
	EntityTypeTechnical    EntityType = "technical"
	EntityTypeEvent        EntityType = "event"
	EntityTypeDecision     EntityType = "decision"
)

// ValidEntityTypes is a slice of all valid entity types for validation
var ValidEntityTypes = []EntityType{
	EntityTypePerson,
	EntityTypeOrganization,
	EntityTypeProduct,
	EntityTypeConcept,
	EntityTypeLocation,
	EntityTypeTechnical,
	EntityTypeEvent,
	EntityTypeDecision,
}

// RelationshipType is the label on a directed edge between two entities.
type RelationshipType string

// Relationship type constants
const (
	RelWorksFor         RelationshipType = "works_for"
	RelCreatedBy        RelationshipType = "created_by"
	RelDiscussedWith    RelationshipType = "discussed_with"
	RelRelatedTo        RelationshipType = "related_to"
	RelPartOf           RelationshipType = "part_of"
	RelMentionedWith    RelationshipType = "mentioned_with"
	RelTemporalSequence RelationshipType = "temporal_sequence"
	RelCauseEffect      RelationshipType = "cause_effect"
)

// ValidRelationshipTypes is a slice of all valid relationship types for validation
var ValidRelationshipTypes = []RelationshipType{
	RelWorksFor,
	RelCreatedBy,
	RelDiscussedWith,
	RelRelatedTo,
	RelPartOf,
	RelMentionedWith,
	RelTemporalSequence,
	RelCauseEffect,
}

// AliasKind describes how an alias relates to the entity's canonical name.
type AliasKind string

const (
	AliasFormal       AliasKind = "formal"
	AliasInformal     AliasKind = "informal"
	AliasAbbreviation AliasKind = "abbreviation"
	AliasNickname     AliasKind = "nickname"
	AliasVariation    AliasKind = "variation"
)

// ValidAliasKinds lists every accepted alias kind.
var ValidAliasKinds = []AliasKind{
	AliasFormal,
	AliasInformal,
	AliasAbbreviation,
	AliasNickname,
	AliasVariation,
}

// ExtractionMethod records how an upstream extractor produced a mention.
type ExtractionMethod string

const (
	ExtractionPattern ExtractionMethod = "pattern"
	ExtractionNLP     ExtractionMethod = "nlp"
	ExtractionManual  ExtractionMethod = "manual"
)

// ValidExtractionMethods lists every accepted extraction method.
var ValidExtractionMethods = []ExtractionMethod{
	ExtractionPattern,
	ExtractionNLP,
	ExtractionManual,
}

// IsValid reports whether t is one of the fixed entity types.
func (t EntityType) IsValid() bool {
	for _, valid := range ValidEntityTypes {
		if valid == t {
			return true
		}
	}
	return false
}

// IsValid reports whether t is one of the fixed relationship types.
func (t RelationshipType) IsValid() bool {
	for _, valid := range ValidRelationshipTypes {
		if valid == t {
			return true
		}
	}
	return false
}

// IsSymmetric reports whether the relationship carries no direction, so that
// (A, B) and (B, A) describe the same logical edge.
func (t RelationshipType) IsSymmetric() bool {
	switch t {
	case RelDiscussedWith, RelRelatedTo, RelMentionedWith:
		return true
	}
	return false
}

// IsValid reports whether k is an accepted alias kind.
func (k AliasKind) IsValid() bool {
	for _, valid := range ValidAliasKinds {
		if valid == k {
			return true
		}
	}
	return false
}

// IsValid reports whether m is an accepted extraction method.
func (m ExtractionMethod) IsValid() bool {
	for _, valid := range ValidExtractionMethods {
		if valid == m {
			return true
		}
	}
	return false
}

// IsValidScore reports whether a confidence or strength value is inside [0, 1].
func IsValidScore(v float64) bool {
	return v >= 0 && v <= 1
}

// NormalizeName folds a display name into the form used for exact-match
// lookups: lower-cased, punctuation stripped, whitespace collapsed.
// "  Acme, Inc. " and "acme inc" normalize to the same string.
func NormalizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	space := false
	for _, r := range strings.ToLower(name) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		case unicode.IsSpace(r):
			space = true
		}
		// everything else is punctuation and dropped without splitting words
	}
	return b.String()
}

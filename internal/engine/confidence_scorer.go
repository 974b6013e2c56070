package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/scrypster/kinship/internal/storage"
	"github.com/scrypster/kinship/pkg/types"
)

// ConfidenceScorer calculates confidence scores for entities and relationships.
// It uses multi-factor analysis including mention volume, the confidence of
// individual mentions, extraction reliability, and recency.
type ConfidenceScorer struct{}

// NewConfidenceScorer creates a new confidence scorer.
func NewConfidenceScorer() *ConfidenceScorer {
	return &ConfidenceScorer{}
}

// EntityConfidence represents the overall confidence score and its components.
type EntityConfidence struct {
	// Overall is the weighted average of all factors (0.0 to 1.0).
	Overall float64

	// VolumeScore reflects how often the entity has been mentioned (0.0 to 1.0).
	VolumeScore float64

	// MentionScore is the mean confidence of the sampled mentions (0.0 to 1.0).
	MentionScore float64

	// MethodScore reflects the reliability of the extraction methods (0.0 to 1.0).
	MethodScore float64

	// AgeScore reflects the recency of the last mention (0.0 to 1.0).
	AgeScore float64
}

// CalculateEntityConfidence computes multi-factor confidence for an entity
// from a sample of its mentions.
// Weights: Volume=0.3, Mention=0.3, Method=0.2, Age=0.2
func (c *ConfidenceScorer) CalculateEntityConfidence(entity *types.Entity, mentions []*types.Mention) *EntityConfidence {
	confidence := &EntityConfidence{
		VolumeScore:  c.calculateVolumeScore(entity.MentionCount),
		MentionScore: c.calculateMentionScore(entity, mentions),
		MethodScore:  c.calculateMethodScore(mentions),
		AgeScore:     c.calculateAgeScore(entity),
	}

	confidence.Overall = (confidence.VolumeScore * 0.3) +
		(confidence.MentionScore * 0.3) +
		(confidence.MethodScore * 0.2) +
		(confidence.AgeScore * 0.2)
	confidence.Overall = min(1.0, max(0.0, confidence.Overall))

	return confidence
}

// calculateVolumeScore rewards repeated mentions, saturating at ten.
func (c *ConfidenceScorer) calculateVolumeScore(mentionCount int) float64 {
	switch {
	case mentionCount <= 0:
		return 0.3
	case mentionCount == 1:
		return 0.5
	case mentionCount < 5:
		return 0.7
	case mentionCount < 10:
		return 0.85
	default:
		return 1.0
	}
}

// calculateMentionScore averages mention confidence, falling back to the
// entity's stored confidence when no mentions were sampled.
func (c *ConfidenceScorer) calculateMentionScore(entity *types.Entity, mentions []*types.Mention) float64 {
	if len(mentions) == 0 {
		return entity.Confidence
	}
	var sum float64
	for _, m := range mentions {
		sum += m.Confidence
	}
	return sum / float64(len(mentions))
}

// calculateMethodScore calculates confidence based on extraction reliability.
// Manual extraction is more reliable than automated ones.
func (c *ConfidenceScorer) calculateMethodScore(mentions []*types.Mention) float64 {
	methodScores := map[types.ExtractionMethod]float64{
		types.ExtractionManual:  1.0, // Operator-confirmed
		types.ExtractionNLP:     0.8, // Model-based extraction
		types.ExtractionPattern: 0.7, // Regex/heuristic extraction
	}

	if len(mentions) == 0 {
		return 0.5
	}
	var sum float64
	for _, m := range mentions {
		score, ok := methodScores[m.ExtractionMethod]
		if !ok {
			score = 0.5
		}
		sum += score
	}
	return sum / float64(len(mentions))
}

// calculateAgeScore calculates confidence based on how recently the entity
// was mentioned. Entities that stopped appearing may be stale.
func (c *ConfidenceScorer) calculateAgeScore(entity *types.Entity) float64 {
	if entity.LastMentionedAt == nil {
		return 0.5
	}
	age := time.Since(*entity.LastMentionedAt)

	switch {
	case age < 24*time.Hour:
		return 1.0
	case age < 7*24*time.Hour:
		return 0.9
	case age < 30*24*time.Hour:
		return 0.8
	case age < 90*24*time.Hour:
		return 0.7
	case age < 180*24*time.Hour:
		return 0.6
	case age < 365*24*time.Hour:
		return 0.5
	default:
		return 0.4
	}
}

// CalculateRelationshipConfidence computes confidence for a relationship.
// Based on relationship strength, repeated observation, and recency.
func (c *ConfidenceScorer) CalculateRelationshipConfidence(rel *types.Relationship) float64 {
	score := 0.5 // Base score

	// Factor 1: Relationship strength (if provided)
	if rel.Strength > 0 {
		score = rel.Strength
	}

	// Factor 2: Repeated observations
	if rel.MentionCount > 1 {
		score += min(0.3, float64(rel.MentionCount-1)*0.1)
	}

	// Factor 3: Recently observed relationships are more confident
	if time.Since(rel.LastMentionedAt) < 30*24*time.Hour {
		score += 0.1
	}

	return min(1.0, score)
}

// UpdateEntityConfidence recalculates and stores the confidence of an entity
// from its most recent mentions. It reads and writes through store, which is
// usually a transaction.
func (c *ConfidenceScorer) UpdateEntityConfidence(ctx context.Context, store storage.GraphStore, entity *types.Entity, sample int) error {
	mentions, err := store.ListMentions(ctx, entity.ID, sample)
	if err != nil {
		return fmt.Errorf("failed to list mentions: %w", err)
	}

	entity.Confidence = c.CalculateEntityConfidence(entity, mentions).Overall
	if err := store.Update(ctx, entity); err != nil {
		return fmt.Errorf("failed to update entity: %w", err)
	}
	return nil
}

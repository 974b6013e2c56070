package engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/scrypster/kinship/internal/storage"
	"github.com/scrypster/kinship/pkg/types"
)

// criticalConfidence is the confidence both sides of a type conflict need
// for the conflict to be critical.
const criticalConfidence = 0.9

// claim is one piece of evidence for an attribute value.
type claim struct {
	value      interface{}
	key        string
	confidence float64
	source     string
	timestamp  time.Time
	validFrom  *time.Time
	validTo    *time.Time
	current    bool
}

// ConflictDetector compares the evidence stored about an entity and records
// the contradictions it finds. Detection is deterministic: the same evidence
// always yields the same conflicts.
//
// Conflict types detected:
// 1. Attribute: a normally stable attribute holds two distinct values
// 2. Temporal: a dynamic attribute holds values with overlapping or unknown validity
// 3. Relationship: the two directions of a symmetric edge disagree on strength
// 4. Semantic: a works_for edge to two employers over overlapping periods
// 5. Merge candidate: another entity of the same type looks like the same thing
type ConflictDetector struct {
	store  storage.Store
	rules  *RuleEngine
	scorer *ConfidenceScorer
	cfg    Config
	logger *zap.Logger
}

// NewConflictDetector creates a new conflict detector.
func NewConflictDetector(store storage.Store, rules *RuleEngine, cfg Config, logger *zap.Logger) *ConflictDetector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConflictDetector{
		store:  store,
		rules:  rules,
		scorer: NewConfidenceScorer(),
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

// DetectEntityConflicts analyzes one entity, persists what it finds and
// returns the conflicts. An active conflict for the same (entity, type,
// attribute) is refreshed rather than duplicated.
func (d *ConflictDetector) DetectEntityConflicts(ctx context.Context, entityID string) ([]*types.Conflict, error) {
	e, err := d.store.GetByID(ctx, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}

	var conflicts []*types.Conflict

	attributeConflicts, err := d.detectAttributeConflicts(ctx, e)
	if err != nil {
		return nil, err
	}
	conflicts = append(conflicts, attributeConflicts...)

	rels, err := d.store.ListRelationships(ctx, e.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list relationships: %w", err)
	}
	conflicts = append(conflicts, d.detectRelationshipConflicts(e, rels)...)
	conflicts = append(conflicts, d.detectSemanticConflicts(e, rels)...)

	candidates, err := d.detectMergeCandidates(ctx, e)
	if err != nil {
		return nil, err
	}
	conflicts = append(conflicts, candidates...)

	for _, c := range conflicts {
		rule := d.rules.Match(e.Type, c.ConflictType, c.Attribute)
		c.SuggestedResolution, c.AutoResolvable = assess(c, rule)
	}

	if err := d.persist(ctx, conflicts); err != nil {
		return nil, err
	}

	if len(conflicts) > 0 {
		d.logger.Info("detected entity conflicts",
			zap.String("entity_id", e.ID),
			zap.Int("count", len(conflicts)),
		)
	}
	return conflicts, nil
}

func (d *ConflictDetector) persist(ctx context.Context, conflicts []*types.Conflict) error {
	if len(conflicts) == 0 {
		return nil
	}
	return d.store.WithTx(ctx, func(tx storage.GraphStore) error {
		for _, c := range conflicts {
			if err := tx.SaveConflict(ctx, c); err != nil {
				return fmt.Errorf("failed to save %s conflict on %s: %w", c.ConflictType, c.Attribute, err)
			}
		}
		return nil
	})
}

// detectAttributeConflicts gathers claims per attribute and classifies them
// as attribute or temporal conflicts.
func (d *ConflictDetector) detectAttributeConflicts(ctx context.Context, e *types.Entity) ([]*types.Conflict, error) {
	mentions, err := d.store.ListMentions(ctx, e.ID, d.cfg.MaxMentionScan)
	if err != nil {
		return nil, fmt.Errorf("failed to list mentions: %w", err)
	}
	aliases, err := d.store.GetAliases(ctx, e.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list aliases: %w", err)
	}
	history, err := d.store.ListEvolution(ctx, e.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list evolution: %w", err)
	}

	claims := gatherClaims(e, mentions, aliases, history)

	attributes := make([]string, 0, len(claims))
	for attr := range claims {
		attributes = append(attributes, attr)
	}
	sort.Strings(attributes)

	var conflicts []*types.Conflict
	for _, attr := range attributes {
		last, err := d.store.LastResolutionAt(ctx, e.ID, attr)
		if err != nil {
			return nil, fmt.Errorf("failed to read last resolution of %s: %w", attr, err)
		}

		var live []claim
		if v := currentValue(e, attr); v != nil {
			live = append(live, claim{
				value:      v,
				key:        claimKey(attr, v),
				confidence: e.Confidence,
				source:     "entity:" + e.ID,
				timestamp:  currentSince(e, history, attr),
				current:    true,
			})
		}
		for _, c := range claims[attr] {
			if last != nil && !c.timestamp.After(*last) {
				continue
			}
			live = append(live, c)
		}

		if c := d.classify(e, attr, live); c != nil {
			conflicts = append(conflicts, c)
		}
	}
	return conflicts, nil
}

// gatherClaims collects the evidence per attribute from mentions and
// observed evolution records.
func gatherClaims(e *types.Entity, mentions []*types.Mention, aliases []*types.Alias, history []*types.EvolutionRecord) map[string][]claim {
	recognized := map[string]bool{e.NormalizedName: true}
	if e.CanonicalForm != "" {
		recognized[types.NormalizeName(e.CanonicalForm)] = true
	}
	for _, a := range aliases {
		recognized[types.NormalizeName(a.Alias)] = true
	}

	claims := map[string][]claim{}
	add := func(attr string, c claim) {
		c.key = claimKey(attr, c.value)
		if c.key == "" {
			return
		}
		if attr == attrName && recognized[c.key] {
			return
		}
		claims[attr] = append(claims[attr], c)
	}

	// mentions arrive newest first; evidence is kept oldest first
	for i := len(mentions) - 1; i >= 0; i-- {
		m := mentions[i]
		source := m.MessageID
		if source == "" {
			source = m.ID
		}
		base := claim{
			confidence: m.Confidence,
			source:     source,
			timestamp:  m.CreatedAt,
			validFrom:  m.ValidFrom,
			validTo:    m.ValidTo,
		}

		nameClaim := base
		nameClaim.value = m.MentionText
		add(attrName, nameClaim)

		for attr, v := range m.Attributes {
			c := base
			c.value = v
			add(attr, c)
		}
	}

	for _, rec := range history {
		if rec.ChangeType != types.ChangeObserved {
			continue
		}
		source := rec.EvidenceMessageID
		if source == "" {
			source = rec.ID
		}
		add(rec.Attribute, claim{
			value:      rec.NewValue,
			confidence: rec.Confidence,
			source:     source,
			timestamp:  rec.CreatedAt,
		})
	}
	return claims
}

// claimKey folds a claimed value for comparison. Names compare by their
// normalized form.
func claimKey(attr string, v interface{}) string {
	if attr == attrName {
		if s, ok := v.(string); ok {
			return types.NormalizeName(s)
		}
	}
	return valueKey(v)
}

// currentSince returns when the entity's current value of attr was last set.
func currentSince(e *types.Entity, history []*types.EvolutionRecord, attr string) time.Time {
	since := e.CreatedAt
	for _, rec := range history {
		if rec.Attribute != attr {
			continue
		}
		if rec.ChangeType == types.ChangeResolution || rec.ChangeType == types.ChangeUpdate {
			since = rec.CreatedAt
		}
	}
	return since
}

// classify turns the live claims of one attribute into a conflict, or nil.
func (d *ConflictDetector) classify(e *types.Entity, attr string, claims []claim) *types.Conflict {
	values := aggregateClaims(claims)
	if len(values) < 2 {
		return nil
	}

	c := &types.Conflict{
		EntityID:   e.ID,
		EntityType: e.Type,
		Attribute:  attr,
		Values:     values,
	}

	if d.cfg.isDynamic(attr) {
		severity, ok := temporalSeverity(claims)
		if !ok {
			return nil
		}
		c.ConflictType = types.ConflictTemporal
		c.Severity = severity
		return c
	}

	c.ConflictType = types.ConflictAttribute
	switch attr {
	case attrName:
		unrecognized := map[string]bool{}
		for _, cl := range claims {
			if !cl.current {
				unrecognized[cl.key] = true
			}
		}
		if len(unrecognized) < 2 {
			return nil
		}
		c.Severity = types.SeverityMedium
	case attrType:
		c.Severity = types.SeverityHigh
		confident := 0
		for _, v := range values {
			if v.Confidence >= criticalConfidence {
				confident++
			}
		}
		if confident >= 2 {
			c.Severity = types.SeverityCritical
		}
	default:
		c.Severity = types.SeverityLow
	}
	return c
}

// aggregateClaims keeps one value per distinct key in first-seen order, with
// the highest confidence and the latest timestamp observed for it.
func aggregateClaims(claims []claim) []types.ConflictValue {
	index := map[string]int{}
	var out []types.ConflictValue
	for _, c := range claims {
		i, seen := index[c.key]
		if !seen {
			index[c.key] = len(out)
			out = append(out, types.ConflictValue{
				Value:      c.value,
				Confidence: c.confidence,
				Source:     c.source,
				Timestamp:  c.timestamp,
			})
			continue
		}
		v := &out[i]
		v.Confidence = max(v.Confidence, c.confidence)
		if c.timestamp.After(v.Timestamp) {
			v.Timestamp = c.timestamp
			v.Source = c.source
		}
	}
	return out
}

// temporalSeverity compares every pair of differing claims. Explicitly
// overlapping validity ranges are medium; a pair where either range is
// unknown is low. ok is false when every differing pair is disjoint.
func temporalSeverity(claims []claim) (types.Severity, bool) {
	overlap, ambiguous := false, false
	for i := 0; i < len(claims); i++ {
		for j := i + 1; j < len(claims); j++ {
			a, b := claims[i], claims[j]
			if a.key == b.key {
				continue
			}
			if a.validFrom == nil || b.validFrom == nil {
				ambiguous = true
				continue
			}
			if rangesOverlap(*a.validFrom, a.validTo, *b.validFrom, b.validTo) {
				overlap = true
			}
		}
	}
	switch {
	case overlap:
		return types.SeverityMedium, true
	case ambiguous:
		return types.SeverityLow, true
	}
	return "", false
}

// rangesOverlap treats ranges as half-open [from, to); a nil end is open.
func rangesOverlap(aFrom time.Time, aTo *time.Time, bFrom time.Time, bTo *time.Time) bool {
	aBeforeBEnds := bTo == nil || aFrom.Before(*bTo)
	bBeforeAEnds := aTo == nil || bFrom.Before(*aTo)
	return aBeforeBEnds && bBeforeAEnds
}

// detectRelationshipConflicts compares the two directions of symmetric edges.
func (d *ConflictDetector) detectRelationshipConflicts(e *types.Entity, rels []*types.Relationship) []*types.Conflict {
	var conflicts []*types.Conflict
	for _, r := range rels {
		if !r.Type.IsSymmetric() || r.SourceEntityID != e.ID {
			continue
		}
		for _, reverse := range rels {
			if reverse.Type != r.Type || reverse.SourceEntityID != r.TargetEntityID || reverse.TargetEntityID != e.ID {
				continue
			}
			diff := math.Abs(r.Strength - reverse.Strength)
			if diff < d.cfg.StrengthDelta {
				continue
			}
			severity := types.SeverityLow
			if diff >= 0.5 {
				severity = types.SeverityMedium
			}
			conflicts = append(conflicts, &types.Conflict{
				EntityID:     e.ID,
				EntityType:   e.Type,
				ConflictType: types.ConflictRelationship,
				Attribute:    fmt.Sprintf("%s:%s:%s", attrStrength, r.Type, r.TargetEntityID),
				Severity:     severity,
				Values: []types.ConflictValue{
					d.relationshipValue(r, r.Strength),
					d.relationshipValue(reverse, reverse.Strength),
				},
			})
		}
	}
	return conflicts
}

// detectSemanticConflicts finds works_for edges to different employers whose
// observation windows overlap.
func (d *ConflictDetector) detectSemanticConflicts(e *types.Entity, rels []*types.Relationship) []*types.Conflict {
	var employers []*types.Relationship
	for _, r := range rels {
		if r.Type == types.RelWorksFor && r.SourceEntityID == e.ID {
			employers = append(employers, r)
		}
	}

	involved := map[string]bool{}
	for i := 0; i < len(employers); i++ {
		for j := i + 1; j < len(employers); j++ {
			a, b := employers[i], employers[j]
			if !a.FirstMentionedAt.After(b.LastMentionedAt) && !b.FirstMentionedAt.After(a.LastMentionedAt) {
				involved[a.ID] = true
				involved[b.ID] = true
			}
		}
	}
	if len(involved) < 2 {
		return nil
	}

	var values []types.ConflictValue
	for _, r := range employers {
		if involved[r.ID] {
			values = append(values, d.relationshipValue(r, r.TargetEntityID))
		}
	}
	return []*types.Conflict{{
		EntityID:     e.ID,
		EntityType:   e.Type,
		ConflictType: types.ConflictSemantic,
		Attribute:    attrRelationship + ":" + string(types.RelWorksFor),
		Severity:     types.SeverityMedium,
		Values:       values,
	}}
}

// identifyingAlias reports alias kinds specific enough to suggest two
// entities are one. First names and initials are shared by many people.
func identifyingAlias(kind types.AliasKind) bool {
	return kind == types.AliasFormal || kind == types.AliasVariation
}

func (d *ConflictDetector) relationshipValue(r *types.Relationship, value interface{}) types.ConflictValue {
	return types.ConflictValue{
		Value:      value,
		Confidence: d.scorer.CalculateRelationshipConfidence(r),
		Source:     r.ID,
		Timestamp:  r.LastMentionedAt,
	}
}

// detectMergeCandidates finds other entities of the same type with a similar
// name or a shared alias. A pair that was already decided is not reported again.
func (d *ConflictDetector) detectMergeCandidates(ctx context.Context, e *types.Entity) ([]*types.Conflict, error) {
	matches := map[string]*types.Entity{}

	others, err := d.store.Search(ctx, storage.EntityFilter{
		Type:   e.Type,
		SortBy: "mention_count",
		Limit:  d.cfg.MaxCandidateScan,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan merge candidates: %w", err)
	}
	for _, o := range others {
		if o.ID != e.ID && Similarity(e.NormalizedName, o.NormalizedName) >= d.cfg.FuzzyThreshold {
			matches[o.ID] = o
		}
	}

	aliases, err := d.store.GetAliases(ctx, e.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list aliases: %w", err)
	}
	for _, a := range aliases {
		if !identifyingAlias(a.Kind) {
			continue
		}
		shared, err := d.store.FindAliases(ctx, a.Alias, e.Type)
		if err != nil {
			return nil, fmt.Errorf("failed to look up shared alias: %w", err)
		}
		for _, hit := range shared {
			if hit.Entity.ID != e.ID && identifyingAlias(hit.Alias.Kind) {
				matches[hit.Entity.ID] = hit.Entity
			}
		}
		named, err := d.store.FindByNormalizedName(ctx, a.Alias, e.Type)
		if err != nil {
			return nil, fmt.Errorf("failed to look up alias as name: %w", err)
		}
		for _, o := range named {
			if o.ID != e.ID {
				matches[o.ID] = o
			}
		}
	}

	ids := make([]string, 0, len(matches))
	for id := range matches {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var conflicts []*types.Conflict
	for _, id := range ids {
		o := matches[id]
		attr := attrIdentity + ":" + o.ID
		last, err := d.store.LastResolutionAt(ctx, e.ID, attr)
		if err != nil {
			return nil, fmt.Errorf("failed to read last resolution of %s: %w", attr, err)
		}
		if last != nil {
			continue
		}
		conflicts = append(conflicts, &types.Conflict{
			EntityID:     e.ID,
			EntityType:   e.Type,
			ConflictType: types.ConflictMergeCandidate,
			Attribute:    attr,
			Severity:     types.SeverityLow,
			Values: []types.ConflictValue{
				{Value: e.ID, Confidence: e.Confidence, Source: "entity:" + e.ID, Timestamp: e.CreatedAt},
				{Value: o.ID, Confidence: o.Confidence, Source: "entity:" + o.ID, Timestamp: o.CreatedAt},
			},
		})
	}
	return conflicts, nil
}

package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/scrypster/kinship/internal/storage"
	"github.com/scrypster/kinship/pkg/types"
)

func newTestDetector(t *testing.T, store storage.Store) *ConflictDetector {
	t.Helper()
	rules := NewRuleEngine(store, zap.NewNop())
	require.NoError(t, rules.Load(context.Background()))
	return NewConflictDetector(store, rules, DefaultConfig(), zap.NewNop())
}

func TestDetectEntityConflicts_UnrecognizedNames(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	john := createEntity(t, store, "John Doe", types.EntityTypePerson, 0.9)
	addMention(t, store, john, mention{text: "John Doe is CEO", message: "msg-1", at: date(2024, 1, 1)})
	addMention(t, store, john, mention{text: "John Doe is CTO", message: "msg-2", at: date(2024, 2, 1)})
	addMention(t, store, john, mention{text: "john doe", message: "msg-3", at: date(2024, 3, 1)})

	conflicts, err := newTestDetector(t, store).DetectEntityConflicts(ctx, john.ID)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)

	c := conflicts[0]
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, types.ConflictAttribute, c.ConflictType)
	assert.Equal(t, "name", c.Attribute)
	assert.Equal(t, types.SeverityMedium, c.Severity)

	values := make([]interface{}, 0, len(c.Values))
	for _, v := range c.Values {
		values = append(values, v.Value)
	}
	assert.Equal(t, []interface{}{"John Doe", "John Doe is CEO", "John Doe is CTO"}, values)
	assert.Equal(t, "msg-1", c.Values[1].Source)

	require.NotNil(t, c.SuggestedResolution)
	assert.Equal(t, "identity-confidence", c.SuggestedResolution.RuleID)
	assert.Equal(t, "John Doe", c.SuggestedResolution.Value)
	assert.True(t, c.AutoResolvable)
}

func TestDetectEntityConflicts_SingleVariantIsNotAConflict(t *testing.T) {
	store := newTestStore(t)
	john := createEntity(t, store, "John Doe", types.EntityTypePerson, 0.9)
	addMention(t, store, john, mention{text: "Johnny D", message: "msg-1"})

	conflicts, err := newTestDetector(t, store).DetectEntityConflicts(context.Background(), john.ID)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestDetectEntityConflicts_Temporal(t *testing.T) {
	tests := []struct {
		name         string
		berlinTo     *time.Time
		lisbonFrom   *time.Time
		undated      bool
		wantConflict bool
		wantSeverity types.Severity
	}{
		{name: "disjoint", berlinTo: datePtr(2023, 6, 1), lisbonFrom: datePtr(2023, 6, 1), wantConflict: false},
		{name: "overlapping", berlinTo: datePtr(2023, 6, 1), lisbonFrom: datePtr(2023, 5, 1), wantConflict: true, wantSeverity: types.SeverityMedium},
		{name: "open ended", berlinTo: nil, lisbonFrom: datePtr(2023, 9, 1), wantConflict: true, wantSeverity: types.SeverityMedium},
		{name: "undated", undated: true, wantConflict: true, wantSeverity: types.SeverityLow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t)
			ada := createEntity(t, store, "Ada Lovelace", types.EntityTypePerson, 0.7)

			berlin := mention{message: "msg-1", at: date(2024, 1, 1), attrs: map[string]interface{}{"location": "Berlin"}}
			lisbon := mention{message: "msg-2", at: date(2024, 2, 1), attrs: map[string]interface{}{"location": "Lisbon"}}
			if !tt.undated {
				berlin.validFrom, berlin.validTo = datePtr(2023, 1, 1), tt.berlinTo
				lisbon.validFrom = tt.lisbonFrom
			}
			addMention(t, store, ada, berlin)
			addMention(t, store, ada, lisbon)

			conflicts, err := newTestDetector(t, store).DetectEntityConflicts(context.Background(), ada.ID)
			require.NoError(t, err)
			if !tt.wantConflict {
				assert.Empty(t, conflicts)
				return
			}
			require.Len(t, conflicts, 1)
			c := conflicts[0]
			assert.Equal(t, types.ConflictTemporal, c.ConflictType)
			assert.Equal(t, "location", c.Attribute)
			assert.Equal(t, tt.wantSeverity, c.Severity)
			assert.Equal(t, "dynamic-latest", c.SuggestedResolution.RuleID)
			assert.Equal(t, "Lisbon", c.SuggestedResolution.Value)
			assert.True(t, c.AutoResolvable)
		})
	}
}

func TestDetectEntityConflicts_CriticalType(t *testing.T) {
	store := newTestStore(t)
	paris := createEntity(t, store, "Paris", types.EntityTypeConcept, 0.95)
	addMention(t, store, paris, mention{message: "msg-1", confidence: 0.95, attrs: map[string]interface{}{"type": "location"}})

	conflicts, err := newTestDetector(t, store).DetectEntityConflicts(context.Background(), paris.ID)
	require.NoError(t, err)

	c := findConflict(t, conflicts, types.ConflictAttribute)
	assert.Equal(t, "type", c.Attribute)
	assert.Equal(t, types.SeverityCritical, c.Severity)
	assert.False(t, c.AutoResolvable, "critical conflicts always need a human")
}

func TestDetectEntityConflicts_SymmetricStrength(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	alice := createEntity(t, store, "Alice Smith", types.EntityTypePerson, 0.8)
	bob := createEntity(t, store, "Bob Jones", types.EntityTypePerson, 0.8)

	require.NoError(t, store.UpsertRelationship(ctx, &types.Relationship{
		SourceEntityID: alice.ID, TargetEntityID: bob.ID, Type: types.RelRelatedTo, Strength: 0.9,
	}))
	require.NoError(t, store.UpsertRelationship(ctx, &types.Relationship{
		SourceEntityID: bob.ID, TargetEntityID: alice.ID, Type: types.RelRelatedTo, Strength: 0.3,
	}))

	conflicts, err := newTestDetector(t, store).DetectEntityConflicts(ctx, alice.ID)
	require.NoError(t, err)
	c := findConflict(t, conflicts, types.ConflictRelationship)
	assert.Equal(t, "strength:related_to:"+bob.ID, c.Attribute)
	assert.Equal(t, types.SeverityMedium, c.Severity)
	require.Len(t, c.Values, 2)
	assert.Equal(t, 0.9, c.Values[0].Value)
	assert.Equal(t, 0.3, c.Values[1].Value)

	// a difference below the configured delta is tolerated
	require.NoError(t, store.UpsertRelationship(ctx, &types.Relationship{
		SourceEntityID: bob.ID, TargetEntityID: alice.ID, Type: types.RelRelatedTo, Strength: 0.8,
	}))
	conflicts, err = newTestDetector(t, store).DetectEntityConflicts(ctx, alice.ID)
	require.NoError(t, err)
	for _, c := range conflicts {
		assert.NotEqual(t, types.ConflictRelationship, c.ConflictType)
	}
}

func TestDetectEntityConflicts_OverlappingEmployers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ada := createEntity(t, store, "Ada Lovelace", types.EntityTypePerson, 0.8)
	acme := createEntity(t, store, "Acme", types.EntityTypeOrganization, 0.8)
	globex := createEntity(t, store, "Globex", types.EntityTypeOrganization, 0.8)
	initech := createEntity(t, store, "Initech", types.EntityTypeOrganization, 0.8)

	for _, r := range []*types.Relationship{
		{SourceEntityID: ada.ID, TargetEntityID: acme.ID, FirstMentionedAt: date(2023, 1, 1), LastMentionedAt: date(2023, 12, 1)},
		{SourceEntityID: ada.ID, TargetEntityID: globex.ID, FirstMentionedAt: date(2023, 6, 1), LastMentionedAt: date(2024, 3, 1)},
		{SourceEntityID: ada.ID, TargetEntityID: initech.ID, FirstMentionedAt: date(2020, 1, 1), LastMentionedAt: date(2021, 1, 1)},
	} {
		r.Type, r.Strength = types.RelWorksFor, 0.7
		require.NoError(t, store.UpsertRelationship(ctx, r))
	}

	conflicts, err := newTestDetector(t, store).DetectEntityConflicts(ctx, ada.ID)
	require.NoError(t, err)
	c := findConflict(t, conflicts, types.ConflictSemantic)
	assert.Equal(t, "relationship:works_for", c.Attribute)
	assert.Equal(t, types.SeverityMedium, c.Severity)

	targets := []interface{}{}
	for _, v := range c.Values {
		targets = append(targets, v.Value)
	}
	assert.ElementsMatch(t, []interface{}{acme.ID, globex.ID}, targets)
	assert.False(t, c.AutoResolvable)
}

func TestDetectEntityConflicts_MergeCandidates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	jonathan := createEntity(t, store, "Jonathan Smith", types.EntityTypePerson, 0.8)
	jonathon := createEntity(t, store, "Jonathon Smith", types.EntityTypePerson, 0.6)
	createEntity(t, store, "Jonathan Smith", types.EntityTypeOrganization, 0.6)

	conflicts, err := newTestDetector(t, store).DetectEntityConflicts(ctx, jonathan.ID)
	require.NoError(t, err)
	c := findConflict(t, conflicts, types.ConflictMergeCandidate)
	assert.Equal(t, "identity:"+jonathon.ID, c.Attribute)
	assert.Equal(t, types.SeverityLow, c.Severity)
	assert.False(t, c.AutoResolvable, "merges are never automatic")

	bigBlue := createEntity(t, store, "Big Blue", types.EntityTypeOrganization, 0.7)
	machines := createEntity(t, store, "International Business Machines", types.EntityTypeOrganization, 0.9)
	for _, e := range []*types.Entity{bigBlue, machines} {
		_, err := store.CreateAlias(ctx, &types.Alias{EntityID: e.ID, Alias: "IBM", Kind: types.AliasVariation, Confidence: 0.9})
		require.NoError(t, err)
	}

	conflicts, err = newTestDetector(t, store).DetectEntityConflicts(ctx, bigBlue.ID)
	require.NoError(t, err)
	c = findConflict(t, conflicts, types.ConflictMergeCandidate)
	assert.Equal(t, "identity:"+machines.ID, c.Attribute)
}

func TestDetectEntityConflicts_Idempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ada := createEntity(t, store, "Ada Lovelace", types.EntityTypePerson, 0.7)
	addMention(t, store, ada, mention{message: "msg-1", attrs: map[string]interface{}{"location": "Berlin"}})
	addMention(t, store, ada, mention{message: "msg-2", attrs: map[string]interface{}{"location": "Lisbon"}})

	detector := newTestDetector(t, store)
	first, err := detector.DetectEntityConflicts(ctx, ada.ID)
	require.NoError(t, err)
	second, err := detector.DetectEntityConflicts(ctx, ada.ID)
	require.NoError(t, err)

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID)

	stored, err := store.ListConflicts(ctx, storage.ConflictFilter{EntityID: ada.ID, ActiveOnly: true})
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestDetectEntityConflicts_MissingEntity(t *testing.T) {
	store := newTestStore(t)
	_, err := newTestDetector(t, store).DetectEntityConflicts(context.Background(), "ent:missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRangesOverlap(t *testing.T) {
	jan, jun, dec := date(2023, 1, 1), date(2023, 6, 1), date(2023, 12, 1)

	assert.True(t, rangesOverlap(jan, &dec, jun, nil))
	assert.False(t, rangesOverlap(jan, &jun, jun, &dec), "ranges are half-open")
	assert.True(t, rangesOverlap(jan, nil, dec, nil))
	assert.False(t, rangesOverlap(jun, &dec, jan, &jun))
}

package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/scrypster/kinship/internal/storage"
	"github.com/scrypster/kinship/internal/storage/sqlite"
	"github.com/scrypster/kinship/pkg/types"
)

func newTestResolver(t *testing.T, store storage.Store) (*ConflictDetector, *ResolutionExecutor) {
	t.Helper()
	rules := NewRuleEngine(store, zap.NewNop())
	require.NoError(t, rules.Load(context.Background()))
	cfg := DefaultConfig()
	return NewConflictDetector(store, rules, cfg, zap.NewNop()), NewResolutionExecutor(store, rules, cfg, zap.NewNop())
}

// seedLocationConflict gives an entity two undated locations, Lisbon being newer.
func seedLocationConflict(t *testing.T, store *sqlite.Store, detector *ConflictDetector) (*types.Entity, *types.Conflict) {
	t.Helper()
	ada := createEntity(t, store, "Ada Lovelace", types.EntityTypePerson, 0.7)
	addMention(t, store, ada, mention{message: "msg-1", at: date(2024, 1, 1), attrs: map[string]interface{}{"location": "Berlin"}})
	addMention(t, store, ada, mention{message: "msg-2", at: date(2024, 3, 1), attrs: map[string]interface{}{"location": "Lisbon"}})

	conflicts, err := detector.DetectEntityConflicts(context.Background(), ada.ID)
	require.NoError(t, err)
	return ada, findConflict(t, conflicts, types.ConflictTemporal)
}

// seedTypeConflict gives an entity a critical type conflict.
func seedTypeConflict(t *testing.T, store *sqlite.Store, detector *ConflictDetector) (*types.Entity, *types.Conflict) {
	t.Helper()
	paris := createEntity(t, store, "Paris", types.EntityTypeConcept, 0.95)
	addMention(t, store, paris, mention{message: "msg-9", confidence: 0.95, attrs: map[string]interface{}{"type": "location"}})

	conflicts, err := detector.DetectEntityConflicts(context.Background(), paris.ID)
	require.NoError(t, err)
	c := findConflict(t, conflicts, types.ConflictAttribute)
	require.Equal(t, types.SeverityCritical, c.Severity)
	return paris, c
}

func TestResolveConflicts_LatestWins(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	detector, executor := newTestResolver(t, store)
	ada, conflict := seedLocationConflict(t, store, detector)

	results := executor.ResolveConflicts(ctx, []string{conflict.ID}, "")
	require.Len(t, results, 1)
	r := results[0]
	require.True(t, r.Success, r.ErrorText)
	assert.False(t, r.Deferred)
	assert.Equal(t, types.StrategyLatestWins, r.Strategy)
	require.NotEmpty(t, r.AuditID)

	updated, err := store.GetByID(ctx, ada.ID)
	require.NoError(t, err)
	assert.Equal(t, "Lisbon", updated.Metadata["location"])

	res, err := store.GetResolution(ctx, r.AuditID)
	require.NoError(t, err)
	assert.Equal(t, conflict.ID, res.ConflictID)
	assert.Equal(t, "Lisbon", res.ResolvedValue)
	assert.Equal(t, DefaultResolver, res.ResolvedBy)
	assert.Equal(t, "dynamic-latest", res.RuleID)
	assert.Equal(t, "latest value wins: 2 conflicting values, newest from msg-2 at 2024-03-01T10:00:00Z", res.Reasoning)
	assert.Len(t, res.OriginalValues, 2)

	stored, err := store.GetConflict(ctx, conflict.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsActive())
	assert.Equal(t, r.AuditID, stored.ResolutionID)

	history, err := store.ListEvolution(ctx, ada.ID)
	require.NoError(t, err)
	var resolved *types.EvolutionRecord
	for _, rec := range history {
		if rec.ChangeType == types.ChangeResolution {
			resolved = rec
		}
	}
	require.NotNil(t, resolved)
	assert.Equal(t, "location", resolved.Attribute)
	assert.Equal(t, "Lisbon", resolved.NewValue)
	assert.Equal(t, "msg-2", resolved.EvidenceMessageID)

	again, err := detector.DetectEntityConflicts(ctx, ada.ID)
	require.NoError(t, err)
	assert.Empty(t, again, "evidence older than the resolution does not reopen the conflict")
}

func TestResolveConflicts_MergeLists(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	detector, executor := newTestResolver(t, store)

	ada := createEntity(t, store, "Ada Lovelace", types.EntityTypePerson, 0.7)
	addMention(t, store, ada, mention{message: "msg-1", at: date(2024, 1, 1), attrs: map[string]interface{}{"tags": []interface{}{"a", "b"}}})
	addMention(t, store, ada, mention{message: "msg-2", at: date(2024, 2, 1), attrs: map[string]interface{}{"tags": []interface{}{"b", "c"}}})

	conflicts, err := detector.DetectEntityConflicts(ctx, ada.ID)
	require.NoError(t, err)
	c := findConflict(t, conflicts, types.ConflictAttribute)
	assert.Equal(t, "tags", c.Attribute)
	assert.Equal(t, types.SeverityLow, c.Severity)
	require.True(t, c.AutoResolvable)

	results := executor.ResolveConflicts(ctx, []string{c.ID}, "tester")
	require.True(t, results[0].Success, results[0].ErrorText)
	assert.Equal(t, types.StrategyMerge, results[0].Strategy)

	updated, err := store.GetByID(ctx, ada.ID)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"a", "b", "c"}, updated.Metadata["tags"])
}

func TestResolveConflicts_PartialFailure(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	detector, executor := newTestResolver(t, store)
	_, conflict := seedLocationConflict(t, store, detector)

	results := executor.ResolveConflicts(ctx, []string{conflict.ID, "cfl:missing"}, "")
	require.Len(t, results, 2)

	assert.Equal(t, conflict.ID, results[0].ConflictID)
	assert.True(t, results[0].Success)
	assert.NotEmpty(t, results[0].AuditID)

	assert.Equal(t, "cfl:missing", results[1].ConflictID)
	assert.False(t, results[1].Success)
	assert.ErrorIs(t, results[1].Error, storage.ErrNotFound)
	assert.NotEmpty(t, results[1].ErrorText)
}

func TestResolveConflicts_ResolvesOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	detector, executor := newTestResolver(t, store)
	_, conflict := seedLocationConflict(t, store, detector)

	results := executor.ResolveConflicts(ctx, []string{conflict.ID, conflict.ID}, "")
	require.Len(t, results, 2)

	succeeded := 0
	for _, r := range results {
		if r.Success {
			succeeded++
			continue
		}
		assert.ErrorIs(t, r.Error, storage.ErrAlreadyResolved)
	}
	assert.Equal(t, 1, succeeded)

	later := executor.ResolveConflicts(ctx, []string{conflict.ID}, "")
	assert.ErrorIs(t, later[0].Error, storage.ErrAlreadyResolved)

	trail, err := store.ListResolutions(ctx, storage.ResolutionFilter{ConflictID: conflict.ID})
	require.NoError(t, err)
	assert.Len(t, trail, 1)
}

func TestResolveConflicts_CriticalIsDeferredThenManual(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	detector, executor := newTestResolver(t, store)
	paris, conflict := seedTypeConflict(t, store, detector)

	results := executor.ResolveConflicts(ctx, []string{conflict.ID}, "")
	require.True(t, results[0].Success)
	assert.True(t, results[0].Deferred)
	assert.Equal(t, types.StrategyUserReview, results[0].Strategy)
	assert.Empty(t, results[0].AuditID)

	stored, err := store.GetConflict(ctx, conflict.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsActive())
	assert.True(t, stored.Deferred)

	_, err = executor.ResolveManually(ctx, conflict.ID, nil, "alice", "")
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	res, err := executor.ResolveManually(ctx, conflict.ID, "location", "alice", "checked the atlas")
	require.NoError(t, err)
	assert.Equal(t, types.StrategyManualOverride, res.Strategy)
	assert.Equal(t, 1.0, res.Confidence)
	assert.Equal(t, "alice", res.ResolvedBy)
	assert.Equal(t, "manual override by alice: checked the atlas", res.Reasoning)

	updated, err := store.GetByID(ctx, paris.ID)
	require.NoError(t, err)
	assert.Equal(t, types.EntityTypeLocation, updated.Type)

	_, err = executor.ResolveManually(ctx, conflict.ID, "concept", "bob", "")
	assert.ErrorIs(t, err, storage.ErrAlreadyResolved)
}

func TestResolveManually_RejectsInvalidType(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	detector, executor := newTestResolver(t, store)
	paris, conflict := seedTypeConflict(t, store, detector)

	_, err := executor.ResolveManually(ctx, conflict.ID, "planet", "alice", "")
	assert.ErrorIs(t, err, ErrResolutionFailure)

	stored, err := store.GetConflict(ctx, conflict.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsActive(), "a failed resolution leaves the conflict open")

	unchanged, err := store.GetByID(ctx, paris.ID)
	require.NoError(t, err)
	assert.Equal(t, types.EntityTypeConcept, unchanged.Type)
}

func TestResolveConflicts_NameKeepsLosers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	detector, executor := newTestResolver(t, store)

	john := createEntity(t, store, "John Doe", types.EntityTypePerson, 0.9)
	addMention(t, store, john, mention{text: "Jon Doe", message: "msg-1", at: date(2024, 1, 1)})
	addMention(t, store, john, mention{text: "Johnathan Doe", message: "msg-2", at: date(2024, 2, 1)})

	conflicts, err := detector.DetectEntityConflicts(ctx, john.ID)
	require.NoError(t, err)
	c := findConflict(t, conflicts, types.ConflictAttribute)
	require.Equal(t, "name", c.Attribute)

	results := executor.ResolveConflicts(ctx, []string{c.ID}, "")
	require.True(t, results[0].Success, results[0].ErrorText)
	assert.Equal(t, types.StrategyHighestConfidence, results[0].Strategy)

	aliases, err := store.GetAliases(ctx, john.ID)
	require.NoError(t, err)
	names := []string{}
	for _, a := range aliases {
		assert.Equal(t, types.AliasVariation, a.Kind)
		names = append(names, a.Alias)
	}
	assert.ElementsMatch(t, []string{"Jon Doe", "Johnathan Doe"}, names)
}

func TestResolveConflicts_RelationshipStrength(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	detector, executor := newTestResolver(t, store)

	alice := createEntity(t, store, "Alice Smith", types.EntityTypePerson, 0.8)
	bob := createEntity(t, store, "Bob Jones", types.EntityTypePerson, 0.8)
	require.NoError(t, store.UpsertRelationship(ctx, &types.Relationship{
		SourceEntityID: alice.ID, TargetEntityID: bob.ID, Type: types.RelRelatedTo, Strength: 0.9,
	}))
	require.NoError(t, store.UpsertRelationship(ctx, &types.Relationship{
		SourceEntityID: bob.ID, TargetEntityID: alice.ID, Type: types.RelRelatedTo, Strength: 0.3,
	}))

	conflicts, err := detector.DetectEntityConflicts(ctx, alice.ID)
	require.NoError(t, err)
	c := findConflict(t, conflicts, types.ConflictRelationship)

	res, err := executor.ResolveManually(ctx, c.ID, 0.6, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, 0.6, res.ResolvedValue)

	forward, err := store.FindRelationship(ctx, alice.ID, bob.ID, types.RelRelatedTo)
	require.NoError(t, err)
	reverse, err := store.FindRelationship(ctx, bob.ID, alice.ID, types.RelRelatedTo)
	require.NoError(t, err)
	assert.Equal(t, 0.6, forward.Strength)
	assert.Equal(t, 0.6, reverse.Strength)
}

func TestResolveManually_EmployerKeepsWinner(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	detector, executor := newTestResolver(t, store)

	ada := createEntity(t, store, "Ada Lovelace", types.EntityTypePerson, 0.8)
	acme := createEntity(t, store, "Acme", types.EntityTypeOrganization, 0.8)
	globex := createEntity(t, store, "Globex", types.EntityTypeOrganization, 0.8)
	for _, target := range []string{acme.ID, globex.ID} {
		require.NoError(t, store.UpsertRelationship(ctx, &types.Relationship{
			SourceEntityID: ada.ID, TargetEntityID: target, Type: types.RelWorksFor, Strength: 0.7,
			FirstMentionedAt: date(2023, 1, 1), LastMentionedAt: date(2023, 12, 1),
		}))
	}

	conflicts, err := detector.DetectEntityConflicts(ctx, ada.ID)
	require.NoError(t, err)
	c := findConflict(t, conflicts, types.ConflictSemantic)

	_, err = executor.ResolveManually(ctx, c.ID, globex.ID, "alice", "left Acme in 2023")
	require.NoError(t, err)

	_, err = store.FindRelationship(ctx, ada.ID, acme.ID, types.RelWorksFor)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.FindRelationship(ctx, ada.ID, globex.ID, types.RelWorksFor)
	assert.NoError(t, err)
}

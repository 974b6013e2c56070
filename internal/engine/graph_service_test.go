package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/scrypster/kinship/internal/storage"
	"github.com/scrypster/kinship/pkg/types"
)

func ingest(t *testing.T, svc *GraphService, text, message string, confidence float64) *IngestResult {
	t.Helper()
	result, err := svc.IngestMention(context.Background(), MentionInput{
		Text:           text,
		Type:           types.EntityTypePerson,
		ConversationID: "conv-1",
		MessageID:      message,
		StartPosition:  0,
		EndPosition:    len(text),
		Confidence:     confidence,
	})
	require.NoError(t, err)
	return result
}

func TestGraphService_IngestMention(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	first := ingest(t, svc, "John Doe", "msg-1", 0.9)
	assert.True(t, first.Created)
	assert.Equal(t, MatchNone, first.MatchType)
	assert.Equal(t, 1, first.Entity.MentionCount)
	assert.Equal(t, first.Entity.ID, first.Mention.EntityID)
	assert.Zero(t, first.AliasesAdded)

	second := ingest(t, svc, "JD", "msg-2", 0.8)
	assert.False(t, second.Created)
	assert.Equal(t, MatchFuzzy, second.MatchType)
	assert.Equal(t, first.Entity.ID, second.Entity.ID)
	assert.Equal(t, 3, second.AliasesAdded)

	third := ingest(t, svc, "JD", "msg-3", 0.8)
	assert.Equal(t, MatchAlias, third.MatchType)
	assert.Equal(t, first.Entity.ID, third.Entity.ID)
	assert.Zero(t, third.AliasesAdded)

	stored, err := store.GetByID(ctx, first.Entity.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.MentionCount)
	require.NotNil(t, stored.LastMentionedAt)

	mentions, err := store.ListMentions(ctx, stored.ID, 10)
	require.NoError(t, err)
	assert.Len(t, mentions, 3)
}

func TestGraphService_IngestMentionValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.IngestMention(ctx, MentionInput{Text: "John", Type: types.EntityTypePerson, ConversationID: "c", MessageID: "m", EndPosition: 4, Confidence: 1.2})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	_, err = svc.IngestMention(ctx, MentionInput{Text: "John", Type: types.EntityTypePerson, ConversationID: "c", MessageID: "m", StartPosition: 3, EndPosition: 2, Confidence: 0.5})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	found, err := svc.LinkEntity(ctx, "John", types.EntityTypePerson, nil)
	require.NoError(t, err)
	assert.True(t, found.ShouldCreateNew, "a rejected ingest creates nothing")
}

func TestGraphService_CreateAliases(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	k8s := createEntity(t, store, "Kubernetes", types.EntityTypeTechnical, 0.9)

	created, err := svc.CreateAliases(ctx, []*types.Alias{
		{EntityID: k8s.ID, Alias: "K8s", Kind: types.AliasAbbreviation, Confidence: 0.9},
		{EntityID: k8s.ID, Alias: "kube", Kind: types.AliasInformal, Confidence: 0.7},
		{EntityID: k8s.ID, Alias: "K8s", Kind: types.AliasAbbreviation, Confidence: 0.9},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, created)

	ok, err := svc.CreateAlias(ctx, &types.Alias{EntityID: k8s.ID, Alias: "kube", Kind: types.AliasInformal, Confidence: 0.7})
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = svc.CreateAliases(ctx, []*types.Alias{
		{EntityID: k8s.ID, Alias: "K", Kind: types.AliasAbbreviation, Confidence: 0.9},
		{EntityID: k8s.ID, Alias: "", Kind: types.AliasAbbreviation, Confidence: 0.9},
	})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
	aliases, err := store.GetAliases(ctx, k8s.ID)
	require.NoError(t, err)
	assert.Len(t, aliases, 2, "a failed batch stores nothing")
}

func TestGraphService_RecordRelationship(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	ada := createEntity(t, store, "Ada Lovelace", types.EntityTypePerson, 0.8)
	charles := createEntity(t, store, "Charles Babbage", types.EntityTypePerson, 0.8)

	for i := 0; i < 2; i++ {
		require.NoError(t, svc.RecordRelationship(ctx, &types.Relationship{
			SourceEntityID: ada.ID, TargetEntityID: charles.ID, Type: types.RelDiscussedWith, Strength: 0.6,
		}))
	}
	rel, err := store.FindRelationship(ctx, ada.ID, charles.ID, types.RelDiscussedWith)
	require.NoError(t, err)
	assert.Equal(t, 2, rel.MentionCount)

	err = svc.RecordRelationship(ctx, &types.Relationship{
		SourceEntityID: ada.ID, TargetEntityID: ada.ID, Type: types.RelRelatedTo, Strength: 0.5,
	})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestGraphService_ObservedEvolutionFeedsDetection(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	ada := createEntity(t, store, "Ada Lovelace", types.EntityTypePerson, 0.8)

	for _, status := range []string{"active", "on leave"} {
		require.NoError(t, svc.RecordEvolution(ctx, &types.EvolutionRecord{
			EntityID: ada.ID, Attribute: "status", NewValue: status, Confidence: 0.8,
		}))
	}

	history, err := store.ListEvolution(ctx, ada.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, types.ChangeObserved, history[0].ChangeType)

	conflicts, err := svc.DetectEntityConflicts(ctx, ada.ID)
	require.NoError(t, err)
	c := findConflict(t, conflicts, types.ConflictTemporal)
	assert.Equal(t, "status", c.Attribute)
	assert.Equal(t, types.SeverityLow, c.Severity)
}

func TestGraphService_Rules(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	rules, err := svc.ListRules(ctx, true)
	require.NoError(t, err)
	assert.Len(t, rules, 4)

	require.NoError(t, svc.UpsertResolutionRule(ctx, &types.ResolutionRule{
		ID: "nickname-latest", Name: "Nicknames", AttributePattern: "nickname",
		Strategy: types.StrategyLatestWins, ConfidenceThreshold: 0.4, Priority: 6, Active: true,
	}))
	rules, err = svc.ListRules(ctx, true)
	require.NoError(t, err)
	assert.Len(t, rules, 5)

	err = svc.UpsertResolutionRule(ctx, &types.ResolutionRule{ID: "bad", Name: "Bad", AttributePattern: "*", Strategy: types.StrategyMerge, Priority: 42})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestGraphService_MergeThroughService(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	a := ingest(t, svc, "Jon Smith", "msg-1", 0.7).Entity
	b := createEntity(t, store, "Jonathan Smith", types.EntityTypePerson, 0.9)

	result, err := svc.MergeEntities(ctx, a.ID, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, result.MentionsMoved)

	linked, err := svc.LinkEntity(ctx, "Jon Smith", types.EntityTypePerson, nil)
	require.NoError(t, err)
	assert.Equal(t, MatchAlias, linked.MatchType)
	assert.Equal(t, b.ID, linked.LinkedEntity.ID)
}

func TestNewGraphService_RequiresStore(t *testing.T) {
	_, err := NewGraphService(context.Background(), nil, DefaultConfig(), zap.NewNop())
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

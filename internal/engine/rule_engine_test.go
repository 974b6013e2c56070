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

func newTestRuleEngine(t *testing.T) (*RuleEngine, storage.Store) {
	t.Helper()
	store := newTestStore(t)
	engine := NewRuleEngine(store, zap.NewNop())
	require.NoError(t, engine.Load(context.Background()))
	return engine, store
}

func TestRuleEngine_SeedsDefaults(t *testing.T) {
	engine, store := newTestRuleEngine(t)

	ids := []string{}
	for _, r := range engine.Rules() {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"dynamic-latest", "identity-confidence", "list-merge", "catch-all-review"}, ids)

	// a second load does not duplicate the seed
	require.NoError(t, engine.Load(context.Background()))
	stored, err := store.ListRules(context.Background(), false)
	require.NoError(t, err)
	assert.Len(t, stored, 4)
}

func TestRuleEngine_DoesNotReseedWhenRulesExist(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertRule(ctx, &types.ResolutionRule{
		ID: "only", Name: "Only", AttributePattern: "*", Strategy: types.StrategyUserReview,
		ConfidenceThreshold: 0.5, Priority: 5, Active: false,
	}))

	engine := NewRuleEngine(store, zap.NewNop())
	require.NoError(t, engine.Load(ctx))
	assert.Empty(t, engine.Rules(), "inactive rules are not loaded")
	assert.Nil(t, engine.Match(types.EntityTypePerson, types.ConflictAttribute, "name"))
}

func TestRuleEngine_MatchDefaults(t *testing.T) {
	engine, _ := newTestRuleEngine(t)

	tests := []struct {
		attribute string
		want      string
	}{
		{"location", "dynamic-latest"},
		{"employer", "dynamic-latest"},
		{"name", "identity-confidence"},
		{"canonical_form", "identity-confidence"},
		{"tags", "list-merge"},
		{"favorite_color", "catch-all-review"},
		{"relocation", "catch-all-review"},
		{"strength:related_to:ent:1", "catch-all-review"},
	}
	for _, tt := range tests {
		t.Run(tt.attribute, func(t *testing.T) {
			rule := engine.Match(types.EntityTypePerson, types.ConflictAttribute, tt.attribute)
			require.NotNil(t, rule)
			assert.Equal(t, tt.want, rule.ID)
		})
	}
}

func TestRuleEngine_PriorityAndSpecificity(t *testing.T) {
	engine, _ := newTestRuleEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.UpsertRule(ctx, &types.ResolutionRule{
		ID: "status-or-location", Name: "Status or location", AttributePattern: "status|location",
		Strategy: types.StrategyHighestConfidence, ConfidenceThreshold: 0.5, Priority: 10, Active: true,
	}))
	rule := engine.Match(types.EntityTypePerson, types.ConflictTemporal, "location")
	require.NotNil(t, rule)
	assert.Equal(t, "status-or-location", rule.ID)
	assert.Equal(t, "catch-all-review", engine.Match(types.EntityTypePerson, types.ConflictTemporal, "relocation").ID)

	// equal priority: literal beats glob, concrete entity type beats wildcard
	require.NoError(t, engine.UpsertRule(ctx, &types.ResolutionRule{
		ID: "a-glob", Name: "Glob", AttributePattern: "nick*",
		Strategy: types.StrategyLatestWins, ConfidenceThreshold: 0.5, Priority: 5, Active: true,
	}))
	require.NoError(t, engine.UpsertRule(ctx, &types.ResolutionRule{
		ID: "b-literal", Name: "Literal", AttributePattern: "nickname",
		Strategy: types.StrategyHighestConfidence, ConfidenceThreshold: 0.5, Priority: 5, Active: true,
	}))
	require.NoError(t, engine.UpsertRule(ctx, &types.ResolutionRule{
		ID: "c-literal-person", Name: "Literal for people", AttributePattern: "nickname", EntityType: "person",
		Strategy: types.StrategyMerge, ConfidenceThreshold: 0.5, Priority: 5, Active: true,
	}))

	assert.Equal(t, "c-literal-person", engine.Match(types.EntityTypePerson, types.ConflictAttribute, "nickname").ID)
	assert.Equal(t, "b-literal", engine.Match(types.EntityTypeConcept, types.ConflictAttribute, "nickname").ID)
	assert.Equal(t, "a-glob", engine.Match(types.EntityTypeConcept, types.ConflictAttribute, "nicknames").ID)
}

func TestRuleEngine_RuleTypeRestricts(t *testing.T) {
	engine, _ := newTestRuleEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.UpsertRule(ctx, &types.ResolutionRule{
		ID: "semantic-only", Name: "Semantic", RuleType: string(types.ConflictSemantic), AttributePattern: "*",
		Strategy: types.StrategyLatestWins, ConfidenceThreshold: 0.5, Priority: 10, Active: true,
	}))
	assert.Equal(t, "semantic-only", engine.Match(types.EntityTypePerson, types.ConflictSemantic, "relationship:works_for").ID)
	assert.Equal(t, "catch-all-review", engine.Match(types.EntityTypePerson, types.ConflictAttribute, "hobby").ID)
}

func TestRuleEngine_UpsertValidation(t *testing.T) {
	engine, _ := newTestRuleEngine(t)
	ctx := context.Background()

	valid := func() *types.ResolutionRule {
		return &types.ResolutionRule{
			ID: "r", Name: "Rule", AttributePattern: "status",
			Strategy: types.StrategyLatestWins, ConfidenceThreshold: 0.5, Priority: 5, Active: true,
		}
	}

	tests := []struct {
		name   string
		mutate func(r *types.ResolutionRule)
	}{
		{"priority too high", func(r *types.ResolutionRule) { r.Priority = 11 }},
		{"priority too low", func(r *types.ResolutionRule) { r.Priority = 0 }},
		{"threshold out of range", func(r *types.ResolutionRule) { r.ConfidenceThreshold = 1.5 }},
		{"unknown strategy", func(r *types.ResolutionRule) { r.Strategy = "coin_flip" }},
		{"bad regex", func(r *types.ResolutionRule) { r.AttributePattern = "(status" }},
		{"empty pattern", func(r *types.ResolutionRule) { r.AttributePattern = " " }},
		{"unknown entity type", func(r *types.ResolutionRule) { r.EntityType = "alien" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid()
			tt.mutate(r)
			assert.ErrorIs(t, engine.UpsertRule(ctx, r), storage.ErrInvalidInput)
		})
	}

	r := valid()
	require.NoError(t, engine.UpsertRule(ctx, r))
	r.Strategy = types.StrategyHighestConfidence
	require.NoError(t, engine.UpsertRule(ctx, r), "upsert by ID updates in place")
	assert.Equal(t, types.StrategyHighestConfidence, engine.Match(types.EntityTypePerson, types.ConflictAttribute, "status").Strategy)
}

func TestCompilePattern(t *testing.T) {
	tests := []struct {
		pattern     string
		matches     []string
		rejects     []string
		specificity int
	}{
		{"*", []string{"anything", ""}, nil, specificityWildcard},
		{"loc*", []string{"location", "loc"}, []string{"relocation"}, specificityGlob},
		{"tag?", []string{"tags"}, []string{"tag", "tagss"}, specificityGlob},
		{"^(name|type)$", []string{"name", "type"}, []string{"names", "nametype"}, specificityExact},
		{"status|location", []string{"status", "location"}, []string{"statuses"}, specificityExact},
		{"title", []string{"title"}, []string{"subtitle"}, specificityExact},
	}
	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			m, err := compilePattern(tt.pattern)
			require.NoError(t, err)
			assert.Equal(t, tt.specificity, m.specificity)
			for _, s := range tt.matches {
				assert.True(t, m.match(s), s)
			}
			for _, s := range tt.rejects {
				assert.False(t, m.match(s), s)
			}
		})
	}
}

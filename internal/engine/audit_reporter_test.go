package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/kinship/internal/storage"
	"github.com/scrypster/kinship/pkg/types"
)

func TestAuditReporter_TrailOutlivesEntity(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	detector, executor := newTestResolver(t, store)
	ada, conflict := seedLocationConflict(t, store, detector)

	results := executor.ResolveConflicts(ctx, []string{conflict.ID}, "")
	require.True(t, results[0].Success)

	require.NoError(t, store.Delete(ctx, ada.ID))

	reporter := NewAuditReporter(store)
	trail, err := reporter.GetResolutionAuditTrail(ctx, ada.ID)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, results[0].AuditID, trail[0].ID)
	assert.Equal(t, "location", trail[0].Attribute)

	_, err = reporter.GetResolutionAuditTrail(ctx, " ")
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	_, err = reporter.GetResolutionAuditTrail(ctx, "ent:never-existed")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	quiet := createEntity(t, store, "Quiet Entity", types.EntityTypeConcept, 0.8)
	trail, err = reporter.GetResolutionAuditTrail(ctx, quiet.ID)
	require.NoError(t, err)
	assert.Empty(t, trail)
}

func TestAuditReporter_ReadsEveryLedgerRow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ada := createEntity(t, store, "Ada Lovelace", types.EntityTypePerson, 0.9)

	const rows = 10005
	base := time.Now().Add(-time.Hour)
	require.NoError(t, store.WithTx(ctx, func(tx storage.GraphStore) error {
		for i := 0; i < rows; i++ {
			confidence := 0.9
			if i%5 == 0 {
				confidence = 0.6
			}
			if err := tx.AppendResolution(ctx, &types.Resolution{
				ConflictID:     fmt.Sprintf("cfl:%d", i),
				EntityID:       ada.ID,
				ConflictType:   types.ConflictAttribute,
				Severity:       types.SeverityLow,
				Attribute:      "location",
				OriginalValues: []types.ConflictValue{},
				ResolvedValue:  "London",
				Strategy:       types.StrategyLatestWins,
				Confidence:     confidence,
				Reasoning:      "most recent value",
				ResolvedBy:     "test",
				CreatedAt:      base.Add(time.Duration(i) * time.Millisecond),
			}); err != nil {
				return err
			}
		}
		return nil
	}))

	trail, err := NewAuditReporter(store).GetResolutionAuditTrail(ctx, ada.ID)
	require.NoError(t, err)
	require.Len(t, trail, rows)
	assert.True(t, trail[0].CreatedAt.After(trail[rows-1].CreatedAt), "newest first")
	seen := make(map[string]bool, rows)
	for _, r := range trail {
		seen[r.ID] = true
	}
	assert.Len(t, seen, rows, "pages must not overlap")

	report, err := NewAuditReporter(store).GenerateResolutionReport(ctx, Period{})
	require.NoError(t, err)
	assert.Equal(t, rows, report.AutoResolved)
	assert.Equal(t, map[types.ResolutionStrategy]int{types.StrategyLatestWins: rows}, report.ByStrategy)
	assert.Equal(t, ConfidenceBands{Medium: 2001, High: 8004}, report.ConfidenceBands)
	assert.InDelta(t, (2001*0.6+8004*0.9)/rows, report.AverageConfidence, 1e-9)
}

func TestAuditReporter_ActiveConflicts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	detector, executor := newTestResolver(t, store)
	_, location := seedLocationConflict(t, store, detector)
	_, typ := seedTypeConflict(t, store, detector)

	results := executor.ResolveConflicts(ctx, []string{typ.ID}, "")
	require.True(t, results[0].Deferred)

	reporter := NewAuditReporter(store)

	all, err := reporter.GetActiveConflicts(ctx, ActiveConflictFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	deferred := true
	onlyDeferred, err := reporter.GetActiveConflicts(ctx, ActiveConflictFilter{Deferred: &deferred})
	require.NoError(t, err)
	require.Len(t, onlyDeferred, 1)
	assert.Equal(t, typ.ID, onlyDeferred[0].ID)

	critical, err := reporter.GetActiveConflicts(ctx, ActiveConflictFilter{Severity: types.SeverityCritical})
	require.NoError(t, err)
	require.Len(t, critical, 1)

	auto := true
	resolvable, err := reporter.GetActiveConflicts(ctx, ActiveConflictFilter{AutoResolvable: &auto})
	require.NoError(t, err)
	require.Len(t, resolvable, 1)
	assert.Equal(t, location.ID, resolvable[0].ID)

	people, err := reporter.GetActiveConflicts(ctx, ActiveConflictFilter{EntityType: types.EntityTypePerson})
	require.NoError(t, err)
	require.Len(t, people, 1)

	_, err = reporter.GetActiveConflicts(ctx, ActiveConflictFilter{Severity: "catastrophic"})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestAuditReporter_GenerateResolutionReport(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	detector, executor := newTestResolver(t, store)

	_, location := seedLocationConflict(t, store, detector)
	_, typ := seedTypeConflict(t, store, detector)

	bob := createEntity(t, store, "Bob Jones", types.EntityTypePerson, 0.8)
	for _, name := range []string{"Acme", "Globex"} {
		employer := createEntity(t, store, name, types.EntityTypeOrganization, 0.8)
		require.NoError(t, store.UpsertRelationship(ctx, &types.Relationship{
			SourceEntityID: bob.ID, TargetEntityID: employer.ID, Type: types.RelWorksFor, Strength: 0.7,
			FirstMentionedAt: date(2023, 1, 1), LastMentionedAt: date(2023, 12, 1),
		}))
	}
	conflicts, err := detector.DetectEntityConflicts(ctx, bob.ID)
	require.NoError(t, err)
	semantic := findConflict(t, conflicts, types.ConflictSemantic)

	results := executor.ResolveConflicts(ctx, []string{location.ID, typ.ID, semantic.ID}, "")
	for _, r := range results {
		require.True(t, r.Success, r.ErrorText)
	}
	_, err = executor.ResolveManually(ctx, typ.ID, "location", "alice", "")
	require.NoError(t, err)

	report, err := NewAuditReporter(store).GenerateResolutionReport(ctx, Period{})
	require.NoError(t, err)

	assert.Equal(t, 3, report.ConflictsDetected)
	assert.Equal(t, map[types.ConflictType]int{
		types.ConflictTemporal:  1,
		types.ConflictAttribute: 1,
		types.ConflictSemantic:  1,
	}, report.ByConflictType)
	assert.Equal(t, 1, report.StillActive)
	assert.Equal(t, 1, report.Deferred)
	assert.Equal(t, 1, report.AutoResolved)
	assert.Equal(t, 1, report.ManuallyResolved)
	assert.Equal(t, map[types.ResolutionStrategy]int{
		types.StrategyLatestWins:     1,
		types.StrategyManualOverride: 1,
	}, report.ByStrategy)
	assert.Equal(t, ConfidenceBands{High: 2}, report.ConfidenceBands)
	assert.InDelta(t, 0.9, report.AverageConfidence, 1e-9)

	future := time.Now().Add(24 * time.Hour)
	empty, err := NewAuditReporter(store).GenerateResolutionReport(ctx, Period{From: future})
	require.NoError(t, err)
	assert.Zero(t, empty.ConflictsDetected)
	assert.Zero(t, empty.AutoResolved)

	_, err = NewAuditReporter(store).GenerateResolutionReport(ctx, Period{From: date(2024, 2, 1), To: date(2024, 1, 1)})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConflictSweeper_Sweep(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	ada, _ := seedLocationConflict(t, store, svc.detector)
	seedTypeConflict(t, store, svc.detector)

	summary, err := svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, &SweepSummary{
		EntitiesScanned:   2,
		ConflictsDetected: 2,
		AutoResolvable:    1,
		Resolved:          1,
	}, summary)

	updated, err := store.GetByID(ctx, ada.ID)
	require.NoError(t, err)
	assert.Equal(t, "Lisbon", updated.Metadata["location"])

	trail, err := svc.GetResolutionAuditTrail(ctx, ada.ID)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, sweepResolver, trail[0].ResolvedBy)

	// the critical conflict stays open for review
	summary, err = svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.ConflictsDetected)
	assert.Zero(t, summary.AutoResolvable)
	assert.Zero(t, summary.Resolved)
}

func TestConflictSweeper_Cancelled(t *testing.T) {
	svc, store := newTestService(t)
	seedLocationConflict(t, store, svc.detector)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Sweep(ctx)
	assert.Error(t, err)
}

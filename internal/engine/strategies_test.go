package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/kinship/pkg/types"
)

func TestDecide_LatestWins(t *testing.T) {
	values := []types.ConflictValue{
		{Value: "Berlin", Confidence: 0.9, Source: "msg-1", Timestamp: date(2024, 1, 1)},
		{Value: "Lisbon", Confidence: 0.6, Source: "msg-2", Timestamp: date(2024, 3, 1)},
	}
	d, err := decide(types.StrategyLatestWins, values)
	require.NoError(t, err)
	assert.Equal(t, "Lisbon", d.value)
	assert.Equal(t, 0.6, d.confidence)
	assert.Equal(t, "msg-2", d.source)
	assert.Equal(t, "latest value wins: 2 conflicting values, newest from msg-2 at 2024-03-01T10:00:00Z", d.reasoning)
}

func TestDecide_LatestWinsTieGoesToConfidence(t *testing.T) {
	values := []types.ConflictValue{
		{Value: "a", Confidence: 0.5, Source: "msg-1", Timestamp: date(2024, 1, 1)},
		{Value: "b", Confidence: 0.7, Source: "msg-2", Timestamp: date(2024, 1, 1)},
	}
	d, err := decide(types.StrategyLatestWins, values)
	require.NoError(t, err)
	assert.Equal(t, "b", d.value)
}

func TestDecide_HighestConfidence(t *testing.T) {
	values := []types.ConflictValue{
		{Value: "person", Confidence: 0.95, Source: "entity:1", Timestamp: date(2024, 1, 1)},
		{Value: "organization", Confidence: 0.7, Source: "msg-9", Timestamp: date(2024, 5, 1)},
	}
	d, err := decide(types.StrategyHighestConfidence, values)
	require.NoError(t, err)
	assert.Equal(t, "person", d.value)
	assert.Equal(t, 0.95, d.confidence)
	assert.Equal(t, "highest confidence wins: 2 conflicting values, entity:1 has confidence 0.95", d.reasoning)
}

func TestDecide_MergeLists(t *testing.T) {
	values := []types.ConflictValue{
		{Value: []interface{}{"a", "b"}, Confidence: 0.6},
		{Value: []string{"B", "c"}, Confidence: 0.8},
	}
	d, err := decide(types.StrategyMerge, values)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"a", "b", "c"}, d.value)
	assert.Equal(t, 0.8, d.confidence)
	assert.Equal(t, "merged 2 conflicting values into 3 items", d.reasoning)
}

func TestDecide_MergeMaps(t *testing.T) {
	values := []types.ConflictValue{
		{Value: map[string]interface{}{"team": "infra", "floor": 3.0}, Confidence: 0.9},
		{Value: map[string]interface{}{"team": "platform", "desk": "12A"}, Confidence: 0.5},
	}
	d, err := decide(types.StrategyMerge, values)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"team": "infra", "floor": 3.0, "desk": "12A"}, d.value)
}

func TestDecide_MergeScalarFallsBack(t *testing.T) {
	values := []types.ConflictValue{
		{Value: "blue", Confidence: 0.4, Source: "msg-1"},
		{Value: "green", Confidence: 0.8, Source: "msg-2"},
	}
	d, err := decide(types.StrategyMerge, values)
	require.NoError(t, err)
	assert.Equal(t, "green", d.value)
	assert.Contains(t, d.reasoning, "scalar values cannot be merged")
}

func TestDecide_Failures(t *testing.T) {
	values := []types.ConflictValue{{Value: "x", Confidence: 1}}

	_, err := decide(types.StrategyUserReview, values)
	assert.ErrorIs(t, err, ErrResolutionFailure)

	_, err = decide(types.StrategyManualOverride, values)
	assert.ErrorIs(t, err, ErrResolutionFailure)

	_, err = decide(types.StrategyLatestWins, nil)
	assert.ErrorIs(t, err, ErrResolutionFailure)

	_, err = decide("coin_flip", values)
	assert.ErrorIs(t, err, ErrResolutionFailure)
}

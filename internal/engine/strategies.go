package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/scrypster/kinship/pkg/types"
)

// decision is the value a strategy settled on.
type decision struct {
	strategy   types.ResolutionStrategy
	value      interface{}
	confidence float64
	source     string
	reasoning  string
}

// decide applies a value-producing strategy to the conflicting values.
// user_review and manual_override produce no value and are rejected here.
func decide(strategy types.ResolutionStrategy, values []types.ConflictValue) (*decision, error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: conflict has no values", ErrResolutionFailure)
	}

	switch strategy {
	case types.StrategyLatestWins:
		w := latestValue(values)
		return &decision{
			strategy:   strategy,
			value:      w.Value,
			confidence: w.Confidence,
			source:     w.Source,
			reasoning: fmt.Sprintf("latest value wins: %d conflicting values, newest from %s at %s",
				len(values), w.Source, w.Timestamp.UTC().Format(time.RFC3339)),
		}, nil

	case types.StrategyHighestConfidence:
		w := mostConfidentValue(values)
		return &decision{
			strategy:   strategy,
			value:      w.Value,
			confidence: w.Confidence,
			source:     w.Source,
			reasoning: fmt.Sprintf("highest confidence wins: %d conflicting values, %s has confidence %.2f",
				len(values), w.Source, w.Confidence),
		}, nil

	case types.StrategyMerge:
		if merged, n, ok := mergeValues(values); ok {
			return &decision{
				strategy:   strategy,
				value:      merged,
				confidence: maxConfidence(values),
				reasoning:  fmt.Sprintf("merged %d conflicting values into %d items", len(values), n),
			}, nil
		}
		w := mostConfidentValue(values)
		return &decision{
			strategy:   strategy,
			value:      w.Value,
			confidence: w.Confidence,
			source:     w.Source,
			reasoning: fmt.Sprintf("scalar values cannot be merged, highest confidence wins: %d conflicting values, %s has confidence %.2f",
				len(values), w.Source, w.Confidence),
		}, nil

	case types.StrategyUserReview, types.StrategyManualOverride:
		return nil, fmt.Errorf("%w: strategy %s does not derive a value", ErrResolutionFailure, strategy)
	}
	return nil, fmt.Errorf("%w: unknown strategy %q", ErrResolutionFailure, strategy)
}

// latestValue picks the newest value; ties go to higher confidence, then input order.
func latestValue(values []types.ConflictValue) types.ConflictValue {
	best := values[0]
	for _, v := range values[1:] {
		if v.Timestamp.After(best.Timestamp) ||
			(v.Timestamp.Equal(best.Timestamp) && v.Confidence > best.Confidence) {
			best = v
		}
	}
	return best
}

// mostConfidentValue picks the highest confidence; ties go to the newer value, then input order.
func mostConfidentValue(values []types.ConflictValue) types.ConflictValue {
	best := values[0]
	for _, v := range values[1:] {
		if v.Confidence > best.Confidence ||
			(v.Confidence == best.Confidence && v.Timestamp.After(best.Timestamp)) {
			best = v
		}
	}
	return best
}

func maxConfidence(values []types.ConflictValue) float64 {
	best := 0.0
	for _, v := range values {
		best = max(best, v.Confidence)
	}
	return best
}

// mergeValues unions list values (first-seen order) or merges map values
// (higher confidence wins per key). ok is false for scalar or mixed values.
func mergeValues(values []types.ConflictValue) (merged interface{}, n int, ok bool) {
	allLists, allMaps := true, true
	for _, v := range values {
		switch v.Value.(type) {
		case []interface{}, []string:
			allMaps = false
		case map[string]interface{}:
			allLists = false
		default:
			return nil, 0, false
		}
	}

	switch {
	case allLists:
		var out []interface{}
		seen := map[string]bool{}
		for _, v := range values {
			for _, item := range listItems(v.Value) {
				key := valueKey(item)
				if seen[key] {
					continue
				}
				seen[key] = true
				out = append(out, item)
			}
		}
		return out, len(out), true

	case allMaps:
		ordered := append([]types.ConflictValue(nil), values...)
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].Confidence < ordered[j].Confidence
		})
		out := map[string]interface{}{}
		for _, v := range ordered {
			for k, item := range v.Value.(map[string]interface{}) {
				out[k] = item
			}
		}
		return out, len(out), true
	}
	return nil, 0, false
}

func listItems(v interface{}) []interface{} {
	switch list := v.(type) {
	case []interface{}:
		return list
	case []string:
		out := make([]interface{}, len(list))
		for i, s := range list {
			out[i] = s
		}
		return out
	}
	return nil
}

// valueKey folds a value into a comparison key: strings case-insensitively,
// everything else by its JSON encoding.
func valueKey(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.ToLower(strings.TrimSpace(val))
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

// valueString renders a scalar value for name-like write-backs.
func valueString(v interface{}) (string, bool) {
	s, ok := v.(string)
	s = strings.TrimSpace(s)
	return s, ok && s != ""
}

// valueFloat reads a numeric value decoded from JSON or set in memory.
func valueFloat(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	}
	return 0, false
}

package engine

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/scrypster/kinship/internal/storage"
	"github.com/scrypster/kinship/internal/storage/sqlstore"
	"github.com/scrypster/kinship/pkg/types"
)

// Pattern specificity, higher wins on equal priority.
const (
	specificityWildcard = 0
	specificityGlob     = 1
	specificityExact    = 2
)

// DefaultRules are seeded when the rules table is empty.
func DefaultRules() []*types.ResolutionRule {
	return []*types.ResolutionRule{
		{
			ID:                  "dynamic-latest",
			Name:                "Dynamic attributes: latest value wins",
			RuleType:            types.Wildcard,
			AttributePattern:    "^(location|status|role|title|position|employer)$",
			EntityType:          types.Wildcard,
			Strategy:            types.StrategyLatestWins,
			ConfidenceThreshold: 0.6,
			Priority:            9,
			Active:              true,
		},
		{
			ID:                  "identity-confidence",
			Name:                "Identity attributes: highest confidence wins",
			RuleType:            types.Wildcard,
			AttributePattern:    "^(name|type|canonical_form)$",
			EntityType:          types.Wildcard,
			Strategy:            types.StrategyHighestConfidence,
			ConfidenceThreshold: 0.8,
			Priority:            8,
			Active:              true,
		},
		{
			ID:                  "list-merge",
			Name:                "List attributes: merge",
			RuleType:            types.Wildcard,
			AttributePattern:    "^(tags|aliases|properties)$",
			EntityType:          types.Wildcard,
			Strategy:            types.StrategyMerge,
			ConfidenceThreshold: 0.5,
			Priority:            7,
			Active:              true,
		},
		{
			ID:                  "catch-all-review",
			Name:                "Everything else: user review",
			RuleType:            types.Wildcard,
			AttributePattern:    types.Wildcard,
			EntityType:          types.Wildcard,
			Strategy:            types.StrategyUserReview,
			ConfidenceThreshold: 0.3,
			Priority:            1,
			Active:              true,
		},
	}
}

// attributeMatcher is a compiled attribute pattern.
type attributeMatcher struct {
	re          *regexp.Regexp // nil matches everything
	specificity int
}

func (m *attributeMatcher) match(attribute string) bool {
	return m.re == nil || m.re.MatchString(attribute)
}

type compiledRule struct {
	rule    *types.ResolutionRule
	matcher *attributeMatcher
}

// RuleEngine picks the resolution rule for a conflict. Rules are read from
// the store by Load and kept in memory, ordered by precedence.
type RuleEngine struct {
	store    storage.RuleStore
	patterns *gocache.Cache
	logger   *zap.Logger

	mu    sync.RWMutex
	rules []compiledRule
}

// NewRuleEngine creates a rule engine. Call Load before matching.
func NewRuleEngine(store storage.RuleStore, logger *zap.Logger) *RuleEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RuleEngine{
		store:    store,
		patterns: gocache.New(gocache.NoExpiration, 10*time.Minute),
		logger:   logger,
	}
}

// Load reads the active rules, seeding DefaultRules when no rule exists.
func (r *RuleEngine) Load(ctx context.Context) error {
	all, err := r.store.ListRules(ctx, false)
	if err != nil {
		return fmt.Errorf("failed to list rules: %w", err)
	}
	if len(all) == 0 {
		for _, rule := range DefaultRules() {
			if err := r.store.UpsertRule(ctx, rule); err != nil {
				return fmt.Errorf("failed to seed rule %s: %w", rule.ID, err)
			}
		}
		r.logger.Info("seeded default resolution rules", zap.Int("count", len(DefaultRules())))
	}
	return r.reload(ctx)
}

func (r *RuleEngine) reload(ctx context.Context) error {
	active, err := r.store.ListRules(ctx, true)
	if err != nil {
		return fmt.Errorf("failed to list active rules: %w", err)
	}

	compiled := make([]compiledRule, 0, len(active))
	for _, rule := range active {
		m, err := r.compile(rule.AttributePattern)
		if err != nil {
			r.logger.Warn("skipping rule with invalid pattern",
				zap.String("rule_id", rule.ID), zap.String("pattern", rule.AttributePattern), zap.Error(err))
			continue
		}
		compiled = append(compiled, compiledRule{rule: rule, matcher: m})
	}
	sortRules(compiled)

	r.mu.Lock()
	r.rules = compiled
	r.mu.Unlock()
	return nil
}

// sortRules orders by priority, pattern specificity, a concrete entity type,
// then ID.
func sortRules(rules []compiledRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		a, b := rules[i], rules[j]
		if a.rule.Priority != b.rule.Priority {
			return a.rule.Priority > b.rule.Priority
		}
		if a.matcher.specificity != b.matcher.specificity {
			return a.matcher.specificity > b.matcher.specificity
		}
		aTyped, bTyped := a.rule.EntityType != types.Wildcard, b.rule.EntityType != types.Wildcard
		if aTyped != bTyped {
			return aTyped
		}
		return a.rule.ID < b.rule.ID
	})
}

// Match returns the highest-precedence active rule for the conflict, or nil.
func (r *RuleEngine) Match(entityType types.EntityType, conflictType types.ConflictType, attribute string) *types.ResolutionRule {
	base := baseAttribute(attribute)

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.rules {
		if c.rule.RuleType != types.Wildcard && c.rule.RuleType != string(conflictType) {
			continue
		}
		if c.rule.EntityType != types.Wildcard && c.rule.EntityType != string(entityType) {
			continue
		}
		if c.matcher.match(base) {
			return c.rule
		}
	}
	return nil
}

// Rules returns the active rules in precedence order.
func (r *RuleEngine) Rules() []*types.ResolutionRule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.ResolutionRule, len(r.rules))
	for i, c := range r.rules {
		out[i] = c.rule
	}
	return out
}

// UpsertRule validates and stores a rule, then reloads the engine.
func (r *RuleEngine) UpsertRule(ctx context.Context, rule *types.ResolutionRule) error {
	if err := sqlstore.ValidateRule(rule); err != nil {
		return err
	}
	if _, err := r.compile(rule.AttributePattern); err != nil {
		return fmt.Errorf("%w: attribute pattern %q: %v", storage.ErrInvalidInput, rule.AttributePattern, err)
	}
	if err := r.store.UpsertRule(ctx, rule); err != nil {
		return err
	}
	r.logger.Info("upserted resolution rule",
		zap.String("rule_id", rule.ID),
		zap.String("strategy", string(rule.Strategy)),
		zap.Int("priority", rule.Priority),
	)
	return r.reload(ctx)
}

// compile turns an attribute pattern into a matcher, caching by pattern.
func (r *RuleEngine) compile(pattern string) (*attributeMatcher, error) {
	if cached, ok := r.patterns.Get(pattern); ok {
		return cached.(*attributeMatcher), nil
	}
	m, err := compilePattern(pattern)
	if err != nil {
		return nil, err
	}
	r.patterns.Set(pattern, m, gocache.NoExpiration)
	return m, nil
}

// compilePattern accepts "*" (everything), a glob using * and ?, a regular
// expression, or a literal attribute name. Regular expressions are anchored.
func compilePattern(pattern string) (*attributeMatcher, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return nil, fmt.Errorf("empty pattern")
	}
	if pattern == types.Wildcard {
		return &attributeMatcher{specificity: specificityWildcard}, nil
	}

	if strings.ContainsAny(pattern, `^$|()[]{}+\.`) {
		re, err := regexp.Compile(`^(?:` + strings.TrimSuffix(strings.TrimPrefix(pattern, "^"), "$") + `)$`)
		if err != nil {
			return nil, err
		}
		return &attributeMatcher{re: re, specificity: specificityExact}, nil
	}

	if strings.ContainsAny(pattern, "*?") {
		var b strings.Builder
		b.WriteString("^")
		for _, ch := range pattern {
			switch ch {
			case '*':
				b.WriteString(".*")
			case '?':
				b.WriteString(".")
			default:
				b.WriteString(regexp.QuoteMeta(string(ch)))
			}
		}
		b.WriteString("$")
		re, err := regexp.Compile(b.String())
		if err != nil {
			return nil, err
		}
		return &attributeMatcher{re: re, specificity: specificityGlob}, nil
	}

	re := regexp.MustCompile("^" + regexp.QuoteMeta(pattern) + "$")
	return &attributeMatcher{re: re, specificity: specificityExact}, nil
}

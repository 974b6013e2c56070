package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/scrypster/kinship/internal/storage"
	"github.com/scrypster/kinship/pkg/types"
)

// recentMentionBoost is added to similarity candidates that were mentioned
// recently in the same conversation.
const recentMentionBoost = 0.05

// EntityLinker maps a surface mention to an existing entity or reports that a
// new entity should be created. It only reads from the store.
type EntityLinker struct {
	store  storage.GraphStore
	cfg    Config
	logger *zap.Logger
}

// NewEntityLinker creates a new entity linker.
func NewEntityLinker(store storage.GraphStore, cfg Config, logger *zap.Logger) *EntityLinker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EntityLinker{
		store:  store,
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

// on returns a linker reading through store, typically a transaction.
func (l *EntityLinker) on(store storage.GraphStore) *EntityLinker {
	cp := *l
	cp.store = store
	return &cp
}

// LinkEntity resolves text of the given type. Lookup order is exact
// normalized name, exact alias, then a bounded fuzzy scan of entities of the
// same type. Alias suggestions are only produced when a link is accepted.
func (l *EntityLinker) LinkEntity(ctx context.Context, text string, entityType types.EntityType, lc *LinkContext) (*LinkResult, error) {
	text = strings.TrimSpace(text)
	if text == "" || types.NormalizeName(text) == "" {
		return nil, fmt.Errorf("%w: mention text is empty", storage.ErrInvalidInput)
	}
	if !entityType.IsValid() {
		return nil, fmt.Errorf("%w: unknown entity type %q", storage.ErrInvalidInput, entityType)
	}

	result, err := l.link(ctx, text, entityType, lc)
	if err != nil {
		return nil, err
	}

	if result.LinkedEntity != nil {
		result.SuggestedAliases = SuggestAliases(text, result.LinkedEntity)
	}

	fields := []zap.Field{
		zap.String("text", text),
		zap.String("type", string(entityType)),
		zap.String("match_type", string(result.MatchType)),
		zap.Int("candidates", len(result.Candidates)),
	}
	if lc != nil && lc.ConversationID != "" {
		fields = append(fields, zap.String("conversation_id", lc.ConversationID))
	}
	if result.LinkedEntity != nil {
		fields = append(fields, zap.String("entity_id", result.LinkedEntity.ID))
	}
	l.logger.Debug("linked entity mention", fields...)

	return result, nil
}

func (l *EntityLinker) link(ctx context.Context, text string, entityType types.EntityType, lc *LinkContext) (*LinkResult, error) {
	exact, err := l.store.FindByNormalizedName(ctx, text, entityType)
	if err != nil {
		return nil, fmt.Errorf("failed to look up normalized name: %w", err)
	}
	if len(exact) > 0 {
		return &LinkResult{
			LinkedEntity: exact[0],
			MatchType:    MatchExact,
			Candidates: []Candidate{{
				Entity:      exact[0],
				Similarity:  1.0,
				MatchKind:   MatchKindExact,
				Explanation: "exact normalized name",
			}},
		}, nil
	}

	aliases, err := l.store.FindAliases(ctx, text, entityType)
	if err != nil {
		return nil, fmt.Errorf("failed to look up aliases: %w", err)
	}
	if len(aliases) > 0 {
		hit := aliases[0]
		return &LinkResult{
			LinkedEntity: hit.Entity,
			MatchType:    MatchAlias,
			Candidates: []Candidate{{
				Entity:      hit.Entity,
				Similarity:  1.0,
				MatchKind:   MatchKindAlias,
				Explanation: fmt.Sprintf("known %s alias %q", hit.Alias.Kind, hit.Alias.Alias),
			}},
		}, nil
	}

	candidates, err := l.fuzzyCandidates(ctx, text, entityType, lc)
	if err != nil {
		return nil, err
	}
	result := &LinkResult{MatchType: MatchNone, Candidates: candidates, ShouldCreateNew: true}
	if len(candidates) > 0 && candidates[0].Similarity >= l.cfg.FuzzyThreshold {
		result.LinkedEntity = candidates[0].Entity
		result.MatchType = MatchFuzzy
		result.ShouldCreateNew = false
	}
	return result, nil
}

// fuzzyCandidates scores up to MaxCandidateScan entities of the type, most
// mentioned first, and keeps the best MaxCandidates.
func (l *EntityLinker) fuzzyCandidates(ctx context.Context, text string, entityType types.EntityType, lc *LinkContext) ([]Candidate, error) {
	entities, err := l.store.Search(ctx, storage.EntityFilter{
		Type:   entityType,
		SortBy: "mention_count",
		Limit:  l.cfg.MaxCandidateScan,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan candidates: %w", err)
	}

	recent := map[string]bool{}
	if lc != nil {
		for _, id := range lc.RecentEntityIDs {
			recent[id] = true
		}
	}

	var candidates []Candidate
	for _, e := range entities {
		score, kind, explanation, ok := scoreCandidate(text, e)
		if !ok {
			continue
		}
		if kind == MatchKindSimilarity && recent[e.ID] {
			score = min(1.0, score+recentMentionBoost)
			explanation += ", recently mentioned"
		}
		candidates = append(candidates, Candidate{
			Entity:      e,
			Similarity:  score,
			MatchKind:   kind,
			Explanation: explanation,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Similarity > candidates[j].Similarity
	})
	if len(candidates) > l.cfg.MaxCandidates {
		candidates = candidates[:l.cfg.MaxCandidates]
	}
	return candidates, nil
}

package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/scrypster/kinship/internal/storage"
	"github.com/scrypster/kinship/pkg/types"
)

// confidenceSample is how many recent mentions feed the entity confidence.
const confidenceSample = 50

// GraphService is the public surface of the entity graph. It wires the
// linker, merger, detector, rule engine, executor and reporter to one store.
type GraphService struct {
	store    storage.Store
	cfg      Config
	logger   *zap.Logger
	linker   *EntityLinker
	merger   *EntityMerger
	rules    *RuleEngine
	detector *ConflictDetector
	executor *ResolutionExecutor
	reporter *AuditReporter
	scorer   *ConfidenceScorer
	sweeper  *ConflictSweeper
}

// NewGraphService builds the engine components and loads the resolution
// rules, seeding the defaults into an empty rules table.
func NewGraphService(ctx context.Context, store storage.Store, cfg Config, logger *zap.Logger) (*GraphService, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", storage.ErrInvalidInput)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	rules := NewRuleEngine(store, logger.Named("rules"))
	if err := rules.Load(ctx); err != nil {
		return nil, fmt.Errorf("failed to load resolution rules: %w", err)
	}

	detector := NewConflictDetector(store, rules, cfg, logger.Named("detector"))
	executor := NewResolutionExecutor(store, rules, cfg, logger.Named("executor"))

	return &GraphService{
		store:    store,
		cfg:      cfg,
		logger:   logger,
		linker:   NewEntityLinker(store, cfg, logger.Named("linker")),
		merger:   NewEntityMerger(store, logger.Named("merger")),
		rules:    rules,
		detector: detector,
		executor: executor,
		reporter: NewAuditReporter(store),
		scorer:   NewConfidenceScorer(),
		sweeper:  NewConflictSweeper(store, detector, executor, cfg, logger.Named("sweeper")),
	}, nil
}

// LinkEntity resolves a mention text to an entity of the given type.
func (g *GraphService) LinkEntity(ctx context.Context, text string, entityType types.EntityType, lc *LinkContext) (*LinkResult, error) {
	return g.linker.LinkEntity(ctx, text, entityType, lc)
}

// CreateAlias stores one alias. It reports false when the alias already existed.
func (g *GraphService) CreateAlias(ctx context.Context, alias *types.Alias) (bool, error) {
	return g.store.CreateAlias(ctx, alias)
}

// CreateAliases stores aliases in one transaction and returns how many were new.
func (g *GraphService) CreateAliases(ctx context.Context, aliases []*types.Alias) (int, error) {
	created := 0
	err := g.store.WithTx(ctx, func(tx storage.GraphStore) error {
		created = 0
		for _, a := range aliases {
			ok, err := tx.CreateAlias(ctx, a)
			if err != nil {
				return err
			}
			if ok {
				created++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return created, nil
}

// MergeEntities folds source into target.
func (g *GraphService) MergeEntities(ctx context.Context, sourceID, targetID string) (*MergeResult, error) {
	return g.merger.MergeEntities(ctx, sourceID, targetID)
}

// DetectEntityConflicts analyzes one entity and persists its conflicts.
func (g *GraphService) DetectEntityConflicts(ctx context.Context, entityID string) ([]*types.Conflict, error) {
	return g.detector.DetectEntityConflicts(ctx, entityID)
}

// ResolveConflicts resolves conflicts independently; see ResolutionExecutor.
func (g *GraphService) ResolveConflicts(ctx context.Context, ids []string, resolvedBy string) []BatchResult {
	return g.executor.ResolveConflicts(ctx, ids, resolvedBy)
}

// ResolveManually resolves a conflict with an operator-supplied value.
func (g *GraphService) ResolveManually(ctx context.Context, conflictID string, value interface{}, resolvedBy, note string) (*types.Resolution, error) {
	return g.executor.ResolveManually(ctx, conflictID, value, resolvedBy, note)
}

// UpsertResolutionRule validates and stores a rule, then reloads the rule set.
func (g *GraphService) UpsertResolutionRule(ctx context.Context, rule *types.ResolutionRule) error {
	return g.rules.UpsertRule(ctx, rule)
}

// ListRules lists stored rules, optionally only the active ones.
func (g *GraphService) ListRules(ctx context.Context, activeOnly bool) ([]*types.ResolutionRule, error) {
	return g.store.ListRules(ctx, activeOnly)
}

// GetActiveConflicts lists unresolved conflicts.
func (g *GraphService) GetActiveConflicts(ctx context.Context, filter ActiveConflictFilter) ([]*types.Conflict, error) {
	return g.reporter.GetActiveConflicts(ctx, filter)
}

// GetResolutionAuditTrail lists the resolutions of an entity, newest first.
func (g *GraphService) GetResolutionAuditTrail(ctx context.Context, entityID string) ([]*types.Resolution, error) {
	return g.reporter.GetResolutionAuditTrail(ctx, entityID)
}

// GenerateResolutionReport aggregates activity over a period.
func (g *GraphService) GenerateResolutionReport(ctx context.Context, period Period) (*ResolutionReport, error) {
	return g.reporter.GenerateResolutionReport(ctx, period)
}

// Sweep runs one pass of the conflict sweeper.
func (g *GraphService) Sweep(ctx context.Context) (*SweepSummary, error) {
	return g.sweeper.Sweep(ctx)
}

// MentionInput is one extracted mention handed to IngestMention.
type MentionInput struct {
	Text             string                 `json:"text"`
	Type             types.EntityType       `json:"type"`
	ConversationID   string                 `json:"conversation_id"`
	MessageID        string                 `json:"message_id"`
	StartPosition    int                    `json:"start_position"`
	EndPosition      int                    `json:"end_position"`
	Confidence       float64                `json:"confidence"`
	ExtractionMethod types.ExtractionMethod `json:"extraction_method,omitempty"`
	Attributes       map[string]interface{} `json:"attributes,omitempty"`
	ValidFrom        *time.Time             `json:"valid_from,omitempty"`
	ValidTo          *time.Time             `json:"valid_to,omitempty"`
	Context          *LinkContext           `json:"-"`
}

// IngestResult reports what IngestMention did.
type IngestResult struct {
	Entity       *types.Entity  `json:"entity"`
	Mention      *types.Mention `json:"mention"`
	MatchType    MatchType      `json:"match_type"`
	Created      bool           `json:"created"`
	AliasesAdded int            `json:"aliases_added"`
}

// IngestMention links an extracted mention, creating the entity when no
// existing one matches, and stores the mention. Linking and every write
// happen in one transaction so concurrent ingests of the same name cannot
// create duplicates.
func (g *GraphService) IngestMention(ctx context.Context, in MentionInput) (*IngestResult, error) {
	if !types.IsValidScore(in.Confidence) {
		return nil, fmt.Errorf("%w: mention confidence %v out of range", storage.ErrInvalidInput, in.Confidence)
	}

	result := &IngestResult{}
	err := g.store.WithTx(ctx, func(tx storage.GraphStore) error {
		link, err := g.linker.on(tx).LinkEntity(ctx, in.Text, in.Type, in.Context)
		if err != nil {
			return err
		}
		result.MatchType = link.MatchType

		entity := link.LinkedEntity
		if link.ShouldCreateNew {
			entity = &types.Entity{
				Name:       strings.TrimSpace(in.Text),
				Type:       in.Type,
				Confidence: in.Confidence,
			}
			if err := tx.Create(ctx, entity); err != nil {
				return fmt.Errorf("failed to create entity: %w", err)
			}
			result.Created = true
		}

		mention := &types.Mention{
			EntityID:         entity.ID,
			ConversationID:   in.ConversationID,
			MessageID:        in.MessageID,
			MentionText:      in.Text,
			StartPosition:    in.StartPosition,
			EndPosition:      in.EndPosition,
			Confidence:       in.Confidence,
			ExtractionMethod: in.ExtractionMethod,
			Attributes:       in.Attributes,
			ValidFrom:        in.ValidFrom,
			ValidTo:          in.ValidTo,
		}
		if err := tx.CreateMention(ctx, mention); err != nil {
			return fmt.Errorf("failed to store mention: %w", err)
		}

		entity.MentionCount++
		seen := mention.CreatedAt
		entity.LastMentionedAt = &seen
		if err := g.scorer.UpdateEntityConfidence(ctx, tx, entity, confidenceSample); err != nil {
			return err
		}

		for _, s := range link.SuggestedAliases {
			created, err := tx.CreateAlias(ctx, &types.Alias{
				EntityID:   entity.ID,
				Alias:      s.Alias,
				Kind:       s.Kind,
				Confidence: s.Confidence,
			})
			if err != nil {
				return fmt.Errorf("failed to store suggested alias %q: %w", s.Alias, err)
			}
			if created {
				result.AliasesAdded++
			}
		}

		result.Entity = entity
		result.Mention = mention
		return nil
	})
	if err != nil {
		return nil, err
	}

	g.logger.Debug("ingested mention",
		zap.String("entity_id", result.Entity.ID),
		zap.String("match_type", string(result.MatchType)),
		zap.Bool("created", result.Created),
	)
	return result, nil
}

// RecordRelationship upserts an edge by (source, target, type).
func (g *GraphService) RecordRelationship(ctx context.Context, rel *types.Relationship) error {
	return g.store.WithTx(ctx, func(tx storage.GraphStore) error {
		return tx.UpsertRelationship(ctx, rel)
	})
}

// RecordEvolution appends an observed attribute change.
func (g *GraphService) RecordEvolution(ctx context.Context, rec *types.EvolutionRecord) error {
	if rec != nil && rec.ChangeType == "" {
		rec.ChangeType = types.ChangeObserved
	}
	return g.store.AppendEvolution(ctx, rec)
}

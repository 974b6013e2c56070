package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/scrypster/kinship/internal/storage"
)

// sweepResolver is recorded as resolved_by for sweep resolutions.
const sweepResolver = "sweeper"

// ConflictSweeper periodically re-examines the busiest entities and resolves
// whatever the rules allow without a human.
type ConflictSweeper struct {
	store    storage.GraphStore
	detector *ConflictDetector
	executor *ResolutionExecutor
	limiter  *rate.Limiter
	cfg      Config
	logger   *zap.Logger
}

// NewConflictSweeper creates a new conflict sweeper.
func NewConflictSweeper(store storage.GraphStore, detector *ConflictDetector, executor *ResolutionExecutor, cfg Config, logger *zap.Logger) *ConflictSweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &ConflictSweeper{
		store:    store,
		detector: detector,
		executor: executor,
		limiter:  rate.NewLimiter(rate.Limit(cfg.SweepRatePerSecond), cfg.SweepBurst),
		cfg:      cfg,
		logger:   logger,
	}
}

// Sweep detects conflicts on the most-mentioned entities and auto-resolves
// the auto-resolvable ones. Detection failures on single entities are
// counted, not returned; only cancellation aborts the sweep.
func (s *ConflictSweeper) Sweep(ctx context.Context) (*SweepSummary, error) {
	entities, err := s.store.GetMostMentioned(ctx, s.cfg.SweepLimit, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}

	summary := &SweepSummary{EntitiesScanned: len(entities)}
	var (
		mu          sync.Mutex
		resolvable  []string
		alreadySeen = map[string]bool{}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.BatchConcurrency)
	for _, e := range entities {
		g.Go(func() error {
			if err := s.limiter.Wait(gctx); err != nil {
				return err
			}
			conflicts, err := s.detector.DetectEntityConflicts(gctx, e.ID)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, storage.ErrNotFound):
				// merged away since the listing
				return nil
			case err != nil:
				if gctx.Err() != nil {
					return gctx.Err()
				}
				summary.DetectionErrors++
				s.logger.Warn("conflict detection failed", zap.String("entity_id", e.ID), zap.Error(err))
				return nil
			}
			summary.ConflictsDetected += len(conflicts)
			for _, c := range conflicts {
				if c.AutoResolvable && !alreadySeen[c.ID] {
					alreadySeen[c.ID] = true
					resolvable = append(resolvable, c.ID)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return summary, fmt.Errorf("sweep interrupted: %w", err)
	}

	summary.AutoResolvable = len(resolvable)
	for _, r := range s.executor.ResolveConflicts(ctx, resolvable, sweepResolver) {
		switch {
		case !r.Success:
			summary.Failed++
		case r.Deferred:
			summary.Deferred++
		default:
			summary.Resolved++
		}
	}

	s.logger.Info("conflict sweep finished",
		zap.Int("entities", summary.EntitiesScanned),
		zap.Int("detected", summary.ConflictsDetected),
		zap.Int("resolved", summary.Resolved),
		zap.Int("deferred", summary.Deferred),
		zap.Int("failed", summary.Failed),
	)
	return summary, nil
}

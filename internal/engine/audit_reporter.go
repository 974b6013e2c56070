package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/scrypster/kinship/internal/storage"
	"github.com/scrypster/kinship/pkg/types"
)

// auditPageSize is how many ledger rows are read per query.
const auditPageSize = 1000

// AuditReporter answers read-only questions about conflicts and resolutions.
type AuditReporter struct {
	store storage.GraphStore
}

// NewAuditReporter creates a new audit reporter.
func NewAuditReporter(store storage.GraphStore) *AuditReporter {
	return &AuditReporter{store: store}
}

// GetResolutionAuditTrail returns every resolution recorded for an entity,
// newest first. The ledger outlives the entity, so merged or deleted
// entities still have a trail; an ID that never had either is ErrNotFound.
func (a *AuditReporter) GetResolutionAuditTrail(ctx context.Context, entityID string) ([]*types.Resolution, error) {
	if strings.TrimSpace(entityID) == "" {
		return nil, fmt.Errorf("%w: entity ID is required", storage.ErrInvalidInput)
	}

	trail := []*types.Resolution{}
	for offset := 0; ; offset += auditPageSize {
		page, err := a.store.ListResolutions(ctx, storage.ResolutionFilter{
			EntityID: entityID,
			Limit:    auditPageSize,
			Offset:   offset,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list resolutions: %w", err)
		}
		trail = append(trail, page...)
		if len(page) < auditPageSize {
			break
		}
	}

	if len(trail) == 0 {
		if _, err := a.store.GetByID(ctx, entityID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, fmt.Errorf("entity %s: %w", entityID, storage.ErrNotFound)
			}
			return nil, fmt.Errorf("failed to get entity: %w", err)
		}
	}
	return trail, nil
}

// GetActiveConflicts lists unresolved conflicts, deferred ones included.
func (a *AuditReporter) GetActiveConflicts(ctx context.Context, filter ActiveConflictFilter) ([]*types.Conflict, error) {
	if filter.Severity != "" && !filter.Severity.IsValid() {
		return nil, fmt.Errorf("%w: unknown severity %q", storage.ErrInvalidInput, filter.Severity)
	}
	if filter.EntityType != "" && !filter.EntityType.IsValid() {
		return nil, fmt.Errorf("%w: unknown entity type %q", storage.ErrInvalidInput, filter.EntityType)
	}
	conflicts, err := a.store.ListConflicts(ctx, storage.ConflictFilter{
		EntityType:     filter.EntityType,
		Severity:       filter.Severity,
		AutoResolvable: filter.AutoResolvable,
		Deferred:       filter.Deferred,
		ActiveOnly:     true,
		Limit:          filter.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	return conflicts, nil
}

// GenerateResolutionReport aggregates conflicts detected and resolutions
// recorded within the period.
func (a *AuditReporter) GenerateResolutionReport(ctx context.Context, period Period) (*ResolutionReport, error) {
	if !period.From.IsZero() && !period.To.IsZero() && period.To.Before(period.From) {
		return nil, fmt.Errorf("%w: report period ends before it starts", storage.ErrInvalidInput)
	}

	window := storage.TimeWindow{From: period.From, To: period.To}
	conflicts, err := a.store.ConflictStats(ctx, window)
	if err != nil {
		return nil, fmt.Errorf("failed to count conflicts: %w", err)
	}
	resolutions, err := a.store.ResolutionStats(ctx, window)
	if err != nil {
		return nil, fmt.Errorf("failed to count resolutions: %w", err)
	}

	report := &ResolutionReport{
		Period:            period,
		ConflictsDetected: conflicts.Total,
		StillActive:       conflicts.Active,
		Deferred:          conflicts.Deferred,
		ByStrategy:        resolutions.ByStrategy,
		ByConflictType:    conflicts.ByType,
		ConfidenceBands: ConfidenceBands{
			Low:    resolutions.Low,
			Medium: resolutions.Medium,
			High:   resolutions.High,
		},
	}
	report.ManuallyResolved = resolutions.ByStrategy[types.StrategyManualOverride]
	report.AutoResolved = resolutions.Total - report.ManuallyResolved
	if resolutions.Total > 0 {
		report.AverageConfidence = resolutions.ConfidenceSum / float64(resolutions.Total)
	}
	return report, nil
}

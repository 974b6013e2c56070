package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/scrypster/kinship/internal/storage/sqlite"
	"github.com/scrypster/kinship/pkg/types"
)

// newTestStore opens a fresh in-memory graph.
func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(":memory:", sqlite.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// newTestService wires a GraphService over a fresh in-memory graph.
func newTestService(t *testing.T) (*GraphService, *sqlite.Store) {
	t.Helper()
	store := newTestStore(t)
	svc, err := NewGraphService(context.Background(), store, DefaultConfig(), zap.NewNop())
	require.NoError(t, err)
	return svc, store
}

func createEntity(t *testing.T, store *sqlite.Store, name string, entityType types.EntityType, confidence float64) *types.Entity {
	t.Helper()
	e := &types.Entity{Name: name, Type: entityType, Confidence: confidence}
	require.NoError(t, store.Create(context.Background(), e))
	return e
}

// mention describes a test mention; zero fields get defaults.
type mention struct {
	text       string
	message    string
	confidence float64
	at         time.Time
	attrs      map[string]interface{}
	validFrom  *time.Time
	validTo    *time.Time
}

func addMention(t *testing.T, store *sqlite.Store, e *types.Entity, m mention) *types.Mention {
	t.Helper()
	if m.text == "" {
		m.text = e.Name
	}
	if m.message == "" {
		m.message = fmt.Sprintf("msg-%d", time.Now().UnixNano())
	}
	if m.confidence == 0 {
		m.confidence = 0.8
	}
	rec := &types.Mention{
		EntityID:       e.ID,
		ConversationID: "conv-1",
		MessageID:      m.message,
		MentionText:    m.text,
		StartPosition:  0,
		EndPosition:    len(m.text),
		Confidence:     m.confidence,
		Attributes:     m.attrs,
		ValidFrom:      m.validFrom,
		ValidTo:        m.validTo,
		CreatedAt:      m.at,
	}
	require.NoError(t, store.CreateMention(context.Background(), rec))
	return rec
}

func date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 10, 0, 0, 0, time.UTC)
}

func datePtr(year int, month time.Month, day int) *time.Time {
	d := date(year, month, day)
	return &d
}

// findConflict returns the conflict of the given type, failing the test if absent.
func findConflict(t *testing.T, conflicts []*types.Conflict, conflictType types.ConflictType) *types.Conflict {
	t.Helper()
	for _, c := range conflicts {
		if c.ConflictType == conflictType {
			return c
		}
	}
	require.Failf(t, "conflict not found", "no %s conflict among %d", conflictType, len(conflicts))
	return nil
}

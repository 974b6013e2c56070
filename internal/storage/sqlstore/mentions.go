package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/scrypster/kinship/internal/storage"
	"github.com/scrypster/kinship/pkg/types"
)

const mentionColumns = `id, entity_id, conversation_id, message_id, mention_text, start_position,
	end_position, confidence, extraction_method, attributes, valid_from, valid_to, created_at`

func validateMention(m *types.Mention) error {
	if m == nil {
		return fmt.Errorf("%w: mention is nil", storage.ErrInvalidInput)
	}
	if m.ExtractionMethod == "" {
		m.ExtractionMethod = types.ExtractionPattern
	}
	switch {
	case m.EntityID == "":
		return fmt.Errorf("%w: mention entity_id is required", storage.ErrInvalidInput)
	case m.ConversationID == "" || m.MessageID == "":
		return fmt.Errorf("%w: mention conversation_id and message_id are required", storage.ErrInvalidInput)
	case m.MentionText == "":
		return fmt.Errorf("%w: mention text is required", storage.ErrInvalidInput)
	case m.StartPosition < 0 || m.EndPosition <= m.StartPosition:
		return fmt.Errorf("%w: mention offsets [%d,%d) are invalid", storage.ErrInvalidInput, m.StartPosition, m.EndPosition)
	case !types.IsValidScore(m.Confidence):
		return fmt.Errorf("%w: mention confidence %v out of range", storage.ErrInvalidInput, m.Confidence)
	case !m.ExtractionMethod.IsValid():
		return fmt.Errorf("%w: unknown extraction method %q", storage.ErrInvalidInput, m.ExtractionMethod)
	case m.ValidFrom != nil && m.ValidTo != nil && m.ValidTo.Before(*m.ValidFrom):
		return fmt.Errorf("%w: mention valid_to precedes valid_from", storage.ErrInvalidInput)
	}
	return nil
}

// CreateMention inserts a mention of an existing entity.
func (s *Store) CreateMention(ctx context.Context, m *types.Mention) error {
	if err := validateMention(m); err != nil {
		return err
	}
	if m.ID == "" {
		m.ID = newID("men")
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now()
	}

	attrs, err := marshalMap(m.Attributes)
	if err != nil {
		return err
	}

	_, err = s.exec(ctx, `
		INSERT INTO entity_mentions (`+mentionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.EntityID, m.ConversationID, m.MessageID, m.MentionText, m.StartPosition,
		m.EndPosition, m.Confidence, string(m.ExtractionMethod), attrs,
		nullableTime(m.ValidFrom), nullableTime(m.ValidTo), m.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create mention: %w", err)
	}
	return nil
}

// ListMentions returns up to limit mentions of an entity, newest first.
func (s *Store) ListMentions(ctx context.Context, entityID string, limit int) ([]*types.Mention, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.query(ctx, `SELECT `+mentionColumns+` FROM entity_mentions
		WHERE entity_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list mentions: %w", err)
	}
	defer rows.Close()

	var out []*types.Mention
	for rows.Next() {
		var (
			m         types.Mention
			method    string
			attrs     sql.NullString
			validFrom sql.NullTime
			validTo   sql.NullTime
		)
		if err := rows.Scan(&m.ID, &m.EntityID, &m.ConversationID, &m.MessageID, &m.MentionText,
			&m.StartPosition, &m.EndPosition, &m.Confidence, &method, &attrs,
			&validFrom, &validTo, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan mention: %w", err)
		}
		m.ExtractionMethod = types.ExtractionMethod(method)
		m.ValidFrom = timePtr(validFrom)
		m.ValidTo = timePtr(validTo)
		if err := unmarshalJSON(attrs, &m.Attributes); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// ReassignMentions moves every mention of fromID to toID.
func (s *Store) ReassignMentions(ctx context.Context, fromID, toID string) (int, error) {
	res, err := s.exec(ctx, `UPDATE entity_mentions SET entity_id = ? WHERE entity_id = ?`, toID, fromID)
	if err != nil {
		return 0, fmt.Errorf("failed to reassign mentions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return int(n), nil
}

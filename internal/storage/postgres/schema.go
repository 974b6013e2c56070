// Package postgres provides the PostgreSQL backend of the entity graph.
package postgres

// Schema creates the entity graph. Every statement is idempotent so Open can
// apply it on each start.
const Schema = `
CREATE TABLE IF NOT EXISTS entities (
    id                TEXT PRIMARY KEY,
    name              TEXT NOT NULL,
    normalized_name   TEXT NOT NULL CHECK (normalized_name <> ''),
    type              TEXT NOT NULL CHECK (type IN ('person', 'organization', 'product', 'concept',
                                                    'location', 'technical', 'event', 'decision')),
    canonical_form    TEXT,
    confidence        DOUBLE PRECISION NOT NULL DEFAULT 0.5 CHECK (confidence >= 0 AND confidence <= 1),
    mention_count     INTEGER NOT NULL DEFAULT 0 CHECK (mention_count >= 0),
    last_mentioned_at TIMESTAMPTZ,
    metadata          JSONB,
    created_at        TIMESTAMPTZ NOT NULL,
    updated_at        TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entities_normalized_name ON entities(normalized_name, type);
CREATE INDEX IF NOT EXISTS idx_entities_type_mentions ON entities(type, mention_count DESC);

CREATE TABLE IF NOT EXISTS entity_aliases (
    id         TEXT PRIMARY KEY,
    entity_id  TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
    alias      TEXT NOT NULL CHECK (alias <> ''),
    kind       TEXT NOT NULL CHECK (kind IN ('formal', 'informal', 'abbreviation', 'nickname', 'variation')),
    confidence DOUBLE PRECISION NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
    created_at TIMESTAMPTZ NOT NULL,
    UNIQUE (entity_id, alias)
);

CREATE INDEX IF NOT EXISTS idx_entity_aliases_alias ON entity_aliases(alias);

CREATE TABLE IF NOT EXISTS entity_mentions (
    id                TEXT PRIMARY KEY,
    entity_id         TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
    conversation_id   TEXT NOT NULL,
    message_id        TEXT NOT NULL,
    mention_text      TEXT NOT NULL,
    start_position    INTEGER NOT NULL CHECK (start_position >= 0),
    end_position      INTEGER NOT NULL,
    confidence        DOUBLE PRECISION NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
    extraction_method TEXT NOT NULL CHECK (extraction_method IN ('pattern', 'nlp', 'manual')),
    attributes        JSONB,
    valid_from        TIMESTAMPTZ,
    valid_to          TIMESTAMPTZ,
    created_at        TIMESTAMPTZ NOT NULL,
    CHECK (end_position > start_position)
);

CREATE INDEX IF NOT EXISTS idx_entity_mentions_entity ON entity_mentions(entity_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_entity_mentions_message ON entity_mentions(conversation_id, message_id);

CREATE TABLE IF NOT EXISTS entity_relationships (
    id                 TEXT PRIMARY KEY,
    source_entity_id   TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
    target_entity_id   TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
    type               TEXT NOT NULL CHECK (type IN ('works_for', 'created_by', 'discussed_with', 'related_to',
                                                     'part_of', 'mentioned_with', 'temporal_sequence', 'cause_effect')),
    strength           DOUBLE PRECISION NOT NULL CHECK (strength >= 0 AND strength <= 1),
    first_mentioned_at TIMESTAMPTZ NOT NULL,
    last_mentioned_at  TIMESTAMPTZ NOT NULL,
    mention_count      INTEGER NOT NULL DEFAULT 1 CHECK (mention_count >= 0),
    context            TEXT,
    created_at         TIMESTAMPTZ NOT NULL,
    updated_at         TIMESTAMPTZ NOT NULL,
    CHECK (source_entity_id <> target_entity_id),
    CHECK (last_mentioned_at >= first_mentioned_at),
    UNIQUE (source_entity_id, target_entity_id, type)
);

CREATE INDEX IF NOT EXISTS idx_entity_relationships_target ON entity_relationships(target_entity_id);

CREATE TABLE IF NOT EXISTS entity_evolution (
    id                  TEXT PRIMARY KEY,
    entity_id           TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
    attribute           TEXT NOT NULL,
    previous_value      JSONB,
    new_value           JSONB,
    change_type         TEXT NOT NULL CHECK (change_type IN ('observed', 'resolution', 'merge', 'update')),
    evidence_message_id TEXT,
    confidence          DOUBLE PRECISION NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
    created_at          TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entity_evolution_entity ON entity_evolution(entity_id, created_at);
CREATE INDEX IF NOT EXISTS idx_entity_evolution_merge ON entity_evolution(change_type, attribute);

CREATE TABLE IF NOT EXISTS entity_conflicts (
    id                   TEXT PRIMARY KEY,
    entity_id            TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
    entity_type          TEXT,
    conflict_type        TEXT NOT NULL CHECK (conflict_type IN ('attribute', 'relationship', 'temporal',
                                                               'semantic', 'merge_candidate')),
    attribute            TEXT NOT NULL,
    severity             TEXT NOT NULL CHECK (severity IN ('low', 'medium', 'high', 'critical')),
    conflicting_values   JSONB NOT NULL,
    suggested_resolution JSONB,
    auto_resolvable      BOOLEAN NOT NULL DEFAULT FALSE,
    status               TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'deferred', 'resolved')),
    detected_at          TIMESTAMPTZ NOT NULL,
    updated_at           TIMESTAMPTZ NOT NULL,
    resolved_at          TIMESTAMPTZ,
    resolution_id        TEXT,
    CHECK ((status = 'resolved') = (resolved_at IS NOT NULL))
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_entity_conflicts_active
    ON entity_conflicts(entity_id, conflict_type, attribute) WHERE resolved_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_entity_conflicts_detected ON entity_conflicts(detected_at DESC);

CREATE TABLE IF NOT EXISTS conflict_resolutions (
    id              TEXT PRIMARY KEY,
    conflict_id     TEXT NOT NULL,
    entity_id       TEXT NOT NULL,
    conflict_type   TEXT NOT NULL,
    severity        TEXT NOT NULL,
    attribute       TEXT NOT NULL,
    original_values JSONB NOT NULL,
    resolved_value  JSONB,
    strategy        TEXT NOT NULL CHECK (strategy IN ('latest_wins', 'highest_confidence', 'merge',
                                                      'user_review', 'manual_override')),
    confidence      DOUBLE PRECISION NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
    reasoning       TEXT NOT NULL,
    resolved_by     TEXT NOT NULL,
    rule_id         TEXT,
    created_at      TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_conflict_resolutions_entity ON conflict_resolutions(entity_id, attribute, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_conflict_resolutions_created ON conflict_resolutions(created_at DESC);

CREATE TABLE IF NOT EXISTS conflict_resolution_rules (
    id                   TEXT PRIMARY KEY,
    name                 TEXT NOT NULL,
    rule_type            TEXT NOT NULL DEFAULT '*',
    attribute_pattern    TEXT NOT NULL,
    entity_type          TEXT NOT NULL DEFAULT '*',
    strategy             TEXT NOT NULL CHECK (strategy IN ('latest_wins', 'highest_confidence', 'merge',
                                                           'user_review', 'manual_override')),
    confidence_threshold DOUBLE PRECISION NOT NULL CHECK (confidence_threshold >= 0 AND confidence_threshold <= 1),
    priority             INTEGER NOT NULL CHECK (priority BETWEEN 1 AND 10),
    active               BOOLEAN NOT NULL DEFAULT TRUE,
    created_at           TIMESTAMPTZ NOT NULL,
    updated_at           TIMESTAMPTZ NOT NULL
);

-- Append-only ledgers.
CREATE OR REPLACE FUNCTION reject_modification()
RETURNS TRIGGER AS $$
BEGIN
    RAISE EXCEPTION 'append-only: % rows cannot be modified', TG_TABLE_NAME;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS trg_entity_evolution_append_only ON entity_evolution;
CREATE TRIGGER trg_entity_evolution_append_only
    BEFORE UPDATE ON entity_evolution
    FOR EACH ROW EXECUTE FUNCTION reject_modification();

DROP TRIGGER IF EXISTS trg_conflict_resolutions_append_only ON conflict_resolutions;
CREATE TRIGGER trg_conflict_resolutions_append_only
    BEFORE UPDATE OR DELETE ON conflict_resolutions
    FOR EACH ROW EXECUTE FUNCTION reject_modification();

CREATE OR REPLACE FUNCTION reject_resolved_conflict_update()
RETURNS TRIGGER AS $$
BEGIN
    IF OLD.resolved_at IS NOT NULL THEN
        RAISE EXCEPTION 'append-only: resolved conflicts cannot be modified';
    END IF;
    RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS trg_entity_conflicts_resolved_immutable ON entity_conflicts;
CREATE TRIGGER trg_entity_conflicts_resolved_immutable
    BEFORE UPDATE ON entity_conflicts
    FOR EACH ROW EXECUTE FUNCTION reject_resolved_conflict_update();
`

// truncateTables lists every table TruncateForTest clears.
const truncateTables = `entity_mentions, entity_aliases, entity_relationships, entity_evolution,
	entity_conflicts, conflict_resolutions, conflict_resolution_rules, entities`

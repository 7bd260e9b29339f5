// Package postgres provides the PostgreSQL-backed implementation of the
// [memory.Store] persistence interfaces: conversation turns with a pgvector
// semantic index, logical sessions, deduplicated persistent memories and
// calendar events, the e-mail channel state, and the runtime key/value
// configuration.
//
// Every interface shares a single [pgxpool.Pool]. The pgvector extension must
// be available in the target database; [Migrate] installs it automatically via
// CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, 768)
//	if err != nil { … }
//	defer store.Close()
//
//	id, _ := store.SaveTurn(ctx, turn)
//	out, _ := store.SaveScheduleEvent(ctx, event)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// Conversation DDL — turns + sessions
// ─────────────────────────────────────────────────────────────────────────────

// ddlConversation returns the turn/session DDL with the embedding dimension
// substituted. The vector dimension is baked into the column type at schema
// creation time.
func ddlConversation(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS conversation_turns (
    id                  BIGSERIAL    PRIMARY KEY,
    user_name           TEXT         NOT NULL,
    channel_session     TEXT         NOT NULL DEFAULT '',
    logical_session_id  TEXT         NOT NULL,
    modality            TEXT         NOT NULL,
    role                TEXT         NOT NULL,
    message             TEXT         NOT NULL,
    embedding           vector(%d),
    timestamp           TIMESTAMPTZ  NOT NULL DEFAULT now(),
    topic_state         TEXT         NOT NULL DEFAULT '',
    topic_summary       TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_turns_session
    ON conversation_turns (logical_session_id, timestamp);

CREATE INDEX IF NOT EXISTS idx_turns_user_timestamp
    ON conversation_turns (user_name, timestamp);

CREATE INDEX IF NOT EXISTS idx_turns_embedding
    ON conversation_turns USING hnsw (embedding vector_cosine_ops);

CREATE INDEX IF NOT EXISTS idx_turns_fts
    ON conversation_turns USING GIN (to_tsvector('english', message));

CREATE TABLE IF NOT EXISTS sessions (
    session_id     TEXT         PRIMARY KEY,
    user_name      TEXT         NOT NULL,
    started_at     TIMESTAMPTZ  NOT NULL DEFAULT now(),
    last_activity  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    message_count  INTEGER      NOT NULL DEFAULT 0,
    state          TEXT         NOT NULL DEFAULT 'active'
);

CREATE INDEX IF NOT EXISTS idx_sessions_user_state
    ON sessions (user_name, state, last_activity);
`, embeddingDimensions)
}

// ─────────────────────────────────────────────────────────────────────────────
// Memory DDL — persistent memories, schedule events, consolidation log
// ─────────────────────────────────────────────────────────────────────────────

const ddlMemories = `
CREATE TABLE IF NOT EXISTS persistent_memories (
    id                 BIGSERIAL    PRIMARY KEY,
    user_name          TEXT         NOT NULL,
    category           TEXT         NOT NULL,
    content            TEXT         NOT NULL,
    importance         INTEGER      NOT NULL DEFAULT 5,
    tags               JSONB        NOT NULL DEFAULT '[]',
    event_date         DATE,
    event_time         TEXT         NOT NULL DEFAULT '',
    extracted_at       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    source_session_id  TEXT         NOT NULL DEFAULT '',
    active             BOOLEAN      NOT NULL DEFAULT TRUE
);

CREATE INDEX IF NOT EXISTS idx_memories_user_active
    ON persistent_memories (user_name, active, importance DESC);

CREATE INDEX IF NOT EXISTS idx_memories_category_date
    ON persistent_memories (user_name, category, event_date);

CREATE TABLE IF NOT EXISTS schedule_events (
    id                     BIGSERIAL    PRIMARY KEY,
    user_name              TEXT         NOT NULL,
    title                  TEXT         NOT NULL,
    event_date             DATE         NOT NULL,
    event_time             TEXT         NOT NULL DEFAULT '',
    description            TEXT         NOT NULL DEFAULT '',
    importance             INTEGER      NOT NULL DEFAULT 5,
    active                 BOOLEAN      NOT NULL DEFAULT TRUE,
    reminder_enabled       BOOLEAN      NOT NULL DEFAULT FALSE,
    reminder_lead_minutes  INTEGER      NOT NULL DEFAULT 30,
    recipient_email        TEXT         NOT NULL DEFAULT '',
    reminder_sent          BOOLEAN      NOT NULL DEFAULT FALSE,
    reminder_sent_at       TIMESTAMPTZ,
    reminder_log_id        BIGINT       NOT NULL DEFAULT 0,
    created_at             TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at             TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_schedule_user_date
    ON schedule_events (user_name, active, event_date);

CREATE INDEX IF NOT EXISTS idx_schedule_reminders
    ON schedule_events (active, reminder_enabled, reminder_sent, event_date);

CREATE INDEX IF NOT EXISTS idx_schedule_title_fts
    ON schedule_events USING GIN (to_tsvector('english', title));

CREATE TABLE IF NOT EXISTS memory_consolidation_log (
    id                     BIGSERIAL    PRIMARY KEY,
    user_name              TEXT         NOT NULL,
    messages_consolidated  INTEGER      NOT NULL,
    summaries_created      INTEGER      NOT NULL,
    tokens_saved_estimate  INTEGER      NOT NULL,
    consolidated_at        TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// ─────────────────────────────────────────────────────────────────────────────
// E-mail DDL — threads, actions, log, mappings, settings
// ─────────────────────────────────────────────────────────────────────────────

const ddlEmail = `
CREATE TABLE IF NOT EXISTS email_threads (
    id                  BIGSERIAL    PRIMARY KEY,
    subject             TEXT         NOT NULL,
    normalized_subject  TEXT         NOT NULL,
    user_email          TEXT         NOT NULL,
    mapped_user         TEXT         NOT NULL DEFAULT '',
    first_message_id    TEXT         NOT NULL DEFAULT '',
    last_message_id     TEXT         NOT NULL DEFAULT '',
    message_count       INTEGER      NOT NULL DEFAULT 0,
    created_at          TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at          TIMESTAMPTZ  NOT NULL DEFAULT now(),
    UNIQUE (normalized_subject, user_email)
);

CREATE TABLE IF NOT EXISTS email_thread_messages (
    id            BIGSERIAL    PRIMARY KEY,
    thread_id     BIGINT       NOT NULL REFERENCES email_threads (id) ON DELETE CASCADE,
    email_log_id  BIGINT       NOT NULL DEFAULT 0,
    role          TEXT         NOT NULL,
    content       TEXT         NOT NULL,
    timestamp     TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_thread_messages_thread
    ON email_thread_messages (thread_id, timestamp);

CREATE TABLE IF NOT EXISTS email_actions (
    id             BIGSERIAL    PRIMARY KEY,
    thread_id      BIGINT       NOT NULL DEFAULT 0,
    email_log_id   BIGINT       NOT NULL DEFAULT 0,
    action_type    TEXT         NOT NULL,
    action_verb    TEXT         NOT NULL,
    intent         TEXT         NOT NULL DEFAULT '',
    status         TEXT         NOT NULL,
    details        JSONB        NOT NULL DEFAULT '{}',
    error_message  TEXT         NOT NULL DEFAULT '',
    executed_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_email_actions_log
    ON email_actions (email_log_id);

CREATE TABLE IF NOT EXISTS email_log (
    id             BIGSERIAL    PRIMARY KEY,
    direction      TEXT         NOT NULL,
    email_type     TEXT         NOT NULL DEFAULT 'other',
    from_address   TEXT         NOT NULL DEFAULT '',
    to_address     TEXT         NOT NULL DEFAULT '',
    subject        TEXT         NOT NULL DEFAULT '',
    body_preview   TEXT         NOT NULL DEFAULT '',
    full_body      TEXT         NOT NULL DEFAULT '',
    status         TEXT         NOT NULL,
    error_message  TEXT         NOT NULL DEFAULT '',
    mapped_user    TEXT         NOT NULL DEFAULT '',
    thread_id      BIGINT       NOT NULL DEFAULT 0,
    attachments    JSONB        NOT NULL DEFAULT '[]',
    timestamp      TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_email_log_timestamp
    ON email_log (timestamp DESC);

CREATE TABLE IF NOT EXISTS email_mappings (
    email_address  TEXT         PRIMARY KEY,
    user_name      TEXT         NOT NULL,
    created_at     TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS email_settings (
    id                BOOLEAN      PRIMARY KEY DEFAULT TRUE CHECK (id),
    smtp_host         TEXT         NOT NULL DEFAULT '',
    smtp_port         INTEGER      NOT NULL DEFAULT 587,
    smtp_user         TEXT         NOT NULL DEFAULT '',
    smtp_pass         TEXT         NOT NULL DEFAULT '',
    smtp_use_tls      BOOLEAN      NOT NULL DEFAULT TRUE,
    smtp_use_ssl      BOOLEAN      NOT NULL DEFAULT FALSE,
    from_address      TEXT         NOT NULL DEFAULT '',
    imap_host         TEXT         NOT NULL DEFAULT '',
    imap_port         INTEGER      NOT NULL DEFAULT 993,
    imap_user         TEXT         NOT NULL DEFAULT '',
    imap_pass         TEXT         NOT NULL DEFAULT '',
    imap_mailbox      TEXT         NOT NULL DEFAULT 'INBOX',
    summary_enabled   BOOLEAN      NOT NULL DEFAULT FALSE,
    summary_time      TEXT         NOT NULL DEFAULT '08:00',
    summary_timezone  TEXT         NOT NULL DEFAULT 'America/New_York',
    summary_to        TEXT         NOT NULL DEFAULT '',
    summary_last_sent TIMESTAMPTZ
);
`

// ─────────────────────────────────────────────────────────────────────────────
// Runtime configuration DDL
// ─────────────────────────────────────────────────────────────────────────────

const ddlConfig = `
CREATE TABLE IF NOT EXISTS bot_config (
    key         TEXT         PRIMARY KEY,
    value       TEXT         NOT NULL,
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// Migrate creates or ensures all required database tables and extensions exist.
// It is idempotent (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS)
// and safe to call on every application start.
//
// embeddingDimensions must match the output dimension of the configured
// embedding model (e.g., 768 for nomic-embed-text). Changing this value after
// the first migration requires a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlConversation(embeddingDimensions),
		ddlMemories,
		ddlEmail,
		ddlConfig,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}

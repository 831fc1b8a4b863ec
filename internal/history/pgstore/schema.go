// Package pgstore provides a PostgreSQL-backed history.Store with a pgvector
// index for semantic recall of past exchanges.
//
// The pgvector extension must be available in the target database; [Migrate]
// installs it automatically via CREATE EXTENSION IF NOT EXISTS.
package pgstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlHistories = `
CREATE TABLE IF NOT EXISTS histories (
    conf_uid    TEXT         NOT NULL,
    history_uid TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (conf_uid, history_uid)
);
`

// ddlMessages returns the messages DDL with the embedding dimension
// substituted. The vector dimension is baked into the column type at schema
// creation time.
func ddlMessages(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS history_messages (
    id          BIGSERIAL    PRIMARY KEY,
    conf_uid    TEXT         NOT NULL,
    history_uid TEXT         NOT NULL,
    role        TEXT         NOT NULL,
    name        TEXT         NOT NULL DEFAULT '',
    avatar      TEXT         NOT NULL DEFAULT '',
    content     TEXT         NOT NULL,
    embedding   vector(%d),
    timestamp   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_history_messages_conversation
    ON history_messages (conf_uid, history_uid, timestamp);

CREATE INDEX IF NOT EXISTS idx_history_messages_embedding
    ON history_messages USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates or ensures all required database tables and extensions
// exist. It is idempotent and safe to call on every application start.
//
// embeddingDimensions must match the vector model configured for your
// deployment (e.g., 1536 for OpenAI text-embedding-3-small). Changing this
// value after the first migration requires a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlHistories,
		ddlMessages(embeddingDimensions),
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("pgstore migrate: %w", err)
		}
	}
	return nil
}

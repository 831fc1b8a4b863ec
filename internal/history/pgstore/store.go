package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/ariavoice/aria/internal/history"
)

// Compile-time assertion that Store satisfies history.Store.
var _ history.Store = (*Store)(nil)

// Store is the PostgreSQL-backed history store. All operations are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a new Store, establishes a connection pool to the PostgreSQL
// database at dsn, registers pgvector types on every connection, and runs
// [Migrate] to ensure all required tables and extensions exist.
func New(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so that vector columns
	// can be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgstore: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// List implements history.Store. Summaries are ordered newest first by latest
// message time, falling back to the conversation's creation time.
func (s *Store) List(ctx context.Context, confUID string) ([]history.Summary, error) {
	const q = `
		SELECT h.history_uid,
		       m.role, m.content, m.name, m.avatar, m.timestamp,
		       COALESCE(m.timestamp, h.created_at) AS sort_ts
		FROM   histories h
		LEFT JOIN LATERAL (
		    SELECT role, content, name, avatar, timestamp
		    FROM   history_messages
		    WHERE  conf_uid = h.conf_uid AND history_uid = h.history_uid
		    ORDER  BY timestamp DESC
		    LIMIT  1
		) m ON true
		WHERE  h.conf_uid = $1
		ORDER  BY sort_ts DESC`

	rows, err := s.pool.Query(ctx, q, confUID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list: %w", err)
	}

	summaries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (history.Summary, error) {
		var (
			sum       history.Summary
			role      *string
			content   *string
			name      *string
			avatar    *string
			timestamp *time.Time
		)
		if err := row.Scan(&sum.UID, &role, &content, &name, &avatar, &timestamp, &sum.Timestamp); err != nil {
			return history.Summary{}, err
		}
		if role != nil {
			sum.LatestMessage = &history.Message{
				Role:      *role,
				Content:   *content,
				Name:      *name,
				Avatar:    *avatar,
				Timestamp: *timestamp,
			}
		}
		return sum, nil
	})
	if err != nil {
		return nil, fmt.Errorf("pgstore: scan list: %w", err)
	}
	return summaries, nil
}

// Fetch implements history.Store.
func (s *Store) Fetch(ctx context.Context, confUID, historyUID string) ([]history.Message, error) {
	exists, err := s.exists(ctx, confUID, historyUID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, history.ErrNotFound
	}

	const q = `
		SELECT role, content, name, avatar, timestamp
		FROM   history_messages
		WHERE  conf_uid = $1 AND history_uid = $2
		ORDER  BY timestamp`

	rows, err := s.pool.Query(ctx, q, confUID, historyUID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: fetch: %w", err)
	}

	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (history.Message, error) {
		var m history.Message
		err := row.Scan(&m.Role, &m.Content, &m.Name, &m.Avatar, &m.Timestamp)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("pgstore: scan fetch: %w", err)
	}
	if msgs == nil {
		msgs = []history.Message{}
	}
	return msgs, nil
}

// Create implements history.Store.
func (s *Store) Create(ctx context.Context, confUID string) (string, error) {
	uid := uuid.NewString()
	const q = `INSERT INTO histories (conf_uid, history_uid) VALUES ($1, $2)`
	if _, err := s.pool.Exec(ctx, q, confUID, uid); err != nil {
		return "", fmt.Errorf("pgstore: create: %w", err)
	}
	return uid, nil
}

// Delete implements history.Store. Messages are removed in the same
// transaction as the conversation row.
func (s *Store) Delete(ctx context.Context, confUID, historyUID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("pgstore: delete: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`DELETE FROM histories WHERE conf_uid = $1 AND history_uid = $2`,
		confUID, historyUID)
	if err != nil {
		return fmt.Errorf("pgstore: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return history.ErrNotFound
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM history_messages WHERE conf_uid = $1 AND history_uid = $2`,
		confUID, historyUID); err != nil {
		return fmt.Errorf("pgstore: delete messages: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("pgstore: delete: commit: %w", err)
	}
	return nil
}

// Append implements history.Store. Unknown conversations are created
// implicitly so a crashed session's tail is not lost.
func (s *Store) Append(ctx context.Context, confUID, historyUID string, msg history.Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	const ensure = `
		INSERT INTO histories (conf_uid, history_uid)
		VALUES ($1, $2)
		ON CONFLICT (conf_uid, history_uid) DO NOTHING`
	if _, err := s.pool.Exec(ctx, ensure, confUID, historyUID); err != nil {
		return fmt.Errorf("pgstore: append: ensure conversation: %w", err)
	}

	const q = `
		INSERT INTO history_messages
		    (conf_uid, history_uid, role, name, avatar, content, embedding, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	var vec any
	if msg.Embedding != nil {
		vec = pgvector.NewVector(msg.Embedding)
	}
	if _, err := s.pool.Exec(ctx, q,
		confUID, historyUID, msg.Role, msg.Name, msg.Avatar, msg.Content, vec, msg.Timestamp,
	); err != nil {
		return fmt.Errorf("pgstore: append: %w", err)
	}
	return nil
}

// Recall implements history.Store. It finds the topK past messages across
// all of confUID's conversations whose embeddings are closest (cosine
// distance) to the supplied query embedding, most similar first.
func (s *Store) Recall(ctx context.Context, confUID string, embedding []float32, topK int) ([]history.Recalled, error) {
	if len(embedding) == 0 || topK <= 0 {
		return nil, nil
	}

	const q = `
		SELECT role, content, name, avatar, timestamp,
		       embedding <=> $2 AS distance
		FROM   history_messages
		WHERE  conf_uid = $1 AND embedding IS NOT NULL
		ORDER  BY distance
		LIMIT  $3`

	rows, err := s.pool.Query(ctx, q, confUID, pgvector.NewVector(embedding), topK)
	if err != nil {
		return nil, fmt.Errorf("pgstore: recall: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (history.Recalled, error) {
		var r history.Recalled
		err := row.Scan(&r.Message.Role, &r.Message.Content, &r.Message.Name,
			&r.Message.Avatar, &r.Message.Timestamp, &r.Distance)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("pgstore: scan recall: %w", err)
	}
	return results, nil
}

// Close implements history.Store.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// exists reports whether the conversation row is present.
func (s *Store) exists(ctx context.Context, confUID, historyUID string) (bool, error) {
	const q = `SELECT 1 FROM histories WHERE conf_uid = $1 AND history_uid = $2`
	var one int
	err := s.pool.QueryRow(ctx, q, confUID, historyUID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("pgstore: exists: %w", err)
	}
	return true, nil
}

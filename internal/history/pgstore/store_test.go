package pgstore_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/ariavoice/aria/internal/history"
	"github.com/ariavoice/aria/internal/history/pgstore"
)

const testEmbeddingDim = 4

// testDSN returns the test database DSN from the environment, or skips the
// test if ARIA_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("ARIA_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ARIA_TEST_POSTGRES_DSN not set; skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [pgstore.Store] with a clean schema.
func newTestStore(t *testing.T) *pgstore.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	cleanPool := mustPool(t, ctx, dsn)
	t.Cleanup(cleanPool.Close)
	for _, stmt := range []string{
		`DROP TABLE IF EXISTS history_messages`,
		`DROP TABLE IF EXISTS histories`,
	} {
		if _, err := cleanPool.Exec(ctx, stmt); err != nil {
			t.Fatalf("drop schema: %v", err)
		}
	}

	store, err := pgstore.New(ctx, dsn, testEmbeddingDim)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func mustPool(t *testing.T, ctx context.Context, dsn string) *pgxpool.Pool {
	t.Helper()
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	return pool
}

func TestRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	uid, err := store.Create(ctx, "conf-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := store.Append(ctx, "conf-1", uid, history.Message{
		Role: "human", Content: "hello", Name: "Human",
		Embedding: []float32{1, 0, 0, 0},
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := store.Append(ctx, "conf-1", uid, history.Message{
		Role: "ai", Content: "hi there", Name: "Aria",
		Embedding: []float32{0, 1, 0, 0},
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	msgs, err := store.Fetch(ctx, "conf-1", uid)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Content != "hello" || msgs[1].Content != "hi there" {
		t.Fatalf("messages = %+v", msgs)
	}

	summaries, err := store.List(ctx, "conf-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(summaries) != 1 || summaries[0].LatestMessage == nil ||
		summaries[0].LatestMessage.Content != "hi there" {
		t.Fatalf("summaries = %+v", summaries)
	}
}

func TestRecall(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	uid, err := store.Create(ctx, "conf-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	seed := []history.Message{
		{Role: "human", Content: "tell me about cats", Embedding: []float32{1, 0, 0, 0}},
		{Role: "ai", Content: "cats are great", Embedding: []float32{0.9, 0.1, 0, 0}},
		{Role: "human", Content: "unrelated topic", Embedding: []float32{0, 0, 0, 1}},
	}
	for _, m := range seed {
		if err := store.Append(ctx, "conf-1", uid, m); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := store.Recall(ctx, "conf-1", []float32{1, 0, 0, 0}, 2)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d results, want 2", len(got))
	}
	if got[0].Message.Content != "tell me about cats" {
		t.Errorf("most similar = %q", got[0].Message.Content)
	}
	if got[0].Distance > got[1].Distance {
		t.Error("results should be ordered by ascending distance")
	}
}

func TestDeleteRemovesMessages(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	uid, err := store.Create(ctx, "conf-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Append(ctx, "conf-1", uid, history.Message{Role: "human", Content: "bye"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if err := store.Delete(ctx, "conf-1", uid); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Fetch(ctx, "conf-1", uid); !errors.Is(err, history.ErrNotFound) {
		t.Errorf("Fetch after delete err = %v, want ErrNotFound", err)
	}
	if err := store.Delete(ctx, "conf-1", uid); !errors.Is(err, history.ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestAppendWithoutEmbedding(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Append(ctx, "conf-1", "implicit", history.Message{Role: "human", Content: "no vector"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	msgs, err := store.Fetch(ctx, "conf-1", "implicit")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}

	// Vector-less rows must not appear in recall results.
	got, err := store.Recall(ctx, "conf-1", []float32{1, 0, 0, 0}, 5)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("recall returned %d results, want 0", len(got))
	}
}

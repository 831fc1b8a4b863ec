package memstore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ariavoice/aria/internal/history"
	"github.com/ariavoice/aria/internal/history/memstore"
)

func TestCreateListDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memstore.New()

	uid, err := s.Create(ctx, "conf-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if uid == "" {
		t.Fatal("Create returned empty uid")
	}

	summaries, err := s.List(ctx, "conf-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(summaries) != 1 || summaries[0].UID != uid {
		t.Fatalf("summaries = %+v, want one with uid %s", summaries, uid)
	}
	if summaries[0].LatestMessage != nil {
		t.Error("empty conversation should have nil latest message")
	}

	if err := s.Delete(ctx, "conf-1", uid); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, "conf-1", uid); !errors.Is(err, history.ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestAppendAndFetch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memstore.New()

	uid, err := s.Create(ctx, "conf-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	msgs := []history.Message{
		{Role: "human", Content: "hello", Name: "Human"},
		{Role: "ai", Content: "hi there", Name: "Aria"},
	}
	for _, m := range msgs {
		if err := s.Append(ctx, "conf-1", uid, m); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := s.Fetch(ctx, "conf-1", uid)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d messages, want 2", len(got))
	}
	if got[0].Content != "hello" || got[1].Content != "hi there" {
		t.Errorf("messages out of order: %+v", got)
	}
	if got[0].Timestamp.IsZero() {
		t.Error("Append should stamp messages with the current time")
	}
}

func TestFetchUnknown(t *testing.T) {
	t.Parallel()
	s := memstore.New()
	if _, err := s.Fetch(context.Background(), "conf-1", "ghost"); !errors.Is(err, history.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestAppendCreatesImplicitly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memstore.New()

	if err := s.Append(ctx, "conf-1", "recovered", history.Message{Role: "human", Content: "still here"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	got, err := s.Fetch(ctx, "conf-1", "recovered")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d messages, want 1", len(got))
	}
}

func TestListNewestFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memstore.New()

	older, _ := s.Create(ctx, "conf-1")
	newer, _ := s.Create(ctx, "conf-1")

	base := time.Now()
	if err := s.Append(ctx, "conf-1", older, history.Message{Role: "human", Content: "first", Timestamp: base.Add(-time.Hour)}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append(ctx, "conf-1", newer, history.Message{Role: "human", Content: "second", Timestamp: base}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	summaries, err := s.List(ctx, "conf-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("got %d summaries, want 2", len(summaries))
	}
	if summaries[0].UID != newer {
		t.Errorf("first summary = %s, want newest %s", summaries[0].UID, newer)
	}
	if summaries[0].LatestMessage == nil || summaries[0].LatestMessage.Content != "second" {
		t.Errorf("latest message = %+v", summaries[0].LatestMessage)
	}
}

func TestConfIsolation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memstore.New()

	uid, _ := s.Create(ctx, "conf-1")
	if _, err := s.Fetch(ctx, "conf-2", uid); !errors.Is(err, history.ErrNotFound) {
		t.Errorf("conversations should be scoped per conf uid, err = %v", err)
	}
}

func TestRecallIsEmpty(t *testing.T) {
	t.Parallel()
	s := memstore.New()
	got, err := s.Recall(context.Background(), "conf-1", []float32{0.1}, 5)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if got != nil {
		t.Errorf("in-memory recall should return nil, got %+v", got)
	}
}

// Package memstore provides an in-memory history.Store used when no
// PostgreSQL DSN is configured. Contents are lost on restart.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ariavoice/aria/internal/history"
)

// Compile-time assertion that Store satisfies history.Store.
var _ history.Store = (*Store)(nil)

type conversation struct {
	created  time.Time
	messages []history.Message
}

// Store keeps all conversations in process memory.
type Store struct {
	mu sync.RWMutex

	// byConf maps conf UID → history UID → conversation.
	byConf map[string]map[string]*conversation
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{byConf: make(map[string]map[string]*conversation)}
}

// List implements history.Store.
func (s *Store) List(_ context.Context, confUID string) ([]history.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var summaries []history.Summary
	for uid, conv := range s.byConf[confUID] {
		sum := history.Summary{UID: uid, Timestamp: conv.created}
		if n := len(conv.messages); n > 0 {
			last := conv.messages[n-1]
			sum.LatestMessage = &last
			sum.Timestamp = last.Timestamp
		}
		summaries = append(summaries, sum)
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].Timestamp.After(summaries[j].Timestamp)
	})
	return summaries, nil
}

// Fetch implements history.Store.
func (s *Store) Fetch(_ context.Context, confUID, historyUID string) ([]history.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.byConf[confUID][historyUID]
	if !ok {
		return nil, history.ErrNotFound
	}
	out := make([]history.Message, len(conv.messages))
	copy(out, conv.messages)
	return out, nil
}

// Create implements history.Store.
func (s *Store) Create(_ context.Context, confUID string) (string, error) {
	uid := uuid.NewString()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byConf[confUID] == nil {
		s.byConf[confUID] = make(map[string]*conversation)
	}
	s.byConf[confUID][uid] = &conversation{created: time.Now()}
	return uid, nil
}

// Delete implements history.Store.
func (s *Store) Delete(_ context.Context, confUID, historyUID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byConf[confUID][historyUID]; !ok {
		return history.ErrNotFound
	}
	delete(s.byConf[confUID], historyUID)
	return nil
}

// Append implements history.Store. Unknown conversations are created
// implicitly.
func (s *Store) Append(_ context.Context, confUID, historyUID string, msg history.Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byConf[confUID] == nil {
		s.byConf[confUID] = make(map[string]*conversation)
	}
	conv, ok := s.byConf[confUID][historyUID]
	if !ok {
		conv = &conversation{created: time.Now()}
		s.byConf[confUID][historyUID] = conv
	}
	conv.messages = append(conv.messages, msg)
	return nil
}

// Recall implements history.Store. The in-memory store has no vector index.
func (s *Store) Recall(context.Context, string, []float32, int) ([]history.Recalled, error) {
	return nil, nil
}

// Close implements history.Store.
func (s *Store) Close() error { return nil }

// Package history defines the conversation history store used to persist
// dialogue across sessions and recall relevant past exchanges.
//
// Histories are grouped per character configuration (conf UID): each
// character keeps its own set of conversations, so switching characters also
// switches the visible history list.
package history

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when the requested history does not exist.
var ErrNotFound = errors.New("history: not found")

// Message is a single persisted exchange line.
type Message struct {
	// Role is "human" or "ai".
	Role string `json:"role"`

	// Content is the display text of the message.
	Content string `json:"content"`

	// Name and Avatar identify the speaker for history rendering.
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`

	// Timestamp is when the message was recorded.
	Timestamp time.Time `json:"timestamp"`

	// Embedding is the message's embedding vector, set when an embeddings
	// provider is configured. Stores without vector support ignore it.
	Embedding []float32 `json:"-"`
}

// Summary describes one stored conversation for history pickers.
type Summary struct {
	// UID identifies the conversation.
	UID string `json:"uid"`

	// LatestMessage is the last message of the conversation, nil when empty.
	LatestMessage *Message `json:"latest_message"`

	// Timestamp is the time of the latest message, or the creation time for
	// an empty conversation.
	Timestamp time.Time `json:"timestamp"`
}

// Recalled pairs a past message with its similarity to a query.
type Recalled struct {
	Message Message

	// Distance is the cosine distance to the query embedding; smaller is
	// more similar.
	Distance float64
}

// Store is the abstraction over conversation history persistence.
//
// Implementations must be safe for concurrent use: the WebSocket layer calls
// into the store from multiple connection goroutines.
type Store interface {
	// List returns summaries of all conversations for confUID, newest first.
	List(ctx context.Context, confUID string) ([]Summary, error)

	// Fetch returns the messages of one conversation in chronological order.
	// Returns ErrNotFound if the conversation does not exist.
	Fetch(ctx context.Context, confUID, historyUID string) ([]Message, error)

	// Create starts a new empty conversation and returns its UID.
	Create(ctx context.Context, confUID string) (string, error)

	// Delete removes a conversation and its messages.
	// Returns ErrNotFound if the conversation does not exist.
	Delete(ctx context.Context, confUID, historyUID string) error

	// Append adds a message to a conversation. Appending to an unknown
	// conversation creates it implicitly so a crashed session's tail is not
	// lost.
	Append(ctx context.Context, confUID, historyUID string, msg Message) error

	// Recall returns up to topK past messages across all of confUID's
	// conversations closest to the query embedding, most similar first.
	// Stores without vector support return nil.
	Recall(ctx context.Context, confUID string, embedding []float32, topK int) ([]Recalled, error)

	// Close releases any resources held by the store.
	Close() error
}

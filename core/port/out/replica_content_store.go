package out

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// MessageContent is the raw email body stored per (coach, thread, message).
type MessageContent struct {
	MessageID   string    `json:"message_id"`
	ThreadID    string    `json:"thread_id"`
	From        string    `json:"from"`
	To          []string  `json:"to"`
	Subject     string    `json:"subject"`
	Text        string    `json:"text,omitempty"`
	HTML        string    `json:"html,omitempty"`
	IsFromCoach bool      `json:"is_from_coach"`
	SentAt      time.Time `json:"sent_at"`
}

// ContentStore is the append-only blob store for raw email bodies and
// fine-tuning dataset batches. Keys are deterministic per
// (namespace, coach, category, year-month, message), so repeated writes for
// the same message are idempotent overwrites.
//
// Reads degrade gracefully: an absent key returns (nil, nil), not an error,
// so thread-context assembly can proceed with fewer messages.
type ContentStore interface {
	Put(ctx context.Context, coachID uuid.UUID, content *MessageContent) (key string, err error)
	Get(ctx context.Context, key string) (*MessageContent, error)

	// ListThreadMessages returns all stored messages of a thread sorted
	// ascending by SentAt.
	ListThreadMessages(ctx context.Context, coachID uuid.UUID, threadID string) ([]*MessageContent, error)

	// PutDataset stores a serialized training dataset batch.
	PutDataset(ctx context.Context, coachID uuid.UUID, name string, data []byte) (key string, err error)
	GetDataset(ctx context.Context, key string) ([]byte, error)
}

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Event types published to the event stream.
const (
	EventSyncCompleted = "email.sync.completed"
)

// SyncCompletedEvent is emitted once per successful account-sync run. It is
// the only cross-service signal other collaborators may depend on.
type SyncCompletedEvent struct {
	CoachID          uuid.UUID `json:"coach_id"`
	AccountID        int64     `json:"account_id"`
	TotalProcessed   int       `json:"total_processed"`
	ClientEmailsFound int      `json:"client_emails_found"`
	SyncedAt         time.Time `json:"synced_at"`
}

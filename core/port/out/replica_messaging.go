package out

import (
	"context"

	"replica_server/core/domain"

	"github.com/google/uuid"
)

// AccountSyncJob is the queue message that triggers one account's sync run.
// Produced both by the interval scheduler and by the on-demand trigger API.
type AccountSyncJob struct {
	AccountID int64 `json:"account_id"`
	ForceFull bool  `json:"force_full,omitempty"`
	MaxEmails int   `json:"max_emails,omitempty"`
}

// MessageProducer publishes work items onto the queue. The orchestrators are
// purely reactive to these; no business logic owns a timer.
type MessageProducer interface {
	PublishAccountSync(ctx context.Context, job *AccountSyncJob) error
	PublishFineTuneCheck(ctx context.Context, coachID uuid.UUID) error
	PublishJobPoll(ctx context.Context) error
}

// EventPublisher emits domain events for downstream consumers. Delivery
// ordering relative to other event types is not guaranteed.
type EventPublisher interface {
	PublishSyncCompleted(ctx context.Context, event *domain.SyncCompletedEvent) error
}

// CoachCheckLock serializes fine-tuning readiness checks per coach, the same
// way the queue lock serializes sync runs per account. Two concurrent checks
// for one coach would both see the same unconsumed rows and double-claim them.
type CoachCheckLock interface {
	// Acquire returns false when another worker holds the coach's lock.
	Acquire(ctx context.Context, coachID uuid.UUID) (bool, error)
	Release(ctx context.Context, coachID uuid.UUID) error
}

package out

import (
	"context"
	"errors"
	"time"

	"replica_server/core/domain"

	"github.com/google/uuid"
)

// ErrDuplicate is returned by repositories when an insert hits a uniqueness
// constraint. Callers that rely on idempotent ingestion treat it as a no-op.
var ErrDuplicate = errors.New("duplicate row")

// =============================================================================
// Account Repository
// =============================================================================

// AccountRepository persists EmailAccount rows. Token fields are encrypted
// at rest by the adapter.
type AccountRepository interface {
	GetByID(ctx context.Context, id int64) (*domain.EmailAccount, error)
	GetByEmail(ctx context.Context, coachID uuid.UUID, provider domain.Provider, email string) (*domain.EmailAccount, error)
	ListByCoach(ctx context.Context, coachID uuid.UUID) ([]*domain.EmailAccount, error)
	ListSyncEnabled(ctx context.Context) ([]*domain.EmailAccount, error)

	Create(ctx context.Context, account *domain.EmailAccount) error
	UpdateTokens(ctx context.Context, id int64, accessToken, refreshToken string, expiresAt time.Time) error

	// MarkNeedsReauth disables sync and clears both tokens in one write.
	MarkNeedsReauth(ctx context.Context, id int64) error

	// UpdateSyncState persists the continuation token and last-sync time.
	// Called exactly once per run, after the whole batch is processed.
	UpdateSyncState(ctx context.Context, id int64, lastSyncToken string, lastSyncAt time.Time) error
}

// =============================================================================
// Identity Repository
// =============================================================================

// IdentityRepository resolves email addresses to coach/client/lead identities.
// Lookups return (nil, nil) when no identity matches.
type IdentityRepository interface {
	FindActiveClient(ctx context.Context, coachID uuid.UUID, email string) (*domain.Identity, error)
	FindLead(ctx context.Context, coachID uuid.UUID, email string) (*domain.Identity, error)
	GetCoach(ctx context.Context, coachID uuid.UUID) (*domain.Identity, error)

	// ListCoachesWithReplicaAgent returns coaches whose replica agent is
	// enabled, the population of the fine-tuning readiness pass.
	ListCoachesWithReplicaAgent(ctx context.Context) ([]*domain.CoachAgent, error)

	// UpdateAgentModel records the fine-tuned model on the coach's agent.
	UpdateAgentModel(ctx context.Context, coachID uuid.UUID, modelID string) error
}

// =============================================================================
// Thread Repository
// =============================================================================

// ThreadRepository persists EmailThread rows. (coach_id, thread_id) carries a
// uniqueness constraint so cross-run races cannot create a second thread.
type ThreadRepository interface {
	GetByThreadID(ctx context.Context, coachID uuid.UUID, threadID string) (*domain.EmailThread, error)

	// Create inserts a new thread at MessageCount=1. Returns ErrDuplicate
	// when another writer created the thread first.
	Create(ctx context.Context, thread *domain.EmailThread) error

	// RecordMessage increments the message count and refreshes the preview,
	// timestamp and read flag.
	RecordMessage(ctx context.Context, coachID uuid.UUID, threadID string, at time.Time, preview string, isRead bool) error
}

// =============================================================================
// Fine-Tuning Repositories
// =============================================================================

// CachedEmailRepository persists the fine-tuning cache. Rows are append-only
// apart from the consumed flag.
type CachedEmailRepository interface {
	// Insert adds a row; a (coach_id, message_id) duplicate returns
	// ErrDuplicate and leaves the existing row untouched.
	Insert(ctx context.Context, email *domain.CachedEmail) error

	CountUnconsumed(ctx context.Context, coachID uuid.UUID) (int, error)

	// ListUnconsumedOldest returns up to limit trainable rows, oldest first.
	ListUnconsumedOldest(ctx context.Context, coachID uuid.UUID, limit int) ([]*domain.CachedEmail, error)

	// MarkConsumed flips IncludedInFineTuning and stamps the owning job in a
	// single statement, fixing the job's input set.
	MarkConsumed(ctx context.Context, jobID int64, ids []int64) error

	// RequeueJobEmails releases a failed job's rows back to the pool. Only
	// invoked by an explicit ops action, never automatically.
	RequeueJobEmails(ctx context.Context, jobID int64) error
}

// FineTuningJobRepository persists FineTuningJob rows.
type FineTuningJobRepository interface {
	Create(ctx context.Context, job *domain.FineTuningJob) error
	Update(ctx context.Context, job *domain.FineTuningJob) error
	GetByID(ctx context.Context, id int64) (*domain.FineTuningJob, error)

	// ListActive returns jobs in preparing_data or running, the polling set.
	ListActive(ctx context.Context) ([]*domain.FineTuningJob, error)
}

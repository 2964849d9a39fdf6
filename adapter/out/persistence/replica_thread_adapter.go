package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"replica_server/core/domain"
	"replica_server/core/port/out"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// =============================================================================
// Thread Row Mapping
// =============================================================================

type threadRow struct {
	ID                 int64          `db:"id"`
	CoachID            uuid.UUID      `db:"coach_id"`
	ThreadID           string         `db:"thread_id"`
	Subject            string         `db:"subject"`
	ParticipantID      uuid.UUID      `db:"participant_id"`
	ParticipantType    string         `db:"participant_type"`
	ParticipantEmail   string         `db:"participant_email"`
	MessageCount       int            `db:"message_count"`
	LastMessageAt      time.Time      `db:"last_message_at"`
	LastMessagePreview sql.NullString `db:"last_message_preview"`
	IsRead             bool           `db:"is_read"`
	CreatedAt          time.Time      `db:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at"`
}

func (r *threadRow) toDomain() *domain.EmailThread {
	thread := &domain.EmailThread{
		ID:               r.ID,
		CoachID:          r.CoachID,
		ThreadID:         r.ThreadID,
		Subject:          r.Subject,
		ParticipantID:    r.ParticipantID,
		ParticipantType:  domain.UserType(r.ParticipantType),
		ParticipantEmail: r.ParticipantEmail,
		MessageCount:     r.MessageCount,
		LastMessageAt:    r.LastMessageAt,
		IsRead:           r.IsRead,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
	if r.LastMessagePreview.Valid {
		thread.LastMessagePreview = r.LastMessagePreview.String
	}
	return thread
}

// =============================================================================
// Thread Adapter
// =============================================================================

// ThreadAdapter implements out.ThreadRepository. email_threads carries a
// unique constraint on (coach_id, thread_id); a violation maps to
// out.ErrDuplicate so the reconciler can resolve the race.
type ThreadAdapter struct {
	db *sqlx.DB
}

func NewThreadAdapter(db *sqlx.DB) *ThreadAdapter {
	return &ThreadAdapter{db: db}
}

func (a *ThreadAdapter) GetByThreadID(ctx context.Context, coachID uuid.UUID, threadID string) (*domain.EmailThread, error) {
	var row threadRow
	query := `
		SELECT id, coach_id, thread_id, subject, participant_id, participant_type,
			participant_email, message_count, last_message_at, last_message_preview,
			is_read, created_at, updated_at
		FROM email_threads
		WHERE coach_id = $1 AND thread_id = $2`
	err := a.db.QueryRowxContext(ctx, query, coachID, threadID).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain(), nil
}

func (a *ThreadAdapter) Create(ctx context.Context, thread *domain.EmailThread) error {
	query := `
		INSERT INTO email_threads (
			coach_id, thread_id, subject, participant_id, participant_type,
			participant_email, message_count, last_message_at, last_message_preview,
			is_read, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
		RETURNING id, created_at, updated_at`

	err := a.db.QueryRowxContext(ctx, query,
		thread.CoachID, thread.ThreadID, thread.Subject,
		thread.ParticipantID, string(thread.ParticipantType), thread.ParticipantEmail,
		thread.MessageCount, thread.LastMessageAt, thread.LastMessagePreview,
		thread.IsRead,
	).Scan(&thread.ID, &thread.CreatedAt, &thread.UpdatedAt)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return out.ErrDuplicate
	}
	return err
}

func (a *ThreadAdapter) RecordMessage(ctx context.Context, coachID uuid.UUID, threadID string, at time.Time, preview string, isRead bool) error {
	query := `
		UPDATE email_threads
		SET message_count = message_count + 1,
			last_message_at = GREATEST(last_message_at, $3),
			last_message_preview = $4,
			is_read = $5,
			updated_at = NOW()
		WHERE coach_id = $1 AND thread_id = $2`
	_, err := a.db.ExecContext(ctx, query, coachID, threadID, at, preview, isRead)
	return err
}

var _ out.ThreadRepository = (*ThreadAdapter)(nil)

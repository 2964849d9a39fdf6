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
// Cached Email Adapter
// =============================================================================

type cachedEmailRow struct {
	ID                   int64          `db:"id"`
	CoachID              uuid.UUID      `db:"coach_id"`
	ThreadID             string         `db:"thread_id"`
	MessageID            string         `db:"message_id"`
	ContentKey           string         `db:"content_key"`
	FromEmail            string         `db:"from_email"`
	ToEmails             pq.StringArray `db:"to_emails"`
	Subject              string         `db:"subject"`
	IsFromCoach          bool           `db:"is_from_coach"`
	IsToClientOrLead     bool           `db:"is_to_client_or_lead"`
	SentAt               time.Time      `db:"sent_at"`
	IncludedInFineTuning bool           `db:"included_in_fine_tuning"`
	FineTuningJobID      sql.NullInt64  `db:"fine_tuning_job_id"`
	CreatedAt            time.Time      `db:"created_at"`
}

func (r *cachedEmailRow) toDomain() *domain.CachedEmail {
	email := &domain.CachedEmail{
		ID:                   r.ID,
		CoachID:              r.CoachID,
		ThreadID:             r.ThreadID,
		MessageID:            r.MessageID,
		ContentKey:           r.ContentKey,
		FromEmail:            r.FromEmail,
		ToEmails:             r.ToEmails,
		Subject:              r.Subject,
		IsFromCoach:          r.IsFromCoach,
		IsToClientOrLead:     r.IsToClientOrLead,
		SentAt:               r.SentAt,
		IncludedInFineTuning: r.IncludedInFineTuning,
		CreatedAt:            r.CreatedAt,
	}
	if r.FineTuningJobID.Valid {
		jobID := r.FineTuningJobID.Int64
		email.FineTuningJobID = &jobID
	}
	return email
}

// CachedEmailAdapter implements out.CachedEmailRepository. cached_emails is
// unique on (coach_id, message_id).
type CachedEmailAdapter struct {
	db *sqlx.DB
}

func NewCachedEmailAdapter(db *sqlx.DB) *CachedEmailAdapter {
	return &CachedEmailAdapter{db: db}
}

func (a *CachedEmailAdapter) Insert(ctx context.Context, email *domain.CachedEmail) error {
	query := `
		INSERT INTO cached_emails (
			coach_id, thread_id, message_id, content_key, from_email, to_emails,
			subject, is_from_coach, is_to_client_or_lead, sent_at,
			included_in_fine_tuning, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, false, NOW())
		RETURNING id, created_at`

	err := a.db.QueryRowxContext(ctx, query,
		email.CoachID, email.ThreadID, email.MessageID, email.ContentKey,
		email.FromEmail, pq.Array(email.ToEmails), email.Subject,
		email.IsFromCoach, email.IsToClientOrLead, email.SentAt,
	).Scan(&email.ID, &email.CreatedAt)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return out.ErrDuplicate
	}
	return err
}

func (a *CachedEmailAdapter) CountUnconsumed(ctx context.Context, coachID uuid.UUID) (int, error) {
	var count int
	query := `
		SELECT COUNT(*) FROM cached_emails
		WHERE coach_id = $1 AND is_from_coach = true AND is_to_client_or_lead = true
			AND included_in_fine_tuning = false`
	err := a.db.QueryRowxContext(ctx, query, coachID).Scan(&count)
	return count, err
}

func (a *CachedEmailAdapter) ListUnconsumedOldest(ctx context.Context, coachID uuid.UUID, limit int) ([]*domain.CachedEmail, error) {
	query := `
		SELECT id, coach_id, thread_id, message_id, content_key, from_email, to_emails,
			subject, is_from_coach, is_to_client_or_lead, sent_at,
			included_in_fine_tuning, fine_tuning_job_id, created_at
		FROM cached_emails
		WHERE coach_id = $1 AND is_from_coach = true AND is_to_client_or_lead = true
			AND included_in_fine_tuning = false
		ORDER BY sent_at ASC
		LIMIT $2`

	rows, err := a.db.QueryxContext(ctx, query, coachID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var emails []*domain.CachedEmail
	for rows.Next() {
		var row cachedEmailRow
		if err := rows.StructScan(&row); err != nil {
			return nil, err
		}
		emails = append(emails, row.toDomain())
	}
	return emails, rows.Err()
}

func (a *CachedEmailAdapter) MarkConsumed(ctx context.Context, jobID int64, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	// The consumed guard makes the claim write-once: a row already claimed
	// by another job is never reassigned.
	query := `
		UPDATE cached_emails
		SET included_in_fine_tuning = true, fine_tuning_job_id = $1
		WHERE id = ANY($2) AND included_in_fine_tuning = false`
	_, err := a.db.ExecContext(ctx, query, jobID, pq.Array(ids))
	return err
}

func (a *CachedEmailAdapter) RequeueJobEmails(ctx context.Context, jobID int64) error {
	query := `
		UPDATE cached_emails
		SET included_in_fine_tuning = false, fine_tuning_job_id = NULL
		WHERE fine_tuning_job_id = $1`
	_, err := a.db.ExecContext(ctx, query, jobID)
	return err
}

var _ out.CachedEmailRepository = (*CachedEmailAdapter)(nil)

// =============================================================================
// Fine-Tuning Job Adapter
// =============================================================================

type jobRow struct {
	ID             int64          `db:"id"`
	CoachID        uuid.UUID      `db:"coach_id"`
	AssistantID    sql.NullString `db:"assistant_id"`
	BaseModel      string         `db:"base_model"`
	DatasetKey     string         `db:"dataset_key"`
	EmailCount     int            `db:"email_count"`
	RangeStart     sql.NullTime   `db:"range_start"`
	RangeEnd       sql.NullTime   `db:"range_end"`
	ExternalJobID  sql.NullString `db:"external_job_id"`
	ExternalFileID sql.NullString `db:"external_file_id"`
	FineTunedModel sql.NullString `db:"fine_tuned_model"`
	Status         string         `db:"status"`
	ErrorMessage   sql.NullString `db:"error_message"`
	TrainedTokens  sql.NullInt64  `db:"trained_tokens"`
	CreatedAt      time.Time      `db:"created_at"`
	StartedAt      sql.NullTime   `db:"started_at"`
	FinishedAt     sql.NullTime   `db:"finished_at"`
}

func (r *jobRow) toDomain() *domain.FineTuningJob {
	job := &domain.FineTuningJob{
		ID:             r.ID,
		CoachID:        r.CoachID,
		AssistantID:    r.AssistantID.String,
		BaseModel:      r.BaseModel,
		DatasetKey:     r.DatasetKey,
		EmailCount:     r.EmailCount,
		ExternalJobID:  r.ExternalJobID.String,
		ExternalFileID: r.ExternalFileID.String,
		FineTunedModel: r.FineTunedModel.String,
		Status:         domain.JobStatus(r.Status),
		ErrorMessage:   r.ErrorMessage.String,
		TrainedTokens:  r.TrainedTokens.Int64,
		CreatedAt:      r.CreatedAt,
	}
	if r.RangeStart.Valid {
		job.RangeStart = r.RangeStart.Time
	}
	if r.RangeEnd.Valid {
		job.RangeEnd = r.RangeEnd.Time
	}
	if r.StartedAt.Valid {
		job.StartedAt = r.StartedAt.Time
	}
	if r.FinishedAt.Valid {
		job.FinishedAt = r.FinishedAt.Time
	}
	return job
}

// FineTuningJobAdapter implements out.FineTuningJobRepository.
type FineTuningJobAdapter struct {
	db *sqlx.DB
}

func NewFineTuningJobAdapter(db *sqlx.DB) *FineTuningJobAdapter {
	return &FineTuningJobAdapter{db: db}
}

const jobSelectColumns = `id, coach_id, assistant_id, base_model, dataset_key, email_count,
	range_start, range_end, external_job_id, external_file_id, fine_tuned_model,
	status, error_message, trained_tokens, created_at, started_at, finished_at`

func (a *FineTuningJobAdapter) Create(ctx context.Context, job *domain.FineTuningJob) error {
	query := `
		INSERT INTO fine_tuning_jobs (
			coach_id, assistant_id, base_model, dataset_key, email_count,
			range_start, range_end, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		RETURNING id, created_at`

	return a.db.QueryRowxContext(ctx, query,
		job.CoachID, job.AssistantID, job.BaseModel, job.DatasetKey, job.EmailCount,
		nullTime(job.RangeStart), nullTime(job.RangeEnd), string(job.Status),
	).Scan(&job.ID, &job.CreatedAt)
}

func (a *FineTuningJobAdapter) Update(ctx context.Context, job *domain.FineTuningJob) error {
	query := `
		UPDATE fine_tuning_jobs
		SET external_job_id = $2, external_file_id = $3, fine_tuned_model = $4,
			status = $5, error_message = $6, trained_tokens = $7,
			started_at = $8, finished_at = $9
		WHERE id = $1`
	_, err := a.db.ExecContext(ctx, query,
		job.ID, job.ExternalJobID, job.ExternalFileID, job.FineTunedModel,
		string(job.Status), job.ErrorMessage, job.TrainedTokens,
		nullTime(job.StartedAt), nullTime(job.FinishedAt))
	return err
}

func (a *FineTuningJobAdapter) GetByID(ctx context.Context, id int64) (*domain.FineTuningJob, error) {
	var row jobRow
	query := "SELECT " + jobSelectColumns + " FROM fine_tuning_jobs WHERE id = $1"
	err := a.db.QueryRowxContext(ctx, query, id).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain(), nil
}

func (a *FineTuningJobAdapter) ListActive(ctx context.Context) ([]*domain.FineTuningJob, error) {
	query := "SELECT " + jobSelectColumns + ` FROM fine_tuning_jobs
		WHERE status IN ('preparing_data', 'running')
		ORDER BY created_at`

	rows, err := a.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*domain.FineTuningJob
	for rows.Next() {
		var row jobRow
		if err := rows.StructScan(&row); err != nil {
			return nil, err
		}
		jobs = append(jobs, row.toDomain())
	}
	return jobs, rows.Err()
}

var _ out.FineTuningJobRepository = (*FineTuningJobAdapter)(nil)

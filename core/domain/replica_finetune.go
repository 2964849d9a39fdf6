package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// CachedEmail - fine-tuning input unit
// =============================================================================

// CachedEmail is one coach-authored, client-addressed email staged for
// fine-tuning. Unique on (CoachID, MessageID); re-ingestion is a no-op.
// Rows are append-only: the only mutation ever applied is flipping
// IncludedInFineTuning when a job claims them.
type CachedEmail struct {
	ID        int64     `json:"id"`
	CoachID   uuid.UUID `json:"coach_id"`
	ThreadID  string    `json:"thread_id"`
	MessageID string    `json:"message_id"`

	// ContentKey addresses the raw body in the content store.
	ContentKey string `json:"content_key"`

	FromEmail string   `json:"from_email"`
	ToEmails  []string `json:"to_emails"`
	Subject   string   `json:"subject"`

	IsFromCoach      bool `json:"is_from_coach"`
	IsToClientOrLead bool `json:"is_to_client_or_lead"`

	SentAt time.Time `json:"sent_at"`

	IncludedInFineTuning bool   `json:"included_in_fine_tuning"`
	FineTuningJobID      *int64 `json:"fine_tuning_job_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Trainable reports whether the row can still be claimed by a job.
func (c *CachedEmail) Trainable() bool {
	return c.IsFromCoach && c.IsToClientOrLead && !c.IncludedInFineTuning
}

// =============================================================================
// FineTuningJob - training job lifecycle
// =============================================================================

// JobStatus is the lifecycle state of a fine-tuning job. Transitions are
// strictly forward; terminal states never move again.
type JobStatus string

const (
	JobStatusPending       JobStatus = "pending"
	JobStatusPreparingData JobStatus = "preparing_data"
	JobStatusRunning       JobStatus = "running"
	JobStatusCompleted     JobStatus = "completed"
	JobStatusFailed        JobStatus = "failed"
	JobStatusCancelled     JobStatus = "cancelled"
)

// jobStatusRank orders statuses so transitions can only move forward.
// The three terminal states share the highest rank.
var jobStatusRank = map[JobStatus]int{
	JobStatusPending:       0,
	JobStatusPreparingData: 1,
	JobStatusRunning:       2,
	JobStatusCompleted:     3,
	JobStatusFailed:        3,
	JobStatusCancelled:     3,
}

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// CanTransitionTo reports whether moving from s to next is legal.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	if s.Terminal() {
		return false
	}
	from, ok := jobStatusRank[s]
	if !ok {
		return false
	}
	to, ok := jobStatusRank[next]
	if !ok {
		return false
	}
	return to > from
}

// FineTuningJob tracks one external model-training job for one coach.
type FineTuningJob struct {
	ID      int64     `json:"id"`
	CoachID uuid.UUID `json:"coach_id"`

	// AssistantID is the coach's replica agent whose model gets replaced
	// when the job completes.
	AssistantID string `json:"assistant_id"`
	BaseModel   string `json:"base_model"`

	DatasetKey string    `json:"dataset_key"`
	EmailCount int       `json:"email_count"`
	RangeStart time.Time `json:"range_start"`
	RangeEnd   time.Time `json:"range_end"`

	ExternalJobID  string `json:"external_job_id,omitempty"`
	ExternalFileID string `json:"external_file_id,omitempty"`
	FineTunedModel string `json:"fine_tuned_model,omitempty"`

	Status       JobStatus `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`

	TrainedTokens int64 `json:"trained_tokens,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// AdvanceTo applies a forward-only status transition, stamping StartedAt and
// FinishedAt as appropriate. Illegal transitions return an error and leave
// the job unchanged.
func (j *FineTuningJob) AdvanceTo(next JobStatus, now time.Time) error {
	if !j.Status.CanTransitionTo(next) {
		return fmt.Errorf("illegal job transition %s -> %s", j.Status, next)
	}
	j.Status = next
	switch {
	case next == JobStatusRunning && j.StartedAt.IsZero():
		j.StartedAt = now
	case next.Terminal():
		j.FinishedAt = now
	}
	return nil
}

// Fail moves the job to failed with a captured message. Failing an already
// terminal job is a no-op.
func (j *FineTuningJob) Fail(message string, now time.Time) {
	if j.Status.Terminal() {
		return
	}
	j.Status = JobStatusFailed
	j.ErrorMessage = message
	j.FinishedAt = now
}

// CoachAgent links a coach to their replica agent configuration. Coaches
// without an enabled agent are skipped by the readiness pass.
type CoachAgent struct {
	CoachID     uuid.UUID `json:"coach_id"`
	AssistantID string    `json:"assistant_id"`
	BaseModel   string    `json:"base_model"`
	ModelID     string    `json:"model_id,omitempty"`
	Enabled     bool      `json:"enabled"`
}

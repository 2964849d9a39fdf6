package stream

import (
	"context"
	"time"

	"replica_server/core/domain"
	"replica_server/core/port/out"

	"github.com/google/uuid"
)

// Producer publishes jobs and events onto Redis Streams. It implements both
// out.MessageProducer and out.EventPublisher.
type Producer struct {
	stream *RedisStream
}

func NewProducer(stream *RedisStream) *Producer {
	return &Producer{stream: stream}
}

type Job struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}

func (p *Producer) PublishAccountSync(ctx context.Context, syncJob *out.AccountSyncJob) error {
	job := &Job{
		ID:   uuid.New().String(),
		Type: "account.sync",
		Payload: map[string]any{
			"account_id": syncJob.AccountID,
			"force_full": syncJob.ForceFull,
			"max_emails": syncJob.MaxEmails,
		},
		CreatedAt: time.Now(),
	}
	_, err := p.stream.Publish(ctx, StreamAccountSync, job)
	return err
}

func (p *Producer) PublishFineTuneCheck(ctx context.Context, coachID uuid.UUID) error {
	payload := map[string]any{}
	// uuid.Nil means "check every coach"; the consumer treats a missing
	// coach_id as the full readiness pass.
	if coachID != uuid.Nil {
		payload["coach_id"] = coachID.String()
	}
	job := &Job{
		ID:        uuid.New().String(),
		Type:      "finetune.check",
		Payload:   payload,
		CreatedAt: time.Now(),
	}
	_, err := p.stream.Publish(ctx, StreamFineTune, job)
	return err
}

func (p *Producer) PublishJobPoll(ctx context.Context) error {
	job := &Job{
		ID:        uuid.New().String(),
		Type:      "finetune.poll",
		Payload:   map[string]any{},
		CreatedAt: time.Now(),
	}
	_, err := p.stream.Publish(ctx, StreamFineTune, job)
	return err
}

func (p *Producer) PublishSyncCompleted(ctx context.Context, event *domain.SyncCompletedEvent) error {
	job := &Job{
		ID:   uuid.New().String(),
		Type: domain.EventSyncCompleted,
		Payload: map[string]any{
			"coach_id":            event.CoachID.String(),
			"account_id":          event.AccountID,
			"total_processed":     event.TotalProcessed,
			"client_emails_found": event.ClientEmailsFound,
			"synced_at":           event.SyncedAt,
		},
		CreatedAt: time.Now(),
	}
	_, err := p.stream.Publish(ctx, StreamEvents, job)
	return err
}

var (
	_ out.MessageProducer = (*Producer)(nil)
	_ out.EventPublisher  = (*Producer)(nil)
)

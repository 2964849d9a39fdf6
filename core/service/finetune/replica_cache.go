// Package finetune stages coach emails and drives the model training
// lifecycle against the external training API.
package finetune

import (
	"context"
	"errors"
	"time"

	"replica_server/core/domain"
	"replica_server/core/port/out"
	"replica_server/pkg/apperr"
	"replica_server/pkg/logger"

	"github.com/google/uuid"
)

// ErrContentStoreUnavailable is returned when ingestion runs without a
// configured content store. Callers count it like any other per-email
// failure instead of aborting the run.
var ErrContentStoreUnavailable = errors.New("content store not configured")

// CacheService stages coach-authored emails for fine-tuning. Ingestion is
// idempotent on (coach, message): re-syncing a window never duplicates rows.
type CacheService struct {
	cached   out.CachedEmailRepository
	contents out.ContentStore
	log      *logger.Logger
}

func NewCacheService(cached out.CachedEmailRepository, contents out.ContentStore) *CacheService {
	return &CacheService{
		cached:   cached,
		contents: contents,
		log:      logger.WithField("component", "finetune-cache"),
	}
}

// IngestCoachEmail stores the email body and stages a cache row. The body is
// stored for every coach email so completed threads keep their full context;
// only client-or-lead-addressed rows are ever claimed by a training job.
func (s *CacheService) IngestCoachEmail(ctx context.Context, coachID uuid.UUID, email *domain.SyncedEmail, toClientOrLead bool) error {
	if s.contents == nil {
		return apperr.ExternalError("content store", ErrContentStoreUnavailable)
	}

	toEmails := make([]string, 0, len(email.To))
	for _, a := range email.To {
		toEmails = append(toEmails, domain.NormalizeEmail(a.Email))
	}

	content := &out.MessageContent{
		MessageID:   email.MessageID,
		ThreadID:    email.ThreadID,
		From:        domain.NormalizeEmail(email.From.Email),
		To:          toEmails,
		Subject:     email.Subject,
		Text:        email.Text,
		HTML:        email.HTML,
		IsFromCoach: true,
		SentAt:      email.SentAt,
	}
	key, err := s.contents.Put(ctx, coachID, content)
	if err != nil {
		return apperr.ExternalError("content store", err)
	}

	row := &domain.CachedEmail{
		CoachID:          coachID,
		ThreadID:         email.ThreadID,
		MessageID:        email.MessageID,
		ContentKey:       key,
		FromEmail:        content.From,
		ToEmails:         toEmails,
		Subject:          email.Subject,
		IsFromCoach:      true,
		IsToClientOrLead: toClientOrLead,
		SentAt:           email.SentAt,
		CreatedAt:        time.Now(),
	}

	err = s.cached.Insert(ctx, row)
	if errors.Is(err, out.ErrDuplicate) {
		s.log.Debug("cache row exists for coach %s message %s, skipping", coachID, email.MessageID)
		return nil
	}
	if err != nil {
		return apperr.DatabaseError("insert cached email", err)
	}
	return nil
}

package sync

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

const previewLength = 120

// ReconcileResult reports what the reconciler did with one email.
type ReconcileResult struct {
	Thread        *domain.EmailThread
	ThreadCreated bool
	Identity      *domain.Identity
}

// Reconciler attaches inbound client emails to per-coach threads. Each email
// resolves its sender against the coach's known identities; unknown senders
// are skipped without error.
type Reconciler struct {
	identities out.IdentityRepository
	threads    out.ThreadRepository
	log        *logger.Logger
}

func NewReconciler(identities out.IdentityRepository, threads out.ThreadRepository) *Reconciler {
	return &Reconciler{
		identities: identities,
		threads:    threads,
		log:        logger.WithField("component", "reconciler"),
	}
}

// ResolveIdentity maps an address to an identity for the coach. Precedence
// is fixed: active client, then lead. When an address matches both, the
// client record wins and the collision is logged once.
func (r *Reconciler) ResolveIdentity(ctx context.Context, coachID uuid.UUID, email string) (*domain.Identity, error) {
	addr := domain.NormalizeEmail(email)

	client, err := r.identities.FindActiveClient(ctx, coachID, addr)
	if err != nil {
		return nil, apperr.DatabaseError("find client", err)
	}

	lead, err := r.identities.FindLead(ctx, coachID, addr)
	if err != nil {
		return nil, apperr.DatabaseError("find lead", err)
	}

	if client != nil {
		if lead != nil {
			r.log.Warn("address %s matches both client %s and lead %s for coach %s, using client",
				addr, client.ID, lead.ID, coachID)
		}
		return client, nil
	}
	return lead, nil
}

// Reconcile attaches one inbound email to its thread, creating the thread on
// first contact. Returns (nil, nil) when the sender is not a known client or
// lead of the coach.
func (r *Reconciler) Reconcile(ctx context.Context, coachID uuid.UUID, email *domain.SyncedEmail) (*ReconcileResult, error) {
	identity, err := r.ResolveIdentity(ctx, coachID, email.From.Email)
	if err != nil {
		return nil, err
	}
	if identity == nil || !identity.IsClientOrLead() {
		return nil, nil
	}

	thread, created, err := r.findOrCreateThread(ctx, coachID, identity, email)
	if err != nil {
		return nil, apperr.Reconciliation(email.MessageID, err)
	}

	return &ReconcileResult{Thread: thread, ThreadCreated: created, Identity: identity}, nil
}

// findOrCreateThread resolves the (coach, provider-thread) pair to a single
// EmailThread. Concurrent creation races resolve through the uniqueness
// constraint: the loser re-reads and records its message on the winner's row.
func (r *Reconciler) findOrCreateThread(ctx context.Context, coachID uuid.UUID, identity *domain.Identity, email *domain.SyncedEmail) (*domain.EmailThread, bool, error) {
	existing, err := r.threads.GetByThreadID(ctx, coachID, email.ThreadID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		if err := r.threads.RecordMessage(ctx, coachID, email.ThreadID, email.ReceivedAt, email.Preview(previewLength), email.IsRead); err != nil {
			return nil, false, err
		}
		existing.MessageCount++
		existing.LastMessageAt = email.ReceivedAt
		existing.LastMessagePreview = email.Preview(previewLength)
		existing.IsRead = email.IsRead
		return existing, false, nil
	}

	now := time.Now()
	thread := &domain.EmailThread{
		CoachID:            coachID,
		ThreadID:           email.ThreadID,
		Subject:            email.Subject,
		ParticipantID:      identity.ID,
		ParticipantType:    identity.Type,
		ParticipantEmail:   identity.Email,
		MessageCount:       1,
		LastMessageAt:      email.ReceivedAt,
		LastMessagePreview: email.Preview(previewLength),
		IsRead:             email.IsRead,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	err = r.threads.Create(ctx, thread)
	if err == nil {
		return thread, true, nil
	}
	if !errors.Is(err, out.ErrDuplicate) {
		return nil, false, err
	}

	// Lost the race, attach to the row the winner created.
	existing, err = r.threads.GetByThreadID(ctx, coachID, email.ThreadID)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, errors.New("thread vanished after duplicate insert")
	}
	if err := r.threads.RecordMessage(ctx, coachID, email.ThreadID, email.ReceivedAt, email.Preview(previewLength), email.IsRead); err != nil {
		return nil, false, err
	}
	existing.MessageCount++
	return existing, false, nil
}

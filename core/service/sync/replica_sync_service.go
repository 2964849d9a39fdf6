package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"replica_server/core/domain"
	"replica_server/core/port/out"
	"replica_server/core/service/auth"
	"replica_server/pkg/apperr"
	"replica_server/pkg/logger"

	"github.com/google/uuid"
)

// State of one sync run, reported in logs and the run result.
type State string

const (
	StateIdle            State = "idle"
	StateTokenValidating State = "token_validating"
	StateTestingConn     State = "testing_connection"
	StateFetching        State = "fetching"
	StateReconciling     State = "reconciling"
	StatePersisting      State = "persisting"
	StateCompleted       State = "completed"
	StateFailed          State = "failed"
)

// DefaultMaxEmails bounds a run that arrives without an explicit limit.
const DefaultMaxEmails = 200

var errContentStoreUnavailable = errors.New("content store not configured")

// CoachEmailCache stages coach-authored emails for fine-tuning. Implemented
// by the finetune cache service; duplicated ingestion must be a no-op.
type CoachEmailCache interface {
	IngestCoachEmail(ctx context.Context, coachID uuid.UUID, email *domain.SyncedEmail, toClientOrLead bool) error
}

// Options for one run.
type Options struct {
	// ForceFull discards the stored continuation and bootstraps from scratch.
	ForceFull bool
	// MaxEmails caps the run; zero means DefaultMaxEmails.
	MaxEmails int
}

// Result summarizes one run.
type Result struct {
	AccountID         int64
	State             State
	TotalProcessed    int
	ClientEmailsFound int
	CoachEmailsCached int
	ThreadsCreated    int
	EmailFailures     int
	Duration          time.Duration
}

// Service runs the incremental sync for one account at a time. Per-account
// serialization is enforced upstream by the queue lock; the service itself
// is stateless between runs.
type Service struct {
	accounts  out.AccountRepository
	providers out.ProviderRegistry
	tokens    *auth.TokenManager
	reconcile *Reconciler
	contents  out.ContentStore
	cache     CoachEmailCache
	events    out.EventPublisher
	log       *logger.Logger
}

func NewService(
	accounts out.AccountRepository,
	providers out.ProviderRegistry,
	tokens *auth.TokenManager,
	reconciler *Reconciler,
	contents out.ContentStore,
	cache CoachEmailCache,
	events out.EventPublisher,
) *Service {
	return &Service{
		accounts:  accounts,
		providers: providers,
		tokens:    tokens,
		reconcile: reconciler,
		contents:  contents,
		cache:     cache,
		events:    events,
		log:       logger.WithField("component", "sync"),
	}
}

// Run executes one sync for the account. The continuation token and
// last-sync time are persisted only after the whole batch succeeds, so a
// failed run re-fetches the same window next time.
func (s *Service) Run(ctx context.Context, accountID int64, opts Options) (*Result, error) {
	start := time.Now()
	result := &Result{AccountID: accountID, State: StateIdle}

	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		result.State = StateFailed
		return result, apperr.DatabaseError("load account", err)
	}
	if account == nil {
		result.State = StateFailed
		return result, apperr.NotFound("email account")
	}

	// Accounts in the reconnect state fail fast without any network call.
	if account.NeedsReauth() {
		result.State = StateFailed
		return result, apperr.ReauthRequired(account.ID)
	}

	log := s.log.WithFields(map[string]any{
		"account_id": account.ID,
		"coach_id":   account.CoachID.String(),
		"provider":   string(account.Provider),
	})

	result.State = StateTokenValidating
	accessToken, err := s.tokens.EnsureValidToken(ctx, account)
	if err != nil {
		result.State = StateFailed
		return result, err
	}

	provider, err := s.providers.Get(account.Provider)
	if err != nil {
		result.State = StateFailed
		return result, err
	}

	result.State = StateTestingConn
	ok, err := provider.TestConnection(ctx, accessToken)
	if err != nil {
		result.State = StateFailed
		if out.IsRetryable(err) {
			return result, apperr.ProviderTransient(string(account.Provider), err)
		}
		if markErr := s.tokens.MarkRejected(ctx, account); markErr != nil {
			log.Error("failed to mark account rejected: %v", markErr)
		}
		return result, apperr.AuthExpired(account.ID, err)
	}
	if !ok {
		result.State = StateFailed
		if markErr := s.tokens.MarkRejected(ctx, account); markErr != nil {
			log.Error("failed to mark account rejected: %v", markErr)
		}
		return result, apperr.AuthExpired(account.ID, nil)
	}

	siblings, err := s.accounts.ListByCoach(ctx, account.CoachID)
	if err != nil {
		result.State = StateFailed
		return result, apperr.DatabaseError("list coach accounts", err)
	}
	classifier := NewClassifier(account, siblings)

	maxEmails := opts.MaxEmails
	if maxEmails <= 0 {
		maxEmails = DefaultMaxEmails
	}

	continuation := s.effectiveContinuation(account, opts.ForceFull)
	log.Info("sync starting, continuation=%q max=%d", continuation, maxEmails)

	result.State = StateFetching
	finalToken, err := s.fetchAndProcess(ctx, provider, accessToken, account, classifier, continuation, maxEmails, result, log)
	if err != nil {
		result.State = StateFailed
		result.Duration = time.Since(start)
		return result, err
	}

	result.State = StatePersisting
	if finalToken == "" {
		finalToken = out.TimestampToken(start)
	}
	if err := s.accounts.UpdateSyncState(ctx, account.ID, finalToken, start); err != nil {
		result.State = StateFailed
		result.Duration = time.Since(start)
		return result, apperr.DatabaseError("persist sync state", err)
	}

	result.State = StateCompleted
	result.Duration = time.Since(start)
	log.Info("sync completed: processed=%d client=%d cached=%d created=%d failed=%d in %s",
		result.TotalProcessed, result.ClientEmailsFound, result.CoachEmailsCached,
		result.ThreadsCreated, result.EmailFailures, result.Duration)

	if s.events != nil {
		event := &domain.SyncCompletedEvent{
			CoachID:           account.CoachID,
			AccountID:         account.ID,
			TotalProcessed:    result.TotalProcessed,
			ClientEmailsFound: result.ClientEmailsFound,
			SyncedAt:          start,
		}
		if err := s.events.PublishSyncCompleted(ctx, event); err != nil {
			log.Warn("failed to publish sync completed event: %v", err)
		}
	}

	return result, nil
}

// effectiveContinuation picks the cursor for the run: the stored provider
// cursor when present, else a timestamp fallback from the last run, else an
// empty bootstrap cursor.
func (s *Service) effectiveContinuation(account *domain.EmailAccount, forceFull bool) string {
	if forceFull {
		return ""
	}
	if account.LastSyncToken != "" {
		return account.LastSyncToken
	}
	if !account.LastSyncAt.IsZero() {
		return out.TimestampToken(account.LastSyncAt)
	}
	return ""
}

// fetchAndProcess pages through the provider until the window is exhausted
// or maxEmails is reached. Returns the continuation token to persist.
func (s *Service) fetchAndProcess(
	ctx context.Context,
	provider out.EmailProviderPort,
	accessToken string,
	account *domain.EmailAccount,
	classifier *Classifier,
	continuation string,
	maxEmails int,
	result *Result,
	log *logger.Logger,
) (string, error) {
	settings := out.SyncSettings{MaxEmails: maxEmails}
	rebootstrapped := false
	finalToken := ""

	for {
		page, err := provider.SyncEmails(ctx, accessToken, settings, continuation)
		if err != nil {
			if out.IsSyncRequired(err) && continuation != "" && !rebootstrapped {
				// Cursor invalidated by the provider, start over once.
				log.Warn("continuation invalidated, falling back to full sync")
				continuation = ""
				rebootstrapped = true
				continue
			}
			if out.IsAuthError(err) {
				if markErr := s.tokens.MarkRejected(ctx, account); markErr != nil {
					log.Error("failed to mark account rejected: %v", markErr)
				}
				return "", apperr.AuthExpired(account.ID, err)
			}
			if out.IsRetryable(err) {
				return "", apperr.ProviderTransient(string(account.Provider), err)
			}
			return "", fmt.Errorf("sync fetch: %w", err)
		}

		result.State = StateReconciling
		for i := range page.Emails {
			email := &page.Emails[i]
			if err := s.processOne(ctx, account, classifier, email, result); err != nil {
				result.EmailFailures++
				log.Error("email %s failed: %v", email.MessageID, err)
			}
			result.TotalProcessed++
		}

		if page.NextContinuation != "" {
			finalToken = page.NextContinuation
		}
		if !page.HasMore || result.TotalProcessed >= maxEmails {
			return finalToken, nil
		}
		continuation = page.NextContinuation
		result.State = StateFetching
	}
}

// processOne routes a single email: coach-authored mail feeds the
// fine-tuning cache, client mail goes through thread reconciliation. Mail
// from strangers is stored for neither.
func (s *Service) processOne(ctx context.Context, account *domain.EmailAccount, classifier *Classifier, email *domain.SyncedEmail, result *Result) error {
	switch classifier.Classify(email) {
	case DirectionOutbound:
		toClientOrLead := false
		for _, addr := range classifier.CounterpartAddresses(email) {
			identity, err := s.reconcile.ResolveIdentity(ctx, account.CoachID, addr)
			if err != nil {
				return err
			}
			if identity != nil && identity.IsClientOrLead() {
				toClientOrLead = true
				break
			}
		}
		if err := s.cache.IngestCoachEmail(ctx, account.CoachID, email, toClientOrLead); err != nil {
			return err
		}
		if toClientOrLead {
			result.CoachEmailsCached++
		}
		return nil

	case DirectionInbound:
		// Without a content store the body would be lost and the thread
		// context unusable for training; count the email as failed rather
		// than recording a thread that points at nothing.
		if s.contents == nil {
			return errContentStoreUnavailable
		}
		res, err := s.reconcile.Reconcile(ctx, account.CoachID, email)
		if err != nil {
			return err
		}
		if res == nil {
			return nil
		}
		result.ClientEmailsFound++
		if res.ThreadCreated {
			result.ThreadsCreated++
		}
		content := &out.MessageContent{
			MessageID: email.MessageID,
			ThreadID:  email.ThreadID,
			From:      domain.NormalizeEmail(email.From.Email),
			To:        addressStrings(email.To),
			Subject:   email.Subject,
			Text:      email.Text,
			HTML:      email.HTML,
			SentAt:    email.SentAt,
		}
		if _, err := s.contents.Put(ctx, account.CoachID, content); err != nil {
			return fmt.Errorf("store content: %w", err)
		}
		return nil
	}
	return nil
}

func addressStrings(addrs []domain.EmailAddress) []string {
	list := make([]string, 0, len(addrs))
	for _, a := range addrs {
		list = append(list, domain.NormalizeEmail(a.Email))
	}
	return list
}

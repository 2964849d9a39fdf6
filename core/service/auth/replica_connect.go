package auth

import (
	"context"
	"time"

	"replica_server/core/domain"
	"replica_server/core/port/out"
	"replica_server/pkg/apperr"
	"replica_server/pkg/logger"

	"github.com/google/uuid"
)

// ConnectService handles the OAuth connect flow: code exchange, profile
// lookup, account upsert and the initial sync enqueue.
type ConnectService struct {
	accounts  out.AccountRepository
	providers out.ProviderRegistry
	producer  out.MessageProducer
}

func NewConnectService(accounts out.AccountRepository, providers out.ProviderRegistry, producer out.MessageProducer) *ConnectService {
	return &ConnectService{
		accounts:  accounts,
		providers: providers,
		producer:  producer,
	}
}

// Connect exchanges the authorization code, resolves the mailbox owner and
// creates or re-enables the EmailAccount. A reconnect of an existing mailbox
// restores the tokens and clears the needs-reauth state.
func (s *ConnectService) Connect(ctx context.Context, coachID uuid.UUID, providerKey domain.Provider, code, redirectURI string) (*domain.EmailAccount, error) {
	provider, err := s.providers.Get(providerKey)
	if err != nil {
		return nil, err
	}

	auth, err := provider.Authenticate(ctx, code, redirectURI)
	if err != nil {
		return nil, apperr.ExternalError(string(providerKey), err)
	}

	info, err := provider.GetUserInfo(ctx, auth.AccessToken)
	if err != nil {
		return nil, apperr.ExternalError(string(providerKey), err)
	}

	now := time.Now()
	account, err := s.accounts.GetByEmail(ctx, coachID, providerKey, domain.NormalizeEmail(info.Email))
	if err != nil {
		return nil, apperr.DatabaseError("lookup account", err)
	}

	if account == nil {
		account = &domain.EmailAccount{
			CoachID:        coachID,
			Provider:       providerKey,
			Email:          domain.NormalizeEmail(info.Email),
			AccessToken:    auth.AccessToken,
			RefreshToken:   auth.RefreshToken,
			TokenExpiresAt: auth.ExpiresAt,
			SyncEnabled:    true,
			IsActive:       true,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := s.accounts.Create(ctx, account); err != nil {
			return nil, apperr.DatabaseError("create account", err)
		}
		logger.Info("connected new %s mailbox %s for coach %s", providerKey, account.Email, coachID)
	} else {
		account.AccessToken = auth.AccessToken
		if auth.RefreshToken != "" {
			account.RefreshToken = auth.RefreshToken
		}
		account.TokenExpiresAt = auth.ExpiresAt
		account.SyncEnabled = true
		if err := s.accounts.UpdateTokens(ctx, account.ID, account.AccessToken, account.RefreshToken, account.TokenExpiresAt); err != nil {
			return nil, apperr.DatabaseError("update tokens", err)
		}
		logger.Info("reconnected %s mailbox %s for coach %s", providerKey, account.Email, coachID)
	}

	// Kick off a bootstrap sync; failure to enqueue is not fatal for the
	// connect itself, the scheduler will pick the account up anyway.
	if s.producer != nil {
		job := &out.AccountSyncJob{AccountID: account.ID, ForceFull: true}
		if err := s.producer.PublishAccountSync(ctx, job); err != nil {
			logger.Warn("failed to enqueue initial sync for account %d: %v", account.ID, err)
		}
	}

	return account, nil
}

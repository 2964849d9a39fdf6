// Package auth implements the OAuth token lifecycle for connected mailboxes.
package auth

import (
	"context"
	"time"

	"replica_server/core/domain"
	"replica_server/core/port/out"
	"replica_server/pkg/apperr"
	"replica_server/pkg/logger"
)

// DefaultTokenSkew is how close to expiry a token may get before it is
// refreshed proactively.
const DefaultTokenSkew = 5 * time.Minute

// TokenManager guarantees callers a currently-valid access token for an
// account, refreshing and persisting when necessary.
type TokenManager struct {
	accounts  out.AccountRepository
	providers out.ProviderRegistry
	skew      time.Duration
	clock     func() time.Time
}

// NewTokenManager creates a token manager with the default skew window.
func NewTokenManager(accounts out.AccountRepository, providers out.ProviderRegistry) *TokenManager {
	return &TokenManager{
		accounts:  accounts,
		providers: providers,
		skew:      DefaultTokenSkew,
		clock:     time.Now,
	}
}

// WithSkew overrides the refresh skew window.
func (m *TokenManager) WithSkew(skew time.Duration) *TokenManager {
	m.skew = skew
	return m
}

// WithClock overrides the clock (for tests).
func (m *TokenManager) WithClock(clock func() time.Time) *TokenManager {
	m.clock = clock
	return m
}

// EnsureValidToken returns an access token usable right now. If the stored
// expiry is unknown or inside the skew window the token is refreshed and the
// new credentials persisted before returning. On a rejected refresh, or when
// no refresh token exists, the account is moved to needs-reauth and an
// AUTH_EXPIRED error is returned; that failure is terminal for the account's
// current run and must not be retried by the caller.
//
// The passed account is mutated in place so callers keep working with the
// fresh credentials.
func (m *TokenManager) EnsureValidToken(ctx context.Context, account *domain.EmailAccount) (string, error) {
	if account.NeedsReauth() {
		return "", apperr.ReauthRequired(account.ID)
	}

	now := m.clock()
	expiring := account.TokenExpiresAt.IsZero() || account.TokenExpiresAt.Sub(now) < m.skew
	if !expiring {
		return account.AccessToken, nil
	}

	return m.refresh(ctx, account)
}

func (m *TokenManager) refresh(ctx context.Context, account *domain.EmailAccount) (string, error) {
	if account.RefreshToken == "" {
		logger.Warn("account %d has no refresh token, marking needs-reauth", account.ID)
		m.markNeedsReauth(ctx, account)
		return "", apperr.AuthExpired(account.ID, nil)
	}

	provider, err := m.providers.Get(account.Provider)
	if err != nil {
		return "", err
	}

	result, err := provider.RefreshToken(ctx, account.RefreshToken)
	if err != nil {
		// Rate limits and 5xx during refresh are not a revoked grant; let
		// the queue's retry policy handle them without touching the account.
		if out.IsRetryable(err) {
			return "", apperr.ProviderTransient(string(account.Provider), err)
		}
		logger.Warn("token refresh rejected for account %d: %v", account.ID, err)
		m.markNeedsReauth(ctx, account)
		return "", apperr.AuthExpired(account.ID, err)
	}

	account.AccessToken = result.AccessToken
	if result.RefreshToken != "" {
		account.RefreshToken = result.RefreshToken
	}
	account.TokenExpiresAt = result.ExpiresAt

	if err := m.accounts.UpdateTokens(ctx, account.ID, account.AccessToken, account.RefreshToken, account.TokenExpiresAt); err != nil {
		return "", apperr.DatabaseError("update tokens", err)
	}

	logger.Debug("refreshed token for account %d, expires %s", account.ID, account.TokenExpiresAt)
	return account.AccessToken, nil
}

// MarkRejected moves an account to needs-reauth after a provider rejected a
// token that was just validated or refreshed. Returns the repository error,
// if any; classifying the rejection is the caller's job.
func (m *TokenManager) MarkRejected(ctx context.Context, account *domain.EmailAccount) error {
	return m.markNeedsReauth(ctx, account)
}

func (m *TokenManager) markNeedsReauth(ctx context.Context, account *domain.EmailAccount) error {
	if err := m.accounts.MarkNeedsReauth(ctx, account.ID); err != nil {
		logger.Error("failed to mark account %d needs-reauth: %v", account.ID, err)
		return err
	}
	account.SyncEnabled = false
	account.AccessToken = ""
	account.RefreshToken = ""
	account.TokenExpiresAt = time.Time{}
	return nil
}

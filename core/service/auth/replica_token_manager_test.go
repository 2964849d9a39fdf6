package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"replica_server/core/domain"
	"replica_server/core/port/out"
	"replica_server/pkg/apperr"

	"github.com/google/uuid"
)

type fakeAccounts struct {
	out.AccountRepository

	updateTokensCalls int
	markReauthCalls   int
	markReauthErr     error
	savedAccess       string
	savedRefresh      string
}

func (f *fakeAccounts) UpdateTokens(ctx context.Context, id int64, accessToken, refreshToken string, expiresAt time.Time) error {
	f.updateTokensCalls++
	f.savedAccess = accessToken
	f.savedRefresh = refreshToken
	return nil
}

func (f *fakeAccounts) MarkNeedsReauth(ctx context.Context, id int64) error {
	f.markReauthCalls++
	return f.markReauthErr
}

type fakeProvider struct {
	out.EmailProviderPort

	refreshCalls  int
	refreshResult *out.AuthResult
	refreshErr    error
}

func (f *fakeProvider) ProviderType() domain.Provider { return domain.ProviderGmail }

func (f *fakeProvider) RefreshToken(ctx context.Context, refreshToken string) (*out.AuthResult, error) {
	f.refreshCalls++
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return f.refreshResult, nil
}

type fakeRegistry struct {
	provider out.EmailProviderPort
}

func (f *fakeRegistry) Get(p domain.Provider) (out.EmailProviderPort, error) {
	return f.provider, nil
}

func testAccount(expiresAt time.Time) *domain.EmailAccount {
	return &domain.EmailAccount{
		ID:             7,
		CoachID:        uuid.New(),
		Provider:       domain.ProviderGmail,
		Email:          "coach@example.com",
		AccessToken:    "old-access",
		RefreshToken:   "old-refresh",
		TokenExpiresAt: expiresAt,
		SyncEnabled:    true,
		IsActive:       true,
	}
}

func TestEnsureValidTokenFreshTokenNoRefresh(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	accounts := &fakeAccounts{}
	provider := &fakeProvider{}
	m := NewTokenManager(accounts, &fakeRegistry{provider: provider}).
		WithClock(func() time.Time { return now })

	account := testAccount(now.Add(6 * time.Minute))
	token, err := m.EnsureValidToken(context.Background(), account)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "old-access" {
		t.Errorf("expected stored token, got %q", token)
	}
	if provider.refreshCalls != 0 {
		t.Errorf("expected no refresh, got %d calls", provider.refreshCalls)
	}
}

func TestEnsureValidTokenRefreshesInsideSkew(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	accounts := &fakeAccounts{}
	provider := &fakeProvider{
		refreshResult: &out.AuthResult{
			AccessToken: "new-access",
			ExpiresAt:   now.Add(time.Hour),
		},
	}
	m := NewTokenManager(accounts, &fakeRegistry{provider: provider}).
		WithClock(func() time.Time { return now })

	account := testAccount(now.Add(4 * time.Minute))
	token, err := m.EnsureValidToken(context.Background(), account)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "new-access" {
		t.Errorf("expected refreshed token, got %q", token)
	}
	if provider.refreshCalls != 1 {
		t.Errorf("expected 1 refresh, got %d", provider.refreshCalls)
	}
	if accounts.updateTokensCalls != 1 {
		t.Errorf("expected tokens persisted once, got %d", accounts.updateTokensCalls)
	}
	// Provider returned no refresh token; the old one is kept.
	if accounts.savedRefresh != "old-refresh" {
		t.Errorf("expected old refresh token kept, got %q", accounts.savedRefresh)
	}
	if account.AccessToken != "new-access" {
		t.Error("expected account mutated in place")
	}
}

func TestEnsureValidTokenUnknownExpiryRefreshes(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	accounts := &fakeAccounts{}
	provider := &fakeProvider{
		refreshResult: &out.AuthResult{AccessToken: "new-access", ExpiresAt: now.Add(time.Hour)},
	}
	m := NewTokenManager(accounts, &fakeRegistry{provider: provider}).
		WithClock(func() time.Time { return now })

	account := testAccount(time.Time{})
	if _, err := m.EnsureValidToken(context.Background(), account); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if provider.refreshCalls != 1 {
		t.Errorf("expected refresh on unknown expiry, got %d calls", provider.refreshCalls)
	}
}

func TestEnsureValidTokenNoRefreshToken(t *testing.T) {
	now := time.Now()
	accounts := &fakeAccounts{}
	provider := &fakeProvider{}
	m := NewTokenManager(accounts, &fakeRegistry{provider: provider}).
		WithClock(func() time.Time { return now })

	account := testAccount(now.Add(-time.Minute))
	account.RefreshToken = ""
	_, err := m.EnsureValidToken(context.Background(), account)
	if !apperr.IsAuthExpired(err) {
		t.Fatalf("expected auth expired, got %v", err)
	}
	if accounts.markReauthCalls != 1 {
		t.Errorf("expected needs-reauth mark, got %d", accounts.markReauthCalls)
	}
	if !account.NeedsReauth() {
		t.Error("expected account moved to needs-reauth state")
	}
}

func TestEnsureValidTokenRetryableRefreshError(t *testing.T) {
	now := time.Now()
	accounts := &fakeAccounts{}
	provider := &fakeProvider{
		refreshErr: out.NewProviderError("gmail", out.ProviderErrRateLimit, "rate limited", nil, true),
	}
	m := NewTokenManager(accounts, &fakeRegistry{provider: provider}).
		WithClock(func() time.Time { return now })

	account := testAccount(now.Add(-time.Minute))
	_, err := m.EnsureValidToken(context.Background(), account)
	if !apperr.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	// A rate-limited refresh is not a revoked grant.
	if accounts.markReauthCalls != 0 {
		t.Errorf("expected no needs-reauth mark, got %d", accounts.markReauthCalls)
	}
}

func TestEnsureValidTokenRejectedRefresh(t *testing.T) {
	now := time.Now()
	accounts := &fakeAccounts{}
	provider := &fakeProvider{refreshErr: errors.New("invalid_grant")}
	m := NewTokenManager(accounts, &fakeRegistry{provider: provider}).
		WithClock(func() time.Time { return now })

	account := testAccount(now.Add(-time.Minute))
	_, err := m.EnsureValidToken(context.Background(), account)
	if !apperr.IsAuthExpired(err) {
		t.Fatalf("expected auth expired, got %v", err)
	}
	if accounts.markReauthCalls != 1 {
		t.Errorf("expected needs-reauth mark, got %d", accounts.markReauthCalls)
	}
}

func TestMarkRejectedReturnsNilOnSuccess(t *testing.T) {
	accounts := &fakeAccounts{}
	m := NewTokenManager(accounts, &fakeRegistry{provider: &fakeProvider{}})

	account := testAccount(time.Now().Add(time.Hour))
	if err := m.MarkRejected(context.Background(), account); err != nil {
		t.Fatalf("expected nil after a successful mark, got %v", err)
	}
	if accounts.markReauthCalls != 1 {
		t.Errorf("expected one mark, got %d", accounts.markReauthCalls)
	}
	if !account.NeedsReauth() {
		t.Error("expected account moved to needs-reauth state")
	}
}

func TestMarkRejectedSurfacesRepositoryError(t *testing.T) {
	repoErr := errors.New("connection reset")
	accounts := &fakeAccounts{markReauthErr: repoErr}
	m := NewTokenManager(accounts, &fakeRegistry{provider: &fakeProvider{}})

	account := testAccount(time.Now().Add(time.Hour))
	if err := m.MarkRejected(context.Background(), account); !errors.Is(err, repoErr) {
		t.Fatalf("expected repository error, got %v", err)
	}
	// The in-memory account keeps its tokens when the write failed.
	if account.AccessToken == "" {
		t.Error("expected tokens untouched after a failed mark")
	}
}

func TestEnsureValidTokenNeedsReauthFailsFast(t *testing.T) {
	accounts := &fakeAccounts{}
	provider := &fakeProvider{}
	m := NewTokenManager(accounts, &fakeRegistry{provider: provider})

	account := testAccount(time.Now().Add(-time.Hour))
	account.SyncEnabled = false
	account.AccessToken = ""
	_, err := m.EnsureValidToken(context.Background(), account)
	if !apperr.IsAuthExpired(err) {
		t.Fatalf("expected reauth-required, got %v", err)
	}
	if provider.refreshCalls != 0 {
		t.Error("expected no provider call for needs-reauth account")
	}
}

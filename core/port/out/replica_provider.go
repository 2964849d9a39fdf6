// Package out defines outbound ports (driven ports) for the application.
package out

import (
	"context"
	"strings"
	"time"

	"replica_server/core/domain"
)

// =============================================================================
// Mail Provider Port (Gmail, Outlook)
// =============================================================================

// EmailProviderPort is the capability each mailbox provider implements.
// A registry of these, keyed by provider string, is built once at process
// start and injected into the services that need it.
type EmailProviderPort interface {
	ProviderType() domain.Provider

	// Authenticate exchanges an authorization code for tokens.
	Authenticate(ctx context.Context, code, redirectURI string) (*AuthResult, error)

	// RefreshToken exchanges a refresh token for a fresh access token.
	RefreshToken(ctx context.Context, refreshToken string) (*AuthResult, error)

	// TestConnection performs a cheap profile call with the token.
	TestConnection(ctx context.Context, accessToken string) (bool, error)

	// SyncEmails fetches one page of emails. An empty continuation means a
	// bootstrap fetch bounded by settings.MaxEmails; otherwise the adapter
	// resumes from its own cursor, falling back to a since-timestamp query
	// when handed a timestamp token. Output ordering is not guaranteed.
	SyncEmails(ctx context.Context, accessToken string, settings SyncSettings, continuation string) (*SyncPage, error)

	// GetUserInfo returns the mailbox owner's address and display name.
	GetUserInfo(ctx context.Context, accessToken string) (*UserInfo, error)
}

// ProviderRegistry resolves a provider adapter by key.
type ProviderRegistry interface {
	Get(provider domain.Provider) (EmailProviderPort, error)
}

// SyncSettings bounds one sync call.
type SyncSettings struct {
	MaxEmails int
}

// SyncPage is the result of one SyncEmails call.
type SyncPage struct {
	Emails           []domain.SyncedEmail
	NextContinuation string
	HasMore          bool
}

// AuthResult carries tokens returned by authenticate/refresh. RefreshToken
// may be empty on refresh (providers often keep the original). A zero
// ExpiresAt means the provider did not report an expiry.
type AuthResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// UserInfo is the mailbox owner's profile.
type UserInfo struct {
	Email string
	Name  string
}

// =============================================================================
// Continuation tokens
// =============================================================================

// Timestamp-derived fallback tokens carry this prefix so adapters can tell
// them apart from their native pagination cursors.
const timestampTokenPrefix = "ts:"

// TimestampToken encodes a "fetch since" fallback continuation.
func TimestampToken(t time.Time) string {
	return timestampTokenPrefix + t.UTC().Format(time.RFC3339)
}

// ParseTimestampToken decodes a fallback continuation. ok is false for
// native cursors.
func ParseTimestampToken(token string) (time.Time, bool) {
	if !strings.HasPrefix(token, timestampTokenPrefix) {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, strings.TrimPrefix(token, timestampTokenPrefix))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// =============================================================================
// Provider Error
// =============================================================================

// ProviderErrorCode classifies provider failures.
type ProviderErrorCode string

const (
	ProviderErrAuth         ProviderErrorCode = "auth_error"
	ProviderErrTokenExpired ProviderErrorCode = "token_expired"
	ProviderErrRateLimit    ProviderErrorCode = "rate_limit"
	ProviderErrNotFound     ProviderErrorCode = "not_found"
	ProviderErrNetwork      ProviderErrorCode = "network_error"
	ProviderErrServer       ProviderErrorCode = "server_error"
	ProviderErrSyncRequired ProviderErrorCode = "full_sync_required"
)

// ProviderError wraps a provider API failure with a code and a retryable
// flag. Auth-coded errors move the account to needs-reauth; retryable ones
// surface to the queue's retry policy untouched.
type ProviderError struct {
	Provider  string
	Code      ProviderErrorCode
	Message   string
	Err       error
	Retryable bool
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError creates a provider error.
func NewProviderError(provider string, code ProviderErrorCode, message string, err error, retryable bool) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Code:      code,
		Message:   message,
		Err:       err,
		Retryable: retryable,
	}
}

// authErrorPatterns are matched against provider error text when no
// structured code is available.
var authErrorPatterns = []string{
	"unauthorized",
	"invalid credentials",
	"invalid_grant",
	"invalid_client",
	"token has been expired or revoked",
	"invalid token",
	"oauth",
}

// IsAuthError reports whether err indicates the token was rejected and the
// account needs re-authentication (401/403-class failures).
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	if pe, ok := asProviderError(err); ok {
		return pe.Code == ProviderErrAuth || pe.Code == ProviderErrTokenExpired
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range authErrorPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// IsSyncRequired reports whether the provider invalidated the continuation
// cursor and a full re-sync is needed.
func IsSyncRequired(err error) bool {
	pe, ok := asProviderError(err)
	return ok && pe.Code == ProviderErrSyncRequired
}

// IsRetryable reports whether err is a transient provider failure.
func IsRetryable(err error) bool {
	pe, ok := asProviderError(err)
	return ok && pe.Retryable
}

func asProviderError(err error) (*ProviderError, bool) {
	for err != nil {
		if pe, ok := err.(*ProviderError); ok {
			return pe, true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = unwrapper.Unwrap()
	}
	return nil, false
}

package domain

import (
	"time"

	"github.com/google/uuid"
)

// EmailAccount is one connected mailbox owned by a coach.
//
// Token fields hold plaintext in memory; the persistence layer encrypts them
// at rest. A zero TokenExpiresAt means the expiry is unknown and the token
// must be refreshed before use.
type EmailAccount struct {
	ID      int64     `json:"id"`
	CoachID uuid.UUID `json:"coach_id"`

	Provider Provider `json:"provider"`
	Email    string   `json:"email"`

	AccessToken    string    `json:"-"`
	RefreshToken   string    `json:"-"`
	TokenExpiresAt time.Time `json:"token_expires_at,omitempty"`

	SyncEnabled bool `json:"sync_enabled"`
	IsActive    bool `json:"is_active"`

	// Sync bookkeeping. LastSyncToken is the provider continuation cursor;
	// empty means no cursor has been stored yet.
	LastSyncAt    time.Time `json:"last_sync_at,omitempty"`
	LastSyncToken string    `json:"last_sync_token,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NeedsReauth reports whether the account is in the "reconnect your account"
// state: sync disabled with no usable access token. Such accounts must never
// be handed to the provider.
func (a *EmailAccount) NeedsReauth() bool {
	return !a.SyncEnabled && a.AccessToken == ""
}

// Syncable reports whether the account is eligible for scheduled sync.
func (a *EmailAccount) Syncable() bool {
	return a.IsActive && a.SyncEnabled && !a.NeedsReauth()
}

// TokenExpiringWithin reports whether the access token is unset, already
// expired, or expires within the skew window.
func (a *EmailAccount) TokenExpiringWithin(skew time.Duration) bool {
	if a.TokenExpiresAt.IsZero() {
		return true
	}
	return time.Until(a.TokenExpiresAt) < skew
}

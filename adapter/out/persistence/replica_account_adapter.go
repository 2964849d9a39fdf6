// Package persistence implements the PostgreSQL repositories via sqlx.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"replica_server/core/domain"
	"replica_server/core/port/out"
	"replica_server/pkg/crypto"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// =============================================================================
// Account Row Mapping
// =============================================================================

type accountRow struct {
	ID             int64          `db:"id"`
	CoachID        uuid.UUID      `db:"coach_id"`
	Provider       string         `db:"provider"`
	Email          string         `db:"email"`
	AccessToken    sql.NullString `db:"access_token"`
	RefreshToken   sql.NullString `db:"refresh_token"`
	TokenExpiresAt sql.NullTime   `db:"token_expires_at"`
	SyncEnabled    bool           `db:"sync_enabled"`
	IsActive       bool           `db:"is_active"`
	LastSyncAt     sql.NullTime   `db:"last_sync_at"`
	LastSyncToken  sql.NullString `db:"last_sync_token"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

func (r *accountRow) toDomain(enc *crypto.Encryptor) (*domain.EmailAccount, error) {
	account := &domain.EmailAccount{
		ID:          r.ID,
		CoachID:     r.CoachID,
		Provider:    domain.Provider(r.Provider),
		Email:       r.Email,
		SyncEnabled: r.SyncEnabled,
		IsActive:    r.IsActive,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.TokenExpiresAt.Valid {
		account.TokenExpiresAt = r.TokenExpiresAt.Time
	}
	if r.LastSyncAt.Valid {
		account.LastSyncAt = r.LastSyncAt.Time
	}
	if r.LastSyncToken.Valid {
		account.LastSyncToken = r.LastSyncToken.String
	}

	var err error
	if r.AccessToken.Valid {
		account.AccessToken, err = enc.Decrypt(r.AccessToken.String)
		if err != nil {
			return nil, fmt.Errorf("decrypt access token: %w", err)
		}
	}
	if r.RefreshToken.Valid {
		account.RefreshToken, err = enc.Decrypt(r.RefreshToken.String)
		if err != nil {
			return nil, fmt.Errorf("decrypt refresh token: %w", err)
		}
	}
	return account, nil
}

// =============================================================================
// Account Adapter
// =============================================================================

// AccountAdapter implements out.AccountRepository. OAuth tokens are encrypted
// before they touch the database.
type AccountAdapter struct {
	db  *sqlx.DB
	enc *crypto.Encryptor
}

func NewAccountAdapter(db *sqlx.DB, enc *crypto.Encryptor) *AccountAdapter {
	return &AccountAdapter{db: db, enc: enc}
}

const accountSelectColumns = `id, coach_id, provider, email, access_token, refresh_token,
	token_expires_at, sync_enabled, is_active, last_sync_at, last_sync_token,
	created_at, updated_at`

func (a *AccountAdapter) GetByID(ctx context.Context, id int64) (*domain.EmailAccount, error) {
	var row accountRow
	query := fmt.Sprintf("SELECT %s FROM email_accounts WHERE id = $1", accountSelectColumns)
	err := a.db.QueryRowxContext(ctx, query, id).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain(a.enc)
}

func (a *AccountAdapter) GetByEmail(ctx context.Context, coachID uuid.UUID, provider domain.Provider, email string) (*domain.EmailAccount, error) {
	var row accountRow
	query := fmt.Sprintf(
		"SELECT %s FROM email_accounts WHERE coach_id = $1 AND provider = $2 AND email = $3",
		accountSelectColumns)
	err := a.db.QueryRowxContext(ctx, query, coachID, string(provider), email).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain(a.enc)
}

func (a *AccountAdapter) ListByCoach(ctx context.Context, coachID uuid.UUID) ([]*domain.EmailAccount, error) {
	query := fmt.Sprintf(
		"SELECT %s FROM email_accounts WHERE coach_id = $1 AND is_active = true ORDER BY id",
		accountSelectColumns)
	return a.list(ctx, query, coachID)
}

func (a *AccountAdapter) ListSyncEnabled(ctx context.Context) ([]*domain.EmailAccount, error) {
	query := fmt.Sprintf(
		"SELECT %s FROM email_accounts WHERE is_active = true AND sync_enabled = true ORDER BY id",
		accountSelectColumns)
	return a.list(ctx, query)
}

func (a *AccountAdapter) list(ctx context.Context, query string, args ...any) ([]*domain.EmailAccount, error) {
	rows, err := a.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*domain.EmailAccount
	for rows.Next() {
		var row accountRow
		if err := rows.StructScan(&row); err != nil {
			return nil, err
		}
		account, err := row.toDomain(a.enc)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

func (a *AccountAdapter) Create(ctx context.Context, account *domain.EmailAccount) error {
	accessToken, err := a.enc.Encrypt(account.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	refreshToken, err := a.enc.Encrypt(account.RefreshToken)
	if err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}

	query := `
		INSERT INTO email_accounts (
			coach_id, provider, email, access_token, refresh_token,
			token_expires_at, sync_enabled, is_active, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		RETURNING id, created_at, updated_at`

	return a.db.QueryRowxContext(ctx, query,
		account.CoachID, string(account.Provider), account.Email,
		accessToken, refreshToken, nullTime(account.TokenExpiresAt),
		account.SyncEnabled, account.IsActive,
	).Scan(&account.ID, &account.CreatedAt, &account.UpdatedAt)
}

func (a *AccountAdapter) UpdateTokens(ctx context.Context, id int64, accessToken, refreshToken string, expiresAt time.Time) error {
	encAccess, err := a.enc.Encrypt(accessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	encRefresh, err := a.enc.Encrypt(refreshToken)
	if err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}

	query := `
		UPDATE email_accounts
		SET access_token = $2, refresh_token = $3, token_expires_at = $4,
			sync_enabled = true, updated_at = NOW()
		WHERE id = $1`
	_, err = a.db.ExecContext(ctx, query, id, encAccess, encRefresh, nullTime(expiresAt))
	return err
}

func (a *AccountAdapter) MarkNeedsReauth(ctx context.Context, id int64) error {
	query := `
		UPDATE email_accounts
		SET access_token = NULL, refresh_token = NULL, token_expires_at = NULL,
			sync_enabled = false, updated_at = NOW()
		WHERE id = $1`
	_, err := a.db.ExecContext(ctx, query, id)
	return err
}

func (a *AccountAdapter) UpdateSyncState(ctx context.Context, id int64, lastSyncToken string, lastSyncAt time.Time) error {
	query := `
		UPDATE email_accounts
		SET last_sync_token = $2, last_sync_at = $3, updated_at = NOW()
		WHERE id = $1`
	_, err := a.db.ExecContext(ctx, query, id, lastSyncToken, lastSyncAt)
	return err
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

var _ out.AccountRepository = (*AccountAdapter)(nil)

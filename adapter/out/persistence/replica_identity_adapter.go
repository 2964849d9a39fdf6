package persistence

import (
	"context"
	"database/sql"
	"errors"

	"replica_server/core/domain"
	"replica_server/core/port/out"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// =============================================================================
// Identity Adapter
// =============================================================================

// IdentityAdapter implements out.IdentityRepository against the platform's
// clients, leads, coaches and coach_agents tables.
type IdentityAdapter struct {
	db *sqlx.DB
}

func NewIdentityAdapter(db *sqlx.DB) *IdentityAdapter {
	return &IdentityAdapter{db: db}
}

type identityRow struct {
	ID    uuid.UUID      `db:"id"`
	Email string         `db:"email"`
	Name  sql.NullString `db:"name"`
}

func (r *identityRow) toDomain(userType domain.UserType) *domain.Identity {
	identity := &domain.Identity{
		ID:    r.ID,
		Type:  userType,
		Email: r.Email,
	}
	if r.Name.Valid {
		identity.Name = r.Name.String
	}
	return identity
}

func (a *IdentityAdapter) FindActiveClient(ctx context.Context, coachID uuid.UUID, email string) (*domain.Identity, error) {
	var row identityRow
	query := `
		SELECT id, email, name FROM clients
		WHERE coach_id = $1 AND LOWER(email) = LOWER($2) AND status = 'active'`
	err := a.db.QueryRowxContext(ctx, query, coachID, email).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain(domain.UserTypeClient), nil
}

func (a *IdentityAdapter) FindLead(ctx context.Context, coachID uuid.UUID, email string) (*domain.Identity, error) {
	var row identityRow
	query := `
		SELECT id, email, name FROM leads
		WHERE coach_id = $1 AND LOWER(email) = LOWER($2)`
	err := a.db.QueryRowxContext(ctx, query, coachID, email).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain(domain.UserTypeLead), nil
}

func (a *IdentityAdapter) GetCoach(ctx context.Context, coachID uuid.UUID) (*domain.Identity, error) {
	var row identityRow
	query := `SELECT id, email, name FROM coaches WHERE id = $1`
	err := a.db.QueryRowxContext(ctx, query, coachID).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain(domain.UserTypeCoach), nil
}

type agentRow struct {
	CoachID     uuid.UUID      `db:"coach_id"`
	AssistantID sql.NullString `db:"assistant_id"`
	BaseModel   sql.NullString `db:"base_model"`
	ModelID     sql.NullString `db:"model_id"`
	Enabled     bool           `db:"enabled"`
}

func (a *IdentityAdapter) ListCoachesWithReplicaAgent(ctx context.Context) ([]*domain.CoachAgent, error) {
	query := `
		SELECT coach_id, assistant_id, base_model, model_id, enabled
		FROM coach_agents
		WHERE enabled = true
		ORDER BY coach_id`

	rows, err := a.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []*domain.CoachAgent
	for rows.Next() {
		var row agentRow
		if err := rows.StructScan(&row); err != nil {
			return nil, err
		}
		agents = append(agents, &domain.CoachAgent{
			CoachID:     row.CoachID,
			AssistantID: row.AssistantID.String,
			BaseModel:   row.BaseModel.String,
			ModelID:     row.ModelID.String,
			Enabled:     row.Enabled,
		})
	}
	return agents, rows.Err()
}

func (a *IdentityAdapter) UpdateAgentModel(ctx context.Context, coachID uuid.UUID, modelID string) error {
	query := `
		UPDATE coach_agents
		SET model_id = $2, updated_at = NOW()
		WHERE coach_id = $1`
	_, err := a.db.ExecContext(ctx, query, coachID, modelID)
	return err
}

var _ out.IdentityRepository = (*IdentityAdapter)(nil)

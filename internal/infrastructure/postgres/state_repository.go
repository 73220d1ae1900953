package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ledgermatch/internal/domain/connection"
	"ledgermatch/internal/domain/tenant"
)

// StateRepository implements connection.StateStore. States are keyed by
// the hash of the token handed to the provider.
type StateRepository struct {
	db *DB
}

func NewStateRepository(db *DB) *StateRepository {
	return &StateRepository{db: db}
}

func (r *StateRepository) Save(ctx context.Context, scope tenant.Scope, stateHash string, state connection.OAuthState) error {
	tenantID, err := scope.Require()
	if err != nil {
		return err
	}
	if state.TenantID != tenantID {
		return fmt.Errorf("oauth state tenant %q does not match scope %s", state.TenantID, scope)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO oauth_states (state_hash, tenant_id, provider, redirect_uri, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		stateHash, tenantID, state.Provider, state.RedirectURI, state.CreatedAt, state.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save oauth state: %w", err)
	}
	return nil
}

// Consume deletes the state and returns it in one statement, so two
// callbacks racing on the same state cannot both succeed.
func (r *StateRepository) Consume(ctx context.Context, stateHash string, now time.Time) (*connection.OAuthState, error) {
	var st connection.OAuthState
	err := r.db.QueryRowContext(ctx, `
		DELETE FROM oauth_states
		WHERE state_hash = $1
		RETURNING tenant_id, provider, redirect_uri, created_at, expires_at`,
		stateHash,
	).Scan(&st.TenantID, &st.Provider, &st.RedirectURI, &st.CreatedAt, &st.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, connection.ErrInvalidState
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume oauth state: %w", err)
	}

	if !st.ExpiresAt.After(now) {
		return nil, connection.ErrInvalidState
	}
	return &st, nil
}

func (r *StateRepository) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM oauth_states WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to purge oauth states: %w", err)
	}
	return result.RowsAffected()
}

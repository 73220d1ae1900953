package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"ledgermatch/internal/domain/connection"
	"ledgermatch/internal/domain/tenant"
)

// Cipher encrypts values before they are written. Implemented by
// crypto.Encryptor.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

const connectionColumns = `id, tenant_id, provider, external_account_id, account_name, access_token,
	refresh_token, token_expires_at, status, token_version, created_at, updated_at`

// ConnectionRepository implements connection.Repository. Tokens are stored
// encrypted.
type ConnectionRepository struct {
	db     *DB
	cipher Cipher
}

func NewConnectionRepository(db *DB, cipher Cipher) *ConnectionRepository {
	return &ConnectionRepository{db: db, cipher: cipher}
}

func (r *ConnectionRepository) Upsert(ctx context.Context, scope tenant.Scope, params connection.UpsertParams) (*connection.Connection, error) {
	tenantID, err := scope.Require()
	if err != nil {
		return nil, err
	}
	access, refresh, err := r.encryptTokens(params.Token)
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO provider_connections (id, tenant_id, provider, external_account_id, account_name,
			access_token, refresh_token, token_expires_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'active')
		ON CONFLICT (tenant_id, provider, external_account_id) WHERE status <> 'revoked'
		DO UPDATE SET
			account_name = COALESCE(NULLIF(EXCLUDED.account_name, ''), provider_connections.account_name),
			access_token = EXCLUDED.access_token,
			refresh_token = COALESCE(NULLIF(EXCLUDED.refresh_token, ''), provider_connections.refresh_token),
			token_expires_at = EXCLUDED.token_expires_at,
			status = 'active',
			token_version = provider_connections.token_version + 1,
			updated_at = NOW()
		RETURNING ` + connectionColumns

	row := r.db.QueryRowContext(ctx, query,
		uuid.New(), tenantID, params.Provider, params.ExternalAccountID, params.AccountName,
		access, refresh, params.Token.ExpiresAt,
	)
	conn, err := r.scan(row)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert connection: %w", err)
	}
	return conn, nil
}

func (r *ConnectionRepository) GetByID(ctx context.Context, scope tenant.Scope, id uuid.UUID) (*connection.Connection, error) {
	filter, err := scope.Filter()
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + connectionColumns + `
		FROM provider_connections
		WHERE id = $1 AND ($2::text IS NULL OR tenant_id = $2)`

	conn, err := r.scan(r.db.QueryRowContext(ctx, query, id, filter))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, connection.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	return conn, nil
}

func (r *ConnectionRepository) List(ctx context.Context, scope tenant.Scope) ([]*connection.Connection, error) {
	filter, err := scope.Filter()
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + connectionColumns + `
		FROM provider_connections
		WHERE ($1::text IS NULL OR tenant_id = $1)
		ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, query, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	var conns []*connection.Connection
	for rows.Next() {
		conn, err := r.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		conns = append(conns, conn)
	}
	return conns, rows.Err()
}

// ListByExternalAccount prefers each tenant's live connection when the
// account was re-authorized after a revocation.
func (r *ConnectionRepository) ListByExternalAccount(ctx context.Context, scope tenant.Scope, provider, externalAccountID string) ([]*connection.Connection, error) {
	filter, err := scope.Filter()
	if err != nil {
		return nil, err
	}

	query := `SELECT DISTINCT ON (tenant_id) ` + connectionColumns + `
		FROM provider_connections
		WHERE provider = $1 AND external_account_id = $2 AND ($3::text IS NULL OR tenant_id = $3)
		ORDER BY tenant_id, status = 'revoked', updated_at DESC`

	rows, err := r.db.QueryContext(ctx, query, provider, externalAccountID, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to find connections: %w", err)
	}
	defer rows.Close()

	var conns []*connection.Connection
	for rows.Next() {
		conn, err := r.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		conns = append(conns, conn)
	}
	return conns, rows.Err()
}

func (r *ConnectionRepository) UpdateTokens(ctx context.Context, scope tenant.Scope, id uuid.UUID, expectedVersion int64, token connection.Token) (*connection.Connection, error) {
	tenantID, err := scope.Require()
	if err != nil {
		return nil, err
	}
	access, refresh, err := r.encryptTokens(token)
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE provider_connections
		SET access_token = $1,
			refresh_token = COALESCE(NULLIF($2, ''), refresh_token),
			token_expires_at = $3,
			status = 'active',
			token_version = token_version + 1,
			updated_at = NOW()
		WHERE id = $4 AND tenant_id = $5 AND token_version = $6 AND status <> 'revoked'
		RETURNING ` + connectionColumns

	conn, err := r.scan(r.db.QueryRowContext(ctx, query, access, refresh, token.ExpiresAt, id, tenantID, expectedVersion))
	if errors.Is(err, sql.ErrNoRows) {
		if _, gerr := r.GetByID(ctx, scope, id); gerr != nil {
			return nil, gerr
		}
		return nil, connection.ErrVersionConflict
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update connection tokens: %w", err)
	}
	return conn, nil
}

func (r *ConnectionRepository) SetStatus(ctx context.Context, scope tenant.Scope, id uuid.UUID, status connection.Status) error {
	tenantID, err := scope.Require()
	if err != nil {
		return err
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE provider_connections SET status = $1, updated_at = NOW() WHERE id = $2 AND tenant_id = $3`,
		string(status), id, tenantID,
	)
	if err != nil {
		return fmt.Errorf("failed to set connection status: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return connection.ErrNotFound
	}
	return nil
}

func (r *ConnectionRepository) ListTenants(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT tenant_id FROM provider_connections WHERE status = 'active' ORDER BY tenant_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		tenants = append(tenants, id)
	}
	return tenants, rows.Err()
}

func (r *ConnectionRepository) encryptTokens(token connection.Token) (string, string, error) {
	access, err := r.cipher.Encrypt(token.AccessToken)
	if err != nil {
		return "", "", fmt.Errorf("failed to encrypt access token: %w", err)
	}
	refresh, err := r.cipher.Encrypt(token.RefreshToken)
	if err != nil {
		return "", "", fmt.Errorf("failed to encrypt refresh token: %w", err)
	}
	return access, refresh, nil
}

func (r *ConnectionRepository) scan(row rowScanner) (*connection.Connection, error) {
	var c connection.Connection
	var status string
	var expiresAt sql.NullTime

	err := row.Scan(
		&c.ID, &c.TenantID, &c.Provider, &c.ExternalAccountID, &c.AccountName, &c.AccessToken,
		&c.RefreshToken, &expiresAt, &status, &c.TokenVersion, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.Status = connection.Status(status)
	if expiresAt.Valid {
		c.TokenExpiresAt = &expiresAt.Time
	}
	if c.AccessToken, err = r.cipher.Decrypt(c.AccessToken); err != nil {
		return nil, fmt.Errorf("failed to decrypt access token: %w", err)
	}
	if c.RefreshToken, err = r.cipher.Decrypt(c.RefreshToken); err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}
	return &c, nil
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"ledgermatch/internal/domain/credential"
	"ledgermatch/internal/domain/tenant"
)

// CredentialRepository keeps tenant secrets encrypted at rest.
type CredentialRepository struct {
	db     *DB
	cipher Cipher
}

func NewCredentialRepository(db *DB, cipher Cipher) *CredentialRepository {
	return &CredentialRepository{db: db, cipher: cipher}
}

func (r *CredentialRepository) Get(ctx context.Context, scope tenant.Scope, name string) (*credential.Secret, error) {
	tenantID, err := scope.Require()
	if err != nil {
		return nil, err
	}

	var s credential.Secret
	var rotatedAt sql.NullTime
	err = r.db.QueryRowContext(ctx, `
		SELECT tenant_id, name, value, previous, rotated_at, updated_at
		FROM credentials
		WHERE tenant_id = $1 AND name = $2`,
		tenantID, name,
	).Scan(&s.TenantID, &s.Name, &s.Value, &s.Previous, &rotatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, credential.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}

	if rotatedAt.Valid {
		s.RotatedAt = &rotatedAt.Time
	}
	if s.Value, err = r.cipher.Decrypt(s.Value); err != nil {
		return nil, fmt.Errorf("failed to decrypt credential %s: %w", name, err)
	}
	if s.Previous, err = r.cipher.Decrypt(s.Previous); err != nil {
		return nil, fmt.Errorf("failed to decrypt previous credential %s: %w", name, err)
	}
	return &s, nil
}

func (r *CredentialRepository) Upsert(ctx context.Context, scope tenant.Scope, name, value string) error {
	tenantID, err := scope.Require()
	if err != nil {
		return err
	}
	sealed, err := r.cipher.Encrypt(value)
	if err != nil {
		return fmt.Errorf("failed to encrypt credential: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO credentials (tenant_id, name, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, name) DO UPDATE
			SET value = EXCLUDED.value, updated_at = NOW()`,
		tenantID, name, sealed,
	)
	if err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	return nil
}

// Rotate keeps the replaced value in previous.
func (r *CredentialRepository) Rotate(ctx context.Context, scope tenant.Scope, name, value string) error {
	tenantID, err := scope.Require()
	if err != nil {
		return err
	}
	sealed, err := r.cipher.Encrypt(value)
	if err != nil {
		return fmt.Errorf("failed to encrypt credential: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO credentials (tenant_id, name, value, rotated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (tenant_id, name) DO UPDATE
			SET previous = credentials.value,
			    value = EXCLUDED.value,
			    rotated_at = NOW(),
			    updated_at = NOW()`,
		tenantID, name, sealed,
	)
	if err != nil {
		return fmt.Errorf("failed to rotate credential: %w", err)
	}
	return nil
}

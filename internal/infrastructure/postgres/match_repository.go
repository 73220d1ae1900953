package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ledgermatch/internal/domain/matching"
	"ledgermatch/internal/domain/tenant"
)

const matchColumns = `id, tenant_id, transaction_id, invoice_id, confidence, reason, status, created_at, updated_at`

const oneApprovedIndex = "matches_one_approved_per_transaction"

type MatchRepository struct {
	db *DB
}

func NewMatchRepository(db *DB) *MatchRepository {
	return &MatchRepository{db: db}
}

// UpsertCandidate only ever raises the confidence of a pending match.
// Approved and rejected rows are returned unchanged.
func (r *MatchRepository) UpsertCandidate(ctx context.Context, scope tenant.Scope, params matching.UpsertParams) (*matching.Match, error) {
	tenantID, err := scope.Require()
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO matches (id, tenant_id, transaction_id, invoice_id, confidence, reason, status)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending')
		ON CONFLICT (transaction_id, invoice_id) DO UPDATE
			SET confidence = EXCLUDED.confidence,
			    reason = EXCLUDED.reason,
			    updated_at = NOW()
			WHERE matches.tenant_id = EXCLUDED.tenant_id
			  AND matches.status = 'pending'
			  AND matches.confidence < EXCLUDED.confidence
		RETURNING ` + matchColumns

	m, err := scanMatch(r.db.QueryRowContext(ctx, query,
		uuid.New(), tenantID, params.TransactionID, params.InvoiceID, params.Confidence, params.Reason,
	))
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to upsert match: %w", err)
	}

	// The conflicting row was left alone; return it as stored.
	m, err = scanMatch(r.db.QueryRowContext(ctx, `SELECT `+matchColumns+`
		FROM matches
		WHERE transaction_id = $1 AND invoice_id = $2 AND tenant_id = $3`,
		params.TransactionID, params.InvoiceID, tenantID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, matching.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get match: %w", err)
	}
	return m, nil
}

func (r *MatchRepository) GetByID(ctx context.Context, scope tenant.Scope, id uuid.UUID) (*matching.Match, error) {
	filter, err := scope.Filter()
	if err != nil {
		return nil, err
	}

	m, err := scanMatch(r.db.QueryRowContext(ctx, `SELECT `+matchColumns+`
		FROM matches
		WHERE id = $1 AND ($2::text IS NULL OR tenant_id = $2)`,
		id, filter,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, matching.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get match: %w", err)
	}
	return m, nil
}

func (r *MatchRepository) ListByTransaction(ctx context.Context, scope tenant.Scope, transactionID uuid.UUID) ([]*matching.Match, error) {
	filter, err := scope.Filter()
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, `SELECT `+matchColumns+`
		FROM matches
		WHERE transaction_id = $1 AND ($2::text IS NULL OR tenant_id = $2)
		ORDER BY confidence DESC, invoice_id`,
		transactionID, filter,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list matches: %w", err)
	}
	defer rows.Close()

	var matches []*matching.Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan match: %w", err)
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating matches: %w", err)
	}
	return matches, nil
}

func (r *MatchRepository) HasApproved(ctx context.Context, scope tenant.Scope, transactionID uuid.UUID) (bool, error) {
	filter, err := scope.Filter()
	if err != nil {
		return false, err
	}

	var exists bool
	err = r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM matches
			WHERE transaction_id = $1 AND status = 'approved' AND ($2::text IS NULL OR tenant_id = $2)
		)`,
		transactionID, filter,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check approved match: %w", err)
	}
	return exists, nil
}

// Claim serializes applies per transaction by locking the transaction row
// for the few statements it takes to check siblings and set the claim. No
// lock is held once it returns.
func (r *MatchRepository) Claim(ctx context.Context, scope tenant.Scope, id uuid.UUID, ttl time.Duration) (*matching.Match, error) {
	tenantID, err := scope.Require()
	if err != nil {
		return nil, err
	}

	var claimed *matching.Match
	err = r.db.InTx(ctx, scope, "matches.claim", func(tx *sql.Tx) error {
		var transactionID uuid.UUID
		err := tx.QueryRowContext(ctx, `
			SELECT t.id
			FROM matches m
			JOIN transactions t ON t.id = m.transaction_id
			WHERE m.id = $1 AND m.tenant_id = $2
			FOR UPDATE OF t`,
			id, tenantID,
		).Scan(&transactionID)
		if errors.Is(err, sql.ErrNoRows) {
			return matching.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock transaction: %w", err)
		}

		var approved, inFlight bool
		err = tx.QueryRowContext(ctx, `
			SELECT
				COALESCE(bool_or(status = 'approved'), false),
				COALESCE(bool_or(applying_until > NOW()), false)
			FROM matches
			WHERE transaction_id = $1 AND tenant_id = $2`,
			transactionID, tenantID,
		).Scan(&approved, &inFlight)
		if err != nil {
			return fmt.Errorf("failed to check sibling matches: %w", err)
		}
		switch {
		case approved:
			return matching.ErrAlreadyReconciled
		case inFlight:
			return matching.ErrApplyInProgress
		}

		m, err := scanMatch(tx.QueryRowContext(ctx, `
			UPDATE matches
			SET applying_until = NOW() + $3::interval, updated_at = NOW()
			WHERE id = $1 AND tenant_id = $2 AND status = 'pending'
			RETURNING `+matchColumns,
			id, tenantID, fmt.Sprintf("%d milliseconds", ttl.Milliseconds()),
		))
		if errors.Is(err, sql.ErrNoRows) {
			return matching.ErrStatusChanged
		}
		if err != nil {
			return fmt.Errorf("failed to claim match: %w", err)
		}
		claimed = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *MatchRepository) ReleaseClaim(ctx context.Context, scope tenant.Scope, id uuid.UUID) error {
	tenantID, err := scope.Require()
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		UPDATE matches SET applying_until = NULL
		WHERE id = $1 AND tenant_id = $2 AND status = 'pending'`,
		id, tenantID,
	)
	if err != nil {
		return fmt.Errorf("failed to release match claim: %w", err)
	}
	return nil
}

// SetStatus is a compare-and-set on status. The partial unique index on
// approved matches turns a second approval for one transaction into
// ErrAlreadyReconciled.
func (r *MatchRepository) SetStatus(ctx context.Context, scope tenant.Scope, id uuid.UUID, from, to matching.Status) (*matching.Match, error) {
	tenantID, err := scope.Require()
	if err != nil {
		return nil, err
	}

	m, err := scanMatch(r.db.QueryRowContext(ctx, `
		UPDATE matches
		SET status = $1, applying_until = NULL, updated_at = NOW()
		WHERE id = $2 AND tenant_id = $3 AND status = $4
		RETURNING `+matchColumns,
		string(to), id, tenantID, string(from),
	))
	switch {
	case err == nil:
		return m, nil
	case isUniqueViolation(err) && constraintOf(err) == oneApprovedIndex:
		return nil, matching.ErrAlreadyReconciled
	case errors.Is(err, sql.ErrNoRows):
		if _, gerr := r.GetByID(ctx, scope, id); gerr != nil {
			return nil, gerr
		}
		return nil, matching.ErrStatusChanged
	default:
		return nil, fmt.Errorf("failed to set match status: %w", err)
	}
}

func scanMatch(row rowScanner) (*matching.Match, error) {
	var m matching.Match
	var status string

	err := row.Scan(
		&m.ID, &m.TenantID, &m.TransactionID, &m.InvoiceID, &m.Confidence, &m.Reason,
		&status, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.Status = matching.Status(status)
	return &m, nil
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ledgermatch/internal/domain/tenant"
	"ledgermatch/internal/domain/transaction"
)

const transactionColumns = `id, tenant_id, connection_id, provider, provider_transaction_id, amount,
	currency, description, reference, occurred_at, ingested_at`

type TransactionRepository struct {
	db *DB
}

func NewTransactionRepository(db *DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

// InsertIfAbsent relies on the (tenant_id, provider, provider_transaction_id)
// unique key. When the insert is skipped the existing row is read in a
// separate statement so a row committed concurrently is visible.
func (r *TransactionRepository) InsertIfAbsent(ctx context.Context, scope tenant.Scope, params transaction.CreateParams) (*transaction.Transaction, bool, error) {
	tenantID, err := scope.Require()
	if err != nil {
		return nil, false, err
	}

	query := `
		INSERT INTO transactions (id, tenant_id, connection_id, provider, provider_transaction_id,
			amount, currency, description, reference, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (tenant_id, provider, provider_transaction_id) DO NOTHING
		RETURNING ` + transactionColumns

	item := params.Item
	tx, err := scanTransaction(r.db.QueryRowContext(ctx, query,
		uuid.New(), tenantID, params.ConnectionID, params.Provider, item.ProviderTransactionID,
		item.Amount, item.Currency, item.Description, item.Reference, item.OccurredAt,
	))
	if err == nil {
		return tx, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to insert transaction: %w", err)
	}

	existing, err := r.GetByProviderID(ctx, scope, params.Provider, item.ProviderTransactionID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *TransactionRepository) GetByID(ctx context.Context, scope tenant.Scope, id uuid.UUID) (*transaction.Transaction, error) {
	filter, err := scope.Filter()
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE id = $1 AND ($2::text IS NULL OR tenant_id = $2)`

	tx, err := scanTransaction(r.db.QueryRowContext(ctx, query, id, filter))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, transaction.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return tx, nil
}

func (r *TransactionRepository) GetByProviderID(ctx context.Context, scope tenant.Scope, provider, providerTransactionID string) (*transaction.Transaction, error) {
	filter, err := scope.Filter()
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE provider = $1 AND provider_transaction_id = $2 AND ($3::text IS NULL OR tenant_id = $3)
		LIMIT 1`

	tx, err := scanTransaction(r.db.QueryRowContext(ctx, query, provider, providerTransactionID, filter))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, transaction.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return tx, nil
}

// List filters on the UTC calendar date, both ends inclusive.
func (r *TransactionRepository) List(ctx context.Context, scope tenant.Scope, rng transaction.Range, limit, offset int) ([]*transaction.Transaction, error) {
	filter, err := scope.Filter()
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE ($1::text IS NULL OR tenant_id = $1)
		  AND ($2::date IS NULL OR (occurred_at AT TIME ZONE 'UTC')::date >= $2::date)
		  AND ($3::date IS NULL OR (occurred_at AT TIME ZONE 'UTC')::date <= $3::date)
		ORDER BY occurred_at DESC, ingested_at DESC
		LIMIT $4 OFFSET $5`

	rows, err := r.db.QueryContext(ctx, query, filter, nullDate(rng.From), nullDate(rng.To), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return collectTransactions(rows)
}

func (r *TransactionRepository) ListUnmatched(ctx context.Context, scope tenant.Scope, since time.Time) ([]*transaction.Transaction, error) {
	filter, err := scope.Filter()
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + transactionColumns + `
		FROM transactions t
		WHERE ($1::text IS NULL OR t.tenant_id = $1)
		  AND t.occurred_at >= $2
		  AND NOT EXISTS (
			SELECT 1 FROM matches m WHERE m.transaction_id = t.id AND m.status = 'approved'
		  )
		ORDER BY t.occurred_at`

	rows, err := r.db.QueryContext(ctx, query, filter, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list unmatched transactions: %w", err)
	}
	return collectTransactions(rows)
}

func collectTransactions(rows *sql.Rows) ([]*transaction.Transaction, error) {
	defer rows.Close()

	var txs []*transaction.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}
	return txs, nil
}

func scanTransaction(row rowScanner) (*transaction.Transaction, error) {
	var tx transaction.Transaction
	var connectionID uuid.NullUUID

	err := row.Scan(
		&tx.ID, &tx.TenantID, &connectionID, &tx.Provider, &tx.ProviderTransactionID, &tx.Amount,
		&tx.Currency, &tx.Description, &tx.Reference, &tx.OccurredAt, &tx.IngestedAt,
	)
	if err != nil {
		return nil, err
	}
	if connectionID.Valid {
		tx.ConnectionID = &connectionID.UUID
	}
	return &tx, nil
}

func nullDate(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.DateOnly)
}

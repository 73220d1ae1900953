package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"ledgermatch/internal/domain/invoice"
	"ledgermatch/internal/domain/tenant"
)

const invoiceColumns = `id, tenant_id, number, total, balance, currency, customer_name, issue_date, status, updated_at`

// InvoiceRepository stores the local invoice projection.
type InvoiceRepository struct {
	db *DB
}

func NewInvoiceRepository(db *DB) *InvoiceRepository {
	return &InvoiceRepository{db: db}
}

func (r *InvoiceRepository) Upsert(ctx context.Context, scope tenant.Scope, invoices []*invoice.Invoice) error {
	tenantID, err := scope.Require()
	if err != nil {
		return err
	}
	if len(invoices) == 0 {
		return nil
	}

	return r.db.InTx(ctx, scope, "invoices.upsert", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO invoices (tenant_id, id, number, total, balance, currency, customer_name, issue_date, status, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
			ON CONFLICT (tenant_id, id) DO UPDATE
				SET number = EXCLUDED.number,
				    total = EXCLUDED.total,
				    balance = EXCLUDED.balance,
				    currency = EXCLUDED.currency,
				    customer_name = EXCLUDED.customer_name,
				    issue_date = EXCLUDED.issue_date,
				    status = EXCLUDED.status,
				    updated_at = NOW()`)
		if err != nil {
			return fmt.Errorf("failed to prepare invoice upsert: %w", err)
		}
		defer stmt.Close()

		for _, inv := range invoices {
			_, err := stmt.ExecContext(ctx,
				tenantID, inv.ID, inv.Number, inv.Total, inv.Balance, inv.Currency, inv.CustomerName,
				nullDate(inv.IssueDate), inv.Status,
			)
			if err != nil {
				return fmt.Errorf("failed to upsert invoice %d: %w", inv.ID, err)
			}
		}
		return nil
	})
}

func (r *InvoiceRepository) MarkClosedExcept(ctx context.Context, scope tenant.Scope, ids []int64) error {
	tenantID, err := scope.Require()
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		UPDATE invoices
		SET balance = 0, updated_at = NOW()
		WHERE tenant_id = $1 AND balance > 0 AND NOT (id = ANY($2))`,
		tenantID, pq.Array(ids),
	)
	if err != nil {
		return fmt.Errorf("failed to close cached invoices: %w", err)
	}
	return nil
}

func (r *InvoiceRepository) GetByID(ctx context.Context, scope tenant.Scope, id int64) (*invoice.Invoice, error) {
	filter, err := scope.Filter()
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + invoiceColumns + `
		FROM invoices
		WHERE id = $1 AND ($2::text IS NULL OR tenant_id = $2)
		LIMIT 1`

	inv, err := scanInvoice(r.db.QueryRowContext(ctx, query, id, filter))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, invoice.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invoice: %w", err)
	}
	return inv, nil
}

func (r *InvoiceRepository) ListOpen(ctx context.Context, scope tenant.Scope) ([]*invoice.Invoice, error) {
	filter, err := scope.Filter()
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + invoiceColumns + `
		FROM invoices
		WHERE ($1::text IS NULL OR tenant_id = $1) AND balance > 0
		ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list invoices: %w", err)
	}
	defer rows.Close()

	var invoices []*invoice.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invoice: %w", err)
		}
		invoices = append(invoices, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating invoices: %w", err)
	}
	return invoices, nil
}

func scanInvoice(row rowScanner) (*invoice.Invoice, error) {
	var inv invoice.Invoice
	var issueDate sql.NullTime

	err := row.Scan(
		&inv.ID, &inv.TenantID, &inv.Number, &inv.Total, &inv.Balance, &inv.Currency,
		&inv.CustomerName, &issueDate, &inv.Status, &inv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if issueDate.Valid {
		inv.IssueDate = issueDate.Time
	}
	return &inv, nil
}

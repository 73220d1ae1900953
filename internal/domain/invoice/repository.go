package invoice

import (
	"context"

	"ledgermatch/internal/domain/tenant"
)

// Source is the external invoicing system.
type Source interface {
	// ListOpen returns the tenant's invoices with a non-zero balance.
	ListOpen(ctx context.Context, scope tenant.Scope) ([]*Invoice, error)
	Get(ctx context.Context, scope tenant.Scope, id int64) (*Invoice, error)
	// ApplyPayment posts a payment against an invoice. A result with
	// Success=false means the source refused it; err is reserved for
	// transport and protocol failures. A payment already recorded under the
	// same external transaction id is reported as success without posting.
	ApplyPayment(ctx context.Context, scope tenant.Scope, p Payment) (*PaymentResult, error)
}

// Repository stores the local invoice projection.
type Repository interface {
	// Upsert writes the given invoices, replacing older copies.
	Upsert(ctx context.Context, scope tenant.Scope, invoices []*Invoice) error
	// MarkClosedExcept zeroes the balance of every cached open invoice whose
	// id is not in ids. Used after a full listing from the source.
	MarkClosedExcept(ctx context.Context, scope tenant.Scope, ids []int64) error
	GetByID(ctx context.Context, scope tenant.Scope, id int64) (*Invoice, error)
	ListOpen(ctx context.Context, scope tenant.Scope) ([]*Invoice, error)
}

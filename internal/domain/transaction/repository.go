package transaction

import (
	"context"
	"time"

	"github.com/google/uuid"

	"ledgermatch/internal/domain/tenant"
)

// Repository defines the interface for transaction data access. Every method
// is tenant scoped.
type Repository interface {
	// InsertIfAbsent stores the transaction unless one with the same
	// (tenant, provider, provider transaction id) exists. It returns the
	// stored row and whether this call created it. Uniqueness is enforced
	// by the storage layer, so concurrent ingests of one item are safe.
	InsertIfAbsent(ctx context.Context, scope tenant.Scope, params CreateParams) (*Transaction, bool, error)
	GetByID(ctx context.Context, scope tenant.Scope, id uuid.UUID) (*Transaction, error)
	GetByProviderID(ctx context.Context, scope tenant.Scope, provider, providerTransactionID string) (*Transaction, error)
	List(ctx context.Context, scope tenant.Scope, r Range, limit, offset int) ([]*Transaction, error)
	// ListUnmatched returns transactions since the given time that have no
	// approved match.
	ListUnmatched(ctx context.Context, scope tenant.Scope, since time.Time) ([]*Transaction, error)
}

// Observer is told about newly created transactions, after they are stored.
type Observer interface {
	TransactionsIngested(ctx context.Context, scope tenant.Scope, txs []*Transaction)
}

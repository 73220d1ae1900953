package matching

import (
	"context"
	"time"

	"github.com/google/uuid"

	"ledgermatch/internal/domain/tenant"
	"ledgermatch/internal/domain/transaction"
)

// Repository defines the interface for match data access.
type Repository interface {
	// UpsertCandidate creates a pending match for (transaction, invoice) or,
	// when one exists and is still pending, raises its confidence and reason
	// if the new score is strictly higher. The stored row is returned.
	UpsertCandidate(ctx context.Context, scope tenant.Scope, params UpsertParams) (*Match, error)

	GetByID(ctx context.Context, scope tenant.Scope, id uuid.UUID) (*Match, error)

	ListByTransaction(ctx context.Context, scope tenant.Scope, transactionID uuid.UUID) ([]*Match, error)

	HasApproved(ctx context.Context, scope tenant.Scope, transactionID uuid.UUID) (bool, error)

	// Claim marks a pending match as being applied until now+ttl. Claims are
	// exclusive per transaction: it fails with ErrApplyInProgress while any
	// match of the transaction holds a live claim, ErrAlreadyReconciled when
	// one is approved and ErrStatusChanged when the match is not pending.
	Claim(ctx context.Context, scope tenant.Scope, id uuid.UUID, ttl time.Duration) (*Match, error)

	// ReleaseClaim drops the claim on a match that was not applied.
	ReleaseClaim(ctx context.Context, scope tenant.Scope, id uuid.UUID) error

	// SetStatus moves a match from one status to another and clears any
	// claim. It fails with ErrStatusChanged when the match is not in the
	// from status, and with ErrAlreadyReconciled when another match of the
	// transaction is approved.
	SetStatus(ctx context.Context, scope tenant.Scope, id uuid.UUID, from, to Status) (*Match, error)
}

// TransactionReader is the part of the transaction store the engine reads.
type TransactionReader interface {
	GetByID(ctx context.Context, scope tenant.Scope, id uuid.UUID) (*transaction.Transaction, error)
	ListUnmatched(ctx context.Context, scope tenant.Scope, since time.Time) ([]*transaction.Transaction, error)
}

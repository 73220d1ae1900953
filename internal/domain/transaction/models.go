package transaction

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ledgermatch/internal/shared/apperr"
)

var (
	ErrNotFound      = apperr.New(apperr.KindNotFound, "transaction not found")
	ErrInvalidRange  = apperr.New(apperr.KindValidation, "from date must not be after to date")
	ErrMissingID     = apperr.New(apperr.KindValidation, "provider transaction id is required")
	ErrMissingDate   = apperr.New(apperr.KindValidation, "transaction date is required")
	ErrNoFetcher     = apperr.New(apperr.KindConfiguration, "provider does not support transaction listing")
	ErrInvalidAmount = apperr.New(apperr.KindValidation, "transaction amount is invalid")
)

// Transaction is an immutable financial event reported by a provider.
// Amount is always in major currency units.
type Transaction struct {
	ID                    uuid.UUID       `json:"id"`
	TenantID              string          `json:"-"`
	ConnectionID          *uuid.UUID      `json:"connectionId,omitempty"`
	Provider              string          `json:"provider"`
	ProviderTransactionID string          `json:"providerTransactionId"`
	Amount                decimal.Decimal `json:"amount"`
	Currency              string          `json:"currency"`
	Description           string          `json:"description"`
	Reference             string          `json:"reference"`
	OccurredAt            time.Time       `json:"occurredAt"`
	IngestedAt            time.Time       `json:"ingestedAt"`
}

// ProviderTransaction is the canonical shape every provider response is
// normalized into before it reaches the ingestor.
type ProviderTransaction struct {
	ProviderTransactionID string
	Amount                decimal.Decimal
	Currency              string
	Description           string
	Reference             string
	OccurredAt            time.Time
	// AccountID names the provider account the item belongs to, when the
	// payload carries it. Webhooks use it to find the owning connection.
	AccountID string
}

func (p ProviderTransaction) Validate() error {
	if p.ProviderTransactionID == "" {
		return ErrMissingID
	}
	if p.OccurredAt.IsZero() {
		return ErrMissingDate
	}
	return nil
}

type CreateParams struct {
	ConnectionID *uuid.UUID
	Provider     string
	Item         ProviderTransaction
}

// Range bounds a listing by occurrence date, both ends inclusive.
type Range struct {
	From time.Time
	To   time.Time
}

func (r Range) Validate() error {
	if !r.From.IsZero() && !r.To.IsZero() && r.From.After(r.To) {
		return ErrInvalidRange
	}
	return nil
}

// SyncResult summarizes one ingestion run.
type SyncResult struct {
	ConnectionID uuid.UUID      `json:"connectionId"`
	Fetched      int            `json:"fetched"`
	Created      int            `json:"created"`
	Existing     int            `json:"existing"`
	Errors       []string       `json:"errors"`
	Transactions []*Transaction `json:"transactions"`
}

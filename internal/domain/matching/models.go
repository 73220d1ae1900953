package matching

import (
	"time"

	"github.com/google/uuid"

	"ledgermatch/internal/domain/invoice"
	"ledgermatch/internal/shared/apperr"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

const (
	DefaultMinConfidence      = 0.5
	DefaultAutoApplyThreshold = 0.9

	// DefaultApplyClaimTTL bounds how long an apply holds its claim. A crash
	// between claiming and approving frees the transaction after this.
	DefaultApplyClaimTTL = 2 * time.Minute
)

var (
	ErrNotFound          = apperr.New(apperr.KindNotFound, "match not found")
	ErrMatchRejected     = apperr.New(apperr.KindConflict, "match was rejected and cannot be applied")
	ErrMatchApproved     = apperr.New(apperr.KindConflict, "match was approved and cannot be rejected")
	ErrAlreadyReconciled = apperr.New(apperr.KindConflict, "transaction already has an approved match")
	ErrApplyInProgress   = apperr.New(apperr.KindConflict, "a payment for this transaction is already being applied")
	// ErrStatusChanged is returned by Repository.SetStatus when the match is
	// no longer in the expected status.
	ErrStatusChanged = apperr.New(apperr.KindConflict, "match status changed concurrently")
)

// Match links one transaction to one invoice. At most one match per
// transaction is ever approved.
type Match struct {
	ID            uuid.UUID `json:"id"`
	TenantID      string    `json:"-"`
	TransactionID uuid.UUID `json:"transactionId"`
	InvoiceID     int64     `json:"invoiceId"`
	Confidence    float64   `json:"confidence"`
	Reason        string    `json:"reason"`
	Status        Status    `json:"status"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Candidate is a scored match together with the invoice it points at.
type Candidate struct {
	*Match
	Invoice *invoice.Invoice `json:"invoice,omitempty"`
}

// FindResult is returned by FindMatches. AlreadyMatched short-circuits
// scoring when the transaction is already reconciled.
type FindResult struct {
	AlreadyMatched bool         `json:"alreadyMatched"`
	Matches        []*Candidate `json:"matches"`
}

// UpsertParams describes a scored candidate to store.
type UpsertParams struct {
	TransactionID uuid.UUID
	InvoiceID     int64
	Confidence    float64
	Reason        string
}

// AutoApplyResult summarizes one batch run.
type AutoApplyResult struct {
	TransactionsChecked int      `json:"transactionsChecked"`
	CandidatesFound     int      `json:"candidatesFound"`
	Applied             int      `json:"applied"`
	Skipped             int      `json:"skipped"`
	Errors              []string `json:"errors"`
}
